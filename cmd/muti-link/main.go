// Package main provides the CLI entry point for the Muti Link node.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-link/internal/agent"
	"github.com/postalsys/muti-link/internal/config"
	"github.com/postalsys/muti-link/internal/crypto"
	"github.com/postalsys/muti-link/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muti-link",
		Short: "Muti Link - UDP link layer for an encrypted mesh",
		Long: `Muti Link carries mesh traffic between nodes over plain UDP/IPv4.

Each remote node is addressed by an 8 byte endpoint key derived from its
IPv4 address and port. Known peers are configured with their X25519
public keys; other nodes are learned from their traffic.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(pubkeyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Walk through node key, bind address and peers, and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the link node",
		Long:  "Bind the UDP interface and exchange traffic with the configured peers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := a.Start(); err != nil {
				a.Stop()
				return fmt.Errorf("failed to start agent: %w", err)
			}

			pub := a.PublicKey()
			fmt.Printf("Muti Link %s\n", Version)
			fmt.Printf("Listening: udp/%s\n", a.LocalAddr())
			fmt.Printf("Public key: %s\n", crypto.EncodeKey(pub))
			fmt.Printf("Peers: %d configured\n", len(cfg.Peers))
			if cfg.Health.Enabled {
				fmt.Printf("Health: http://%s/healthz\n", cfg.Health.Address)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
			case <-a.Done():
				fmt.Println("Event loop exited, shutting down...")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			sum := a.Summary()
			if err := a.StopWithContext(shutdownCtx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func printSummary(w io.Writer, sum agent.Summary) {
	fmt.Fprintf(w, "Uptime: %s\n", sum.Uptime.Round(time.Second))
	fmt.Fprintf(w, "Endpoints: %d\n", sum.Endpoints)
	fmt.Fprintf(w, "Received: %s packets, %s\n", humanize.Comma(int64(sum.PacketsIn)), humanize.Bytes(sum.BytesIn))
	fmt.Fprintf(w, "Sent: %s packets, %s\n", humanize.Comma(int64(sum.PacketsOut)), humanize.Bytes(sum.BytesOut))
	if sum.Dropped > 0 {
		fmt.Fprintf(w, "Dropped: %s packets\n", humanize.Comma(int64(sum.Dropped)))
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an X25519 keypair",
		Long:  "Generate a keypair for agent.private_key. Share the public key with peers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := crypto.GenerateKeypair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private_key: %s\n", crypto.EncodeKey(priv))
			fmt.Fprintf(out, "public_key:  %s\n", crypto.EncodeKey(pub))
			return nil
		},
	}
}

func pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey [private-key]",
		Short: "Print the public key for a private key",
		Long:  "Derive the public key from a hex private key given as an argument or on stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 1 {
				input = args[0]
			} else {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1024))
				if err != nil {
					return err
				}
				input = strings.TrimSpace(string(data))
			}

			priv, err := crypto.ParseKey(input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.EncodeKey(crypto.PublicKey(priv)))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Query a running node's health server and list its endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/endpoints")
			if err != nil {
				return fmt.Errorf("query health server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health server returned %s", resp.Status)
			}

			var body struct {
				Endpoints []struct {
					Address       string    `json:"address"`
					Interface     string    `json:"interface"`
					Authenticated bool      `json:"authenticated"`
					LastSeen      time.Time `json:"last_seen"`
					BytesIn       uint64    `json:"bytes_in"`
					BytesOut      uint64    `json:"bytes_out"`
				} `json:"endpoints"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d endpoints\n", len(body.Endpoints))
			for _, ep := range body.Endpoints {
				seen := "never"
				if !ep.LastSeen.IsZero() {
					seen = humanize.Time(ep.LastSeen)
				}
				auth := "learned"
				if ep.Authenticated {
					auth = "configured"
				}
				fmt.Fprintf(out, "  %-21s %-10s in %-8s out %-8s seen %s\n",
					ep.Address, auth, humanize.Bytes(ep.BytesIn), humanize.Bytes(ep.BytesOut), seen)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "Health server address")

	return cmd
}
