package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-link/internal/agent"
	"github.com/postalsys/muti-link/internal/chaos"
	"github.com/postalsys/muti-link/internal/config"
	"github.com/postalsys/muti-link/internal/controller"
	"github.com/postalsys/muti-link/internal/crypto"
	"github.com/postalsys/muti-link/internal/loadtest"
	"github.com/postalsys/muti-link/internal/logging"
)

// benchOptions controls a loopback benchmark run.
type benchOptions struct {
	Duration    time.Duration
	PayloadSize int
	Concurrency int
	Rate        float64
	Loss        float64
}

// benchResult is what a benchmark run measured.
type benchResult struct {
	Load     *loadtest.DatagramMetrics
	Received int64
	Injected int64
}

func benchCmd() *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure link throughput over loopback",
		Long: `Start two nodes on 127.0.0.1, send datagrams from one to the other, and
report how many arrived. --loss drops that share of inbound datagrams on
the receiving node.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := runBench(ctx, opts)
			if err != nil {
				return err
			}
			printBench(cmd.OutOrStdout(), opts, res)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 3*time.Second, "How long to send")
	cmd.Flags().IntVarP(&opts.PayloadSize, "size", "s", 512, "Payload size in bytes")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 2, "Number of sending workers")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 0, "Packets per second limit (0 for unlimited)")
	cmd.Flags().Float64Var(&opts.Loss, "loss", 0, "Inbound drop probability on the receiver (0.0 to 1.0)")

	return cmd
}

func runBench(ctx context.Context, opts benchOptions) (*benchResult, error) {
	if opts.Loss < 0 || opts.Loss > 1 {
		return nil, fmt.Errorf("loss must be between 0 and 1, got %v", opts.Loss)
	}

	var sink loadtest.Sink
	var faults *chaos.FaultInjector
	if opts.Loss > 0 {
		faults = chaos.NewFaultInjector(chaos.FaultConfig{
			Type:        chaos.FaultDropReceive,
			Probability: opts.Loss,
		})
	}

	rxCfg := config.Default()
	rxCfg.UDP.Bind = "127.0.0.1:0"
	rx, err := agent.New(rxCfg, agent.Options{
		Logger: logging.NopLogger(),
		Faults: faults,
		OnMessage: func(ep *controller.Endpoint, payload []byte) {
			sink.Record(payload)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create receiver: %w", err)
	}
	defer rx.Stop()

	txCfg := config.Default()
	txCfg.UDP.Bind = "127.0.0.1:0"
	txCfg.Peers = []config.PeerConfig{{
		Address:   rx.LocalAddr().String(),
		PublicKey: crypto.EncodeKey(rx.PublicKey()),
	}}
	tx, err := agent.New(txCfg, agent.Options{Logger: logging.NopLogger()})
	if err != nil {
		return nil, fmt.Errorf("create sender: %w", err)
	}
	defer tx.Stop()

	for _, a := range []*agent.Agent{rx, tx} {
		if err := a.Start(); err != nil {
			return nil, fmt.Errorf("start node: %w", err)
		}
	}

	gen := loadtest.NewDatagramLoadGenerator(opts.Concurrency, opts.PayloadSize, opts.Duration).
		WithRate(opts.Rate, opts.Concurrency)
	dst := rx.LocalAddr()
	load, err := gen.Run(ctx, func(p []byte) error {
		return tx.Send(dst, p)
	})
	if err != nil {
		return nil, err
	}

	// Let datagrams in flight drain.
	settle := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(settle) {
		if sink.Packets()+injected(faults) >= load.Sent {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return &benchResult{
		Load:     load,
		Received: sink.Packets(),
		Injected: injected(faults),
	}, nil
}

func injected(f *chaos.FaultInjector) int64 {
	if f == nil {
		return 0
	}
	return f.GetStats()[chaos.FaultDropReceive]
}

func printBench(w io.Writer, opts benchOptions, res *benchResult) {
	l := res.Load
	fmt.Fprintf(w, "Duration: %s, payload %s, %d workers\n",
		l.Duration.Round(time.Millisecond), humanize.Bytes(uint64(opts.PayloadSize)), opts.Concurrency)
	fmt.Fprintf(w, "Sent: %s packets (%s), %s pps\n",
		humanize.Comma(l.Sent), humanize.Bytes(uint64(l.BytesSent)), humanize.Comma(int64(l.PacketsPerSecond)))
	fmt.Fprintf(w, "Received: %s packets, %.2f%% loss\n",
		humanize.Comma(res.Received), loadtest.LossPercent(l.Sent, res.Received))
	if l.Backpressure > 0 {
		fmt.Fprintf(w, "Backpressure: %s sends refused\n", humanize.Comma(l.Backpressure))
	}
	if l.Failed > 0 {
		fmt.Fprintf(w, "Failed: %s sends\n", humanize.Comma(l.Failed))
	}
	if res.Injected > 0 {
		fmt.Fprintf(w, "Injected drops: %s\n", humanize.Comma(res.Injected))
	}
}
