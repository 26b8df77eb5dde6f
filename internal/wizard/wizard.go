// Package wizard provides an interactive setup wizard for Muti Link.
package wizard

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/muti-link/internal/config"
	"github.com/postalsys/muti-link/internal/crypto"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	PublicKey  string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath    string
	Bind          string
	PrivateKey    string // hex; empty means generate
	Peers         []config.PeerConfig
	LogLevel      string
	HealthEnabled bool
	HealthAddress string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := Answers{
		ConfigPath:    "./config.yaml",
		LogLevel:      "info",
		HealthAddress: "127.0.0.1:8080",
	}

	// Step 1: Basic setup
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Node key
	if err := w.askIdentity(&a); err != nil {
		return nil, err
	}

	// Step 3: Peers
	peers, err := w.askPeerConnections()
	if err != nil {
		return nil, err
	}
	a.Peers = peers

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, pub, err := w.buildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(pub, a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		PublicKey:  pub,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  __  __       _   _   _     _       _
 |  \/  |_   _| |_(_) | |   (_)_ __ | | __
 | |\/| | | | | __| | | |   | | '_ \| |/ /
 | |  | | |_| | |_| | | |___| | | | |   <
 |_|  |_|\__,_|\__|_| |_____|_|_| |_|_|\_\
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Mesh Link - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to write the configuration and which UDP address to use."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("UDP Bind Address").
				Description("IPv4 host:port to listen on, empty for any port").
				Placeholder("0.0.0.0:11234").
				Value(&a.Bind).
				Validate(validateBind),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askIdentity(a *Answers) error {
	generate := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Node Key").
				Description("Peers identify this node by its X25519 public key."),

			huh.NewConfirm().
				Title("Generate a new key?").
				Description("Choose No to paste an existing private key").
				Value(&generate),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if generate {
		a.PrivateKey = ""
		return nil
	}

	keyForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Private Key").
				Description("64 hex characters").
				EchoMode(huh.EchoModePassword).
				Value(&a.PrivateKey).
				Validate(func(s string) error {
					_, err := crypto.ParseKey(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	return keyForm.Run()
}

func (w *Wizard) askPeerConnections() ([]config.PeerConfig, error) {
	var addPeers bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Peers").
				Description("Configure nodes this one should know in advance."),

			huh.NewConfirm().
				Title("Add peers?").
				Description("Other nodes are still learned from their traffic").
				Value(&addPeers),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}

	if !addPeers {
		return nil, nil
	}

	var peers []config.PeerConfig
	addMore := true

	for addMore {
		peer, err := w.askSinglePeer(len(peers) + 1)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another peer?").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err := confirmForm.Run(); err != nil {
			return nil, err
		}
	}

	return peers, nil
}

func (w *Wizard) askSinglePeer(peerNum int) (config.PeerConfig, error) {
	var peer config.PeerConfig

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Peer #%d", peerNum)),

			huh.NewInput().
				Title("Peer Address").
				Description("IPv4 address of the peer (host:port)").
				Placeholder("192.0.2.10:11234").
				Value(&peer.Address).
				Validate(validatePeerAddress),

			huh.NewInput().
				Title("Public Key").
				Description("The peer's X25519 public key (hex)").
				Value(&peer.PublicKey).
				Validate(func(s string) error {
					_, err := crypto.ParsePublicKey(s)
					return err
				}),

			huh.NewInput().
				Title("Password").
				Description("Optional shared password").
				EchoMode(huh.EchoModePassword).
				Value(&peer.Password),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return peer, err
	}

	peer.PublicKey = normalizeHexKey(peer.PublicKey)
	return peer, nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics, /endpoints)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns answers into a config. It generates the node key when
// none was given and returns the hex public key.
func (w *Wizard) buildConfig(a Answers) (*config.Config, string, error) {
	cfg := config.Default()

	var priv [crypto.KeySize]byte
	if a.PrivateKey == "" {
		var err error
		priv, _, err = crypto.GenerateKeypair()
		if err != nil {
			return nil, "", err
		}
	} else {
		var err error
		priv, err = crypto.ParseKey(a.PrivateKey)
		if err != nil {
			return nil, "", err
		}
	}

	cfg.Agent.PrivateKey = crypto.EncodeKey(priv)
	cfg.Agent.LogLevel = a.LogLevel
	cfg.Agent.LogFormat = "text"
	cfg.UDP.Bind = strings.TrimSpace(a.Bind)
	cfg.Peers = a.Peers

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	return cfg, crypto.EncodeKey(crypto.PublicKey(priv)), nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Muti Link Configuration
# Generated by setup wizard
# Contains the node's private key; keep this file private.

`
	// The file holds the private key
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(publicKey, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Public key:   %s\n", publicKey)
	fmt.Printf("  Config file:  %s\n", configPath)
	bind := cfg.UDP.Bind
	if bind == "" {
		bind = "0.0.0.0 (any port)"
	}
	fmt.Printf("  UDP bind:     %s\n", bind)
	fmt.Printf("  Peers:        %d\n", len(cfg.Peers))

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the node:")
	fmt.Printf("    muti-link run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateBind(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return fmt.Errorf("invalid address format")
	}
	if !ap.Addr().Is4() {
		return fmt.Errorf("only IPv4 addresses are supported")
	}
	return nil
}

func validatePeerAddress(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if err := validateBind(s); err != nil {
		return err
	}
	if ap, _ := netip.ParseAddrPort(s); ap.Port() == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}

// normalizeHexKey strips whitespace and a 0x prefix.
func normalizeHexKey(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return s
}
