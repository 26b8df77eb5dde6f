// Package config provides configuration parsing and validation for Muti Link.
package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	UDP        UDPConfig        `yaml:"udp"`
	Controller ControllerConfig `yaml:"controller"`
	Peers      []PeerConfig     `yaml:"peers"`
	Health     HealthConfig     `yaml:"health"`
}

// AgentConfig contains node identity and logging settings.
type AgentConfig struct {
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // text, json
	PrivateKey string `yaml:"private_key"` // hex X25519 key, empty generates one
}

// UDPConfig defines the UDP interface.
type UDPConfig struct {
	Bind              string  `yaml:"bind"` // IPv4 "host:port", empty for any port
	SendErrorLogRate  float64 `yaml:"send_error_log_rate"`
	SendErrorLogBurst int     `yaml:"send_error_log_burst"`
}

// ControllerConfig defines endpoint table settings.
type ControllerConfig struct {
	MaxEndpoints int `yaml:"max_endpoints"`
}

// PeerConfig defines a statically configured endpoint.
type PeerConfig struct {
	Address   string `yaml:"address"`    // IPv4 "host:port"
	PublicKey string `yaml:"public_key"` // 64 hex chars
	Password  string `yaml:"password"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		UDP: UDPConfig{
			SendErrorLogRate:  10,
			SendErrorLogBurst: 10,
		},
		Controller: ControllerConfig{
			MaxEndpoints: 256,
		},
		Peers: []PeerConfig{},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}
	if c.Agent.PrivateKey != "" && !isValidKey(c.Agent.PrivateKey) {
		errs = append(errs, "agent.private_key must be 64 hex characters")
	}

	if c.UDP.Bind != "" {
		if err := validateIPv4AddrPort(c.UDP.Bind); err != nil {
			errs = append(errs, fmt.Sprintf("udp.bind: %v", err))
		}
	}
	if c.UDP.SendErrorLogBurst < 0 {
		errs = append(errs, "udp.send_error_log_burst must not be negative")
	}

	if c.Controller.MaxEndpoints < 1 {
		errs = append(errs, "controller.max_endpoints must be positive")
	}
	if len(c.Peers) > c.Controller.MaxEndpoints {
		errs = append(errs, fmt.Sprintf("%d peers configured but controller.max_endpoints is %d", len(c.Peers), c.Controller.MaxEndpoints))
	}

	seen := make(map[string]int, len(c.Peers))
	for i, p := range c.Peers {
		if err := validatePeer(p); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
		if j, dup := seen[p.Address]; dup && p.Address != "" {
			errs = append(errs, fmt.Sprintf("peers[%d]: duplicate address %s (also peers[%d])", i, p.Address, j))
		}
		seen[p.Address] = i
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidKey(s string) bool {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// validateIPv4AddrPort accepts numeric IPv4 "host:port" only; the UDP
// interface cannot carry IPv6 endpoints.
func validateIPv4AddrPort(s string) error {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", s, err)
	}
	if !ap.Addr().Is4() {
		return fmt.Errorf("address %q is not IPv4", s)
	}
	return nil
}

func validatePeer(p PeerConfig) error {
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if err := validateIPv4AddrPort(p.Address); err != nil {
		return err
	}
	if ap, _ := netip.ParseAddrPort(p.Address); ap.Port() == 0 {
		return fmt.Errorf("address %q has no port", p.Address)
	}
	if !isValidKey(p.PublicKey) {
		return fmt.Errorf("public_key must be 64 hex characters")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Deep copy through YAML
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Agent.PrivateKey != "" {
		redacted.Agent.PrivateKey = redactedValue
	}
	for i := range redacted.Peers {
		if redacted.Peers[i].Password != "" {
			redacted.Peers[i].Password = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Agent.PrivateKey != "" {
		return true
	}
	for _, p := range c.Peers {
		if p.Password != "" {
			return true
		}
	}
	return false
}
