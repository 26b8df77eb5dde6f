package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testKeyA = "8f40c5adb68f25624ae5b214ea767a6ec94d829d3d7b5e1ad1ba6f3e2138285f"
	testKeyB = "de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Agent.LogFormat != "text" {
		t.Errorf("Agent.LogFormat = %s, want text", cfg.Agent.LogFormat)
	}
	if cfg.UDP.Bind != "" {
		t.Errorf("UDP.Bind = %q, want empty", cfg.UDP.Bind)
	}
	if cfg.UDP.SendErrorLogRate != 10 || cfg.UDP.SendErrorLogBurst != 10 {
		t.Errorf("UDP send error log limit = %v/%d, want 10/10", cfg.UDP.SendErrorLogRate, cfg.UDP.SendErrorLogBurst)
	}
	if cfg.Controller.MaxEndpoints != 256 {
		t.Errorf("Controller.MaxEndpoints = %d, want 256", cfg.Controller.MaxEndpoints)
	}
	if cfg.Health.Address != ":8080" {
		t.Errorf("Health.Address = %s, want :8080", cfg.Health.Address)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  log_level: "debug"
  log_format: "json"
  private_key: "` + testKeyA + `"

udp:
  bind: "0.0.0.0:11234"
  send_error_log_rate: 2.5
  send_error_log_burst: 5

controller:
  max_endpoints: 16

peers:
  - address: "192.168.1.50:11234"
    public_key: "` + testKeyB + `"
    password: "secret"
  - address: "10.0.0.7:5000"
    public_key: "0x` + testKeyA + `"

health:
  enabled: true
  address: "127.0.0.1:9090"
  read_timeout: 5s
  write_timeout: 1m
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
	if cfg.Agent.LogFormat != "json" {
		t.Errorf("Agent.LogFormat = %s, want json", cfg.Agent.LogFormat)
	}
	if cfg.Agent.PrivateKey != testKeyA {
		t.Errorf("Agent.PrivateKey = %s, want %s", cfg.Agent.PrivateKey, testKeyA)
	}
	if cfg.UDP.Bind != "0.0.0.0:11234" {
		t.Errorf("UDP.Bind = %s, want 0.0.0.0:11234", cfg.UDP.Bind)
	}
	if cfg.UDP.SendErrorLogRate != 2.5 || cfg.UDP.SendErrorLogBurst != 5 {
		t.Errorf("UDP send error log limit = %v/%d, want 2.5/5", cfg.UDP.SendErrorLogRate, cfg.UDP.SendErrorLogBurst)
	}
	if cfg.Controller.MaxEndpoints != 16 {
		t.Errorf("Controller.MaxEndpoints = %d, want 16", cfg.Controller.MaxEndpoints)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(cfg.Peers))
	}
	if cfg.Peers[0].Password != "secret" {
		t.Errorf("Peers[0].Password = %s, want secret", cfg.Peers[0].Password)
	}
	if cfg.Peers[1].Password != "" {
		t.Errorf("Peers[1].Password = %s, want empty", cfg.Peers[1].Password)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9090" {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if cfg.Health.ReadTimeout != 5*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 5s", cfg.Health.ReadTimeout)
	}
	if cfg.Health.WriteTimeout != time.Minute {
		t.Errorf("Health.WriteTimeout = %v, want 1m", cfg.Health.WriteTimeout)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("agent:\n  log_level: warn\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.LogLevel != "warn" {
		t.Errorf("Agent.LogLevel = %s, want warn", cfg.Agent.LogLevel)
	}
	// Unset sections keep their defaults
	if cfg.Controller.MaxEndpoints != 256 {
		t.Errorf("Controller.MaxEndpoints = %d, want 256", cfg.Controller.MaxEndpoints)
	}
	if cfg.Health.ReadTimeout != 10*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 10s", cfg.Health.ReadTimeout)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
agent:
  log_level: "info"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "invalid log level",
			yaml:      "agent:\n  log_level: \"invalid\"\n",
			wantError: "invalid log_level",
		},
		{
			name:      "invalid log format",
			yaml:      "agent:\n  log_format: \"xml\"\n",
			wantError: "invalid log_format",
		},
		{
			name:      "short private key",
			yaml:      "agent:\n  private_key: \"abcd\"\n",
			wantError: "agent.private_key",
		},
		{
			name:      "IPv6 bind",
			yaml:      "udp:\n  bind: \"[::1]:1234\"\n",
			wantError: "is not IPv4",
		},
		{
			name:      "hostname bind",
			yaml:      "udp:\n  bind: \"localhost:1234\"\n",
			wantError: "udp.bind: invalid address",
		},
		{
			name:      "negative burst",
			yaml:      "udp:\n  send_error_log_burst: -1\n",
			wantError: "send_error_log_burst",
		},
		{
			name:      "zero max endpoints",
			yaml:      "controller:\n  max_endpoints: 0\n",
			wantError: "controller.max_endpoints must be positive",
		},
		{
			name: "peer missing address",
			yaml: `
peers:
  - public_key: "` + testKeyA + `"
`,
			wantError: "peers[0]: address is required",
		},
		{
			name: "peer missing port",
			yaml: `
peers:
  - address: "10.0.0.1:0"
    public_key: "` + testKeyA + `"
`,
			wantError: "has no port",
		},
		{
			name: "peer bad key",
			yaml: `
peers:
  - address: "10.0.0.1:4000"
    public_key: "not-a-key"
`,
			wantError: "public_key must be 64 hex characters",
		},
		{
			name: "duplicate peers",
			yaml: `
peers:
  - address: "10.0.0.1:4000"
    public_key: "` + testKeyA + `"
  - address: "10.0.0.1:4000"
    public_key: "` + testKeyB + `"
`,
			wantError: "duplicate address 10.0.0.1:4000",
		},
		{
			name: "more peers than endpoints",
			yaml: `
controller:
  max_endpoints: 1
peers:
  - address: "10.0.0.1:4000"
    public_key: "` + testKeyA + `"
  - address: "10.0.0.2:4000"
    public_key: "` + testKeyB + `"
`,
			wantError: "2 peers configured",
		},
		{
			name:      "health without address",
			yaml:      "health:\n  enabled: true\n  address: \"\"\n",
			wantError: "health.address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Agent.LogLevel = "loud"
	cfg.Controller.MaxEndpoints = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"invalid log_level", "controller.max_endpoints"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error = %v, want to contain %q", err, want)
		}
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_UDP_BIND", "127.0.0.1:7777")
	t.Setenv("TEST_PEER_KEY", testKeyB)
	t.Setenv("TEST_PEER_ADDR", "10.0.0.1:4433")

	yamlConfig := `
udp:
  bind: "${TEST_UDP_BIND}"

peers:
  - public_key: "${TEST_PEER_KEY}"
    address: "$TEST_PEER_ADDR"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.UDP.Bind != "127.0.0.1:7777" {
		t.Errorf("UDP.Bind = %s, want 127.0.0.1:7777", cfg.UDP.Bind)
	}
	if cfg.Peers[0].PublicKey != testKeyB {
		t.Errorf("Peers[0].PublicKey = %s, want %s", cfg.Peers[0].PublicKey, testKeyB)
	}
	if cfg.Peers[0].Address != "10.0.0.1:4433" {
		t.Errorf("Peers[0].Address = %s, want 10.0.0.1:4433", cfg.Peers[0].Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	cfg, err := Parse([]byte("udp:\n  bind: \"${NONEXISTENT_VAR:-127.0.0.1:9999}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.UDP.Bind != "127.0.0.1:9999" {
		t.Errorf("UDP.Bind = %s, want 127.0.0.1:9999", cfg.UDP.Bind)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	cfg, err := Parse([]byte("peers: []\nhealth:\n  address: \"${NONEXISTENT_VAR}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should keep the original placeholder if not found
	if cfg.Health.Address != "${NONEXISTENT_VAR}" {
		t.Errorf("Health.Address = %s, want ${NONEXISTENT_VAR}", cfg.Health.Address)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
agent:
  log_level: "debug"
udp:
  bind: "127.0.0.1:0"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
	if cfg.UDP.Bind != "127.0.0.1:0" {
		t.Errorf("UDP.Bind = %s, want 127.0.0.1:0", cfg.UDP.Bind)
	}
}

func TestConfig_String(t *testing.T) {
	cfg := Default()
	s := cfg.String()

	for _, want := range []string{"agent", "udp", "controller", "health"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() should contain %q", want)
		}
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Agent.PrivateKey = testKeyA
	cfg.Peers = []PeerConfig{
		{Address: "10.0.0.1:4000", PublicKey: testKeyB, Password: "hunter2"},
		{Address: "10.0.0.2:4000", PublicKey: testKeyB},
	}

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false, want true")
	}

	r := cfg.Redacted()
	if r.Agent.PrivateKey != redactedValue {
		t.Errorf("redacted PrivateKey = %s", r.Agent.PrivateKey)
	}
	if r.Peers[0].Password != redactedValue {
		t.Errorf("redacted Peers[0].Password = %s", r.Peers[0].Password)
	}
	if r.Peers[1].Password != "" {
		t.Errorf("empty password became %q", r.Peers[1].Password)
	}
	if r.Peers[0].PublicKey != testKeyB {
		t.Error("public key should not be redacted")
	}

	// The original is untouched
	if cfg.Agent.PrivateKey != testKeyA || cfg.Peers[0].Password != "hunter2" {
		t.Error("Redacted() modified the original config")
	}

	s := cfg.String()
	if strings.Contains(s, testKeyA) || strings.Contains(s, "hunter2") {
		t.Errorf("String() leaked secrets:\n%s", s)
	}
	if !strings.Contains(cfg.StringUnsafe(), "hunter2") {
		t.Error("StringUnsafe() should include the password")
	}
}

func TestHasSensitiveData_None(t *testing.T) {
	if Default().HasSensitiveData() {
		t.Error("HasSensitiveData() = true for defaults")
	}
}
