package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"figger-go/pkg/endpoint"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	rng := cfg.PortRange()
	if rng.Min != 10000 || rng.Max != 11000 {
		t.Errorf("unexpected default range %s", rng)
	}
	protos, _ := cfg.ProtocolSet()
	if len(protos) != 2 || protos[0] != endpoint.TCP || protos[1] != endpoint.UDP {
		t.Errorf("unexpected default protocols %v", protos)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "figger.yaml")
	data := `
min_port: 20000
max_port: 20010
protocols: [udp, UDP]
hook: none
controller:
  start_command: "echo start {name}"
  command_timeout: 5s
  watch: [udp-20001]
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.MinPort != 20000 || cfg.MaxPort != 20010 || cfg.Hook != HookNone {
		t.Errorf("unexpected config %+v", cfg)
	}
	protos, _ := cfg.ProtocolSet()
	if len(protos) != 1 || protos[0] != endpoint.UDP {
		t.Errorf("unexpected protocols %v", protos)
	}
	if cfg.Controller.StartCommand != "echo start {name}" || cfg.Controller.CommandTimeout != 5*time.Second {
		t.Errorf("unexpected controller config %+v", cfg.Controller)
	}
	if len(cfg.Controller.Watch) != 1 || cfg.Controller.Watch[0] != "udp-20001" {
		t.Errorf("unexpected watch list %v", cfg.Controller.Watch)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("FIGGER_MAX_PORT", "10100")
	t.Setenv("FIGGER_CONTROLLER_STOP_COMMAND", "true")
	cfg, err := LoadConfig("figger-test-missing")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.MaxPort != 10100 {
		t.Errorf("env override ignored: %d", cfg.MaxPort)
	}
	if cfg.Controller.StopCommand != "true" {
		t.Errorf("nested env override ignored: %q", cfg.Controller.StopCommand)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"inverted":     func(c *Config) { c.MinPort, c.MaxPort = 11000, 10000 },
		"zero port":    func(c *Config) { c.MinPort = 0 },
		"too high":     func(c *Config) { c.MaxPort = 70000 },
		"no protocols": func(c *Config) { c.Protocols = nil },
		"bad protocol": func(c *Config) { c.Protocols = []string{"sctp"} },
		"bad hook":     func(c *Config) { c.Hook = "ebpf" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}
