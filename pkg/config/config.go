package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"figger-go/pkg/endpoint"

	"github.com/spf13/viper"
)

const (
	HookNone    = "none"
	HookNFQueue = "nfqueue"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ControllerConfig drives the built-in control-plane actor.
type ControllerConfig struct {
	StartCommand   string        `mapstructure:"start_command"`
	StopCommand    string        `mapstructure:"stop_command"`
	SetupCommand   string        `mapstructure:"setup_command"`
	TeardownCmd    string        `mapstructure:"teardown_command"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Watch          []string      `mapstructure:"watch"`
}

type Config struct {
	MinPort            int              `mapstructure:"min_port"`
	MaxPort            int              `mapstructure:"max_port"`
	Protocols          []string         `mapstructure:"protocols"`
	Hook               string           `mapstructure:"hook"`
	NFQueueNum         uint16           `mapstructure:"nfqueue_num"`
	APIListenAddr      string           `mapstructure:"api_listen_address"`
	ManagementSocket   string           `mapstructure:"management_socket"`
	ManagementPassword string           `mapstructure:"management_password"`
	LogDB              string           `mapstructure:"log_db"`
	Debug              bool             `mapstructure:"debug"`
	HostIP             string           `mapstructure:"host_ip"`
	Controller         ControllerConfig `mapstructure:"controller"`
	ConfigFile         string           `mapstructure:"config_file"`
}

func DefaultConfig() *Config {
	return &Config{
		MinPort:          10000,
		MaxPort:          11000,
		Protocols:        []string{"tcp", "udp"},
		Hook:             HookNFQueue,
		NFQueueNum:       100,
		APIListenAddr:    "127.0.0.1:7780",
		ManagementSocket: "/run/figger-go/figger.sock",
		LogDB:            "figger.db",
		Controller: ControllerConfig{
			CommandTimeout: 30 * time.Second,
		},
		ConfigFile: "figger",
	}
}

// LoadConfig reads configFile (or figger.yaml from the usual search paths)
// and FIGGER_* environment variables on top of the defaults.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	v.SetDefault("min_port", cfg.MinPort)
	v.SetDefault("max_port", cfg.MaxPort)
	v.SetDefault("protocols", cfg.Protocols)
	v.SetDefault("hook", cfg.Hook)
	v.SetDefault("nfqueue_num", cfg.NFQueueNum)
	v.SetDefault("api_listen_address", cfg.APIListenAddr)
	v.SetDefault("management_socket", cfg.ManagementSocket)
	v.SetDefault("management_password", cfg.ManagementPassword)
	v.SetDefault("log_db", cfg.LogDB)
	v.SetDefault("debug", cfg.Debug)
	v.SetDefault("controller.start_command", cfg.Controller.StartCommand)
	v.SetDefault("controller.stop_command", cfg.Controller.StopCommand)
	v.SetDefault("controller.setup_command", cfg.Controller.SetupCommand)
	v.SetDefault("controller.teardown_command", cfg.Controller.TeardownCmd)
	v.SetDefault("host_ip", cfg.HostIP)
	v.SetDefault("controller.command_timeout", cfg.Controller.CommandTimeout)
	v.SetDefault("controller.watch", cfg.Controller.Watch)

	if configFile != "" && strings.ContainsAny(configFile, "/.") {
		v.SetConfigFile(configFile)
	} else {
		if configFile == "" {
			configFile = cfg.ConfigFile
		}
		v.SetConfigName(configFile)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/figger-go/")
		v.AddConfigPath("$HOME/.figger-go")
	}
	v.SetEnvPrefix("FIGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	return cfg, cfg.Validate()
}

// Validate checks the port range, protocol list and hook kind.
func (c *Config) Validate() error {
	if c.MinPort < 1 || c.MaxPort > 65535 {
		return fmt.Errorf("%w: ports must be within 1..65535, got %d-%d", ErrInvalidConfig, c.MinPort, c.MaxPort)
	}
	if c.MinPort > c.MaxPort {
		return fmt.Errorf("%w: min_port %d > max_port %d", ErrInvalidConfig, c.MinPort, c.MaxPort)
	}
	if _, err := c.ProtocolSet(); err != nil {
		return err
	}
	switch c.Hook {
	case HookNone, HookNFQueue:
	default:
		return fmt.Errorf("%w: unknown hook %q", ErrInvalidConfig, c.Hook)
	}
	return nil
}

// PortRange returns the managed range. Call Validate first.
func (c *Config) PortRange() endpoint.PortRange {
	return endpoint.PortRange{Min: uint16(c.MinPort), Max: uint16(c.MaxPort)}
}

// ProtocolSet parses Protocols, dropping duplicates.
func (c *Config) ProtocolSet() ([]endpoint.Protocol, error) {
	if len(c.Protocols) == 0 {
		return nil, fmt.Errorf("%w: no protocols configured", ErrInvalidConfig)
	}
	seen := make(map[endpoint.Protocol]bool)
	var out []endpoint.Protocol
	for _, s := range c.Protocols {
		p, err := endpoint.ParseProtocol(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}
