package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LogConfig                    `yaml:"log"`
	Telegram TelegramConfig               `yaml:"telegram"`
	NATS     NATSConfig                   `yaml:"nats"`
	Store    StoreConfig                  `yaml:"store"`
	Web      WebConfig                    `yaml:"web"`
	Vault    VaultConfig                  `yaml:"vault"`
	Runtimes RuntimesConfig               `yaml:"runtimes"`
	Monitor  MonitorConfig                `yaml:"monitor"`
	Agents   map[string]AgentDefinition   `yaml:"agents"`
	Channels map[string]ChannelDefinition `yaml:"channels"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
	// Instance is the channel instance name the bot token belongs to.
	Instance string `yaml:"instance"`
}

type NATSConfig struct {
	// Host is the listen address; empty listens on all interfaces so
	// containerised runtimes can reach the bus.
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type RuntimesConfig struct {
	// Mode is one of auto, docker, direct.
	Mode           string            `yaml:"mode"`
	NoDocker       bool              `yaml:"no_docker"`
	Root           string            `yaml:"root"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	Images         map[string]string `yaml:"images"`
	Network        string            `yaml:"network"`
	// BuildDir holds <runtime>/Dockerfile build contexts for local images.
	BuildDir string `yaml:"build_dir"`
}

type MonitorConfig struct {
	Schedule string `yaml:"schedule"`
}

// AgentDefinition declares an agent deployed at startup. Runtime may be left
// empty when Capability is set.
type AgentDefinition struct {
	Runtime    string            `yaml:"runtime"`
	Capability string            `yaml:"capability"`
	Executable string            `yaml:"executable"`
	Args       []string          `yaml:"args"`
	Image      string            `yaml:"image"`
	Env        map[string]string `yaml:"env"`
	Channels   []string          `yaml:"channels"`
}

type ChannelDefinition struct {
	Type        string            `yaml:"type"`
	Credentials map[string]string `yaml:"credentials"`
	Options     map[string]any    `yaml:"options"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/clawden.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Runtimes: RuntimesConfig{
			Mode:           "auto",
			RequestTimeout: 30 * time.Second,
			Network:        "clawden-net",
		},
		Monitor: MonitorConfig{
			Schedule: "* * * * *",
		},
	}
}

func Load() (*Config, error) {
	path := os.Getenv("CLAWDEN_CONFIG")
	if path == "" {
		path = "config/clawden.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads path, falling back to defaults when it does not exist, and
// applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Runtimes.Mode {
	case "auto", "docker", "direct":
	default:
		return fmt.Errorf("invalid runtimes.mode %q", c.Runtimes.Mode)
	}
	for name, def := range c.Agents {
		if def.Runtime == "" && def.Capability == "" {
			return fmt.Errorf("agent %s: runtime or capability required", name)
		}
	}
	for name, ch := range c.Channels {
		if ch.Type == "" {
			return fmt.Errorf("channel %s: type required", name)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLAWDEN_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CLAWDEN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CLAWDEN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CLAWDEN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CLAWDEN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CLAWDEN_MODE"); v != "" {
		cfg.Runtimes.Mode = v
	}
	if v := os.Getenv("CLAWDEN_ROOT"); v != "" {
		cfg.Runtimes.Root = v
	}
	if v := os.Getenv("CLAWDEN_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("CLAWDEN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
