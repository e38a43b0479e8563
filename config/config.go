// Package config loads daemon and CLI settings from a YAML file overlaid
// with IVXP_-prefixed environment variables. Key material and RPC
// credentials are environment-only: the YAML schema has no field for them.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ivxp-foundation/ivxp-go/payments"
)

// EnvPrefix namespaces every environment override, e.g. IVXP_NETWORK.
const EnvPrefix = "ivxp"

// Duration accepts "90s" / "2h" style values in YAML and environment
// variables.
type Duration time.Duration

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements the envconfig decode hook.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements the yaml.v3 decode hook.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Config is the full settings tree shared by the daemon and the CLI.
type Config struct {
	// Network names the settlement network, "base" or "base-sepolia".
	Network string `yaml:"network" envconfig:"NETWORK"`

	// RPCURL is the EVM node endpoint. Environment-only because hosted
	// RPC URLs embed API keys.
	RPCURL string `yaml:"-" envconfig:"RPC_URL"`

	// PrivateKey is the hex wallet key. Environment-only, never written
	// to or read from YAML.
	PrivateKey string `yaml:"-" envconfig:"PRIVATE_KEY"`

	Provider ProviderConfig `yaml:"provider"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`
}

// ProviderConfig settings for the provider daemon.
type ProviderConfig struct {
	ListenAddr       string   `yaml:"listen_addr" envconfig:"PROVIDER_LISTEN_ADDR"`
	MetricsAddr      string   `yaml:"metrics_addr" envconfig:"PROVIDER_METRICS_ADDR"`
	AgentName        string   `yaml:"agent_name" envconfig:"PROVIDER_AGENT_NAME"`
	QuoteTTL         Duration `yaml:"quote_ttl" envconfig:"PROVIDER_QUOTE_TTL"`
	CleanupInterval  Duration `yaml:"cleanup_interval" envconfig:"PROVIDER_CLEANUP_INTERVAL"`
	DatabasePath     string   `yaml:"database_path" envconfig:"PROVIDER_DATABASE_PATH"`
	PushMaxRetries   int      `yaml:"push_max_retries" envconfig:"PROVIDER_PUSH_MAX_RETRIES"`
	AllowPrivatePush bool     `yaml:"allow_private_push" envconfig:"PROVIDER_ALLOW_PRIVATE_PUSH"`
}

// ClientConfig settings for the CLI and embedded clients.
type ClientConfig struct {
	ProviderURL     string   `yaml:"provider_url" envconfig:"CLIENT_PROVIDER_URL"`
	AgentName       string   `yaml:"agent_name" envconfig:"CLIENT_AGENT_NAME"`
	ReceiveEndpoint string   `yaml:"receive_endpoint" envconfig:"CLIENT_RECEIVE_ENDPOINT"`
	Timeout         Duration `yaml:"timeout" envconfig:"CLIENT_TIMEOUT"`
}

// LogConfig settings for the ambient logger.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" envconfig:"LOG_PRETTY"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Network: "base-sepolia",
		Provider: ProviderConfig{
			ListenAddr:      ":8402",
			AgentName:       "ivxp-provider",
			QuoteTTL:        Duration(time.Hour),
			CleanupInterval: Duration(10 * time.Minute),
			PushMaxRetries:  3,
		},
		Client: ClientConfig{
			AgentName: "ivxp-client",
			Timeout:   Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (optional), overlays IVXP_ environment variables, and
// validates the result. An empty path skips the file and loads defaults
// plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engines would choke on later.
func (c *Config) Validate() error {
	if !payments.SupportedNetwork(c.Network) {
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("unknown log level %q", c.Log.Level)
		}
	}
	if c.Provider.PushMaxRetries < 0 {
		return fmt.Errorf("push_max_retries must not be negative")
	}
	return nil
}

// NewLogger builds the process logger described by the log settings,
// writing to w (os.Stderr when nil).
func (l LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if l.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level := zerolog.InfoLevel
	if l.Level != "" {
		if parsed, err := zerolog.ParseLevel(l.Level); err == nil && parsed != zerolog.NoLevel {
			level = parsed
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
