package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LogConfig                  `yaml:"log"`
	NATS         NATSConfig                 `yaml:"nats"`
	Store        StoreConfig                `yaml:"store"`
	Context      ContextConfig              `yaml:"context"`
	Coordination CoordinationConfig         `yaml:"coordination"`
	Handoff      HandoffConfig              `yaml:"handoff"`
	Router       RouterConfig               `yaml:"router"`
	Agents       map[string]AgentDefinition `yaml:"agents"`
	Janitor      JanitorConfig              `yaml:"janitor"`
	Web          WebConfig                  `yaml:"web"`
	Telemetry    TelemetryConfig            `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
	// Passphrase seals persisted handoff records when set.
	Passphrase string `yaml:"passphrase"`
}

type ContextConfig struct {
	Backend    string        `yaml:"backend"` // memory | redis
	MaxPayload int           `yaml:"max_payload"`
	TTL        time.Duration `yaml:"ttl"`
	RedisAddr  string        `yaml:"redis_addr"`
}

type CoordinationConfig struct {
	MaxDepth          int           `yaml:"max_depth"`
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
	GraphTimeout      time.Duration `yaml:"graph_timeout"`
}

type HandoffConfig struct {
	Backend        string        `yaml:"backend"` // sqlite | kv
	Retention      time.Duration `yaml:"retention"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
}

type RouterConfig struct {
	DefaultAgent string `yaml:"default_agent"`
	Classifier   string `yaml:"classifier"` // prefix | agent
	// ClassifierAgent answers intent prompts for the agent classifier.
	// Defaults to DefaultAgent.
	ClassifierAgent  string  `yaml:"classifier_agent"`
	FanOutThreshold  float64 `yaml:"fan_out_threshold"`
	HandoffThreshold float64 `yaml:"handoff_threshold"`
	HistoryLimit     int     `yaml:"history_limit"`
}

type AgentDefinition struct {
	Description string `yaml:"description"`
	// Transport is "nats" for remote agents or "echo" for the built-in
	// loopback handler used in local setups.
	Transport string `yaml:"transport"`
}

type JanitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/synodos.db",
		},
		Context: ContextConfig{
			Backend:    "memory",
			MaxPayload: 1 << 20,
			TTL:        time.Hour,
		},
		Coordination: CoordinationConfig{
			MaxDepth:          2,
			InvocationTimeout: 30 * time.Second,
			GraphTimeout:      5 * time.Minute,
		},
		Handoff: HandoffConfig{
			Backend:        "sqlite",
			Retention:      30 * 24 * time.Hour,
			PendingTimeout: 30 * time.Second,
		},
		Router: RouterConfig{
			Classifier:       "prefix",
			FanOutThreshold:  0.6,
			HandoffThreshold: 0.8,
			HistoryLimit:     20,
		},
		Janitor: JanitorConfig{
			PollInterval: 10 * time.Minute,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "synodos",
			SampleRate:  1.0,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SYNODOS_CONFIG")
	if path == "" {
		path = "config/synodos.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the coordinators cannot run with.
func (c *Config) Validate() error {
	if c.Coordination.MaxDepth < 0 {
		return fmt.Errorf("coordination.max_depth must not be negative")
	}
	if c.Context.MaxPayload <= 0 {
		return fmt.Errorf("context.max_payload must be positive")
	}
	switch c.Context.Backend {
	case "memory":
	case "redis":
		if c.Context.RedisAddr == "" {
			return fmt.Errorf("context.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown context backend %q", c.Context.Backend)
	}
	switch c.Handoff.Backend {
	case "sqlite", "kv":
	default:
		return fmt.Errorf("unknown handoff backend %q", c.Handoff.Backend)
	}
	switch c.Router.Classifier {
	case "", "prefix":
	case "agent":
		if c.Router.ClassifierAgent == "" && c.Router.DefaultAgent == "" {
			return fmt.Errorf("router.classifier_agent or router.default_agent is required for the agent classifier")
		}
	default:
		return fmt.Errorf("unknown router classifier %q", c.Router.Classifier)
	}
	if c.Router.DefaultAgent != "" && len(c.Agents) > 0 {
		if _, ok := c.Agents[c.Router.DefaultAgent]; !ok {
			return fmt.Errorf("default agent %q is not defined", c.Router.DefaultAgent)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNODOS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNODOS_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SYNODOS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNODOS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SYNODOS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNODOS_VAULT_PASSPHRASE"); v != "" {
		cfg.Store.Passphrase = v
	}
	if v := os.Getenv("SYNODOS_REDIS_ADDR"); v != "" {
		cfg.Context.RedisAddr = v
		cfg.Context.Backend = "redis"
	}
	if v := os.Getenv("SYNODOS_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coordination.MaxDepth = n
		}
	}
	if v := os.Getenv("SYNODOS_DEFAULT_AGENT"); v != "" {
		cfg.Router.DefaultAgent = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
}
