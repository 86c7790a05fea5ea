// Package config loads runtime configuration from environment variables,
// with an optional YAML profile that overlays webhook channel URLs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helixos/helix/pkg/webhook"
)

// DefaultGatewayPort is the primary port the gateway probes first.
const DefaultGatewayPort = 18789

// Config holds the runtime's knobs.
type Config struct {
	GatewayPort     int
	GatewayHost     string
	Environment     string // "production" hardens binding rules
	GatewayToken    string
	StateDir        string
	DatabaseURL     string // optional external postgres
	RedisAddr       string // optional shared rate-limit store
	EnableTelemetry bool
	TelemetryURL    string
	ApprovalTimeout time.Duration
	WebhookURLs     map[webhook.Channel]string
	ProfilePath     string
	LLMBaseURL      string
	LLMAPIKey       string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayPort:     DefaultGatewayPort,
		GatewayHost:     "127.0.0.1",
		Environment:     envOr("HELIX_ENV", "development"),
		GatewayToken:    os.Getenv("GATEWAY_TOKEN"),
		StateDir:        envOr("STATE_DIR", "state"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		EnableTelemetry: os.Getenv("ENABLE_TELEMETRY") == "true",
		TelemetryURL:    os.Getenv("TELEMETRY_URL"),
		ApprovalTimeout: 15 * time.Minute,
		WebhookURLs:     map[webhook.Channel]string{},
		ProfilePath:     os.Getenv("HELIX_PROFILE"),
		LLMBaseURL:      envOr("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
	}

	if raw := os.Getenv("GATEWAY_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: bad GATEWAY_PORT %q", raw)
		}
		cfg.GatewayPort = port
	}
	if host := os.Getenv("GATEWAY_HOST"); host != "" {
		cfg.GatewayHost = host
	}
	if raw := os.Getenv("APPROVAL_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("config: bad APPROVAL_TIMEOUT_MS %q", raw)
		}
		cfg.ApprovalTimeout = time.Duration(ms) * time.Millisecond
	}

	// WEBHOOK_<CHANNEL> env vars bind channel URLs directly.
	for _, ch := range []webhook.Channel{
		webhook.ChannelCommands, webhook.ChannelAPI, webhook.ChannelFileChanges,
		webhook.ChannelConsciousness, webhook.ChannelAlerts, webhook.ChannelHashChain,
	} {
		if url := os.Getenv(envKeyFor(ch)); url != "" {
			cfg.WebhookURLs[ch] = url
		}
	}

	if cfg.ProfilePath != "" {
		if err := cfg.applyProfile(cfg.ProfilePath); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func envKeyFor(ch webhook.Channel) string {
	key := "WEBHOOK_"
	for _, r := range string(ch) {
		if r == '-' {
			key += "_"
			continue
		}
		key += string(r - ('a' - 'A'))
	}
	return key
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// profile is the optional YAML overlay.
type profile struct {
	Webhooks map[string]string `yaml:"webhooks"`
}

func (c *Config) applyProfile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile: %w", err)
	}
	var p profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("config: parse profile: %w", err)
	}
	for ch, url := range p.Webhooks {
		c.WebhookURLs[webhook.Channel(ch)] = url
	}
	return nil
}
