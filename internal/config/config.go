// Package config loads application configuration from an optional YAML
// file overlaid with AUTOREMEDY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

const envPrefix = "AUTOREMEDY_"

// Config is the complete application configuration. It is loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           LogConfig           `koanf:"log"`
	Database      DatabaseConfig      `koanf:"database"`
	Auth          AuthConfig          `koanf:"auth"`
	Analysis      AnalysisConfig      `koanf:"analysis"`
	SLA           SLAConfig           `koanf:"sla"`
	Remediation   RemediationConfig   `koanf:"remediation"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	MetricsPort     int           `koanf:"metrics_port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

// Addr returns the listen address for the API server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MetricsAddr returns the listen address for the metrics server.
func (s ServerConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.MetricsPort)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// AuthConfig holds inbound API authentication settings.
type AuthConfig struct {
	// APIKey is compared against the X-API-Key header on protected
	// routes. Empty disables the check.
	APIKey string `koanf:"api_key"`
}

// AnalysisConfig selects and tunes the failure analysis backends.
type AnalysisConfig struct {
	// Provider is one of "gemini", "ollama" or "auto". Auto tries
	// ollama first and falls back to gemini when an API key is set.
	Provider string       `koanf:"provider"`
	Gemini   GeminiConfig `koanf:"gemini"`
	Ollama   OllamaConfig `koanf:"ollama"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

// OllamaConfig holds settings for a local Ollama instance.
type OllamaConfig struct {
	Host    string        `koanf:"host"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

// SLAConfig holds acknowledgement deadlines in seconds per priority.
type SLAConfig struct {
	P1 int `koanf:"p1"`
	P2 int `koanf:"p2"`
	P3 int `koanf:"p3"`
	P4 int `koanf:"p4"`
}

// SecondsFor returns the SLA window for a priority. Unknown priorities
// get the P3 window.
func (s SLAConfig) SecondsFor(p domain.Priority) int {
	switch p {
	case domain.PriorityP1:
		return s.P1
	case domain.PriorityP2:
		return s.P2
	case domain.PriorityP4:
		return s.P4
	default:
		return s.P3
	}
}

// RemediationConfig holds auto-remediation settings.
type RemediationConfig struct {
	Enabled         bool          `koanf:"enabled"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	MaxPollDuration time.Duration `koanf:"max_poll_duration"`
	TriggerTimeout  time.Duration `koanf:"trigger_timeout"`
	TriggerRetries  int           `koanf:"trigger_retries"`

	// StatusEndpoint is the URL template used to poll a remediation
	// run; {run_id} is substituted with the run handle.
	StatusEndpoint string `koanf:"status_endpoint"`

	OAuth    OAuthConfig             `koanf:"oauth"`
	Policies map[string]PolicyConfig `koanf:"policies"`
}

// OAuthConfig holds client-credentials settings for the run status API.
type OAuthConfig struct {
	TokenURL     string   `koanf:"token_url"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	Scopes       []string `koanf:"scopes"`
}

// PolicyConfig is the on-disk shape of a remediation policy. Backoff
// values are seconds.
type PolicyConfig struct {
	Action     string `koanf:"action"`
	MaxRetries int    `koanf:"max_retries"`
	Backoff    []int  `koanf:"backoff"`
	Endpoint   string `koanf:"endpoint"`
}

// NotificationsConfig holds sink settings.
type NotificationsConfig struct {
	SinkTimeout time.Duration `koanf:"sink_timeout"`
	Slack       SlackConfig   `koanf:"slack"`
	Tracker     TrackerConfig `koanf:"tracker"`
	Stream      StreamConfig  `koanf:"stream"`
}

// SlackConfig holds Slack Web API settings.
type SlackConfig struct {
	Enabled   bool    `koanf:"enabled"`
	Token     string  `koanf:"token"`
	Channel   string  `koanf:"channel"`
	RateLimit float64 `koanf:"rate_limit"`
}

// TrackerConfig holds settings for the external ticket tracker webhook.
type TrackerConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// StreamConfig holds settings for the SSE event stream.
type StreamConfig struct {
	Enabled    bool `koanf:"enabled"`
	BufferSize int  `koanf:"buffer_size"`
}

// PolicyTable converts the configured policies into the domain table,
// merged over the built-in defaults. A configured classification fully
// replaces the default entry of the same name.
func (r RemediationConfig) PolicyTable() domain.PolicyTable {
	table := domain.DefaultPolicies()
	for classification, pc := range r.Policies {
		backoff := make([]time.Duration, 0, len(pc.Backoff))
		for _, sec := range pc.Backoff {
			backoff = append(backoff, time.Duration(sec)*time.Second)
		}
		table[classification] = domain.RemediationPolicy{
			Classification: classification,
			Action:         pc.Action,
			MaxRetries:     pc.MaxRetries,
			Backoff:        backoff,
			Endpoint:       pc.Endpoint,
		}
	}
	return table
}

// Load reads configuration from the given YAML file (skipped when the
// path is empty or missing) and then from AUTOREMEDY_* environment
// variables. Double underscores separate nesting levels, so
// AUTOREMEDY_DATABASE__URL sets database.url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MetricsPort:     9090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  10 * time.Second,
		},
		Analysis: AnalysisConfig{
			Provider: "auto",
			Gemini: GeminiConfig{
				Model:   "gemini-2.0-flash",
				Timeout: 30 * time.Second,
			},
			Ollama: OllamaConfig{
				Host:    "http://localhost:11434",
				Model:   "qwen3:8b",
				Timeout: 120 * time.Second,
			},
		},
		SLA: SLAConfig{
			P1: 900,
			P2: 1800,
			P3: 7200,
			P4: 86400,
		},
		Remediation: RemediationConfig{
			Enabled:         true,
			PollInterval:    30 * time.Second,
			MaxPollDuration: time.Hour,
			TriggerTimeout:  30 * time.Second,
			TriggerRetries:  3,
		},
		Notifications: NotificationsConfig{
			SinkTimeout: 10 * time.Second,
			Slack: SlackConfig{
				RateLimit: 1,
			},
			Tracker: TrackerConfig{
				Timeout: 10 * time.Second,
			},
			Stream: StreamConfig{
				Enabled:    true,
				BufferSize: 64,
			},
		},
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Analysis.Provider {
	case "gemini", "ollama", "auto":
	default:
		return fmt.Errorf("analysis.provider must be gemini, ollama or auto, got %q", c.Analysis.Provider)
	}
	if c.Analysis.Provider == "gemini" && c.Analysis.Gemini.APIKey == "" {
		return fmt.Errorf("analysis.gemini.api_key is required when provider is gemini")
	}
	if c.Remediation.PollInterval <= 0 {
		return fmt.Errorf("remediation.poll_interval must be positive")
	}
	if c.Remediation.MaxPollDuration < c.Remediation.PollInterval {
		return fmt.Errorf("remediation.max_poll_duration must be at least poll_interval")
	}
	return nil
}
