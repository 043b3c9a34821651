// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

// ServerConfig configures the streaming relay.
type ServerConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	FrontendURL    string   `env:"FRONTEND_URL"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	AnswerUpstreamURL string `env:"ANSWER_UPSTREAM_URL" envDefault:"http://localhost:8003/pipeline/main/thread/"`
	NamingUpstreamURL string `env:"NAMING_UPSTREAM_URL" envDefault:"http://localhost:8002/ollama/text/raganswer/stream"`
	SimpleUpstreamURL string `env:"SIMPLE_UPSTREAM_URL" envDefault:"http://localhost:8002/ollama/text/answer/stream"`

	// ConnectTimeout bounds dialing and waiting for upstream response headers.
	ConnectTimeout    time.Duration `env:"UPSTREAM_CONNECT_TIMEOUT" envDefault:"10s"`
	StreamIdleTimeout time.Duration `env:"STREAM_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	MaxRequestBody ByteSize `env:"MAX_REQUEST_BODY" envDefault:"25MB"`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"10"`

	Log     LogConfig     `envPrefix:"LOG_"`
	Tracing TracingConfig `envPrefix:"TRACE_"`
}

// ClientConfig configures the terminal chat client.
type ClientConfig struct {
	RelayURL   string `env:"RELAY_URL" envDefault:"http://localhost:8080"`
	BackendURL string `env:"BACKEND_URL" envDefault:"http://localhost:8000"`

	// JournalPath is the SQLite file holding exchanges not yet saved.
	JournalPath       string        `env:"JOURNAL_PATH" envDefault:"./data/journal.db"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	StreamIdleTimeout time.Duration `env:"STREAM_IDLE_TIMEOUT" envDefault:"60s"`
	RetryInterval     time.Duration `env:"RETRY_INTERVAL" envDefault:"30s"`
	MaxAttachmentSize ByteSize      `env:"MAX_ATTACHMENT_SIZE" envDefault:"20MB"`

	Log     LogConfig     `envPrefix:"LOG_"`
	Tracing TracingConfig `envPrefix:"TRACE_"`
}

// LogConfig controls structured logging and optional file rotation.
type LogConfig struct {
	Level      slog.Level `env:"LEVEL" envDefault:"INFO"`
	File       string     `env:"FILE"`
	MaxSizeMB  int        `env:"MAX_SIZE_MB" envDefault:"10"`
	MaxBackups int        `env:"MAX_BACKUPS" envDefault:"3"`
	MaxAgeDays int        `env:"MAX_AGE_DAYS" envDefault:"28"`
	Compress   bool       `env:"COMPRESS" envDefault:"true"`
}

// TracingConfig controls the OpenTelemetry trace exporter.
type TracingConfig struct {
	Enabled     bool   `env:"ENABLED" envDefault:"false"`
	File        string `env:"FILE"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"chatrelay"`
}

// ByteSize is a size parsed from human input such as "25MB" or "512KiB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := humanize.ParseBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse size %q: %w", text, err)
	}
	*b = ByteSize(v)
	return nil
}

// String renders the size for logs.
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 { return int64(b) }

// LoadServer reads relay configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadClient reads chat client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *ServerConfig) Validate() error {
	var errs *multierror.Error
	if c.Port == "" {
		errs = multierror.Append(errs, fmt.Errorf("PORT cannot be empty"))
	}
	for name, raw := range map[string]string{
		"ANSWER_UPSTREAM_URL": c.AnswerUpstreamURL,
		"NAMING_UPSTREAM_URL": c.NamingUpstreamURL,
		"SIMPLE_UPSTREAM_URL": c.SimpleUpstreamURL,
	} {
		if err := validateURL(name, raw); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if c.ConnectTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("UPSTREAM_CONNECT_TIMEOUT must be > 0"))
	}
	if c.StreamIdleTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("STREAM_IDLE_TIMEOUT must be > 0"))
	}
	if c.MaxRequestBody <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("MAX_REQUEST_BODY must be > 0"))
	}
	if c.RateLimitRPS <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("RATE_LIMIT_RPS must be > 0"))
	}
	if c.RateLimitBurst <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("RATE_LIMIT_BURST must be > 0"))
	}
	return errs.ErrorOrNil()
}

// Validate reports every invalid field at once.
func (c *ClientConfig) Validate() error {
	var errs *multierror.Error
	if err := validateURL("RELAY_URL", c.RelayURL); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := validateURL("BACKEND_URL", c.BackendURL); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.JournalPath == "" {
		errs = multierror.Append(errs, fmt.Errorf("JOURNAL_PATH cannot be empty"))
	}
	if c.RequestTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("REQUEST_TIMEOUT must be > 0"))
	}
	if c.StreamIdleTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("STREAM_IDLE_TIMEOUT must be > 0"))
	}
	if c.RetryInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("RETRY_INTERVAL must be > 0"))
	}
	return errs.ErrorOrNil()
}

// IsDevelopment returns true if running in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
