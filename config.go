package signalfx

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// libraryName and libraryVersion compose the default User-Agent token,
// grounded on version.py's name/version pair.
const (
	libraryName    = "signalfx-go-client"
	libraryVersion = "1.0.0"
)

// Config carries the endpoints and transport tunables shared by every
// Ingest and SignalFlow client built from it, grounded on
// go-server-3/internal/config's struct-tag driven config object, adapted
// from file config to github.com/caarlos0/env/v11 since this is a library
// consumed by caller code rather than a file-configured daemon.
type Config struct {
	IngestEndpoint string        `env:"SFX_INGEST_ENDPOINT" envDefault:"https://ingest.signalfx.com"`
	APIEndpoint    string        `env:"SFX_API_ENDPOINT" envDefault:"https://api.signalfx.com"`
	StreamEndpoint string        `env:"SFX_STREAM_ENDPOINT" envDefault:"https://stream.signalfx.com"`
	Timeout        time.Duration `env:"SFX_TIMEOUT" envDefault:"5s"`
	Compress       bool          `env:"SFX_COMPRESS" envDefault:"true"`
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithIngestEndpoint overrides the ingest API base URL.
func WithIngestEndpoint(endpoint string) Option {
	return func(c *Config) { c.IngestEndpoint = endpoint }
}

// WithAPIEndpoint overrides the SignalFx API base URL.
func WithAPIEndpoint(endpoint string) Option {
	return func(c *Config) { c.APIEndpoint = endpoint }
}

// WithStreamEndpoint overrides the SignalFlow streaming base URL.
func WithStreamEndpoint(endpoint string) Option {
	return func(c *Config) { c.StreamEndpoint = endpoint }
}

// WithTimeout overrides the default request/dial timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.Timeout = timeout }
}

// WithCompress toggles gzip compression of outgoing ingest payloads and
// SignalFlow socket frames.
func WithCompress(compress bool) Option {
	return func(c *Config) { c.Compress = compress }
}

func defaultConfig() Config {
	return Config{
		IngestEndpoint: "https://ingest.signalfx.com",
		APIEndpoint:    "https://api.signalfx.com",
		StreamEndpoint: "https://stream.signalfx.com",
		Timeout:        5 * time.Second,
		Compress:       true,
	}
}

// NewConfig builds a Config from its defaults, applying opts in order.
func NewConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewConfigFromEnv builds a Config by parsing SFX_INGEST_ENDPOINT,
// SFX_API_ENDPOINT, SFX_STREAM_ENDPOINT, SFX_TIMEOUT and SFX_COMPRESS
// from the environment, then applying opts on top, so code-level
// overrides win over the environment.
func NewConfigFromEnv(opts ...Option) (Config, error) {
	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing signalfx config from environment: %w", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// UserAgent composes the client's User-Agent header value from the
// library's own name/version plus any caller-supplied extra tokens,
// matching the original client's "name/version (extra1; extra2)" format.
func UserAgent(extra ...string) string {
	base := fmt.Sprintf("%s/%s", libraryName, libraryVersion)
	if len(extra) == 0 {
		return base
	}
	suffix := extra[0]
	for _, e := range extra[1:] {
		suffix += "; " + e
	}
	return fmt.Sprintf("%s (%s)", base, suffix)
}
