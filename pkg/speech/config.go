package speech

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ErrEmptyClip is returned when a clip carries no audio.
var ErrEmptyClip = errors.New("speech: empty clip")

// Config holds transcriber configuration.
type Config struct {
	APIKey       string
	BaseURL      string
	LanguageCode string
	Encoding     Encoding
	SampleRate   int
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Option is a functional option for configuring transcribers.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the service endpoint.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithLanguage sets the recognition language.
func WithLanguage(code string) Option {
	return func(c *Config) { c.LanguageCode = code }
}

// WithEncoding sets the default clip encoding and sample rate.
func WithEncoding(enc Encoding, sampleRate int) Option {
	return func(c *Config) {
		c.Encoding = enc
		c.SampleRate = sampleRate
	}
}

// WithTimeout bounds each recognition call.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHTTPClient sets the HTTP client; it replaces the authenticated transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// DefaultConfig returns defaults matching browser MediaRecorder uploads.
func DefaultConfig() *Config {
	return &Config{
		LanguageCode: "en-US",
		Encoding:     EncodingWebMOpus,
		SampleRate:   48000,
		Timeout:      30 * time.Second,
		Logger:       slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
