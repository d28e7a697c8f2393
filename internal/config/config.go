// Package config loads voicebot settings from defaults, an optional TOML
// file and the environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/voicebot/internal/errs"
)

const (
	configType = "toml"
	envPrefix  = "VOICEBOT"

	// FileName is the config file looked up in the working directory.
	FileName = "voicebot.toml"
)

// Providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
	ProviderNone   = "none"
)

// History backends, matching history.BackendJSON and history.BackendSQLite.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config is the resolved process configuration.
type Config struct {
	APIKey   string
	Provider string
	// Model and BaseURL fall back to the provider's defaults when empty.
	Model   string
	BaseURL string

	RateLimit         time.Duration
	CacheCapacity     int
	CacheTTL          time.Duration
	SilenceTimeout    time.Duration
	CompletionTimeout time.Duration

	AudioDir string
	Topics   []string
	LogLevel string

	// Fallback answers when the primary completion provider fails.
	Fallback FallbackConfig

	History HistoryConfig
	TTS     TTSConfig
	Speech  SpeechConfig
	Server  ServerConfig

	// File is the config file that was read, if any.
	File string
}

// FallbackConfig names a second completion provider. An empty
// Provider disables it.
type FallbackConfig struct {
	Provider string
	APIKey   string
	Model    string
}

// HistoryConfig selects the conversation store.
type HistoryConfig struct {
	Backend string
	Path    string
}

// TTSConfig selects the speech synthesizer.
type TTSConfig struct {
	Provider string
	APIKey   string
	Voice    string
	Model    string
	Language string
	// Fallback is tried when Provider fails; empty or "none" disables it.
	Fallback string
}

// SpeechConfig selects the transcriber for uploaded clips.
type SpeechConfig struct {
	Provider   string
	APIKey     string
	Language   string
	Encoding   string
	SampleRate int
}

// ServerConfig configures the web server.
type ServerConfig struct {
	Port      int
	StaticDir string
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// Keys.
const (
	keyAPIKey            = "api_key"
	keyProvider          = "provider"
	keyModel             = "model"
	keyBaseURL           = "base_url"
	keyRateLimit         = "rate_limit_seconds"
	keyCacheCapacity     = "cache_capacity"
	keyCacheTTL          = "cache_ttl"
	keySilenceTimeout    = "silence_timeout"
	keyCompletionTimeout = "completion_timeout"
	keyAudioDir          = "audio_dir"
	keyTopics            = "topics"
	keyLogLevel          = "log_level"
	keyFallbackProvider  = "fallback.provider"
	keyFallbackAPIKey    = "fallback.api_key"
	keyFallbackModel     = "fallback.model"
	keyHistoryBackend    = "history.backend"
	keyHistoryPath       = "history.path"
	keyTTSProvider       = "tts.provider"
	keyTTSAPIKey         = "tts.api_key"
	keyTTSVoice          = "tts.voice"
	keyTTSModel          = "tts.model"
	keyTTSLanguage       = "tts.language"
	keyTTSFallback       = "tts.fallback"
	keySpeechProvider    = "speech.provider"
	keySpeechAPIKey      = "speech.api_key"
	keySpeechLanguage    = "speech.language"
	keySpeechEncoding    = "speech.encoding"
	keySpeechSampleRate  = "speech.sample_rate"
	keyServerPort        = "server.port"
	keyServerStaticDir   = "server.static_dir"
)

// bareEnv lists unprefixed environment variables honoured per key.
var bareEnv = map[string]string{
	keyRateLimit:      "RATE_LIMIT_SECONDS",
	keyCacheCapacity:  "CACHE_CAPACITY",
	keyCacheTTL:       "CACHE_TTL",
	keySilenceTimeout: "SILENCE_TIMEOUT",
}

// providerKeyEnv is consulted when no api_key is configured.
var providerKeyEnv = map[string]string{
	ProviderGemini: "GEMINI_API_KEY",
	ProviderOpenAI: "OPENAI_API_KEY",
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(keyProvider, d.Provider)
	v.SetDefault(keyModel, d.Model)
	v.SetDefault(keyBaseURL, d.BaseURL)
	v.SetDefault(keyRateLimit, d.RateLimit.Seconds())
	v.SetDefault(keyCacheCapacity, d.CacheCapacity)
	v.SetDefault(keyCacheTTL, d.CacheTTL.String())
	v.SetDefault(keySilenceTimeout, d.SilenceTimeout.String())
	v.SetDefault(keyCompletionTimeout, d.CompletionTimeout.String())
	v.SetDefault(keyAudioDir, d.AudioDir)
	v.SetDefault(keyTopics, []string{})
	v.SetDefault(keyLogLevel, d.LogLevel)
	v.SetDefault(keyFallbackProvider, "")
	v.SetDefault(keyFallbackAPIKey, "")
	v.SetDefault(keyFallbackModel, "")
	v.SetDefault(keyHistoryBackend, d.History.Backend)
	v.SetDefault(keyHistoryPath, d.History.Path)
	v.SetDefault(keyTTSProvider, d.TTS.Provider)
	v.SetDefault(keyTTSAPIKey, "")
	v.SetDefault(keyTTSVoice, d.TTS.Voice)
	v.SetDefault(keyTTSModel, d.TTS.Model)
	v.SetDefault(keyTTSLanguage, d.TTS.Language)
	v.SetDefault(keyTTSFallback, "")
	v.SetDefault(keySpeechProvider, d.Speech.Provider)
	v.SetDefault(keySpeechAPIKey, "")
	v.SetDefault(keySpeechLanguage, d.Speech.Language)
	v.SetDefault(keySpeechEncoding, d.Speech.Encoding)
	v.SetDefault(keySpeechSampleRate, d.Speech.SampleRate)
	v.SetDefault(keyServerPort, d.Server.Port)
	v.SetDefault(keyServerStaticDir, d.Server.StaticDir)
	v.SetDefault(keyAPIKey, "")
}

// Default returns the built-in configuration. It has no API key and
// therefore does not validate on its own.
func Default() Config {
	return Config{
		Provider:          ProviderGemini,
		RateLimit:         2 * time.Second,
		CacheCapacity:     300,
		CacheTTL:          12 * time.Hour,
		SilenceTimeout:    10 * time.Second,
		CompletionTimeout: 30 * time.Second,
		AudioDir:          "audio_history",
		LogLevel:          "info",
		History: HistoryConfig{
			Backend: BackendJSON,
			Path:    filepath.Join("conversation_history", "conversation_history.json"),
		},
		TTS: TTSConfig{
			Provider: ProviderGoogle,
			Language: "en-US",
		},
		Speech: SpeechConfig{
			Provider:   ProviderGoogle,
			Language:   "en-US",
			Encoding:   "WEBM_OPUS",
			SampleRate: 48000,
		},
		Server: ServerConfig{Port: 8080},
	}
}

// SearchPaths returns the config files tried when none is given.
func SearchPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "voicebot", "config.toml"))
	}
	return append(paths, FileName)
}

// Load resolves the configuration. An explicit path must exist; otherwise
// the first file in SearchPaths that exists is read, if any.
func Load(path string) (*Config, error) {
	return load(viper.New(), path, SearchPaths())
}

func load(v *viper.Viper, path string, search []string) (*Config, error) {
	setDefaults(v)
	v.SetConfigType(configType)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, bare := range bareEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, bare); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path == "" {
		for _, candidate := range search {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap(errs.ConfigurationError, "read config file "+path, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.File = path
	if cfg.APIKey == "" {
		if env, ok := providerKeyEnv[cfg.Provider]; ok {
			cfg.APIKey = os.Getenv(env)
		}
	}
	if cfg.Fallback.APIKey == "" && cfg.Fallback.Provider != cfg.Provider {
		if env, ok := providerKeyEnv[cfg.Fallback.Provider]; ok {
			cfg.Fallback.APIKey = os.Getenv(env)
		}
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		APIKey:        v.GetString(keyAPIKey),
		Provider:      strings.ToLower(v.GetString(keyProvider)),
		Model:         v.GetString(keyModel),
		BaseURL:       v.GetString(keyBaseURL),
		CacheCapacity: v.GetInt(keyCacheCapacity),
		AudioDir:      v.GetString(keyAudioDir),
		Topics:        v.GetStringSlice(keyTopics),
		LogLevel:      v.GetString(keyLogLevel),
		Fallback: FallbackConfig{
			Provider: strings.ToLower(v.GetString(keyFallbackProvider)),
			APIKey:   v.GetString(keyFallbackAPIKey),
			Model:    v.GetString(keyFallbackModel),
		},
		History: HistoryConfig{
			Backend: strings.ToLower(v.GetString(keyHistoryBackend)),
			Path:    v.GetString(keyHistoryPath),
		},
		TTS: TTSConfig{
			Provider: strings.ToLower(v.GetString(keyTTSProvider)),
			APIKey:   v.GetString(keyTTSAPIKey),
			Voice:    v.GetString(keyTTSVoice),
			Model:    v.GetString(keyTTSModel),
			Language: v.GetString(keyTTSLanguage),
			Fallback: strings.ToLower(v.GetString(keyTTSFallback)),
		},
		Speech: SpeechConfig{
			Provider:   strings.ToLower(v.GetString(keySpeechProvider)),
			APIKey:     v.GetString(keySpeechAPIKey),
			Language:   v.GetString(keySpeechLanguage),
			Encoding:   strings.ToUpper(v.GetString(keySpeechEncoding)),
			SampleRate: v.GetInt(keySpeechSampleRate),
		},
		Server: ServerConfig{
			Port:      v.GetInt(keyServerPort),
			StaticDir: v.GetString(keyServerStaticDir),
		},
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{keyRateLimit, &cfg.RateLimit},
		{keyCacheTTL, &cfg.CacheTTL},
		{keySilenceTimeout, &cfg.SilenceTimeout},
		{keyCompletionTimeout, &cfg.CompletionTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = ParseDuration(v.GetString(d.key)); err != nil {
			return nil, &ConfigError{Field: d.key, Message: err.Error()}
		}
	}
	return cfg, nil
}

// ParseDuration accepts a Go duration ("12h", "1.5s") or a bare number
// of seconds ("43200", "2.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// Unwrap classifies every ConfigError as errs.ConfigurationError.
func (e *ConfigError) Unwrap() error {
	return errs.New(errs.ConfigurationError, e.Message)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return &ConfigError{Field: keyProvider, Message: fmt.Sprintf("unknown provider %q", c.Provider)}
	}
	if c.APIKey == "" {
		hint := "set " + envPrefix + "_API_KEY"
		if env, ok := providerKeyEnv[c.Provider]; ok {
			hint += " or " + env
		}
		return &ConfigError{Field: keyAPIKey, Message: "API key is required (" + hint + ")"}
	}
	switch c.Fallback.Provider {
	case "", ProviderNone:
	case ProviderGemini, ProviderOpenAI:
		if c.FallbackKey() == "" {
			return &ConfigError{Field: keyFallbackAPIKey, Message: "API key is required for the fallback provider"}
		}
	default:
		return &ConfigError{Field: keyFallbackProvider, Message: fmt.Sprintf("unknown provider %q", c.Fallback.Provider)}
	}
	if c.RateLimit < 0 {
		return &ConfigError{Field: keyRateLimit, Message: "must be non-negative"}
	}
	if c.CacheCapacity <= 0 {
		return &ConfigError{Field: keyCacheCapacity, Message: "must be positive"}
	}
	if c.CacheTTL <= 0 {
		return &ConfigError{Field: keyCacheTTL, Message: "must be positive"}
	}
	if c.SilenceTimeout <= 0 {
		return &ConfigError{Field: keySilenceTimeout, Message: "must be positive"}
	}
	if c.CompletionTimeout <= 0 {
		return &ConfigError{Field: keyCompletionTimeout, Message: "must be positive"}
	}
	if c.AudioDir == "" {
		return &ConfigError{Field: keyAudioDir, Message: "cannot be empty"}
	}
	switch c.History.Backend {
	case BackendJSON, BackendSQLite:
	default:
		return &ConfigError{Field: keyHistoryBackend, Message: fmt.Sprintf("unknown backend %q", c.History.Backend)}
	}
	if c.History.Path == "" {
		return &ConfigError{Field: keyHistoryPath, Message: "cannot be empty"}
	}
	switch c.TTS.Provider {
	case ProviderGoogle, ProviderOpenAI, ProviderNone:
	default:
		return &ConfigError{Field: keyTTSProvider, Message: fmt.Sprintf("unknown provider %q", c.TTS.Provider)}
	}
	switch c.TTS.Fallback {
	case "", ProviderNone:
	case ProviderGoogle, ProviderOpenAI:
		if c.TTS.Fallback == c.TTS.Provider {
			return &ConfigError{Field: keyTTSFallback, Message: "must differ from tts.provider"}
		}
	default:
		return &ConfigError{Field: keyTTSFallback, Message: fmt.Sprintf("unknown provider %q", c.TTS.Fallback)}
	}
	switch c.Speech.Provider {
	case ProviderGoogle, ProviderNone:
	default:
		return &ConfigError{Field: keySpeechProvider, Message: fmt.Sprintf("unknown provider %q", c.Speech.Provider)}
	}
	if c.Speech.SampleRate <= 0 {
		return &ConfigError{Field: keySpeechSampleRate, Message: "must be positive"}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: keyServerPort, Message: "must be between 1 and 65535"}
	}
	return nil
}

// IsConfigError reports whether err is a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// vendorOf maps a provider to the account its key belongs to.
var vendorOf = map[string]string{
	ProviderGemini: ProviderGoogle,
	ProviderGoogle: ProviderGoogle,
	ProviderOpenAI: ProviderOpenAI,
}

// TTSKey returns the synthesis key, falling back to the completion key
// when both providers belong to the same vendor.
func (c *Config) TTSKey() string {
	return c.sharedKey(c.TTS.APIKey, c.TTS.Provider)
}

// TTSFallbackKey is TTSKey for the fallback synthesizer. Keys are only
// reused within one vendor.
func (c *Config) TTSFallbackKey() string {
	if c.TTS.APIKey != "" && vendorOf[c.TTS.Fallback] == vendorOf[c.TTS.Provider] {
		return c.TTS.APIKey
	}
	if key := c.sharedKey("", c.TTS.Fallback); key != "" {
		return key
	}
	if vendorOf[c.TTS.Fallback] == vendorOf[c.Fallback.Provider] {
		return c.FallbackKey()
	}
	return ""
}

// FallbackKey returns the key for the fallback completion provider.
func (c *Config) FallbackKey() string {
	if c.Fallback.APIKey != "" {
		return c.Fallback.APIKey
	}
	if c.Fallback.Provider == c.Provider {
		return c.APIKey
	}
	return ""
}

// SpeechKey is TTSKey for the transcriber.
func (c *Config) SpeechKey() string {
	return c.sharedKey(c.Speech.APIKey, c.Speech.Provider)
}

func (c *Config) sharedKey(own, provider string) string {
	if own != "" {
		return own
	}
	if v, ok := vendorOf[provider]; ok && v == vendorOf[c.Provider] {
		return c.APIKey
	}
	return ""
}
