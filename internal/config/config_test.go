package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebot/internal/errs"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"VOICEBOT_API_KEY", "VOICEBOT_PROVIDER", "VOICEBOT_HISTORY_BACKEND",
		"VOICEBOT_RATE_LIMIT_SECONDS", "VOICEBOT_CACHE_TTL", "VOICEBOT_SERVER_PORT",
		"GEMINI_API_KEY", "OPENAI_API_KEY",
		"RATE_LIMIT_SECONDS", "CACHE_CAPACITY", "CACHE_TTL", "SILENCE_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func loadFor(t *testing.T, path string) *Config {
	t.Helper()
	cfg, err := load(viper.New(), path, nil)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg := loadFor(t, "")

	d := Default()
	assert.Equal(t, ProviderGemini, cfg.Provider)
	assert.Equal(t, d.RateLimit, cfg.RateLimit)
	assert.Equal(t, 300, cfg.CacheCapacity)
	assert.Equal(t, 12*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 10*time.Second, cfg.SilenceTimeout)
	assert.Equal(t, BackendJSON, cfg.History.Backend)
	assert.Equal(t, filepath.Join("conversation_history", "conversation_history.json"), cfg.History.Path)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Empty(t, cfg.File)

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.True(t, errs.Is(err, errs.ConfigurationError))
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestProviderKeyFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "gem-key")
	t.Setenv("OPENAI_API_KEY", "oa-key")

	cfg := loadFor(t, "")
	assert.Equal(t, "gem-key", cfg.APIKey)
	require.NoError(t, cfg.Validate())

	t.Setenv("VOICEBOT_PROVIDER", "openai")
	cfg = loadFor(t, "")
	assert.Equal(t, "oa-key", cfg.APIKey)

	t.Setenv("VOICEBOT_API_KEY", "explicit")
	cfg = loadFor(t, "")
	assert.Equal(t, "explicit", cfg.APIKey)
}

func TestBareEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_SECONDS", "0.5")
	t.Setenv("CACHE_CAPACITY", "10")
	t.Setenv("CACHE_TTL", "60")
	t.Setenv("SILENCE_TIMEOUT", "3s")

	cfg := loadFor(t, "")
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit)
	assert.Equal(t, 10, cfg.CacheCapacity)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, 3*time.Second, cfg.SilenceTimeout)

	t.Setenv("VOICEBOT_RATE_LIMIT_SECONDS", "4")
	cfg = loadFor(t, "")
	assert.Equal(t, 4*time.Second, cfg.RateLimit, "prefixed variable wins")
}

func TestFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "voicebot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_key = "file-key"
cache_ttl = "1h"
topics = ["golang", "rust"]

[history]
backend = "sqlite"
path = "history.db"

[server]
port = 9090
`), 0o600))

	t.Setenv("VOICEBOT_SERVER_PORT", "9191")

	cfg := loadFor(t, path)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "file-key", cfg.APIKey)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, []string{"golang", "rust"}, cfg.Topics)
	assert.Equal(t, BackendSQLite, cfg.History.Backend)
	assert.Equal(t, 9191, cfg.Server.Port)
	require.NoError(t, cfg.Validate())
}

func TestSearchPathUsedWhenNoFileGiven(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`api_key = "found"`), 0o600))

	cfg, err := load(viper.New(), "", []string{filepath.Join(dir, "missing.toml"), path})
	require.NoError(t, err)
	assert.Equal(t, "found", cfg.APIKey)
	assert.Equal(t, path, cfg.File)
}

func TestMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := load(viper.New(), filepath.Join(t.TempDir(), "nope.toml"), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ConfigurationError))
}

func TestInvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("CACHE_TTL", "forever")
	_, err := load(viper.New(), "", nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.APIKey = "key"
		return c
	}
	base := valid()
	require.NoError(t, base.Validate())

	tests := []struct {
		name  string
		field string
		edit  func(*Config)
	}{
		{"provider", keyProvider, func(c *Config) { c.Provider = "claude" }},
		{"negative rate limit", keyRateLimit, func(c *Config) { c.RateLimit = -time.Second }},
		{"cache capacity", keyCacheCapacity, func(c *Config) { c.CacheCapacity = 0 }},
		{"cache ttl", keyCacheTTL, func(c *Config) { c.CacheTTL = 0 }},
		{"silence timeout", keySilenceTimeout, func(c *Config) { c.SilenceTimeout = 0 }},
		{"backend", keyHistoryBackend, func(c *Config) { c.History.Backend = "postgres" }},
		{"tts provider", keyTTSProvider, func(c *Config) { c.TTS.Provider = "espeak" }},
		{"speech provider", keySpeechProvider, func(c *Config) { c.Speech.Provider = "whisper" }},
		{"port", keyServerPort, func(c *Config) { c.Server.Port = 70000 }},
		{"fallback provider", keyFallbackProvider, func(c *Config) { c.Fallback.Provider = "claude" }},
		{"fallback key", keyFallbackAPIKey, func(c *Config) { c.Fallback.Provider = ProviderOpenAI }},
		{"tts fallback", keyTTSFallback, func(c *Config) { c.TTS.Fallback = "espeak" }},
		{"tts fallback same as provider", keyTTSFallback, func(c *Config) { c.TTS.Fallback = ProviderGoogle }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.edit(&c)
			err := c.Validate()
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}

	c := valid()
	c.RateLimit = 0
	assert.NoError(t, c.Validate(), "a zero rate limit disables limiting")
}

func TestParseDuration(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"":      0,
		"2":     2 * time.Second,
		"2.5":   2500 * time.Millisecond,
		"12h":   12 * time.Hour,
		" 10s ": 10 * time.Second,
	} {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDuration("soon")
	assert.Error(t, err)
}

func TestWriteFileRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "voicebot.toml")

	c := Default()
	c.APIKey = "secret"
	c.Topics = []string{"golang"}
	require.NoError(t, WriteFile(path, c, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = WriteFile(path, c, false)
	assert.ErrorIs(t, err, ErrFileExists)
	require.NoError(t, WriteFile(path, c, true))

	loaded := loadFor(t, path)
	assert.Equal(t, "secret", loaded.APIKey)
	assert.Equal(t, c.CacheTTL, loaded.CacheTTL)
	assert.Equal(t, c.RateLimit, loaded.RateLimit)
	assert.Equal(t, c.History, loaded.History)
	assert.Equal(t, c.Speech, loaded.Speech)
	assert.Equal(t, []string{"golang"}, loaded.Topics)
}

func TestSharedKeys(t *testing.T) {
	c := Default()
	c.APIKey = "gemini-key"
	assert.Equal(t, "gemini-key", c.TTSKey())
	assert.Equal(t, "gemini-key", c.SpeechKey())

	c.TTS.Provider = ProviderOpenAI
	assert.Empty(t, c.TTSKey(), "keys are not shared across vendors")

	c.TTS.APIKey = "tts-key"
	assert.Equal(t, "tts-key", c.TTSKey())

	c.TTS.Fallback = ProviderGoogle
	assert.Equal(t, "gemini-key", c.TTSFallbackKey(), "openai tts key is not reused for google")

	c.Fallback.Provider = ProviderGemini
	assert.Equal(t, "gemini-key", c.FallbackKey())
	c.Fallback.Provider = ProviderOpenAI
	assert.Empty(t, c.FallbackKey())
	c.Fallback.APIKey = "openai-key"
	assert.Equal(t, "openai-key", c.FallbackKey())
}

func TestFallbackKeyFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	path := filepath.Join(t.TempDir(), "voicebot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[fallback]
provider = "openai"
model = "gpt-4o-mini"

[tts]
fallback = "openai"
`), 0o600))

	cfg := loadFor(t, path)
	assert.Equal(t, "gemini-key", cfg.APIKey)
	assert.Equal(t, "openai-key", cfg.Fallback.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Fallback.Model)
	assert.Equal(t, ProviderOpenAI, cfg.TTS.Fallback)
	assert.Equal(t, "openai-key", cfg.TTSFallbackKey())
	require.NoError(t, cfg.Validate())
}
