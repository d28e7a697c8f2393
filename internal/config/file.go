package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".voicebot-*.toml.tmp"
)

// ErrFileExists is returned by WriteFile when the target exists and
// overwrite is false.
var ErrFileExists = errors.New("config: file already exists")

// fileSchema is the on-disk TOML layout. Durations are written as Go
// duration strings so the file stays readable.
type fileSchema struct {
	APIKey            string   `toml:"api_key"`
	Provider          string   `toml:"provider"`
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	RateLimitSeconds  float64  `toml:"rate_limit_seconds"`
	CacheCapacity     int      `toml:"cache_capacity"`
	CacheTTL          string   `toml:"cache_ttl"`
	SilenceTimeout    string   `toml:"silence_timeout"`
	CompletionTimeout string   `toml:"completion_timeout"`
	AudioDir          string   `toml:"audio_dir"`
	Topics            []string `toml:"topics"`
	LogLevel          string   `toml:"log_level"`

	Fallback fallbackSchema `toml:"fallback"`
	History  historySchema  `toml:"history"`
	TTS      ttsSchema      `toml:"tts"`
	Speech   speechSchema   `toml:"speech"`
	Server   serverSchema   `toml:"server"`
}

type fallbackSchema struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
}

type historySchema struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type ttsSchema struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	Voice    string `toml:"voice"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
	Fallback string `toml:"fallback"`
}

type speechSchema struct {
	Provider   string `toml:"provider"`
	APIKey     string `toml:"api_key"`
	Language   string `toml:"language"`
	Encoding   string `toml:"encoding"`
	SampleRate int    `toml:"sample_rate"`
}

type serverSchema struct {
	Port      int    `toml:"port"`
	StaticDir string `toml:"static_dir"`
}

func toSchema(c Config) fileSchema {
	topics := c.Topics
	if topics == nil {
		topics = []string{}
	}
	return fileSchema{
		APIKey:            c.APIKey,
		Provider:          c.Provider,
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		RateLimitSeconds:  c.RateLimit.Seconds(),
		CacheCapacity:     c.CacheCapacity,
		CacheTTL:          c.CacheTTL.String(),
		SilenceTimeout:    c.SilenceTimeout.String(),
		CompletionTimeout: c.CompletionTimeout.String(),
		AudioDir:          c.AudioDir,
		Topics:            topics,
		LogLevel:          c.LogLevel,
		Fallback: fallbackSchema{
			Provider: c.Fallback.Provider,
			APIKey:   c.Fallback.APIKey,
			Model:    c.Fallback.Model,
		},
		History: historySchema{Backend: c.History.Backend, Path: c.History.Path},
		TTS: ttsSchema{
			Provider: c.TTS.Provider,
			APIKey:   c.TTS.APIKey,
			Voice:    c.TTS.Voice,
			Model:    c.TTS.Model,
			Language: c.TTS.Language,
			Fallback: c.TTS.Fallback,
		},
		Speech: speechSchema{
			Provider:   c.Speech.Provider,
			APIKey:     c.Speech.APIKey,
			Language:   c.Speech.Language,
			Encoding:   c.Speech.Encoding,
			SampleRate: c.Speech.SampleRate,
		},
		Server: serverSchema{Port: c.Server.Port, StaticDir: c.Server.StaticDir},
	}
}

// Marshal encodes c as TOML.
func Marshal(c Config) ([]byte, error) {
	return toml.Marshal(toSchema(c))
}

// WriteFile writes c to path as TOML, atomically and with owner-only
// permissions since the file may hold API keys.
func WriteFile(path string, c Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
	}

	data, err := Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	cleanup = false
	return nil
}
