package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"
)

const (
	providerGoogle = "google"
	cloudScope     = "https://www.googleapis.com/auth/cloud-platform"
)

// Google implements Provider for Cloud Text-to-Speech.
type Google struct {
	config *Config
	svc    *texttospeech.Service
	logger *slog.Logger
}

// NewGoogle creates a Cloud Text-to-Speech provider. With an API key the
// key is sent on every call; without one, Application Default Credentials
// are used. A configured HTTPClient replaces the authenticated transport.
func NewGoogle(ctx context.Context, opts ...Option) (*Google, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	clientOpts, err := googleClientOptions(ctx, cfg)
	if err != nil {
		return nil, WrapError(providerGoogle, err)
	}

	svc, err := texttospeech.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("create service: %w", err))
	}

	return &Google{
		config: cfg,
		svc:    svc,
		logger: cfg.Logger.With("component", "tts.google"),
	}, nil
}

func googleClientOptions(ctx context.Context, cfg *Config) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}

	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		ts, err := google.DefaultTokenSource(ctx, cloudScope)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	return opts, nil
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (g *Google) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, WrapError(providerGoogle, ErrEmptyText)
	}
	start := time.Now()

	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: g.config.LanguageCode,
			Name:         g.config.VoiceID,
		},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding: g.config.OutputFormat.googleEncoding(),
		},
	}

	var (
		resp    *texttospeech.SynthesizeSpeechResponse
		lastErr error
	)
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.config.RetryDelay * time.Duration(attempt)):
			}
		}

		var err error
		resp, err = g.svc.Text.Synthesize(req).Context(ctx).Do()
		if err == nil {
			lastErr = nil
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = googleError(err)
		var apiErr *APIError
		if !errors.As(lastErr, &apiErr) || !apiErr.IsRetryable() {
			return nil, lastErr
		}
		g.logger.Warn("retrying request", "attempt", attempt+1, "status", apiErr.StatusCode)
	}
	if lastErr != nil {
		return nil, lastErr
	}

	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("decode audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerGoogle, ErrEmptyAudio)
	}

	latency := since(start)
	g.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"language", g.config.LanguageCode,
	)

	return &AudioResult{
		Audio:     audio,
		Format:    AudioFormat{Encoding: g.config.OutputFormat, Channels: 1},
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Health lists voices for the configured language.
func (g *Google) Health(ctx context.Context) error {
	_, err := g.svc.Voices.List().LanguageCode(g.config.LanguageCode).Context(ctx).Do()
	if err != nil {
		return googleError(err)
	}
	return nil
}

// Close is a no-op; the service holds no long-lived resources.
func (g *Google) Close() error {
	return nil
}

func googleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &APIError{
			StatusCode: gerr.Code,
			Message:    gerr.Message,
			Provider:   providerGoogle,
		}
	}
	return WrapError(providerGoogle, err)
}

var _ Provider = (*Google)(nil)
