package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	speechapi "google.golang.org/api/speech/v1"
)

const cloudScope = "https://www.googleapis.com/auth/cloud-platform"

// Google transcribes clips with Cloud Speech-to-Text v1 synchronous
// recognition.
type Google struct {
	config *Config
	svc    *speechapi.Service
	logger *slog.Logger
}

// NewGoogle creates a Cloud Speech transcriber. Without an API key,
// Application Default Credentials are used.
func NewGoogle(ctx context.Context, opts ...Option) (*Google, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	var clientOpts []option.ClientOption
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}
	switch {
	case cfg.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	default:
		ts, err := google.DefaultTokenSource(ctx, cloudScope)
		if err != nil {
			return nil, fmt.Errorf("speech: default credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithTokenSource(ts))
	}

	svc, err := speechapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("speech: create service: %w", err)
	}

	return &Google{
		config: cfg,
		svc:    svc,
		logger: cfg.Logger.With("component", "speech.google"),
	}, nil
}

// Transcribe returns the best transcript for clip, or "" when nothing
// was recognized.
func (g *Google) Transcribe(ctx context.Context, clip Clip) (string, error) {
	if len(clip.Data) == 0 {
		return "", ErrEmptyClip
	}

	enc := clip.Encoding
	if enc == "" {
		enc = g.config.Encoding
	}
	rate := clip.SampleRate
	if rate == 0 {
		rate = g.config.SampleRate
	}

	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	req := &speechapi.RecognizeRequest{
		Config: &speechapi.RecognitionConfig{
			Encoding:                   string(enc),
			SampleRateHertz:            int64(rate),
			LanguageCode:               g.config.LanguageCode,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechapi.RecognitionAudio{
			Content: base64.StdEncoding.EncodeToString(clip.Data),
		},
	}

	resp, err := g.svc.Speech.Recognize(req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("speech: recognize: %w", err)
	}

	var parts []string
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(result.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, " ")

	g.logger.Debug("clip transcribed",
		"bytes", len(clip.Data),
		"encoding", enc,
		"chars", len(text),
	)
	return text, nil
}

var _ Transcriber = (*Google)(nil)
