package tts

import (
	"context"
	"fmt"
	"log/slog"
)

// Saver persists an audio artifact and returns its reference.
type Saver interface {
	Save(prefix, ext string, data []byte) (string, error)
}

// Speaker synthesizes replies and stores them as artifacts.
type Speaker struct {
	provider Provider
	store    Saver
	logger   *slog.Logger
}

// NewSpeaker wires a provider to an artifact store.
func NewSpeaker(provider Provider, store Saver, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		provider: provider,
		store:    store,
		logger:   logger.With("component", "tts.speaker"),
	}
}

// Synthesize speaks text and returns the stored artifact's reference.
func (s *Speaker) Synthesize(ctx context.Context, text string) (string, error) {
	result, err := s.provider.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}

	ref, err := s.store.Save("assistant", result.Format.Encoding.Ext(), result.Audio)
	if err != nil {
		return "", fmt.Errorf("store synthesized audio: %w", err)
	}

	s.logger.Debug("reply synthesized", "ref", ref, "latency_ms", result.LatencyMs)
	return ref, nil
}

// Provider returns the wrapped provider.
func (s *Speaker) Provider() Provider {
	return s.provider
}
