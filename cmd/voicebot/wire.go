package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/voicebot/internal/config"
	"github.com/teslashibe/voicebot/internal/httpc"
	"github.com/teslashibe/voicebot/internal/log"
	"github.com/teslashibe/voicebot/pkg/audio"
	"github.com/teslashibe/voicebot/pkg/gateway"
	"github.com/teslashibe/voicebot/pkg/history"
	"github.com/teslashibe/voicebot/pkg/inference"
	"github.com/teslashibe/voicebot/pkg/pipeline"
	"github.com/teslashibe/voicebot/pkg/speech"
	"github.com/teslashibe/voicebot/pkg/tts"
)

// app holds the wired collaborators shared by serve and chat.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	audio    *audio.Store
	history  history.Store
	queues   *speech.Queues
	speaker  *tts.Speaker
	registry *pipeline.Registry

	closers []func() error
}

// wireApp builds everything a conversation needs. newSink builds the
// display for every turn once the audio store exists.
func wireApp(ctx context.Context, cfg *config.Config, newSink func(*audio.Store) pipeline.Sink) (*app, error) {
	logger := log.L()
	a := &app{cfg: cfg, logger: logger, queues: speech.NewQueues(speech.DefaultQueueSize)}

	store, err := audio.NewStore(cfg.AudioDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open audio store: %w", err)
	}
	a.audio = store

	hist, err := openHistory(cfg, store)
	if err != nil {
		return nil, err
	}
	a.history = hist
	a.closers = append(a.closers, hist.Close)

	provider, err := newCompletionChain(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("completion provider: %w", err)
	}
	a.closers = append(a.closers, provider.Close)
	completer := inference.NewPromptClient(provider)

	synth, err := newSynthesisChain(ctx, cfg)
	switch {
	case err != nil:
		// Replies stay text-only; the conversation still works.
		logger.Warn("speech synthesis disabled", "provider", cfg.TTS.Provider, "error", err)
	case synth != nil:
		a.closers = append(a.closers, synth.Close)
		a.speaker = tts.NewSpeaker(synth, store, logger)
	}

	transcriber, err := newTranscriber(ctx, cfg)
	if err != nil {
		logger.Warn("voice input disabled", "provider", cfg.Speech.Provider, "error", err)
		transcriber = nil
	}

	rc := pipeline.RegistryConfig{
		Completer: completer,
		Validator: gateway.NewValidator(completer, cfg.Topics, logger),
		// One limiter protects the remote quota across every session.
		Limiter:      gateway.NewRateLimiter(cfg.RateLimit),
		CacheOptions: []gateway.CacheOption{gateway.WithCapacity(cfg.CacheCapacity), gateway.WithTTL(cfg.CacheTTL)},
		Gateway:      gateway.Config{Timeout: cfg.CompletionTimeout, Logger: logger},
		History:      hist,
		Sink:         newSink(store),
		Artifacts:    store,
		OnEvict:      a.queues.Remove,

		SilenceTimeout: cfg.SilenceTimeout,
		Logger:         logger,
	}
	if a.speaker != nil {
		rc.Synthesizer = a.speaker
	}
	if transcriber != nil {
		rc.NewCapturer = func(id string) pipeline.Capturer {
			return speech.NewListener(a.queues.For(id), transcriber, store, logger)
		}
	}
	a.registry = pipeline.NewRegistry(rc)
	return a, nil
}

func openHistory(cfg *config.Config, store *audio.Store) (history.Store, error) {
	hist, err := history.Open(cfg.History.Backend, cfg.History.Path,
		history.WithArtifacts(store),
		history.WithLogger(log.L()),
	)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return hist, nil
}

// newCompletionChain returns the primary provider, or a chain that
// falls back to the configured second provider.
func newCompletionChain(cfg *config.Config) (inference.Provider, error) {
	primary, err := newCompletionProvider(cfg, cfg.Provider, cfg.APIKey, cfg.Model, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	switch cfg.Fallback.Provider {
	case "", config.ProviderNone:
		return primary, nil
	}
	fallback, err := newCompletionProvider(cfg, cfg.Fallback.Provider, cfg.FallbackKey(), cfg.Fallback.Model, "")
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return inference.NewChainWithLogger(log.L(), primary, fallback)
}

func newCompletionProvider(cfg *config.Config, provider, key, model, baseURL string) (inference.Provider, error) {
	opts := []inference.Option{
		inference.WithAPIKey(key),
		inference.WithTimeout(cfg.CompletionTimeout),
		inference.WithHTTPClient(httpc.NewClient(cfg.CompletionTimeout)),
		inference.WithLogger(log.L()),
	}
	if model != "" {
		opts = append(opts, inference.WithModel(model))
	}
	if baseURL != "" {
		opts = append(opts, inference.WithBaseURL(baseURL))
	}

	switch provider {
	case config.ProviderOpenAI:
		return inference.NewClient(opts...)
	default:
		return inference.NewGemini(opts...)
	}
}

// newSynthesisChain returns nil, nil when synthesis is turned off. A
// broken fallback only costs the fallback.
func newSynthesisChain(ctx context.Context, cfg *config.Config) (tts.Provider, error) {
	primary, err := newSynthesisProvider(ctx, cfg, cfg.TTS.Provider, cfg.TTSKey())
	if err != nil || primary == nil {
		return primary, err
	}
	switch cfg.TTS.Fallback {
	case "", config.ProviderNone:
		return primary, nil
	}
	fallback, err := newSynthesisProvider(ctx, cfg, cfg.TTS.Fallback, cfg.TTSFallbackKey())
	if err != nil || fallback == nil {
		log.Warn("tts fallback disabled", "provider", cfg.TTS.Fallback, "error", err)
		return primary, nil
	}
	return tts.NewChainWithLogger(log.L(), primary, fallback)
}

// newSynthesisProvider returns nil, nil for the "none" provider. Voice
// and model only apply to the primary provider.
func newSynthesisProvider(ctx context.Context, cfg *config.Config, provider, key string) (tts.Provider, error) {
	opts := []tts.Option{
		tts.WithLogger(log.L()),
		tts.WithLanguage(cfg.TTS.Language),
	}
	if key != "" {
		opts = append(opts, tts.WithAPIKey(key))
	}
	if provider == cfg.TTS.Provider {
		if cfg.TTS.Voice != "" {
			opts = append(opts, tts.WithVoice(cfg.TTS.Voice))
		}
		if cfg.TTS.Model != "" {
			opts = append(opts, tts.WithModel(cfg.TTS.Model))
		}
	}

	switch provider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderOpenAI:
		opts = append(opts, tts.WithHTTPClient(httpc.NewClient(httpc.DefaultTimeout)))
		return tts.NewOpenAI(opts...)
	case config.ProviderGoogle:
		return tts.NewGoogle(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown tts provider %q", provider)
	}
}

// newTranscriber returns nil, nil when voice input is turned off.
func newTranscriber(ctx context.Context, cfg *config.Config) (speech.Transcriber, error) {
	switch cfg.Speech.Provider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderGoogle:
		opts := []speech.Option{
			speech.WithLanguage(cfg.Speech.Language),
			speech.WithEncoding(speech.Encoding(cfg.Speech.Encoding), cfg.Speech.SampleRate),
			speech.WithLogger(log.L()),
		}
		if key := cfg.SpeechKey(); key != "" {
			opts = append(opts, speech.WithAPIKey(key))
		}
		return speech.NewGoogle(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown speech provider %q", cfg.Speech.Provider)
	}
}

// Close releases every collaborator, in reverse order of creation.
func (a *app) Close() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
