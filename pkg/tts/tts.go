// Package tts turns assistant replies into audio.
//
// Providers (OpenAI, Google Cloud Text-to-Speech) implement Provider and can
// be stacked in a Chain for fallback. A Speaker wraps a Provider and stores
// each result as an audio artifact, returning the artifact reference.
//
// Example usage:
//
//	provider, _ := tts.NewGoogle(ctx,
//	    tts.WithAPIKey(os.Getenv("GOOGLE_API_KEY")),
//	    tts.WithLanguage("en-US"),
//	)
//	defer provider.Close()
//
//	speaker := tts.NewSpeaker(provider, store, logger)
//	ref, _ := speaker.Synthesize(ctx, "A hash map stores key/value pairs.")
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete audio buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains the encoded audio data.
	Audio []byte

	// Format describes the audio encoding.
	Format AudioFormat

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the provider round trip in milliseconds.
	LatencyMs int64
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// Encoding names a container/codec pair.
type Encoding string

const (
	EncodingMP3      Encoding = "mp3"
	EncodingLinear16 Encoding = "wav"
	EncodingOggOpus  Encoding = "ogg"
)

// Ext returns the file extension for the encoding, with the leading dot.
func (e Encoding) Ext() string {
	switch e {
	case EncodingLinear16:
		return ".wav"
	case EncodingOggOpus:
		return ".ogg"
	default:
		return ".mp3"
	}
}

// googleEncoding maps to the Cloud Text-to-Speech AudioEncoding enum.
func (e Encoding) googleEncoding() string {
	switch e {
	case EncodingLinear16:
		return "LINEAR16"
	case EncodingOggOpus:
		return "OGG_OPUS"
	default:
		return "MP3"
	}
}

// openAIFormat maps to the OpenAI response_format field.
func (e Encoding) openAIFormat() string {
	switch e {
	case EncodingLinear16:
		return "wav"
	case EncodingOggOpus:
		return "opus"
	default:
		return "mp3"
	}
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
