// Package speech is the capture side of a turn: uploaded or recorded clips
// are queued, gated for silence, transcribed, and handed to the pipeline.
package speech

import (
	"context"
	"strings"
)

// Encoding names the clip's audio format as Cloud Speech understands it.
type Encoding string

const (
	EncodingWebMOpus Encoding = "WEBM_OPUS"
	EncodingOggOpus  Encoding = "OGG_OPUS"
	EncodingLinear16 Encoding = "LINEAR16"
	EncodingFLAC     Encoding = "FLAC"
	EncodingMP3      Encoding = "MP3"
)

// Ext returns the file extension used when storing a clip.
func (e Encoding) Ext() string {
	switch e {
	case EncodingOggOpus:
		return ".ogg"
	case EncodingLinear16:
		return ".wav"
	case EncodingFLAC:
		return ".flac"
	case EncodingMP3:
		return ".mp3"
	default:
		return ".webm"
	}
}

// EncodingFromMIME guesses an encoding from an upload's content type.
// Unknown types yield "" so the transcriber's default applies.
func EncodingFromMIME(mime string) Encoding {
	mime = strings.ToLower(mime)
	switch {
	case strings.Contains(mime, "webm"):
		return EncodingWebMOpus
	case strings.Contains(mime, "ogg"):
		return EncodingOggOpus
	case strings.Contains(mime, "wav"), strings.Contains(mime, "l16"):
		return EncodingLinear16
	case strings.Contains(mime, "flac"):
		return EncodingFLAC
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return EncodingMP3
	}
	return ""
}

// Clip is one utterance of captured audio.
type Clip struct {
	Data       []byte
	Encoding   Encoding
	SampleRate int
}

// Transcriber turns a clip into text. An empty string means no speech.
type Transcriber interface {
	Transcribe(ctx context.Context, clip Clip) (string, error)
}
