// Package pipeline runs one interaction at a time per session: capture,
// generate, synthesize, persist, report. Every collaborator failure is
// turned into a degraded result here; nothing raw escapes to the caller
// except cancellation and Busy. A collaborator panic aborts the
// interaction with a ServiceError.
package pipeline

import (
	"context"
	"time"

	"github.com/teslashibe/voicebot/pkg/gateway"
	"github.com/teslashibe/voicebot/pkg/history"
)

// State is the coordinator's position in an interaction.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateGenerating
	StateSynthesizing
	StatePersisting
	StateReporting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StatePersisting:
		return "persisting"
	case StateReporting:
		return "reporting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Capture is what the capture collaborator heard.
type Capture struct {
	Text     string
	AudioRef string
}

// Capturer records and transcribes one utterance. A nil Capture with a
// nil error means no usable speech.
type Capturer interface {
	Capture(ctx context.Context, timeout time.Duration) (*Capture, error)
}

// Synthesizer speaks text and returns an audio reference.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// HistoryWriter persists a finished interaction.
type HistoryWriter interface {
	Append(ctx context.Context, turns []history.Turn) (history.Conversation, error)
}

// ArtifactRemover deletes an audio artifact no turn will reference.
type ArtifactRemover interface {
	Remove(ref string) error
}

// Responder produces the assistant's reply for a prompt.
type Responder interface {
	Respond(ctx context.Context, prompt string) gateway.Outcome
}

// Turn is a message as delivered to the display sink.
type Turn struct {
	SessionID string       `json:"session_id"`
	Role      history.Role `json:"role"`
	Text      string       `json:"text"`
	AudioRef  string       `json:"audio_ref,omitempty"`

	// Outcome is the gateway result kind, set on assistant turns.
	Outcome string `json:"outcome,omitempty"`

	// ConversationID is empty when persistence failed.
	ConversationID string `json:"conversation_id,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Sink displays turns.
type Sink interface {
	Display(ctx context.Context, turn Turn)
}

// Result describes a finished interaction.
type Result struct {
	// Empty is set when no speech was captured or capture was stopped.
	// No turns exist in that case.
	Empty   bool
	Stopped bool

	User      history.Turn
	Assistant history.Turn
	Outcome   gateway.Outcome

	// Conversation is the persisted record; zero if PersistErr is set.
	Conversation history.Conversation
	PersistErr   error

	// SynthesisErr is set when a speakable reply could not be voiced.
	SynthesisErr error

	ResponseSeconds float64
	AudioSeconds    float64
	TotalSeconds    float64
}

// Turns returns the user and assistant turns in display order.
func (r *Result) Turns() []history.Turn {
	if r == nil || r.Empty {
		return nil
	}
	return []history.Turn{r.User, r.Assistant}
}
