// Package history persists conversations: each saved interaction is a
// user turn and, usually, the assistant's reply. Two backends share one
// contract: a JSON file rewritten atomically, and SQLite.
package history

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/voicebot/internal/errs"
)

// TimestampLayout is the persisted conversation timestamp format.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// DefaultRecent is how many conversations Recent returns for limit <= 0.
const DefaultRecent = 5

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message. AudioRef is empty when the turn has no audio.
type Turn struct {
	Role     Role   `json:"role"`
	Text     string `json:"text"`
	AudioRef string `json:"audio_ref,omitempty"`
}

// UserTurn builds a user turn.
func UserTurn(text, audioRef string) Turn {
	return Turn{Role: RoleUser, Text: text, AudioRef: audioRef}
}

// AssistantTurn builds an assistant turn.
func AssistantTurn(text, audioRef string) Turn {
	return Turn{Role: RoleAssistant, Text: text, AudioRef: audioRef}
}

// Conversation is the set of turns saved by one Append.
type Conversation struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Turns     []Turn `json:"turns"`
}

// Matches reports whether key names this conversation, by ID or timestamp.
func (c Conversation) Matches(key string) bool {
	return key != "" && (c.ID == key || c.Timestamp == key)
}

// AudioRefs returns the non-empty audio references of the turns.
func (c Conversation) AudioRefs() []string {
	var refs []string
	for _, t := range c.Turns {
		if t.AudioRef != "" {
			refs = append(refs, t.AudioRef)
		}
	}
	return refs
}

// Store is a durable conversation log.
type Store interface {
	// Append saves turns as a new conversation and returns it.
	Append(ctx context.Context, turns []Turn) (Conversation, error)

	// List returns every conversation, oldest first.
	List(ctx context.Context) ([]Conversation, error)

	// Recent returns the last limit conversations, oldest first.
	Recent(ctx context.Context, limit int) ([]Conversation, error)

	// Delete removes the conversation whose ID or timestamp equals key.
	// It reports false if nothing matched.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteAll removes every conversation.
	DeleteAll(ctx context.Context) error

	Close() error
}

// ArtifactRemover deletes audio artifacts referenced by deleted turns.
type ArtifactRemover interface {
	Remove(ref string) error
}

type options struct {
	artifacts ArtifactRemover
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithArtifacts sets where referenced audio is removed on delete.
func WithArtifacts(r ArtifactRemover) Option {
	return func(o *options) { o.artifacts = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(component string, opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", component)
	return o
}

func validateTurns(turns []Turn) error {
	if len(turns) == 0 {
		return errs.New(errs.InvalidInput, "conversation has no turns")
	}
	for i, t := range turns {
		switch t.Role {
		case RoleUser:
			if strings.TrimSpace(t.Text) == "" {
				return errs.Newf(errs.InvalidInput, "turn %d: user text is empty", i)
			}
		case RoleAssistant:
		default:
			return errs.Newf(errs.InvalidInput, "turn %d: unknown role %q", i, t.Role)
		}
	}
	return nil
}

// nextTimestamp formats now, bumped past last by one microsecond when the
// clock has not moved beyond it.
func nextTimestamp(now time.Time, last string) string {
	ts := now.Format(TimestampLayout)
	if last == "" || ts > last {
		return ts
	}
	prev, err := time.ParseInLocation(TimestampLayout, last, now.Location())
	if err != nil {
		return ts
	}
	return prev.Add(time.Microsecond).Format(TimestampLayout)
}

// ArtifactPurger is an ArtifactRemover that can drop every artifact at
// once, including clips of interactions that were never saved.
type ArtifactPurger interface {
	ArtifactRemover
	Purge() (int, error)
}

// clearArtifacts empties the artifact store after DeleteAll, falling back
// to the refs of convs when the remover cannot purge.
func clearArtifacts(logger *slog.Logger, remover ArtifactRemover, convs []Conversation) int {
	if p, ok := remover.(ArtifactPurger); ok {
		n, err := p.Purge()
		if err == nil {
			return n
		}
		logger.Warn("failed to purge audio artifacts", "error", err)
	}
	return removeArtifacts(logger, remover, convs)
}

// removeArtifacts deletes every audio ref of convs. Failures are logged.
func removeArtifacts(logger *slog.Logger, remover ArtifactRemover, convs []Conversation) int {
	if remover == nil {
		return 0
	}
	removed := 0
	for _, c := range convs {
		for _, ref := range c.AudioRefs() {
			if err := remover.Remove(ref); err != nil {
				logger.Warn("failed to remove audio artifact", "ref", ref, "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}

func recentOf(convs []Conversation, limit int) []Conversation {
	if limit <= 0 {
		limit = DefaultRecent
	}
	if len(convs) > limit {
		convs = convs[len(convs)-limit:]
	}
	return convs
}
