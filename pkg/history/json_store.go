package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/voicebot/internal/errs"
)

const (
	// DefaultPath is the JSON history file used when none is configured.
	DefaultPath = "conversation_history/conversation_history.json"

	historyFileMode = 0o644
	historyDirMode  = 0o755
	tempFilePattern = ".conversation_history-*.json.tmp"
)

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

type messageRecord struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	AudioFile *string `json:"audio_file"`
}

type conversationRecord struct {
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Messages  []messageRecord `json:"messages"`
}

// JSONStore keeps the whole history in one JSON array. Every write
// re-reads the file under a per-path lock and replaces it atomically.
type JSONStore struct {
	path      string
	mu        *sync.RWMutex
	artifacts ArtifactRemover
	logger    *slog.Logger
	now       func() time.Time
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore opens the history file at path. A missing file is an
// empty history.
func NewJSONStore(path string, opts ...Option) (*JSONStore, error) {
	if path == "" {
		path = DefaultPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve history path: %w", err)
	}
	abs = filepath.Clean(abs)

	if err := os.MkdirAll(filepath.Dir(abs), historyDirMode); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	o := buildOptions("history.json", opts)
	return &JSONStore{
		path:      abs,
		mu:        lockForPath(abs),
		artifacts: o.artifacts,
		logger:    o.logger,
		now:       o.now,
	}, nil
}

// Path returns the absolute history file path.
func (s *JSONStore) Path() string {
	return s.path
}

func (s *JSONStore) Append(ctx context.Context, turns []Turn) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if err := validateTurns(turns); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return Conversation{}, err
	}

	last := ""
	for _, r := range records {
		if r.Timestamp > last {
			last = r.Timestamp
		}
	}

	conv := Conversation{
		ID:        uuid.NewString(),
		Timestamp: nextTimestamp(s.now(), last),
		Turns:     append([]Turn(nil), turns...),
	}
	records = append(records, toRecord(conv))

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if err := s.write(records); err != nil {
		return Conversation{}, err
	}

	s.logger.Debug("conversation saved", "id", conv.ID, "timestamp", conv.Timestamp, "turns", len(conv.Turns))
	return conv, nil
}

func (s *JSONStore) List(ctx context.Context) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(records))
	for _, r := range records {
		convs = append(convs, fromRecord(r))
	}
	return convs, nil
}

func (s *JSONStore) Recent(ctx context.Context, limit int) ([]Conversation, error) {
	convs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return recentOf(convs, limit), nil
}

func (s *JSONStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	removed, err := s.rewrite(func(records []conversationRecord) ([]conversationRecord, []Conversation) {
		kept := records[:0:0]
		var gone []Conversation
		for _, r := range records {
			c := fromRecord(r)
			if c.Matches(key) {
				gone = append(gone, c)
				continue
			}
			kept = append(kept, r)
		}
		return kept, gone
	})
	if err != nil {
		return false, err
	}
	if len(removed) == 0 {
		return false, nil
	}

	removeArtifacts(s.logger, s.artifacts, removed)
	s.logger.Info("conversation deleted", "key", key)
	return true, nil
}

func (s *JSONStore) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	removed, err := s.rewrite(func(records []conversationRecord) ([]conversationRecord, []Conversation) {
		gone := make([]Conversation, 0, len(records))
		for _, r := range records {
			gone = append(gone, fromRecord(r))
		}
		return []conversationRecord{}, gone
	})
	if err != nil {
		return err
	}

	n := clearArtifacts(s.logger, s.artifacts, removed)
	s.logger.Info("history cleared", "conversations", len(removed), "artifacts", n)
	return nil
}

func (s *JSONStore) Close() error {
	return nil
}

// rewrite applies fn under the write lock and persists the kept records
// only when something was removed.
func (s *JSONStore) rewrite(fn func([]conversationRecord) ([]conversationRecord, []Conversation)) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}
	kept, removed := fn(records)
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.write(kept); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *JSONStore) read() ([]conversationRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.PersistenceFailure, "read history file", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []conversationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "decode history file", err)
	}
	return records, nil
}

func (s *JSONStore) write(records []conversationRecord) error {
	if records == nil {
		records = []conversationRecord{}
	}
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return errs.Wrap(errs.PersistenceFailure, "encode history", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return errs.Wrap(errs.PersistenceFailure, "create temp history file", err)
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
		return errs.Wrap(errs.PersistenceFailure, "write temp history file", err)
	}
	if err := tempFile.Chmod(historyFileMode); err != nil {
		_ = tempFile.Close()
		return errs.Wrap(errs.PersistenceFailure, "chmod temp history file", err)
	}
	if err := tempFile.Close(); err != nil {
		return errs.Wrap(errs.PersistenceFailure, "close temp history file", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		return errs.Wrap(errs.PersistenceFailure, "replace history file", err)
	}

	cleanup = false
	return nil
}

func toRecord(c Conversation) conversationRecord {
	msgs := make([]messageRecord, len(c.Turns))
	for i, t := range c.Turns {
		msgs[i] = messageRecord{Role: string(t.Role), Content: t.Text}
		if t.AudioRef != "" {
			ref := t.AudioRef
			msgs[i].AudioFile = &ref
		}
	}
	return conversationRecord{ID: c.ID, Timestamp: c.Timestamp, Messages: msgs}
}

func fromRecord(r conversationRecord) Conversation {
	turns := make([]Turn, len(r.Messages))
	for i, m := range r.Messages {
		turns[i] = Turn{Role: Role(m.Role), Text: m.Content}
		if m.AudioFile != nil {
			turns[i].AudioRef = *m.AudioFile
		}
	}
	return Conversation{ID: r.ID, Timestamp: r.Timestamp, Turns: turns}
}
