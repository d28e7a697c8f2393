// Package audio stores the audio artifacts referenced by conversation turns:
// captured user clips and synthesized replies.
package audio

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultDir is where artifacts live unless configured otherwise.
const DefaultDir = "audio_history"

// ErrOutsideStore is returned when a reference points outside the store.
var ErrOutsideStore = errors.New("audio: reference outside store directory")

// Store writes artifacts under one directory with time-sortable ULID names.
// A reference is the artifact's path: dir joined with the file name.
type Store struct {
	dir    string
	abs    string
	logger *slog.Logger

	mu      sync.Mutex
	entropy io.Reader
}

// NewStore creates the directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve audio directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:     filepath.Clean(dir),
		abs:     filepath.Clean(abs),
		logger:  logger.With("component", "audio.store"),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Dir returns the store directory as configured.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) newName(prefix, ext string) string {
	s.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
	s.mu.Unlock()

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if prefix != "" {
		return prefix + "_" + strings.ToLower(id.String()) + ext
	}
	return strings.ToLower(id.String()) + ext
}

// Save writes data as a new artifact and returns its reference.
// prefix tags the file ("user", "assistant"); ext is the file extension.
func (s *Store) Save(prefix, ext string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("audio: empty artifact")
	}
	ref := filepath.Join(s.dir, s.newName(prefix, ext))

	tmp, err := os.CreateTemp(s.dir, ".audio-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, ref); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("store artifact: %w", err)
	}

	s.logger.Debug("stored artifact", "ref", ref, "bytes", len(data))
	return ref, nil
}

// Open opens the artifact behind ref for reading.
func (s *Store) Open(ref string) (*os.File, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Remove deletes the artifact behind ref. A missing file is not an error.
func (s *Store) Remove(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Purge deletes every artifact in the store, referenced or not. Files
// still being written are skipped.
func (s *Store) Purge() (int, error) {
	entries, err := os.ReadDir(s.abs)
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}
	removed := 0
	var errList []error
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.Remove(filepath.Join(s.abs, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errList = append(errList, err)
			continue
		}
		removed++
	}
	if len(errList) > 0 {
		return removed, fmt.Errorf("purge artifacts: %w", errors.Join(errList...))
	}
	s.logger.Debug("purged artifacts", "count", removed)
	return removed, nil
}

// Exists reports whether ref's file is present.
func (s *Store) Exists(ref string) bool {
	path, err := s.resolve(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Name returns the bare file name of ref, as served over HTTP.
func (s *Store) Name(ref string) string {
	return filepath.Base(ref)
}

// resolve maps ref onto an absolute path inside the store.
func (s *Store) resolve(ref string) (string, error) {
	if ref == "" {
		return "", ErrOutsideStore
	}
	candidate := ref
	if !filepath.IsAbs(candidate) {
		// Bare names and dir-prefixed references are both accepted.
		if filepath.Dir(filepath.Clean(candidate)) == "." {
			candidate = filepath.Join(s.abs, candidate)
		} else {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", err
			}
			candidate = abs
		}
	}
	candidate = filepath.Clean(candidate)
	if filepath.Dir(candidate) != s.abs {
		return "", fmt.Errorf("%w: %s", ErrOutsideStore, ref)
	}
	return candidate, nil
}
