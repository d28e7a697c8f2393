package speech

import (
	"context"
	"sync"
)

// Mock implements Transcriber for testing.
type Mock struct {
	// TranscribeFunc is called when Transcribe is invoked.
	// If nil, the clip bytes are returned as text.
	TranscribeFunc func(ctx context.Context, clip Clip) (string, error)

	mu    sync.Mutex
	clips []Clip
}

// NewMock returns a mock that always transcribes to text.
func NewMock(text string) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, clip Clip) (string, error) {
			return text, nil
		},
	}
}

// Transcribe calls TranscribeFunc and records the clip.
func (m *Mock) Transcribe(ctx context.Context, clip Clip) (string, error) {
	m.mu.Lock()
	m.clips = append(m.clips, clip)
	m.mu.Unlock()

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, clip)
	}
	return string(clip.Data), nil
}

// CallCount returns how many clips were transcribed.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clips)
}

var _ Transcriber = (*Mock)(nil)
