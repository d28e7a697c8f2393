package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/teslashibe/voicebot/pkg/history"
)

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, turn Turn)

// Display calls f.
func (f SinkFunc) Display(ctx context.Context, turn Turn) {
	f(ctx, turn)
}

// Discard drops every turn.
var Discard Sink = SinkFunc(func(context.Context, Turn) {})

// MultiSink fans turns out to several sinks in order.
type MultiSink []Sink

// Display forwards turn to every sink.
func (m MultiSink) Display(ctx context.Context, turn Turn) {
	for _, s := range m {
		s.Display(ctx, turn)
	}
}

// WriterSink prints turns as plain text, one per line.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Display writes "You: ..." or "Assistant: ...".
func (s *WriterSink) Display(_ context.Context, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	who := "Assistant"
	if turn.Role == history.RoleUser {
		who = "You"
	}
	fmt.Fprintf(s.w, "%s: %s\n", who, turn.Text)
	if turn.AudioRef != "" {
		fmt.Fprintf(s.w, "  [audio: %s]\n", turn.AudioRef)
	}
}
