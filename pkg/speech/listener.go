package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/voicebot/pkg/pipeline"
)

// Saver persists an audio artifact and returns its reference.
type Saver interface {
	Save(prefix, ext string, data []byte) (string, error)
}

// Listener waits on a Queue for the next clip and transcribes it.
// It implements pipeline.Capturer.
type Listener struct {
	queue       *Queue
	transcriber Transcriber
	store       Saver
	logger      *slog.Logger
}

// NewListener wires a queue to a transcriber. store may be nil, in which
// case user turns carry no audio reference.
func NewListener(queue *Queue, transcriber Transcriber, store Saver, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		queue:       queue,
		transcriber: transcriber,
		store:       store,
		logger:      logger.With("component", "speech.listener"),
	}
}

// Capture returns nil, nil when no usable speech arrives within timeout,
// when the clip is silent, or when transcription fails. Cancelling ctx
// returns ctx.Err().
func (l *Listener) Capture(ctx context.Context, timeout time.Duration) (*pipeline.Capture, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	clip, err := l.queue.Next(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			l.logger.Debug("no speech before timeout", "timeout", timeout)
			return nil, nil
		}
		return nil, err
	}

	if !HasSpeech(clip) {
		l.logger.Debug("clip is silent", "bytes", len(clip.Data))
		return nil, nil
	}

	text, err := l.transcriber.Transcribe(ctx, clip)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Warn("transcription failed", "error", err)
		return nil, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	capture := &pipeline.Capture{Text: text}
	if l.store != nil {
		ref, err := l.store.Save("user", clip.Encoding.Ext(), clip.Data)
		if err != nil {
			l.logger.Warn("failed to store user clip", "error", err)
		} else {
			capture.AudioRef = ref
		}
	}
	return capture, nil
}

var _ pipeline.Capturer = (*Listener)(nil)
