package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/voicebot/internal/errs"
	"github.com/teslashibe/voicebot/pkg/gateway"
	"github.com/teslashibe/voicebot/pkg/history"
	"github.com/teslashibe/voicebot/pkg/timing"
)

// DefaultSilenceTimeout bounds how long Listen waits for speech.
const DefaultSilenceTimeout = 10 * time.Second

// Config holds coordinator settings.
type Config struct {
	SilenceTimeout time.Duration
	Logger         *slog.Logger
}

// Deps are the collaborators of a Coordinator. Capturer and Synthesizer
// may be nil: Listen then reports no speech and replies stay text-only.
// Artifacts, when set, removes clips of interactions that were aborted.
type Deps struct {
	Responder   Responder
	Capturer    Capturer
	Synthesizer Synthesizer
	History     HistoryWriter
	Sink        Sink
	Artifacts   ArtifactRemover
}

// Coordinator sequences one interaction at a time for its session.
type Coordinator struct {
	session *Session
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	health  Health

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	stopped bool
}

// New creates a coordinator for session.
func New(session *Session, deps Deps, cfg Config) *Coordinator {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = Discard
	}
	return &Coordinator{
		session: session,
		deps:    deps,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "pipeline", "session", session.ID),
	}
}

// Session returns the coordinator's session.
func (c *Coordinator) Session() *Session {
	return c.session
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health returns persistence health for this coordinator.
func (c *Coordinator) Health() HealthSnapshot {
	return c.health.Snapshot()
}

// Listen captures speech and, if any was heard, answers it.
func (c *Coordinator) Listen(ctx context.Context) (res *Result, err error) {
	captureCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.begin(StateCapturing, cancel); err != nil {
		return nil, err
	}
	defer c.recoverPanic(&res, &err)

	var (
		captured   *Capture
		captureErr error
	)
	if c.deps.Capturer != nil {
		captured, captureErr = c.deps.Capturer.Capture(captureCtx, c.cfg.SilenceTimeout)
	}

	c.mu.Lock()
	stopped := c.stopped
	c.cancel = nil
	c.stopped = false
	c.mu.Unlock()

	if ctx.Err() != nil {
		if captured != nil {
			c.discard(captured.AudioRef)
		}
		return nil, c.abort(ctx.Err())
	}
	if stopped {
		if captured != nil {
			c.discard(captured.AudioRef)
		}
		c.logger.Info("capture stopped")
		c.setState(StateIdle)
		return &Result{Empty: true, Stopped: true}, nil
	}
	if captureErr != nil {
		// Device and transcription errors count as silence.
		c.logger.Warn("capture failed", "error", captureErr)
	}
	if captured == nil || strings.TrimSpace(captured.Text) == "" {
		c.logger.Debug("no speech captured")
		c.setState(StateIdle)
		return &Result{Empty: true}, nil
	}

	c.setState(StateGenerating)
	return c.respond(ctx, history.UserTurn(strings.TrimSpace(captured.Text), captured.AudioRef))
}

// Submit answers typed text, skipping capture.
func (c *Coordinator) Submit(ctx context.Context, text string) (res *Result, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errs.New(errs.InvalidInput, "message is empty")
	}
	if err := c.begin(StateGenerating, nil); err != nil {
		return nil, err
	}
	defer c.recoverPanic(&res, &err)
	return c.respond(ctx, history.UserTurn(text, ""))
}

// Stop ends an in-progress capture without producing a turn. It reports
// false unless the coordinator is capturing.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCapturing || c.cancel == nil {
		return false
	}
	c.stopped = true
	c.cancel()
	return true
}

// Trigger starts an interaction: voice capture when Text is empty.
type Trigger struct {
	Text string
}

// Response is delivered by Start.
type Response struct {
	Result *Result
	Err    error
}

// Start runs an interaction on its own goroutine. The channel yields
// exactly one Response and is then closed.
func (c *Coordinator) Start(ctx context.Context, trigger Trigger) <-chan Response {
	out := make(chan Response, 1)
	go func() {
		defer close(out)
		var (
			res *Result
			err error
		)
		if strings.TrimSpace(trigger.Text) != "" {
			res, err = c.Submit(ctx, trigger.Text)
		} else {
			res, err = c.Listen(ctx)
		}
		out <- Response{Result: res, Err: err}
	}()
	return out
}

// begin claims the coordinator for a new interaction.
func (c *Coordinator) begin(next State, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle && c.state != StateAborted {
		return errs.Newf(errs.Busy, "interaction in progress (%s)", c.state)
	}
	c.state = next
	c.cancel = cancel
	c.stopped = false
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) abort(err error) error {
	c.mu.Lock()
	from := c.state
	c.state = StateAborted
	c.cancel = nil
	c.mu.Unlock()

	c.logger.Info("interaction aborted", "state", from.String(), "error", err)
	return err
}

// recoverPanic turns a collaborator panic into an aborted interaction so
// the session stays usable.
func (c *Coordinator) recoverPanic(res **Result, err *error) {
	r := recover()
	if r == nil {
		return
	}
	c.logger.Error("interaction panicked", "panic", r, "stack", string(debug.Stack()))
	*res = nil
	*err = c.abort(errs.Newf(errs.ServiceError, "interaction failed: %v", r))
}

// discard removes artifacts of an interaction that produced no turn.
func (c *Coordinator) discard(refs ...string) {
	if c.deps.Artifacts == nil {
		return
	}
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := c.deps.Artifacts.Remove(ref); err != nil {
			c.logger.Warn("failed to remove audio artifact", "ref", ref, "error", err)
		}
	}
}

// synthesize calls the synthesizer, reporting a panic as a failure so the
// reply degrades to text.
func (c *Coordinator) synthesize(ctx context.Context, text string) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("synthesizer panicked", "panic", r, "stack", string(debug.Stack()))
			ref, err = "", fmt.Errorf("synthesizer panicked: %v", r)
		}
	}()
	return c.deps.Synthesizer.Synthesize(ctx, text)
}

// respond runs Generating through Reporting for user.
func (c *Coordinator) respond(ctx context.Context, user history.Turn) (*Result, error) {
	res := &Result{User: user}

	start := time.Now()
	res.Outcome = c.deps.Responder.Respond(ctx, user.Text)
	res.ResponseSeconds = time.Since(start).Seconds()

	if ctx.Err() != nil {
		c.discard(user.AudioRef)
		return nil, c.abort(ctx.Err())
	}
	if err := res.Outcome.Error(); err != nil {
		c.logger.Info("non-answer outcome", "outcome", res.Outcome.Kind.String(), "error", err)
	}

	audioRef := ""
	synthesized := false
	if res.Outcome.Speakable() && c.deps.Synthesizer != nil {
		c.setState(StateSynthesizing)
		synthesized = true

		start := time.Now()
		ref, err := c.synthesize(ctx, res.Outcome.Text)
		res.AudioSeconds = time.Since(start).Seconds()

		if ctx.Err() != nil {
			if err == nil {
				c.discard(ref)
			}
			c.discard(user.AudioRef)
			return nil, c.abort(ctx.Err())
		}
		if err != nil {
			res.SynthesisErr = errs.Wrap(errs.SynthesisFailure, "synthesize reply", err)
			c.logger.Warn("synthesis failed, replying with text only", "error", err)
		} else {
			audioRef = ref
		}
	}
	res.Assistant = history.AssistantTurn(res.Outcome.Reply(), audioRef)
	res.TotalSeconds = res.ResponseSeconds + res.AudioSeconds

	c.setState(StatePersisting)
	if c.deps.History != nil {
		// A write that has started is allowed to finish.
		conv, err := c.deps.History.Append(context.WithoutCancel(ctx), res.Turns())
		if err != nil {
			res.PersistErr = errs.Wrap(errs.PersistenceFailure, "save conversation", err)
			c.health.recordFailure(err)
			c.logger.Error("failed to save conversation", "error", err)
		} else {
			res.Conversation = conv
			c.health.recordSuccess()
		}
	}

	c.setState(StateReporting)
	rec := c.session.Recorder
	rec.Record(timing.StageResponse, res.ResponseSeconds)
	if synthesized {
		rec.Record(timing.StageAudio, res.AudioSeconds)
	}
	rec.Record(timing.StageTotal, res.TotalSeconds)

	outcome := res.Outcome.Kind.String()
	for _, t := range res.Turns() {
		turn := Turn{
			SessionID:      c.session.ID,
			Role:           t.Role,
			Text:           t.Text,
			AudioRef:       t.AudioRef,
			ConversationID: res.Conversation.ID,
			Timestamp:      res.Conversation.Timestamp,
		}
		if t.Role == history.RoleAssistant {
			turn.Outcome = outcome
		}
		c.deps.Sink.Display(ctx, turn)
	}

	c.logger.Info("interaction complete",
		"outcome", outcome,
		"response", timing.Format(res.ResponseSeconds),
		"audio", timing.Format(res.AudioSeconds),
		"persisted", res.PersistErr == nil,
	)
	c.setState(StateIdle)
	return res, nil
}

// IsAborted reports whether err ended an interaction by cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ Responder = (*gateway.Gateway)(nil)
