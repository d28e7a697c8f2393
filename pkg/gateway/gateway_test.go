package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebot/internal/errs"
	"github.com/teslashibe/voicebot/internal/log"
	"github.com/teslashibe/voicebot/pkg/inference"
)

// fakeCompleter answers classification prompts with classify and
// everything else with answer.
type fakeCompleter struct {
	mu        sync.Mutex
	answer    string
	classify  string
	err       error
	classErr  error
	prompts   []string
	options   []inference.CompleteOptions
	blockTill <-chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string, opts inference.CompleteOptions) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.options = append(f.options, opts)
	f.mu.Unlock()

	if strings.HasPrefix(prompt, "You decide whether") {
		if f.classErr != nil {
			return "", f.classErr
		}
		return f.classify, nil
	}
	if f.blockTill != nil {
		select {
		case <-f.blockTill:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Now()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newGateway(t *testing.T, fc *fakeCompleter, clk *clock, cfg Config) *Gateway {
	t.Helper()
	cfg.Now = clk.Now
	cfg.Logger = log.Discard()
	return New(
		fc,
		NewCache(WithCacheClock(clk.Now)),
		NewRateLimiter(DefaultRateLimit),
		NewValidator(fc, nil, log.Discard()),
		cfg,
	)
}

func TestRespondOK(t *testing.T) {
	fc := &fakeCompleter{answer: "A hash map stores key/value pairs."}
	g := newGateway(t, fc, newClock(), Config{})

	out := g.Respond(context.Background(), "What is a hash map?")

	assert.Equal(t, KindOK, out.Kind)
	assert.Equal(t, "A hash map stores key/value pairs.", out.Text)
	assert.True(t, out.Speakable())
	assert.NoError(t, out.Error())
	assert.Equal(t, 1, fc.calls(), "keyword hit must not escalate")
}

func TestRespondCacheIdempotence(t *testing.T) {
	fc := &fakeCompleter{answer: "Recursion is a function calling itself."}
	clk := newClock()
	g := newGateway(t, fc, clk, Config{})

	first := g.Respond(context.Background(), "explain recursion in python")
	clk.Advance(time.Millisecond)
	second := g.Respond(context.Background(), "explain recursion in python")

	assert.Equal(t, KindOK, first.Kind)
	assert.Equal(t, KindCached, second.Kind)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, fc.calls())
}

func TestRespondCachedBypassesRateLimit(t *testing.T) {
	fc := &fakeCompleter{answer: "answer"}
	g := newGateway(t, fc, newClock(), Config{})

	require.Equal(t, KindOK, g.Respond(context.Background(), "python lists").Kind)
	assert.Equal(t, KindCached, g.Respond(context.Background(), "python lists").Kind)
}

func TestRespondRateLimited(t *testing.T) {
	fc := &fakeCompleter{answer: "answer"}
	clk := newClock()
	g := newGateway(t, fc, clk, Config{})

	require.Equal(t, KindOK, g.Respond(context.Background(), "python lists").Kind)

	clk.Advance(500 * time.Millisecond)
	out := g.Respond(context.Background(), "python dicts")
	require.Equal(t, KindRateLimited, out.Kind)
	assert.Equal(t, 1500*time.Millisecond, out.RetryAfter)
	assert.False(t, out.Speakable())
	assert.Contains(t, out.Reply(), "1.5 seconds")
	assert.True(t, errs.Is(out.Error(), errs.RateLimited))
	assert.Equal(t, 1, fc.calls(), "rejected call must not reach the network")

	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, KindOK, g.Respond(context.Background(), "python dicts").Kind)
}

func TestRespondOutOfScope(t *testing.T) {
	fc := &fakeCompleter{answer: "boil water", classify: "FALSE"}
	g := newGateway(t, fc, newClock(), Config{})

	out := g.Respond(context.Background(), "how to cook pasta")

	assert.Equal(t, KindOutOfScope, out.Kind)
	assert.Equal(t, OutOfScopeReply, out.Reply())
	assert.True(t, errs.Is(out.Error(), errs.OutOfScope))
	require.Equal(t, 1, fc.calls(), "only the classification call is made")

	opts := fc.options[0]
	require.NotNil(t, opts.Temperature)
	assert.Zero(t, *opts.Temperature)
	assert.Equal(t, classifyMaxTokens, opts.MaxTokens)

	_, cached := g.Cache().Get("how to cook pasta")
	assert.False(t, cached)
}

func TestRespondEscalationAccepts(t *testing.T) {
	fc := &fakeCompleter{answer: "Use a B-tree index.", classify: "True"}
	g := newGateway(t, fc, newClock(), Config{})

	out := g.Respond(context.Background(), "how do indexes speed up lookups")

	assert.Equal(t, KindOK, out.Kind)
	assert.Equal(t, 2, fc.calls())
}

func TestRespondFailed(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("503 upstream")}
	g := newGateway(t, fc, newClock(), Config{})

	out := g.Respond(context.Background(), "python generators")

	assert.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, FailedReply, out.Reply())
	assert.True(t, errs.Is(out.Error(), errs.ServiceError))
	_, cached := g.Cache().Get("python generators")
	assert.False(t, cached, "failures are not cached")
}

func TestRespondTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fc := &fakeCompleter{blockTill: block}
	g := newGateway(t, fc, newClock(), Config{Timeout: 10 * time.Millisecond})

	out := g.Respond(context.Background(), "python asyncio")

	assert.Equal(t, KindFailed, out.Kind)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestRespondCancelledBeforeLimiter(t *testing.T) {
	fc := &fakeCompleter{answer: "answer"}
	clk := newClock()
	g := newGateway(t, fc, clk, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := g.Respond(ctx, "python sets")
	assert.Equal(t, KindFailed, out.Kind)
	assert.Zero(t, fc.calls())

	// The slot was not consumed.
	assert.Equal(t, KindOK, g.Respond(context.Background(), "python sets").Kind)
}

func TestOutcomeKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		KindOK: "ok", KindCached: "cached", KindRateLimited: "rate_limited",
		KindOutOfScope: "out_of_scope", KindFailed: "failed", Kind(99): "unknown",
	} {
		assert.Equal(t, want, k.String(), fmt.Sprint(int(k)))
	}
}
