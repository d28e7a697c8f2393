// Package gateway wraps the remote completion call with the response
// cache, the rate limiter and the topic validator, applied in that order.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/teslashibe/voicebot/internal/errs"
	"github.com/teslashibe/voicebot/pkg/inference"
)

// Kind is the result category of Respond.
type Kind int

const (
	KindOK Kind = iota
	KindCached
	KindRateLimited
	KindOutOfScope
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindCached:
		return "cached"
	case KindRateLimited:
		return "rate_limited"
	case KindOutOfScope:
		return "out_of_scope"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// User-facing replies for the non-answer outcomes.
const (
	OutOfScopeReply = "I can only help with programming and computer science questions. Try asking me about code, algorithms or software."
	FailedReply     = "Sorry, I couldn't get a response right now. Please try again in a moment."
	rateLimitReply  = "You're sending messages a little too quickly. Please wait %s and try again."
)

// Outcome is the typed result of Respond.
type Outcome struct {
	Kind Kind

	// Text is the model response for KindOK and KindCached.
	Text string

	// RetryAfter is the remaining wait for KindRateLimited.
	RetryAfter time.Duration

	// Err carries the failure for KindFailed.
	Err error
}

// Speakable reports whether the outcome is an actual answer worth speaking.
func (o Outcome) Speakable() bool {
	return o.Kind == KindOK || o.Kind == KindCached
}

// Reply returns the text shown to the user for any outcome.
func (o Outcome) Reply() string {
	switch o.Kind {
	case KindOK, KindCached:
		return o.Text
	case KindRateLimited:
		secs := math.Ceil(o.RetryAfter.Seconds()*10) / 10
		return fmt.Sprintf(rateLimitReply, fmt.Sprintf("%.1f seconds", secs))
	case KindOutOfScope:
		return OutOfScopeReply
	default:
		return FailedReply
	}
}

// Error maps non-answer outcomes onto the error taxonomy. Answers yield nil.
func (o Outcome) Error() error {
	switch o.Kind {
	case KindRateLimited:
		return errs.Newf(errs.RateLimited, "retry after %s", o.RetryAfter)
	case KindOutOfScope:
		return errs.New(errs.OutOfScope, "query outside supported topics")
	case KindFailed:
		return errs.Wrap(errs.ServiceError, "completion failed", o.Err)
	}
	return nil
}

// Config holds gateway settings.
type Config struct {
	// Timeout bounds each completion call. Zero means no extra bound.
	Timeout time.Duration

	// MaxTokens caps the answer length. Zero uses the provider default.
	MaxTokens int

	// Now is the clock used for rate limiting.
	Now func() time.Time

	Logger *slog.Logger
}

// Gateway applies cache, rate limit and scope checks before calling the
// completion collaborator.
type Gateway struct {
	cache     *Cache
	limiter   *RateLimiter
	validator *Validator
	completer Completer
	cfg       Config
	logger    *slog.Logger
}

// New creates a gateway. cache, limiter and validator may be shared with
// other gateways; the session that owns them decides.
func New(completer Completer, cache *Cache, limiter *RateLimiter, validator *Validator, cfg Config) *Gateway {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		cache:     cache,
		limiter:   limiter,
		validator: validator,
		completer: completer,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "gateway"),
	}
}

// Respond answers prompt. Order is fixed: cache, rate limit, scope,
// remote call. Cheaper checks run first, and nothing after a rejection
// touches the network.
func (g *Gateway) Respond(ctx context.Context, prompt string) Outcome {
	if text, ok := g.cache.Get(prompt); ok {
		g.logger.Debug("cache hit", "prompt_len", len(prompt))
		return Outcome{Kind: KindCached, Text: text}
	}

	// A cancelled interaction must not consume the rate-limit slot.
	if err := ctx.Err(); err != nil {
		return Outcome{Kind: KindFailed, Err: err}
	}

	if ok, wait := g.limiter.Allow(g.cfg.Now()); !ok {
		g.logger.Info("rate limited", "retry_after", wait)
		return Outcome{Kind: KindRateLimited, RetryAfter: wait}
	}

	if !g.validator.InScope(ctx, prompt) {
		g.logger.Info("query out of scope")
		return Outcome{Kind: KindOutOfScope}
	}

	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	text, err := g.completer.Complete(callCtx, prompt, inference.CompleteOptions{MaxTokens: g.cfg.MaxTokens})
	if err != nil {
		g.logger.Error("completion failed", "error", err)
		return Outcome{Kind: KindFailed, Err: err}
	}

	g.cache.Record(prompt, text)
	return Outcome{Kind: KindOK, Text: text}
}

// Cache returns the gateway's response cache.
func (g *Gateway) Cache() *Cache {
	return g.cache
}
