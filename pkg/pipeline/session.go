package pipeline

import (
	"sync"
	"time"

	"github.com/teslashibe/voicebot/pkg/gateway"
	"github.com/teslashibe/voicebot/pkg/timing"
)

// DefaultSessionID names the session used when a caller gives none.
const DefaultSessionID = "default"

// Session is the per-chat state a Coordinator owns.
type Session struct {
	ID       string
	Cache    *gateway.Cache
	Limiter  *gateway.RateLimiter
	Recorder *timing.Recorder
}

// NewSession creates a session with fresh state and default limits.
func NewSession(id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}
	return &Session{
		ID:       id,
		Cache:    gateway.NewCache(),
		Limiter:  gateway.NewRateLimiter(gateway.DefaultRateLimit),
		Recorder: timing.NewRecorder(),
	}
}

// Health tracks persistence failures so durable logging that lags
// behind the conversation is visible.
type Health struct {
	mu          sync.Mutex
	consecutive int
	total       int
	lastErr     string
	lastFailure time.Time
}

// HealthSnapshot is a copy of Health.
type HealthSnapshot struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int       `json:"total_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

func (h *Health) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive++
	h.total++
	h.lastErr = err.Error()
	h.lastFailure = time.Now()
}

func (h *Health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
}

// Snapshot returns the current counters.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		Healthy:             h.consecutive == 0,
		ConsecutiveFailures: h.consecutive,
		TotalFailures:       h.total,
		LastError:           h.lastErr,
		LastFailure:         h.lastFailure,
	}
}
