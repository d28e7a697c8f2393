package pipeline

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/teslashibe/voicebot/pkg/gateway"
	"github.com/teslashibe/voicebot/pkg/timing"
)

// DefaultMaxSessions caps the coordinators a Registry keeps.
const DefaultMaxSessions = 256

// RegistryConfig holds what every session shares.
type RegistryConfig struct {
	Completer gateway.Completer
	Validator *gateway.Validator

	// Cache and Limiter are shared by all sessions when set; otherwise
	// each session gets its own with CacheOptions and RateLimit.
	Cache        *gateway.Cache
	Limiter      *gateway.RateLimiter
	CacheOptions []gateway.CacheOption
	RateLimit    time.Duration

	Gateway gateway.Config

	// NewCapturer builds the capture collaborator for a session.
	NewCapturer func(sessionID string) Capturer

	Synthesizer Synthesizer
	History     HistoryWriter
	Sink        Sink
	Artifacts   ArtifactRemover

	// MaxSessions bounds the registry. Past it the least recently used
	// idle session is dropped and OnEvict is called with its id.
	MaxSessions int
	OnEvict     func(sessionID string)

	SilenceTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Registry holds one Coordinator per session, created on first use.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*Coordinator
	lastUsed   map[string]time.Time
	startup    float64
	hasStartup bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gateway.Logger == nil {
		cfg.Gateway.Logger = cfg.Logger
	}
	if cfg.Validator == nil {
		cfg.Validator = gateway.NewValidator(cfg.Completer, nil, cfg.Logger)
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "pipeline.registry"),
		sessions: make(map[string]*Coordinator),
		lastUsed: make(map[string]time.Time),
	}
}

// Get returns the coordinator for id, creating it if needed. An empty id
// selects DefaultSessionID.
func (r *Registry) Get(id string) *Coordinator {
	if id == "" {
		id = DefaultSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastUsed[id] = r.cfg.Now()
	if c, ok := r.sessions[id]; ok {
		return c
	}

	session := &Session{
		ID:       id,
		Cache:    r.cfg.Cache,
		Limiter:  r.cfg.Limiter,
		Recorder: timing.NewRecorder(),
	}
	if session.Cache == nil {
		session.Cache = gateway.NewCache(r.cfg.CacheOptions...)
	}
	if session.Limiter == nil {
		session.Limiter = gateway.NewRateLimiter(r.cfg.RateLimit)
	}
	if r.hasStartup {
		session.Recorder.SetStartup(r.startup)
	}

	deps := Deps{
		Responder:   gateway.New(r.cfg.Completer, session.Cache, session.Limiter, r.cfg.Validator, r.cfg.Gateway),
		Synthesizer: r.cfg.Synthesizer,
		History:     r.cfg.History,
		Sink:        r.cfg.Sink,
		Artifacts:   r.cfg.Artifacts,
	}
	if r.cfg.NewCapturer != nil {
		deps.Capturer = r.cfg.NewCapturer(id)
	}

	c := New(session, deps, Config{SilenceTimeout: r.cfg.SilenceTimeout, Logger: r.cfg.Logger})
	r.sessions[id] = c
	r.logger.Debug("session created", "session", id)
	for len(r.sessions) > r.cfg.MaxSessions {
		if !r.evictIdle(id) {
			break
		}
	}
	return c
}

// evictIdle drops the least recently used idle session other than keep
// and the default session. It reports false when none qualifies.
func (r *Registry) evictIdle(keep string) bool {
	victim := ""
	var oldest time.Time
	for id, c := range r.sessions {
		if id == keep || id == DefaultSessionID {
			continue
		}
		if s := c.State(); s != StateIdle && s != StateAborted {
			continue
		}
		if victim == "" || r.lastUsed[id].Before(oldest) {
			victim, oldest = id, r.lastUsed[id]
		}
	}
	if victim == "" {
		return false
	}
	delete(r.sessions, victim)
	delete(r.lastUsed, victim)
	if r.cfg.OnEvict != nil {
		r.cfg.OnEvict(victim)
	}
	r.logger.Debug("session evicted", "session", victim)
	return true
}

// Lookup returns an existing coordinator.
func (r *Registry) Lookup(id string) (*Coordinator, bool) {
	if id == "" {
		id = DefaultSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// IDs returns the known session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Startup returns the startup time set by SetStartup.
func (r *Registry) Startup() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startup, r.hasStartup
}

// SetStartup records process startup time on every session, present and
// future.
func (r *Registry) SetStartup(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startup = seconds
	r.hasStartup = true
	for _, c := range r.sessions {
		c.session.Recorder.SetStartup(seconds)
	}
}
