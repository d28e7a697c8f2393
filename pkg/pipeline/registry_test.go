package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebot/internal/log"
	"github.com/teslashibe/voicebot/pkg/gateway"
)

func newRegistry(cfg RegistryConfig) *Registry {
	if cfg.Completer == nil {
		cfg.Completer = &fakeCompleter{answer: "answer", classify: "TRUE"}
	}
	cfg.Logger = log.Discard()
	return NewRegistry(cfg)
}

func TestRegistryGetIsStable(t *testing.T) {
	r := newRegistry(RegistryConfig{})

	a := r.Get("alice")
	assert.Same(t, a, r.Get("alice"))
	assert.NotSame(t, a, r.Get("bob"))
	assert.Same(t, r.Get(""), r.Get(DefaultSessionID))
	assert.Equal(t, []string{"alice", "bob", DefaultSessionID}, r.IDs())

	_, ok := r.Lookup("carol")
	assert.False(t, ok)
}

func TestRegistrySharedLimiter(t *testing.T) {
	r := newRegistry(RegistryConfig{Limiter: gateway.NewRateLimiter(time.Minute)})

	res, err := r.Get("alice").Submit(context.Background(), "What is a hash map?")
	require.NoError(t, err)
	assert.Equal(t, gateway.KindOK, res.Outcome.Kind)

	res, err = r.Get("bob").Submit(context.Background(), "What is a linked list?")
	require.NoError(t, err)
	assert.Equal(t, gateway.KindRateLimited, res.Outcome.Kind, "one limiter guards the remote service for every session")
}

func TestRegistryPerSessionState(t *testing.T) {
	r := newRegistry(RegistryConfig{RateLimit: time.Minute})

	_, err := r.Get("alice").Submit(context.Background(), "What is a hash map?")
	require.NoError(t, err)
	res, err := r.Get("bob").Submit(context.Background(), "What is a linked list?")
	require.NoError(t, err)
	assert.Equal(t, gateway.KindOK, res.Outcome.Kind)

	assert.NotSame(t, r.Get("alice").Session().Recorder, r.Get("bob").Session().Recorder)
	assert.Equal(t, 1, r.Get("alice").Session().Cache.Len())
}

func TestRegistryCapturerPerSession(t *testing.T) {
	var created []string
	r := newRegistry(RegistryConfig{
		NewCapturer: func(id string) Capturer {
			created = append(created, id)
			return capturerFunc(func(context.Context, time.Duration) (*Capture, error) {
				return &Capture{Text: "What is a hash map, " + id + "?"}, nil
			})
		},
	})

	res, err := r.Get("alice").Listen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "What is a hash map, alice?", res.User.Text)
	r.Get("alice")
	assert.Equal(t, []string{"alice"}, created)
}

func TestRegistryStartup(t *testing.T) {
	r := newRegistry(RegistryConfig{})
	early := r.Get("early")
	r.SetStartup(1.25)
	late := r.Get("late")

	for _, c := range []*Coordinator{early, late} {
		v, ok := c.Session().Recorder.Startup()
		require.True(t, ok)
		assert.Equal(t, 1.25, v)
	}
}

func TestRegistryEvictsIdleSessions(t *testing.T) {
	var (
		tick    time.Time
		evicted []string
	)
	capt := map[string]Capturer{"busy": blockingCapturer}
	r := newRegistry(RegistryConfig{
		MaxSessions: 3,
		OnEvict:     func(id string) { evicted = append(evicted, id) },
		NewCapturer: func(id string) Capturer { return capt[id] },
		Now: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	})

	r.Get(DefaultSessionID)
	busy := r.Get("busy")
	done := busy.Start(context.Background(), Trigger{})
	require.Eventually(t, func() bool { return busy.State() == StateCapturing }, time.Second, time.Millisecond)

	r.Get("alice")
	r.Get("bob")
	assert.Equal(t, []string{"alice"}, evicted, "default and busy sessions are kept")
	assert.Equal(t, []string{"bob", "busy", DefaultSessionID}, r.IDs())

	_, ok := r.Lookup("alice")
	assert.False(t, ok)

	busy.Stop()
	<-done
	r.Get("carol")
	assert.Equal(t, []string{"alice", "busy"}, evicted)
	assert.Equal(t, []string{"bob", "carol", DefaultSessionID}, r.IDs())
}
