package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebot/internal/errs"
	"github.com/teslashibe/voicebot/internal/log"
	"github.com/teslashibe/voicebot/pkg/audio"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2024, 3, 14, 15, 9, 26, 535897000, time.Local)}
}

type failingRemover struct {
	mu    sync.Mutex
	calls []string
}

func (r *failingRemover) Remove(ref string) error {
	r.mu.Lock()
	r.calls = append(r.calls, ref)
	r.mu.Unlock()
	return errors.New("permission denied")
}

type backend struct {
	name string
	open func(t *testing.T, dir string, opts ...Option) Store
}

var backends = []backend{
	{BackendJSON, func(t *testing.T, dir string, opts ...Option) Store {
		s, err := NewJSONStore(filepath.Join(dir, "conversation_history.json"), opts...)
		require.NoError(t, err)
		return s
	}},
	{BackendSQLite, func(t *testing.T, dir string, opts ...Option) Store {
		s, err := NewSQLiteStore(filepath.Join(dir, "history.db"), opts...)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open func(opts ...Option) Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			fn(t, func(opts ...Option) Store {
				return b.open(t, dir, append([]Option{WithLogger(log.Discard())}, opts...)...)
			})
		})
	}
}

func pair(q, a string) []Turn {
	return []Turn{UserTurn(q, ""), AssistantTurn(a, "")}
}

func TestAppendAndList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()

		empty, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, empty)

		c1, err := s.Append(ctx, []Turn{UserTurn("What is a hash map?", "audio/u.webm"), AssistantTurn("A key/value table.", "")})
		require.NoError(t, err)
		assert.NotEmpty(t, c1.ID)

		c2, err := s.Append(ctx, []Turn{UserTurn("hello", "")})
		require.NoError(t, err)

		got, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, c1, got[0])
		assert.Equal(t, c2, got[1])
		assert.Equal(t, "audio/u.webm", got[0].Turns[0].AudioRef)
		assert.Empty(t, got[0].Turns[1].AudioRef)
	})
}

func TestAppendRejectsInvalidTurns(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		s := open()
		ctx := context.Background()

		_, err := s.Append(ctx, nil)
		assert.True(t, errs.Is(err, errs.InvalidInput))

		_, err = s.Append(ctx, []Turn{UserTurn("  ", "")})
		assert.True(t, errs.Is(err, errs.InvalidInput))

		_, err = s.Append(ctx, []Turn{{Role: "system", Text: "x"}})
		assert.True(t, errs.Is(err, errs.InvalidInput))
	})
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		clk := newFixedClock()
		s := open(WithClock(clk.Now))
		ctx := context.Background()

		// Same instant three times, then a clock that went backwards.
		var stamps []string
		for i := 0; i < 3; i++ {
			c, err := s.Append(ctx, pair("q", "a"))
			require.NoError(t, err)
			stamps = append(stamps, c.Timestamp)
		}
		clk.Advance(-time.Hour)
		c, err := s.Append(ctx, pair("q", "a"))
		require.NoError(t, err)
		stamps = append(stamps, c.Timestamp)

		assert.Equal(t, "2024-03-14T15:09:26.535897", stamps[0])
		assert.Equal(t, "2024-03-14T15:09:26.535898", stamps[1])
		assert.Equal(t, "2024-03-14T15:09:26.535899", stamps[2])
		assert.Equal(t, "2024-03-14T15:09:26.535900", stamps[3])
	})
}

func TestRecent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		clk := newFixedClock()
		s := open(WithClock(clk.Now))
		ctx := context.Background()

		for i := 0; i < 8; i++ {
			_, err := s.Append(ctx, pair(string(rune('a'+i)), "ok"))
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		got, err := s.Recent(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, DefaultRecent)
		assert.Equal(t, "d", got[0].Turns[0].Text)
		assert.Equal(t, "h", got[4].Turns[0].Text)

		got, err = s.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "g", got[0].Turns[0].Text)

		got, err = s.Recent(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, got, 8)
	})
}

func TestDeleteByIDAndTimestamp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		clk := newFixedClock()
		s := open(WithClock(clk.Now))
		ctx := context.Background()

		c1, err := s.Append(ctx, pair("one", "1"))
		require.NoError(t, err)
		c2, err := s.Append(ctx, pair("two", "2"))
		require.NoError(t, err)
		c3, err := s.Append(ctx, pair("three", "3"))
		require.NoError(t, err)

		ok, err := s.Delete(ctx, c2.Timestamp)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Delete(ctx, c1.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Delete(ctx, c1.ID)
		require.NoError(t, err)
		assert.False(t, ok, "second delete finds nothing")

		ok, err = s.Delete(ctx, "2099-01-01T00:00:00.000000")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, c3.ID, got[0].ID)
	})
}

func TestDeleteRemovesArtifacts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		artifacts, err := audio.NewStore(filepath.Join(t.TempDir(), "audio"), log.Discard())
		require.NoError(t, err)
		s := open(WithArtifacts(artifacts))
		ctx := context.Background()

		userRef, err := artifacts.Save("user", ".webm", []byte("u"))
		require.NoError(t, err)
		replyRef, err := artifacts.Save("assistant", ".mp3", []byte("a"))
		require.NoError(t, err)
		keepRef, err := artifacts.Save("assistant", ".mp3", []byte("k"))
		require.NoError(t, err)

		c, err := s.Append(ctx, []Turn{UserTurn("q", userRef), AssistantTurn("a", replyRef)})
		require.NoError(t, err)
		_, err = s.Append(ctx, []Turn{UserTurn("q2", ""), AssistantTurn("a2", keepRef)})
		require.NoError(t, err)

		ok, err := s.Delete(ctx, c.ID)
		require.NoError(t, err)
		require.True(t, ok)

		assert.False(t, artifacts.Exists(userRef))
		assert.False(t, artifacts.Exists(replyRef))
		assert.True(t, artifacts.Exists(keepRef))

		require.NoError(t, s.DeleteAll(ctx))
		assert.False(t, artifacts.Exists(keepRef))

		got, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestDeleteAllRemovesUnsavedArtifacts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		artifacts, err := audio.NewStore(filepath.Join(t.TempDir(), "audio"), log.Discard())
		require.NoError(t, err)
		s := open(WithArtifacts(artifacts))
		ctx := context.Background()

		// A reply whose conversation failed to save.
		orphan, err := artifacts.Save("assistant", ".mp3", []byte("o"))
		require.NoError(t, err)
		saved, err := artifacts.Save("assistant", ".mp3", []byte("s"))
		require.NoError(t, err)
		_, err = s.Append(ctx, []Turn{UserTurn("q", ""), AssistantTurn("a", saved)})
		require.NoError(t, err)

		require.NoError(t, s.DeleteAll(ctx))
		assert.False(t, artifacts.Exists(saved))
		assert.False(t, artifacts.Exists(orphan))
	})
}

func TestArtifactFailureDoesNotAbortDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		remover := &failingRemover{}
		s := open(WithArtifacts(remover))
		ctx := context.Background()

		_, err := s.Append(ctx, []Turn{UserTurn("q", "a.webm"), AssistantTurn("a", "b.mp3")})
		require.NoError(t, err)
		_, err = s.Append(ctx, []Turn{UserTurn("q", "c.webm")})
		require.NoError(t, err)

		require.NoError(t, s.DeleteAll(ctx))

		got, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.ElementsMatch(t, []string{"a.webm", "b.mp3", "c.webm"}, remover.calls)
	})
}

func TestConcurrentAppends(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		stores := []Store{open(), open()}
		ctx := context.Background()

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := stores[i%2].Append(ctx, pair("q", "a"))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := stores[0].List(ctx)
		require.NoError(t, err)
		require.Len(t, got, n, "no appends lost")

		stamps := make([]string, len(got))
		for i, c := range got {
			stamps[i] = c.Timestamp
		}
		assert.True(t, sort.StringsAreSorted(stamps))
		seen := map[string]bool{}
		for _, ts := range stamps {
			assert.False(t, seen[ts], "duplicate timestamp %s", ts)
			seen[ts] = true
		}
	})
}

func TestContextCancelled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		s := open()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Append(ctx, pair("q", "a"))
		assert.Error(t, err)

		got, err := s.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("", filepath.Join(dir, "h.json"))
	require.NoError(t, err)
	assert.IsType(t, &JSONStore{}, s)

	s, err = Open("SQLite", filepath.Join(dir, "h.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("redis", "x")
	assert.True(t, errs.Is(err, errs.ConfigurationError))
}

func TestNextTimestamp(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
	assert.Equal(t, "2024-01-01T00:00:00.000000", nextTimestamp(now, ""))
	assert.Equal(t, "2024-01-01T00:00:00.000000", nextTimestamp(now, "2023-12-31T23:59:59.999999"))
	assert.Equal(t, "2024-01-01T00:00:00.000001", nextTimestamp(now, "2024-01-01T00:00:00.000000"))
	assert.Equal(t, "2024-01-01T00:00:01.000000", nextTimestamp(now, "2024-01-01T00:00:00.999999"))
}

func TestConversationHelpers(t *testing.T) {
	c := Conversation{ID: "id-1", Timestamp: "ts-1", Turns: []Turn{UserTurn("q", "u.webm"), AssistantTurn("a", "")}}
	assert.True(t, c.Matches("id-1"))
	assert.True(t, c.Matches("ts-1"))
	assert.False(t, c.Matches(""))
	assert.Equal(t, []string{"u.webm"}, c.AudioRefs())
}

func TestJSONFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation_history.json")
	s, err := NewJSONStore(path, WithLogger(log.Discard()))
	require.NoError(t, err)

	_, err = s.Append(context.Background(), []Turn{UserTurn("hi", "audio_history/u.webm"), AssistantTurn("hello", "")})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	raw := string(data)
	assert.Contains(t, raw, `"messages"`)
	assert.Contains(t, raw, `"content": "hi"`)
	assert.Contains(t, raw, `"audio_file": "audio_history/u.webm"`)
	assert.Contains(t, raw, `"audio_file": null`)
}

func TestJSONReadsLegacyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation_history.json")
	legacy := `[{"timestamp":"2023-05-01T10:00:00.000001","messages":[
		{"role":"user","content":"old question","audio_file":null},
		{"role":"assistant","content":"old answer","audio_file":"audio_history/a.mp3"}]}]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s, err := NewJSONStore(path, WithLogger(log.Discard()))
	require.NoError(t, err)
	ctx := context.Background()

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].ID)
	assert.Equal(t, "audio_history/a.mp3", got[0].Turns[1].AudioRef)

	c, err := s.Append(ctx, pair("new", "answer"))
	require.NoError(t, err)
	assert.Greater(t, c.Timestamp, "2023-05-01T10:00:00.000001")

	ok, err := s.Delete(ctx, "2023-05-01T10:00:00.000001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJSONRereadsBeforeWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation_history.json")
	s, err := NewJSONStore(path, WithLogger(log.Discard()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Append(ctx, pair("first", "1"))
	require.NoError(t, err)

	// Another process rewrites the file behind our back.
	external := `[{"id":"ext","timestamp":"2000-01-01T00:00:00.000000","messages":[{"role":"user","content":"external","audio_file":null}]}]`
	require.NoError(t, os.WriteFile(path, []byte(external), 0o644))

	_, err = s.Append(ctx, pair("second", "2"))
	require.NoError(t, err)

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ext", got[0].ID)
	assert.Equal(t, "second", got[1].Turns[0].Text)
}

func TestJSONCorruptFileIsNotOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation_history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewJSONStore(path, WithLogger(log.Discard()))
	require.NoError(t, err)

	_, err = s.Append(context.Background(), pair("q", "a"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PersistenceFailure))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}
