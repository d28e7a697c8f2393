package timing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverageEmpty(t *testing.T) {
	r := NewRecorder()
	for _, stage := range Stages {
		assert.Zero(t, r.Average(stage))
		_, ok := r.Last(stage)
		assert.False(t, ok)
	}
}

func TestRecordUpdatesLastAndAverage(t *testing.T) {
	r := NewRecorder()
	r.Record(StageResponse, 1.0)
	r.Record(StageResponse, 2.0)
	r.Record(StageResponse, 3.0)

	last, ok := r.Last(StageResponse)
	require.True(t, ok)
	assert.Equal(t, 3.0, last)
	assert.InDelta(t, 2.0, r.Average(StageResponse), 1e-9)
	assert.Equal(t, 3, r.Count(StageResponse))
	assert.Zero(t, r.Count(StageAudio))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.00s"},
		{1.234, "1.23s"},
		{59.999, "60.00s"},
		{60, "1m 0.00s"},
		{75.5, "1m 15.50s"},
		{125.25, "2m 5.25s"},
		{-1, "0.00s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.in))
		})
	}
}

func TestStartup(t *testing.T) {
	r := NewRecorder()
	_, ok := r.Startup()
	assert.False(t, ok)

	r.SetStartup(0.42)
	v, ok := r.Startup()
	assert.True(t, ok)
	assert.Equal(t, 0.42, v)
}

func TestMeasure(t *testing.T) {
	r := NewRecorder()
	stop := r.Measure(StageAudio)
	elapsed := stop()

	assert.GreaterOrEqual(t, elapsed, 0.0)
	last, ok := r.Last(StageAudio)
	require.True(t, ok)
	assert.Equal(t, elapsed, last)
}

func TestSnapshot(t *testing.T) {
	r := NewRecorder()
	r.SetStartup(1.5)
	r.Record(StageResponse, 0.5)
	r.Record(StageTotal, 90)

	snap := r.Snapshot()
	assert.Equal(t, "1.50s", snap.StartupText)
	require.Len(t, snap.Stages, 3)

	assert.Equal(t, StageResponse, snap.Stages[0].Stage)
	assert.Equal(t, 1, snap.Stages[0].Count)
	assert.True(t, snap.Stages[0].HasLastSample)

	assert.Equal(t, StageAudio, snap.Stages[1].Stage)
	assert.False(t, snap.Stages[1].HasLastSample)
	assert.Equal(t, "0.00s", snap.Stages[1].AverageText)

	assert.Equal(t, "1m 30.00s", snap.Stages[2].LastText)
}

func TestConcurrentRecord(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(StageTotal, 1)
			_ = r.Average(StageTotal)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Count(StageTotal))
	assert.Equal(t, 1.0, r.Average(StageTotal))
}
