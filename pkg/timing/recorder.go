// Package timing aggregates elapsed-time samples for pipeline stages.
// It is purely observational: nothing in the pipeline branches on it.
package timing

import (
	"fmt"
	"sync"
	"time"
)

// Stage names a measured part of an interaction.
type Stage string

const (
	// StageResponse is time spent generating the reply.
	StageResponse Stage = "response"

	// StageAudio is time spent synthesizing speech.
	StageAudio Stage = "audio"

	// StageTotal is response plus audio.
	StageTotal Stage = "total"
)

// Stages lists every stage in display order.
var Stages = []Stage{StageResponse, StageAudio, StageTotal}

type series struct {
	samples []float64
	last    float64
	set     bool
}

// Recorder collects per-stage samples for the lifetime of a session.
// It is goroutine-safe.
type Recorder struct {
	mu         sync.Mutex
	series     map[Stage]*series
	startup    float64
	hasStartup bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{series: make(map[Stage]*series, len(Stages))}
}

// Record appends a sample for stage and makes it the stage's last value.
func (r *Recorder) Record(stage Stage, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[stage]
	if !ok {
		s = &series{samples: make([]float64, 0, 16)}
		r.series[stage] = s
	}
	s.samples = append(s.samples, seconds)
	s.last = seconds
	s.set = true
}

// Average returns the mean of stage's samples, or 0 with no samples.
func (r *Recorder) Average(stage Stage) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.average(stage)
}

func (r *Recorder) average(stage Stage) float64 {
	s, ok := r.series[stage]
	if !ok || len(s.samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.samples {
		sum += v
	}
	return sum / float64(len(s.samples))
}

// Last returns the most recent sample for stage.
func (r *Recorder) Last(stage Stage) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[stage]
	if !ok || !s.set {
		return 0, false
	}
	return s.last, true
}

// Count returns how many samples stage holds.
func (r *Recorder) Count(stage Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[stage]; ok {
		return len(s.samples)
	}
	return 0
}

// SetStartup records how long startup took.
func (r *Recorder) SetStartup(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startup = seconds
	r.hasStartup = true
}

// Startup returns the startup time, if recorded.
func (r *Recorder) Startup() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startup, r.hasStartup
}

// Measure starts a stopwatch. Calling the returned func records the
// elapsed seconds under stage and returns them.
func (r *Recorder) Measure(stage Stage) func() float64 {
	start := time.Now()
	return func() float64 {
		elapsed := time.Since(start).Seconds()
		r.Record(stage, elapsed)
		return elapsed
	}
}

// StageSnapshot is a point-in-time view of one stage.
type StageSnapshot struct {
	Stage         Stage   `json:"stage"`
	Count         int     `json:"count"`
	Last          float64 `json:"last"`
	Average       float64 `json:"average"`
	LastText      string  `json:"last_text"`
	AverageText   string  `json:"average_text"`
	HasLastSample bool    `json:"has_last"`
}

// Snapshot is a point-in-time view of the whole recorder.
type Snapshot struct {
	Startup     float64         `json:"startup"`
	StartupText string          `json:"startup_text"`
	Stages      []StageSnapshot `json:"stages"`
}

// Snapshot copies the current state for display.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Stages: make([]StageSnapshot, 0, len(Stages))}
	if r.hasStartup {
		snap.Startup = r.startup
		snap.StartupText = Format(r.startup)
	}
	for _, stage := range Stages {
		ss := StageSnapshot{Stage: stage, Average: r.average(stage)}
		ss.AverageText = Format(ss.Average)
		if s, ok := r.series[stage]; ok {
			ss.Count = len(s.samples)
			ss.Last = s.last
			ss.HasLastSample = s.set
			ss.LastText = Format(s.last)
		}
		snap.Stages = append(snap.Stages, ss)
	}
	return snap
}

// Format renders seconds as "Xm Y.YYs" from one minute up, else "Y.YYs".
func Format(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	minutes := int(seconds / 60)
	rest := seconds - float64(minutes)*60
	if minutes > 0 {
		return fmt.Sprintf("%dm %.2fs", minutes, rest)
	}
	return fmt.Sprintf("%.2fs", rest)
}
