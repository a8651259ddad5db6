package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the recent samples of one pipeline stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	MaxMS       float64 `json:"max_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// Indicator counts occurrences such as timeouts or degraded startups.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageTargets are the p95 budgets reported next to each stage.
var stageTargets = map[string]float64{
	StagePartialTranscribe: 1500,
	StageFinalTranscribe:   8000,
	StageExtract:           5000,
	StagePersist:           500,
	StageFinalizeTotal:     15000,
}

// ring holds the last cap(samples) observations of a stage.
type ring struct {
	samples []float64
	pos     int
	full    bool
	last    float64
}

func (r *ring) push(v float64) {
	r.samples[r.pos] = v
	r.last = v
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

// sorted returns a sorted copy of the retained observations.
func (r *ring) sorted() []float64 {
	n := r.pos
	if r.full {
		n = len(r.samples)
	}
	out := slices.Clone(r.samples[:n])
	slices.Sort(out)
	return out
}

// stageWindow is the rolling latency view behind /v1/perf/latency.
type stageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		r := w.rings[stage]
		values := r.sorted()
		if len(values) == 0 {
			continue
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		st := StageStats{
			Stage:       stage,
			Samples:     len(values),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(values))),
			MaxMS:       round2(values[len(values)-1]),
			P50MS:       round2(percentile(values, 50)),
			P95MS:       round2(percentile(values, 95)),
			P99MS:       round2(percentile(values, 99)),
			TargetP95MS: stageTargets[stage],
		}
		st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
		snap.Stages = append(snap.Stages, st)
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo, frac := math.Modf(rank)
	i := int(lo)
	if i+1 >= len(sorted) {
		return sorted[i]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
