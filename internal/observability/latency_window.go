package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the retained samples of one turn stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts retained samples slower than the stage target.
	OverTarget int `json:"over_target,omitempty"`
}

// DriftStats summarizes the per-turn mean audio/video drift of recent turns.
// Drift is signed, so the percentiles are taken over absolute values.
type DriftStats struct {
	Turns      int     `json:"turns"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P95AbsMS   float64 `json:"p95_abs_ms"`
	MaxAbsMS   float64 `json:"max_abs_ms"`
	OverBudget int     `json:"over_budget"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencySnapshot is the body of GET /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Drift       *DriftStats  `json:"drift,omitempty"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// Stage targets for p95 latency, in milliseconds.
var stageTargets = map[string]float64{
	StageFirstText:  400,
	StageFirstAudio: 900,
	StageFirstVideo: 1000,
	StageTurnTotal:  6000,
}

// ring keeps the newest len(buf) samples.
type ring struct {
	buf  []float64
	next int
	n    int
}

func newRing(size int) *ring { return &ring{buf: make([]float64, size)} }

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) last() float64 {
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)]
}

// sorted returns a sorted copy of the retained samples.
func (r *ring) sorted() []float64 {
	out := slices.Clone(r.buf[:r.n])
	slices.Sort(out)
	return out
}

// latencyWindow holds the recent stage latencies, turn drift means and
// indicator counts behind the perf endpoint.
type latencyWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[string]*ring
	drift      *ring
	overBudget int
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &latencyWindow{size: size}
	w.clear()
	return w
}

func (w *latencyWindow) clear() {
	w.stages = make(map[string]*ring)
	w.drift = newRing(w.size)
	w.overBudget = 0
	w.indicators = make(map[string]int)
}

func (w *latencyWindow) observeStage(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = newRing(w.size)
		w.stages[stage] = r
	}
	r.push(ms)
}

func (w *latencyWindow) observeDrift(meanMs float64, withinBudget bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drift.push(meanMs)
	if !withinBudget {
		w.overBudget++
	}
}

func (w *latencyWindow) observeIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for _, name := range sortedKeys(w.stages) {
		snap.Stages = append(snap.Stages, stageStats(name, w.stages[name]))
	}
	if w.drift.n > 0 {
		snap.Drift = w.driftStats()
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func stageStats(name string, r *ring) StageStats {
	samples := r.sorted()
	target := stageTargets[name]
	over := 0
	if target > 0 {
		over = len(samples) - upperBound(samples, target)
	}
	return StageStats{
		Stage:       name,
		Samples:     len(samples),
		LastMS:      round2(r.last()),
		AvgMS:       round2(mean(samples)),
		P50MS:       round2(quantile(samples, 0.50)),
		P95MS:       round2(quantile(samples, 0.95)),
		P99MS:       round2(quantile(samples, 0.99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

func (w *latencyWindow) driftStats() *DriftStats {
	signed := w.drift.buf[:w.drift.n]
	abs := make([]float64, len(signed))
	for i, v := range signed {
		abs[i] = math.Abs(v)
	}
	slices.Sort(abs)
	return &DriftStats{
		Turns:      len(signed),
		LastMS:     round2(w.drift.last()),
		MeanMS:     round2(mean(signed)),
		P95AbsMS:   round2(quantile(abs, 0.95)),
		MaxAbsMS:   round2(abs[len(abs)-1]),
		OverBudget: w.overBudget,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// upperBound returns the number of sorted values <= v.
func upperBound(sorted []float64, v float64) int {
	i, _ := slices.BinarySearchFunc(sorted, v, func(x, t float64) int {
		if x <= t {
			return -1
		}
		return 1
	})
	return i
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// quantile interpolates linearly between the closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
