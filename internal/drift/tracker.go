// Package drift measures the offset between video frames and the audio that
// drove them.
package drift

import "math"

const DefaultWindow = 300

// Tracker keeps a capped ring of video-minus-audio samples. It is not safe for
// concurrent use; one turn's consumer stage owns it at a time.
type Tracker struct {
	values []float64
	next   int
	filled bool
}

func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{values: make([]float64, window)}
}

// Update records one pair and returns videoTimestampMs - audioTimestampMs.
func (t *Tracker) Update(audioTimestampMs, videoTimestampMs float64) float64 {
	d := videoTimestampMs - audioTimestampMs
	t.values[t.next] = d
	t.next++
	if t.next >= len(t.values) {
		t.next = 0
		t.filled = true
	}
	return d
}

func (t *Tracker) Len() int {
	if t.filled {
		return len(t.values)
	}
	return t.next
}

func (t *Tracker) Window() int { return len(t.values) }

// MeanDriftMs averages the retained window; 0 when empty.
func (t *Tracker) MeanDriftMs() float64 {
	n := t.Len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range t.values[:n] {
		sum += v
	}
	return sum / float64(n)
}

func (t *Tracker) MaxAbsDriftMs() float64 {
	out := 0.0
	for _, v := range t.values[:t.Len()] {
		out = math.Max(out, math.Abs(v))
	}
	return out
}

func (t *Tracker) IsWithinBudget(budgetMs float64) bool {
	return math.Abs(t.MeanDriftMs()) <= budgetMs
}

func (t *Tracker) Reset() {
	clear(t.values)
	t.next = 0
	t.filled = false
}
