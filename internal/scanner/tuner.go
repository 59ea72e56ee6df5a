package scanner

import (
	"math"
	"sync"
	"time"
)

// TunerOptions bound the adaptive workload caps.
type TunerOptions struct {
	PairCap  int
	PairMin  int
	PairMax  int
	CycleCap int
	CycleMin int
	CycleMax int

	// Expensive scans shrink the caps, cheap scans grow them.
	Expensive time.Duration
	Cheap     time.Duration

	ShrinkFactor float64
	GrowFactor   float64
}

// Tuner keeps the pair and cycle caps between scans.
type Tuner struct {
	opts     TunerOptions
	mu       sync.Mutex
	pairCap  int
	cycleCap int
}

// NewTuner constructs a Tuner starting from the configured caps, clamped into their bounds.
func NewTuner(opts TunerOptions) *Tuner {
	if opts.ShrinkFactor <= 0 || opts.ShrinkFactor >= 1 {
		opts.ShrinkFactor = 0.75
	}
	if opts.GrowFactor <= 1 {
		opts.GrowFactor = 1.25
	}
	if opts.PairMin <= 0 {
		opts.PairMin = 1
	}
	if opts.CycleMin <= 0 {
		opts.CycleMin = 1
	}
	if opts.PairMax < opts.PairMin {
		opts.PairMax = opts.PairMin
	}
	if opts.CycleMax < opts.CycleMin {
		opts.CycleMax = opts.CycleMin
	}
	return &Tuner{
		opts:     opts,
		pairCap:  clamp(opts.PairCap, opts.PairMin, opts.PairMax),
		cycleCap: clamp(opts.CycleCap, opts.CycleMin, opts.CycleMax),
	}
}

// Caps returns the current pair and cycle caps.
func (t *Tuner) Caps() (pairCap, cycleCap int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pairCap, t.cycleCap
}

// Observe adjusts the caps after a scan. An outer timeout always shrinks.
func (t *Tuner) Observe(duration time.Duration, outerTimeout bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case outerTimeout || (t.opts.Expensive > 0 && duration > t.opts.Expensive):
		t.pairCap = clamp(int(float64(t.pairCap)*t.opts.ShrinkFactor), t.opts.PairMin, t.opts.PairMax)
		t.cycleCap = clamp(int(float64(t.cycleCap)*t.opts.ShrinkFactor), t.opts.CycleMin, t.opts.CycleMax)
	case t.opts.Cheap > 0 && duration < t.opts.Cheap:
		t.pairCap = clamp(grow(t.pairCap, t.opts.GrowFactor), t.opts.PairMin, t.opts.PairMax)
		t.cycleCap = clamp(grow(t.cycleCap, t.opts.GrowFactor), t.opts.CycleMin, t.opts.CycleMax)
	}
}

func grow(v int, factor float64) int {
	next := int(math.Ceil(float64(v) * factor))
	if next <= v {
		next = v + 1
	}
	return next
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
