package filter

import (
	"math/rand"
	"sync"
)

// SelectiveMonitor defaults.
const (
	DefaultLowWaterMark  = 0.01
	DefaultHighWaterMark = 0.10
	DefaultSkipCap       = 0.80
	DefaultNeverSkip     = 3

	// ewmaAlpha weights one slot observation; roughly a 1,000-slot window.
	ewmaAlpha = 0.002
)

// SelectiveMonitor is an adaptive sampler: when almost nothing matches, it
// skips a growing share of slots; when matches are frequent it samples
// everything. Skip decisions are seeded per slot, so a given slot's decision
// is reproducible.
type SelectiveMonitor struct {
	mu        sync.Mutex
	matchRate float64 // EWMA of per-slot match indicator

	lowWater  float64
	highWater float64
	skipCap   float64
	neverSkip int
}

func NewSelectiveMonitor() *SelectiveMonitor {
	return &SelectiveMonitor{
		// start at the high-water mark so sampling only ramps up after
		// evidence of a quiet stream
		matchRate: DefaultHighWaterMark,
		lowWater:  DefaultLowWaterMark,
		highWater: DefaultHighWaterMark,
		skipCap:   DefaultSkipCap,
		neverSkip: DefaultNeverSkip,
	}
}

// Observe feeds one processed slot's outcome into the match-rate average.
func (s *SelectiveMonitor) Observe(matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	indicator := 0.0
	if matched {
		indicator = 1.0
	}
	s.matchRate = s.matchRate*(1-ewmaAlpha) + indicator*ewmaAlpha
}

// SkipProbability maps the current match rate to a skip probability: 0 at or
// above the high-water mark, the cap at or below the low-water mark, linear
// in between.
func (s *SelectiveMonitor) SkipProbability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.matchRate >= s.highWater:
		return 0
	case s.matchRate <= s.lowWater:
		return s.skipCap
	default:
		return s.skipCap * (s.highWater - s.matchRate) / (s.highWater - s.lowWater)
	}
}

// ShouldSkip decides whether to skip the slot. activity is the number of
// target-program hits in the slot; at or above the never-skip threshold the
// slot is always processed. The pseudo-random draw is seeded by the slot
// number, so decisions are reproducible in testing.
func (s *SelectiveMonitor) ShouldSkip(slot uint64, activity int) bool {
	if activity >= s.neverSkip {
		return false
	}
	p := s.SkipProbability()
	if p <= 0 {
		return false
	}
	return rand.New(rand.NewSource(int64(slot))).Float64() < p
}
