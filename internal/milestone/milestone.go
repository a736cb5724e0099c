// Package milestone detects elapsed-time thresholds crossed between irregular observations.
package milestone

import (
	"slices"
	"time"

	"example.com/reminders/internal/domain"
)

// DefaultThresholds returns the cardio milestones in seconds: 5, 10, 15, 20, 30, 45, 60,
// 90 and 120 minutes.
func DefaultThresholds() []int64 {
	minutes := []int64{5, 10, 15, 20, 30, 45, 60, 90, 120}
	out := make([]int64, len(minutes))
	for i, m := range minutes {
		out[i] = m * 60
	}
	return out
}

// Engine holds a sorted set of thresholds in seconds.
type Engine struct {
	thresholds []int64
}

// New constructs an Engine. Thresholds are sorted and de-duplicated; non-positive values
// are dropped.
func New(thresholds []int64) *Engine {
	set := make([]int64, 0, len(thresholds))
	for _, t := range thresholds {
		if t > 0 {
			set = append(set, t)
		}
	}
	slices.Sort(set)
	return &Engine{thresholds: slices.Compact(set)}
}

// Thresholds returns a copy of the threshold set.
func (e *Engine) Thresholds() []int64 {
	return slices.Clone(e.thresholds)
}

// Crossed returns the thresholds in (last, elapsed], in ascending order. The check is
// range based, so observations that skip past several thresholds still report each of them.
func (e *Engine) Crossed(last, elapsed int64) []int64 {
	if elapsed <= last {
		return nil
	}
	lo, _ := slices.BinarySearch(e.thresholds, last+1)
	hi, found := slices.BinarySearch(e.thresholds, elapsed)
	if found {
		hi++
	}
	if lo >= hi {
		return nil
	}
	return slices.Clone(e.thresholds[lo:hi])
}

// Next returns the first threshold above last.
func (e *Engine) Next(last int64) (int64, bool) {
	i, _ := slices.BinarySearch(e.thresholds, last+1)
	if i >= len(e.thresholds) {
		return 0, false
	}
	return e.thresholds[i], true
}

// Observe evaluates state at now and returns the crossed thresholds together with the state
// advanced past them. LastMilestoneCrossed never decreases.
func (e *Engine) Observe(state domain.ElapsedTimerState, now time.Time) ([]int64, domain.ElapsedTimerState) {
	elapsed := state.ElapsedMs(now) / 1000
	crossed := e.Crossed(state.LastMilestoneCrossed, elapsed)
	if len(crossed) > 0 {
		state.LastMilestoneCrossed = crossed[len(crossed)-1]
	}
	return crossed, state
}
