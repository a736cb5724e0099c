package wallclock

import (
	"time"

	"example.com/reminders/internal/domain"
)

// Plan lists fire times anchor+k*interval inside (anchor, anchor+horizon], capped at limit.
// truncated is true when the horizon held more fire times than limit allowed.
func Plan(anchor time.Time, intervalMinutes int, horizon time.Duration, limit int) (domain.BatchPlan, bool) {
	interval := IntervalMs(intervalMinutes)
	plan := domain.BatchPlan{Anchor: time.UnixMilli(anchor.UnixMilli()).UTC(), Interval: interval}
	if interval <= 0 || limit <= 0 {
		return plan, false
	}
	fit := int(horizon.Milliseconds() / interval)
	if fit < 1 {
		fit = 1
	}
	if fit > limit {
		plan.Count = limit
		return plan, true
	}
	plan.Count = fit
	return plan, false
}

// Times expands a plan into its absolute fire times.
func Times(plan domain.BatchPlan) []time.Time {
	out := make([]time.Time, 0, plan.Count)
	base := plan.Anchor.UnixMilli()
	for k := 1; k <= plan.Count; k++ {
		out = append(out, time.UnixMilli(base+int64(k)*plan.Interval).UTC())
	}
	return out
}

// Position locates now on a plan's grid. last is the latest planned fire at or before now
// (zero when none fired yet) and next the following planned fire (zero when the plan is
// exhausted). exhausted reports whether now lies beyond the final planned fire plus one interval,
// meaning fires were missed after the plan ran out.
func Position(plan domain.BatchPlan, now time.Time) (last, next time.Time, exhausted bool) {
	if plan.Interval <= 0 || plan.Count <= 0 {
		return time.Time{}, time.Time{}, true
	}
	base := plan.Anchor.UnixMilli()
	k := (now.UnixMilli() - base) / plan.Interval
	if k < 0 {
		k = 0
	}
	if k > int64(plan.Count) {
		last = time.UnixMilli(base + int64(plan.Count)*plan.Interval).UTC()
		return last, time.Time{}, true
	}
	if k >= 1 {
		last = time.UnixMilli(base + k*plan.Interval).UTC()
	}
	if k+1 <= int64(plan.Count) {
		next = time.UnixMilli(base + (k+1)*plan.Interval).UTC()
	}
	return last, next, false
}
