package reminder

import (
	"context"
	"time"

	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/observability"
	"example.com/reminders/internal/wallclock"
)

// Wake evaluates every channel at the current time and fires the ones that are due. It is the
// single entry point for timer expiry and process resume, so tests drive it with synthetic
// clocks.
func (e *Engine) Wake(ctx context.Context) []Outcome {
	var outcomes []Outcome
	for _, ch := range domain.Channels() {
		if out, fired := e.wakeChannel(ctx, ch); fired {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes
}

// Run re-arms an in-process timer to the earliest upcoming fire and calls Wake when it expires,
// when a command changes a schedule, or at least every poll interval. It returns when ctx ends
// or the engine shuts down.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.loops.Add(1)
	e.mu.Unlock()
	defer e.loops.Done()

	for {
		timer := time.NewTimer(e.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.stopped:
			timer.Stop()
			return nil
		case <-e.rearm:
			timer.Stop()
		case <-timer.C:
		}
		e.Wake(ctx)
	}
}

func (e *Engine) untilNext() time.Duration {
	now := e.clock.Now()
	wait := e.pollInterval
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch, st := range e.channels {
		if st.phase != PhaseArmed || st.next == nil {
			continue
		}
		target := *st.next
		if !e.coord.IsDriver(ch) {
			target = target.Add(e.takeoverGrace)
		}
		if d := target.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < minWait {
		wait = minWait
	}
	return wait
}

func (e *Engine) wakeChannel(ctx context.Context, ch domain.Channel) (Outcome, bool) {
	phase, gen := e.snapshot(ch)
	if phase != PhaseArmed {
		return Outcome{}, false
	}

	now := e.clock.Now().UTC()
	rec := e.store.Get(ctx, ch)
	if !rec.Enabled {
		e.transition(ch, gen, PhaseArmed, PhaseIdle)
		return Outcome{}, false
	}
	e.mu.Lock()
	if st := e.channels[ch]; st.generation == gen {
		st.next = rec.NextFireAt
	}
	e.mu.Unlock()

	eval := wallclock.Evaluate(rec.ScheduleState, rec.IntervalMinutes, now)
	if !e.coord.IsDriver(ch) {
		if !eval.Due() || now.Sub(eval.DueAt) < e.takeoverGrace {
			return Outcome{}, false
		}
		driver, _ := e.coord.Driver(ch)
		e.logger.Warn("taking over overdue channel", "channel", ch, "previous_driver", driver, "due_at", eval.DueAt)
		e.coord.ClaimDriver(ch)
	}

	if e.dispatcher.Backend() == domain.BackendOSScheduler && rec.Batch != nil {
		return e.reconcile(ctx, ch, gen, rec, now)
	}
	if !eval.Due() {
		return Outcome{}, false
	}
	return e.fire(ctx, ch, gen, rec, eval.MissedCount), true
}

// fire delivers one reminder for ch and resyncs the next fire from now, whatever the
// delivery outcome.
func (e *Engine) fire(ctx context.Context, ch domain.Channel, gen uint64, rec domain.ChannelRecord, missed int) Outcome {
	out := Outcome{Channel: ch, Missed: missed}
	if !e.transition(ch, gen, PhaseArmed, PhaseDue) {
		out.Result = notify.DeliveryResult{Status: notify.StatusSkipped, Backend: e.dispatcher.Backend()}
		return out
	}

	title, body := domain.Message(ch, rec.Payload)
	out.Result = e.dispatcher.Deliver(ctx, ch, title, body, rec.Payload)
	if out.Result.Status == notify.StatusSkipped {
		return out
	}

	warning := warningFor(out.Result.Status)
	now := e.clock.Now().UTC()
	batch, armWarning := e.arm(ctx, ch, now, rec)
	if warning == "" {
		warning = armWarning
	}

	st := e.channels[ch]
	st.fireMu.Lock()
	defer st.fireMu.Unlock()

	e.mu.Lock()
	current := !e.closed && st.generation == gen && (st.phase == PhaseDue || st.phase == PhaseFired)
	idle := st.phase == PhaseIdle
	e.mu.Unlock()
	if !current {
		// A Stop that committed while the batch was being armed has already cancelled, so the
		// batch submitted after it must go too.
		if batch != nil && (idle || !e.store.Get(ctx, ch).Enabled) {
			if err := e.dispatcher.Cancel(ctx, ch); err != nil {
				e.logger.Warn("cancel pre-scheduled notifications failed", "channel", ch, "error", err)
			}
		}
		return out
	}

	cur := e.store.Get(ctx, ch)
	if !cur.Enabled {
		e.mu.Lock()
		st.phase = PhaseIdle
		st.next = nil
		e.mu.Unlock()
		if batch != nil {
			_ = e.dispatcher.Cancel(ctx, ch)
		}
		return out
	}
	cur.NextFireAt = domain.TimePtr(wallclock.Next(now, cur.IntervalMinutes))
	cur.Driver = e.coord.ID()
	if e.dispatcher.Backend() == domain.BackendOSScheduler {
		cur.Batch = batch
	}
	stored, err := e.store.Put(ctx, cur)
	if err != nil {
		e.logger.Warn("failed to resync channel", "channel", ch, "error", err)
	}

	e.mu.Lock()
	st.phase = PhaseArmed
	st.next = stored.NextFireAt
	st.warning = warning
	e.mu.Unlock()
	observability.RecordNextFire(string(ch), stored.NextFireAt)

	e.logger.Info("reminder fired",
		"channel", ch,
		"status", out.Result.Status,
		"backend", out.Result.Backend,
		"missed", missed,
		"next_fire_at", stored.NextFireAt,
	)
	return out
}

// reconcile mirrors fires the OS scheduler delivered on its own, extends the pre-scheduled
// batch when it runs low, and catches up once when the batch ran out entirely.
func (e *Engine) reconcile(ctx context.Context, ch domain.Channel, gen uint64, rec domain.ChannelRecord, now time.Time) (Outcome, bool) {
	plan := *rec.Batch
	last, next, exhausted := wallclock.Position(plan, now)

	var mirrored *time.Time
	if !last.IsZero() && (rec.LastFiredAt == nil || last.After(*rec.LastFiredAt)) {
		mirrored = domain.TimePtr(last)
	}

	if exhausted {
		if mirrored != nil && !e.mirror(ctx, ch, gen, *mirrored) {
			return Outcome{}, false
		}
		state := domain.ScheduleState{LastFiredAt: domain.TimePtr(last)}
		missed := wallclock.Evaluate(state, rec.IntervalMinutes, now).MissedCount
		e.logger.Info("pre-scheduled batch ran out", "channel", ch, "through", last, "missed", missed)
		return e.fire(ctx, ch, gen, rec, missed), true
	}

	update := rec.Clone()
	changed := false
	if next.IsZero() {
		next = wallclock.Next(last, rec.IntervalMinutes)
	}
	if update.NextFireAt == nil || !update.NextFireAt.Equal(next) {
		update.NextFireAt = domain.TimePtr(next)
		changed = true
	}

	var warning string
	rearmed := false
	if e.lowWater(plan, now) {
		anchor := plan.Anchor
		if !last.IsZero() {
			anchor = last
		}
		if !anchor.Equal(plan.Anchor) {
			var batch *domain.BatchPlan
			batch, warning = e.arm(ctx, ch, anchor, update)
			if batch != nil {
				update.Batch = batch
				update.NextFireAt = domain.TimePtr(wallclock.Next(anchor, rec.IntervalMinutes))
				changed = true
				rearmed = true
			}
		}
	}
	if !changed && mirrored == nil {
		return Outcome{}, false
	}

	st := e.channels[ch]
	st.fireMu.Lock()
	defer st.fireMu.Unlock()
	e.mu.Lock()
	current := !e.closed && st.generation == gen && st.phase == PhaseArmed
	idle := st.phase == PhaseIdle
	e.mu.Unlock()
	if !current {
		if rearmed && idle {
			_ = e.dispatcher.Cancel(ctx, ch)
		}
		return Outcome{}, false
	}

	if mirrored != nil {
		if _, err := e.store.MarkFired(ctx, ch, *mirrored); err != nil {
			e.logger.Warn("failed to mirror scheduled fire", "channel", ch, "error", err)
		}
		update.LastFiredAt = mirrored
	}
	stored, err := e.store.Put(ctx, update)
	if err != nil {
		e.logger.Warn("failed to store reconciled schedule", "channel", ch, "error", err)
	}
	e.mu.Lock()
	st.next = stored.NextFireAt
	if warning != "" {
		st.warning = warning
	}
	e.mu.Unlock()
	observability.RecordNextFire(string(ch), stored.NextFireAt)
	return Outcome{}, false
}

// mirror records a fire the OS scheduler delivered while no engine was watching.
func (e *Engine) mirror(ctx context.Context, ch domain.Channel, gen uint64, at time.Time) bool {
	st := e.channels[ch]
	st.fireMu.Lock()
	defer st.fireMu.Unlock()
	e.mu.Lock()
	current := !e.closed && st.generation == gen && st.phase == PhaseArmed
	e.mu.Unlock()
	if !current {
		return false
	}
	if _, err := e.store.MarkFired(ctx, ch, at); err != nil {
		e.logger.Warn("failed to mirror scheduled fire", "channel", ch, "error", err)
	}
	return true
}

// lowWater reports whether the remaining pre-scheduled span fell below half of what a full
// batch covers.
func (e *Engine) lowWater(plan domain.BatchPlan, now time.Time) bool {
	full := time.Duration(int64(plan.Count)*plan.Interval) * time.Millisecond
	threshold := min(e.dispatcher.Horizon(), full) / 2
	return plan.Through().Sub(now) < threshold
}
