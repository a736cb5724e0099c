package coordinator

import (
	"context"
	"errors"

	"example.com/reminders/internal/events"
)

type fanout []Bus

// Fanout combines several buses: envelopes are published to all of them and received from
// any of them.
func Fanout(buses ...Bus) Bus {
	out := make(fanout, 0, len(buses))
	for _, b := range buses {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (f fanout) Publish(ctx context.Context, env events.Envelope) error {
	var errs error
	for _, b := range f {
		errs = errors.Join(errs, b.Publish(ctx, env))
	}
	return errs
}

func (f fanout) Subscribe(handler Handler) func() {
	cancels := make([]func(), 0, len(f))
	for _, b := range f {
		cancels = append(cancels, b.Subscribe(handler))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
