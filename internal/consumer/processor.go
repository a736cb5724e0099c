// Package consumer reads fired notifications from Kafka and hands them to handlers.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/reminders/internal/events"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Message) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Message is the decoded representation of a notification record published by the outbox
// dispatcher.
type Message struct {
	Topic        string
	Partition    int
	Offset       int64
	Timestamp    time.Time
	Kind         string
	ProfileID    string
	Notification events.Notification
	Payload      json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithProfile restricts handling to records keyed by profileID. Records of other profiles
// are committed without being handled.
func WithProfile(profileID string) Option {
	return func(p *Processor) {
		p.profileID = profileID
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader    Reader
	handler   Handler
	logger    *slog.Logger
	profileID string
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "consumer")
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Warn("fetch error", "error", err)
			continue
		}

		if p.profileID != "" && string(msg.Key) != p.profileID {
			recordSkipped(msg.Topic)
			p.commit(ctx, msg)
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Warn("decode error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", decodeErr)
			recordDecodeError(msg.Topic)
			// Commit malformed messages to avoid poison-pill loops.
			p.commit(ctx, msg)
			continue
		}

		if handleErr := p.handler.Handle(ctx, event); handleErr != nil {
			p.logger.Error("handler error", "kind", event.Kind, "profile_id", event.ProfileID, "error", handleErr)
			recordHandlerError(event)
			continue
		}

		if p.commit(ctx, msg) {
			recordProcessed(event)
		}
	}
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		p.logger.Warn("commit error", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return false
	}
	return true
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) == 0 {
		return Message{}, errors.New("empty payload")
	}

	var notification events.Notification
	if err := json.Unmarshal(msg.Value, &notification); err != nil {
		return Message{}, fmt.Errorf("decode notification: %w", err)
	}
	if notification.ID == "" {
		return Message{}, errors.New("notification without id")
	}

	kind := notification.Kind
	if header, ok := headerValue(msg, "kind"); ok && len(header) > 0 {
		kind = string(header)
	}
	if kind == "" {
		return Message{}, errors.New("missing kind")
	}

	profileID := notification.ProfileID
	if profileID == "" {
		profileID = string(msg.Key)
	}

	return Message{
		Topic:        msg.Topic,
		Partition:    msg.Partition,
		Offset:       msg.Offset,
		Timestamp:    msg.Time,
		Kind:         kind,
		ProfileID:    profileID,
		Notification: notification,
		Payload:      json.RawMessage(append([]byte(nil), msg.Value...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}

// Chain runs handlers in order and stops at the first error.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		for _, h := range handlers {
			if err := h.Handle(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}
