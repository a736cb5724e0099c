package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"example.com/reminders/internal/events"
)

// MessageReader is the subset of kafka.Reader used by KafkaBus.
type MessageReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of kafka.Writer used by KafkaBus.
type MessageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaBus carries envelopes between contexts of one profile that run on different hosts.
// Every context reads with its own consumer group so it sees every envelope.
type KafkaBus struct {
	reader MessageReader
	writer MessageWriter
	key    []byte
	logger *slog.Logger

	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

// KafkaBusConfig describes the topic and identity of a KafkaBus.
type KafkaBusConfig struct {
	Brokers   []string
	Topic     string
	ProfileID string
	ContextID string
}

// NewKafkaBus constructs a KafkaBus backed by kafka-go readers and writers.
func NewKafkaBus(cfg KafkaBusConfig, logger *slog.Logger) *KafkaBus {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     "reminders-" + cfg.ContextID,
		Topic:       cfg.Topic,
		MinBytes:    1,
		MaxBytes:    1e6,
		StartOffset: kafka.LastOffset,
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return NewKafkaBusWith(reader, writer, cfg.ProfileID, logger)
}

// NewKafkaBusWith constructs a KafkaBus over existing reader and writer.
func NewKafkaBusWith(reader MessageReader, writer MessageWriter, profileID string, logger *slog.Logger) *KafkaBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBus{
		reader: reader,
		writer: writer,
		key:    []byte(profileID),
		logger: logger.With("component", "kafka_bus"),
		subs:   make(map[int]Handler),
	}
}

// Publish implements Bus.
func (b *KafkaBus) Publish(ctx context.Context, env events.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:     b.key,
		Value:   value,
		Time:    env.OccurredAt,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(env.Kind)}},
	})
}

// Subscribe implements Bus.
func (b *KafkaBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Run reads envelopes until ctx is cancelled. Envelopes for other profiles are skipped.
func (b *KafkaBus) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn("fetch failed", "error", err)
			continue
		}

		if len(b.key) == 0 || string(msg.Key) == string(b.key) {
			var env events.Envelope
			if err := json.Unmarshal(msg.Value, &env); err != nil {
				b.logger.Warn("dropping malformed envelope", "offset", msg.Offset, "error", err)
			} else {
				b.dispatch(ctx, env)
			}
		}

		if err := b.reader.CommitMessages(ctx, msg); err != nil {
			b.logger.Warn("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// Close releases the reader and writer.
func (b *KafkaBus) Close() error {
	return errors.Join(b.reader.Close(), b.writer.Close())
}

func (b *KafkaBus) dispatch(ctx context.Context, env events.Envelope) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, env)
	}
}
