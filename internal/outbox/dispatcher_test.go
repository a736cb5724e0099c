package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/reminders/internal/events"
	"example.com/reminders/internal/testsupport"
)

type producerWrite struct {
	topic    string
	messages []kafka.Message
}

type stubProducer struct {
	writes []producerWrite
	err    error
}

func (p *stubProducer) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.writes = append(p.writes, producerWrite{topic: topic, messages: append([]kafka.Message(nil), msgs...)})
	return nil
}

func TestBuildRecordEncodesNotification(t *testing.T) {
	fireAt := testsupport.ReferenceTime()
	firedAt := fireAt.Add(3 * time.Second)
	msg := Message{
		ID:        17,
		ProfileID: "profile-1",
		Slot:      1003,
		Channel:   "water",
		Kind:      "reminder",
		Title:     "Time to hydrate",
		Body:      "Drink 250 ml of water.",
		Payload:   json.RawMessage(`{}`),
		FireAt:    fireAt,
	}

	record, err := buildRecord(msg, firedAt)
	require.NoError(t, err)
	require.Equal(t, "profile-1", string(record.Key))
	require.Equal(t, []kafka.Header{{Key: "kind", Value: []byte("reminder")}}, record.Headers)

	var event events.Notification
	require.NoError(t, json.Unmarshal(record.Value, &event))
	require.Equal(t, "profile-1-17", event.ID)
	require.Equal(t, "water", event.Channel)
	require.Equal(t, 1003, event.Slot)
	require.Equal(t, "os_scheduler", event.Backend)
	require.True(t, event.FireAt.Equal(fireAt))
	require.True(t, event.FiredAt.Equal(firedAt))
}

func TestDeliverWritesOneBatchToTopic(t *testing.T) {
	producer := &stubProducer{}
	clk := testsupport.NewClock(testsupport.ReferenceTime())
	dispatcher := NewDispatcher(nil, producer, "reminder-notifications", time.Second, 10, WithClock(clk))

	messages := []Message{
		{ID: 1, ProfileID: "a", Kind: "reminder", Channel: "meal", FireAt: clk.Now()},
		{ID: 2, ProfileID: "b", Kind: "milestone", FireAt: clk.Now()},
	}
	require.NoError(t, dispatcher.deliver(context.Background(), messages))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "reminder-notifications", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)
	require.Equal(t, "b", string(producer.writes[0].messages[1].Key))
}

func TestDeliverPropagatesProducerFailure(t *testing.T) {
	producer := &stubProducer{err: errors.New("broker unavailable")}
	dispatcher := NewDispatcher(nil, producer, "reminder-notifications", time.Second, 10)

	err := dispatcher.deliver(context.Background(), []Message{{ID: 1, ProfileID: "a", Kind: "reminder"}})
	require.EqualError(t, err, "broker unavailable")
}

func TestBackoffDelayIsCapped(t *testing.T) {
	manager := NewDLQManager(nil, 0, 0)
	require.Equal(t, 5, manager.maxRetries)
	require.Equal(t, time.Minute, manager.backoffDelay(1))
	require.Equal(t, 4*time.Minute, manager.backoffDelay(3))
	require.Equal(t, time.Hour, manager.backoffDelay(10))
	require.Equal(t, time.Hour, manager.backoffDelay(64))
}

func TestDomainChannel(t *testing.T) {
	require.Equal(t, "water", string(domainChannel("Water")))
	require.Empty(t, domainChannel(""))
}
