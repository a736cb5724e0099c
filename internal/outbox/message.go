package outbox

import (
	"encoding/json"
	"strconv"
	"time"

	"example.com/reminders/internal/domain"
)

// Message represents a row claimed from scheduled_notifications.
type Message struct {
	ID        int64
	ProfileID string
	Slot      int
	Channel   string
	Kind      string
	Title     string
	Body      string
	Payload   json.RawMessage
	FireAt    time.Time
}

// EventID is the stable notification id carried downstream.
func (m Message) EventID() string {
	return m.ProfileID + "-" + strconv.FormatInt(m.ID, 10)
}

func domainChannel(raw string) domain.Channel {
	if raw == "" {
		return ""
	}
	ch, err := domain.ParseChannel(raw)
	if err != nil {
		return domain.Channel(raw)
	}
	return ch
}
