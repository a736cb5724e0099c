//go:build integration

package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/reminders/internal/events"
	"example.com/reminders/internal/testsupport"
)

func TestNotificationLogHandlerStoresAndPrunes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := testsupport.StartPostgres(ctx, t)
	handler := NewNotificationLogHandler(pool)
	require.NoError(t, handler.Migrate(ctx))

	now := time.Now().UTC()
	old := Message{
		Topic: "reminder-notifications", Offset: 1, Kind: "reminder", ProfileID: "profile-1",
		Notification: events.Notification{ID: "profile-1-1", Channel: "water", Title: "t", Body: "b", Backend: "os_scheduler", FireAt: now.Add(-96 * time.Hour), FiredAt: now.Add(-96 * time.Hour)},
	}
	recent := Message{
		Topic: "reminder-notifications", Offset: 2, Kind: "milestone", ProfileID: "profile-1",
		Notification: events.Notification{ID: "profile-1-2", Title: "t", Body: "b", Backend: "os_scheduler", FireAt: now, FiredAt: now},
	}

	require.NoError(t, handler.Handle(ctx, old))
	require.NoError(t, handler.Handle(ctx, recent))
	require.NoError(t, handler.Handle(ctx, recent), "redelivery is ignored")

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM notification_log`).Scan(&count))
	require.Equal(t, 2, count)

	pruned, err := handler.Prune(ctx, now, 72*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	var remaining string
	require.NoError(t, pool.QueryRow(ctx, `SELECT notification_id FROM notification_log`).Scan(&remaining))
	require.Equal(t, "profile-1-2", remaining)
}
