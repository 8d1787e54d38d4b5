package pgremote

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const postgresURLEnv = "GRAVITY_TEST_POSTGRES_URL"

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv(postgresURLEnv)
	if databaseURL == "" {
		t.Skipf("%s not set", postgresURLEnv)
	}
	ctx := context.Background()
	pool, err := Open(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	store, err := New(Config{Pool: pool, ReconnectDelay: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresSnapshotAndRows(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	userID := "it-" + uuid.NewString()
	tasks := remote.TableRef{Name: "task_rows", IDColumn: "task_id"}

	first, err := store.UpsertSnapshot(ctx, remote.SnapshotRecord{UserID: userID, AppKey: "planner", Version: "1", Snapshot: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	second, err := store.UpsertSnapshot(ctx, remote.SnapshotRecord{UserID: userID, AppKey: "planner", Version: "1", Snapshot: json.RawMessage(`{"n":2}`)})
	require.NoError(t, err)
	require.True(t, second.After(first))

	record, found, err := store.FetchSnapshot(ctx, userID, "planner")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"n":2}`, string(record.Snapshot))

	rows := []remote.Row{
		{ID: "t1", Data: json.RawMessage(`{"user_id":"` + userID + `","task_id":"t1","title":"a","completed":false}`)},
		{ID: "t2", Data: json.RawMessage(`{"user_id":"` + userID + `","task_id":"t2","title":"b","completed":true}`)},
	}
	require.NoError(t, store.UpsertRows(ctx, tasks, userID, rows))
	require.NoError(t, store.UpsertRows(ctx, tasks, userID, rows[:1]))
	ids, err := store.SelectIDs(ctx, tasks, userID)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, ids)

	require.NoError(t, store.DeleteRows(ctx, tasks, userID, []string{"t2"}))
	require.NoError(t, store.DeleteAllRows(ctx, tasks, userID))
	ids, err = store.SelectIDs(ctx, tasks, userID)
	require.NoError(t, err)
	require.Empty(t, ids)

	bad := []remote.Row{{ID: "t3", Data: json.RawMessage(`{"user_id":"` + userID + `","task_id":"t3","priority":1}`)}}
	require.Equal(t, remote.KindSchema, remote.KindOf(store.UpsertRows(ctx, tasks, userID, bad)))
}

func TestPostgresChangeFeed(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	userID := "it-" + uuid.NewString()

	var (
		mu     sync.Mutex
		events []remote.ChangeEvent
		state  remote.FeedStatus
	)
	subscription, err := store.SubscribeChanges(ctx, remote.SubscribeRequest{
		Table:  remote.SnapshotTable,
		UserID: userID,
		OnEvent: func(event remote.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
		},
		OnStatus: func(status remote.FeedStatus, _ error) {
			mu.Lock()
			defer mu.Unlock()
			state = status
		},
	})
	require.NoError(t, err)
	defer subscription.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return state == remote.FeedSubscribed
	}, 5*time.Second, 20*time.Millisecond)

	_, err = store.UpsertSnapshot(ctx, remote.SnapshotRecord{UserID: "other-" + userID, AppKey: "planner", Snapshot: json.RawMessage(`{}`)})
	require.NoError(t, err)
	updatedAt, err := store.UpsertSnapshot(ctx, remote.SnapshotRecord{UserID: userID, AppKey: "planner", Snapshot: json.RawMessage(`{"live":true}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	event := events[0]
	mu.Unlock()
	require.Equal(t, userID, event.Record.UserID)
	require.True(t, event.Record.UpdatedAt.Equal(updatedAt))
	require.JSONEq(t, `{"live":true}`, string(event.Record.Snapshot))
}
