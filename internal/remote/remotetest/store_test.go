package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/stretchr/testify/require"
)

var taskTable = remote.TableRef{Name: "task_rows", IDColumn: "task_id"}

func newTaskStore(missingConstraint bool) *Store {
	return NewStore(clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), TableSchema{
		Name:              "task_rows",
		IDColumn:          "task_id",
		Columns:           []string{"user_id", "task_id", "title"},
		MissingConstraint: missingConstraint,
	})
}

func TestStoreSnapshotTimestampsIncrease(t *testing.T) {
	store := newTaskStore(false)
	ctx := context.Background()

	first, err := store.UpsertSnapshot(ctx, remote.SnapshotRecord{UserID: "u", AppKey: "a", Snapshot: json.RawMessage(`{}`)})
	require.NoError(t, err)
	second, err := store.UpsertSnapshot(ctx, remote.SnapshotRecord{UserID: "u", AppKey: "a", Snapshot: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	require.True(t, second.After(first))

	record, found, err := store.FetchSnapshot(ctx, "u", "a")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"x":1}`, string(record.Snapshot))
}

func TestStoreRejectsUnknownColumn(t *testing.T) {
	store := newTaskStore(false)
	err := store.UpsertRows(context.Background(), taskTable, "u", []remote.Row{
		{ID: "t1", Data: json.RawMessage(`{"user_id":"u","task_id":"t1","priority":3}`)},
	})
	require.Equal(t, remote.KindSchema, remote.KindOf(err))

	var remoteErr *remote.Error
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, "task_rows.priority", remoteErr.Element)
}

func TestStoreMissingConstraintOnlyAffectsUpsert(t *testing.T) {
	store := newTaskStore(true)
	ctx := context.Background()
	rows := []remote.Row{{ID: "t1", Data: json.RawMessage(`{"user_id":"u","task_id":"t1","title":"a"}`)}}

	require.Equal(t, remote.KindConstraint, remote.KindOf(store.UpsertRows(ctx, taskTable, "u", rows)))
	require.NoError(t, store.InsertRows(ctx, taskTable, "u", rows))
	require.Equal(t, []string{"t1"}, store.RowIDs("task_rows", "u"))
}

func TestStoreFaultInjection(t *testing.T) {
	store := newTaskStore(false)
	ctx := context.Background()
	offline := remote.NewError(remote.KindConnectivity, OpSelectIDs, errors.New("offline"))

	store.FailNext(OpSelectIDs, offline)
	_, err := store.SelectIDs(ctx, taskTable, "u")
	require.ErrorIs(t, err, offline)
	_, err = store.SelectIDs(ctx, taskTable, "u")
	require.NoError(t, err)

	store.SetFault(OpSelectIDs, offline)
	_, err = store.SelectIDs(ctx, taskTable, "u")
	require.Error(t, err)
	store.SetFault(OpSelectIDs, nil)
	_, err = store.SelectIDs(ctx, taskTable, "u")
	require.NoError(t, err)
	require.Equal(t, 4, store.CallCount(OpSelectIDs))
}

func TestStoreDeliversBufferedEvents(t *testing.T) {
	store := newTaskStore(false)
	ctx := context.Background()

	var received []remote.ChangeEvent
	var statuses []remote.FeedStatus
	subscription, err := store.SubscribeChanges(ctx, remote.SubscribeRequest{
		Table:    remote.SnapshotTable,
		UserID:   "u",
		OnEvent:  func(event remote.ChangeEvent) { received = append(received, event) },
		OnStatus: func(status remote.FeedStatus, _ error) { statuses = append(statuses, status) },
	})
	require.NoError(t, err)

	store.PutSnapshot(remote.SnapshotRecord{UserID: "u", AppKey: "a", Snapshot: json.RawMessage(`{}`)})
	store.PutSnapshot(remote.SnapshotRecord{UserID: "other", AppKey: "a", Snapshot: json.RawMessage(`{}`)})
	require.Empty(t, received)

	store.Deliver()
	require.Len(t, received, 1)
	require.Equal(t, remote.ChangeInsert, received[0].Type)

	require.NoError(t, subscription.Close())
	require.Equal(t, []remote.FeedStatus{remote.FeedSubscribed, remote.FeedClosed}, statuses)
}
