package remotetest

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

func TestDispatcherDeliversToMatchingStream(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := dispatcher.Subscribe(ctx, "user-1", remote.SnapshotTable)
	defer cleanup()

	dispatcher.Publish(remote.ChangeEvent{
		Table:  remote.SnapshotTable,
		Type:   remote.ChangeUpdate,
		Record: remote.SnapshotRecord{UserID: "user-1", AppKey: "planner"},
	})

	select {
	case received := <-events:
		if received.Record.AppKey != "planner" {
			t.Fatalf("expected app key planner, got %s", received.Record.AppKey)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change event within deadline")
	}
}

func TestDispatcherIsolatesUsersAndTables(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherUser, cleanupUser := dispatcher.Subscribe(ctx, "user-2", remote.SnapshotTable)
	defer cleanupUser()
	otherTable, cleanupTable := dispatcher.Subscribe(ctx, "user-3", "task_rows")
	defer cleanupTable()

	dispatcher.Publish(remote.ChangeEvent{
		Table:  remote.SnapshotTable,
		Type:   remote.ChangeInsert,
		Record: remote.SnapshotRecord{UserID: "user-3"},
	})

	select {
	case <-otherUser:
		t.Fatal("did not expect event for unrelated user")
	case <-otherTable:
		t.Fatal("did not expect event for unrelated table")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherReleasesStreamOnCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx, "user-4", remote.SnapshotTable)
	if dispatcher.Subscribers("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected stream to be released after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
