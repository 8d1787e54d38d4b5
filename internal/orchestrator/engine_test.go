package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/tables"
	"github.com/stretchr/testify/require"
)

const (
	testUserID = "user-e2e"
	testAppKey = "planner"
)

type plannerState struct {
	Tasks []tables.TaskRow `json:"tasks"`
	Notes []tables.NoteRow `json:"notes"`
}

type plannerHost struct {
	mu    sync.Mutex
	state plannerState
}

func (h *plannerHost) Current() (snapshot.Document[plannerState], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot.Document[plannerState]{Version: "1", Value: h.copyLocked()}, nil
}

func (h *plannerHost) Restore(_ context.Context, doc snapshot.Document[plannerState]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = doc.Value
	return nil
}

func (h *plannerHost) copyLocked() plannerState {
	return plannerState{
		Tasks: append([]tables.TaskRow(nil), h.state.Tasks...),
		Notes: append([]tables.NoteRow(nil), h.state.Notes...),
	}
}

func (h *plannerHost) addTask(id, title string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Tasks = append(h.state.Tasks, tables.TaskRow{TaskID: id, Title: title, UpdatedAt: at.UTC()})
}

func (h *plannerHost) taskIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.state.Tasks))
	for _, task := range h.state.Tasks {
		ids = append(ids, task.TaskID)
	}
	sort.Strings(ids)
	return ids
}

func (h *plannerHost) tasks() ([]tables.TaskRow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]tables.TaskRow(nil), h.state.Tasks...), nil
}

func (h *plannerHost) notes() ([]tables.NoteRow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]tables.NoteRow(nil), h.state.Notes...), nil
}

var (
	taskSchema = remotetest.TableSchema{
		Name:     "task_rows",
		IDColumn: "task_id",
		Columns:  []string{"user_id", "task_id", "title", "completed", "due_at", "updated_at"},
	}
	noteSchema = remotetest.TableSchema{
		Name:     "note_rows",
		IDColumn: "note_id",
		Columns:  []string{"user_id", "note_id", "title", "pinned", "updated_at"},
	}
)

type harness struct {
	host    *plannerHost
	monitor *connectivity.Monitor
	local   *localstore.Memory
	engine  *Engine[plannerState]
}

func newHarness(t *testing.T, manual *clock.Manual, store remote.Store, online bool, host *plannerHost) *harness {
	t.Helper()
	return newHarnessOn(t, manual, store, localstore.NewMemory(), online, host)
}

// newHarnessOn builds an engine over an existing local store, as a restarted
// process would.
func newHarnessOn(t *testing.T, manual *clock.Manual, store remote.Store, local *localstore.Memory, online bool, host *plannerHost) *harness {
	t.Helper()
	monitor := connectivity.NewMonitor(online, nil)
	engine, err := New(Config[plannerState]{
		UserID:       testUserID,
		AppKey:       testAppKey,
		Local:        host,
		Tasks:        tables.SourceFunc[tables.TaskRow](host.tasks),
		Notes:        tables.SourceFunc[tables.NoteRow](host.notes),
		Remote:       store,
		LocalStore:   local,
		Connectivity: monitor,
		Clock:        manual,
		Realtime:     true,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return &harness{host: host, monitor: monitor, local: local, engine: engine}
}

func newClock() *clock.Manual {
	return clock.NewManual(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
}

func TestStartSeedsSnapshotAndTables(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	host := &plannerHost{}
	host.addTask("t1", "write plan", manual.Now())
	h := newHarness(t, manual, store, true, host)

	require.NoError(t, h.engine.Start(context.Background()))

	_, found := store.Snapshot(testUserID, testAppKey)
	require.True(t, found)
	require.Equal(t, []string{"t1"}, store.RowIDs("task_rows", testUserID))
	current := h.engine.Status()
	require.True(t, current.Synced(), "status: %+v", current)
	require.Equal(t, remote.FeedSubscribed, current.Listener)
	require.True(t, current.Online)
	require.NotNil(t, current.LastSyncedAt)
}

func TestOfflineEditsFlushWhenConnectivityReturns(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	host := &plannerHost{}
	host.addTask("t1", "first", manual.Now())
	h := newHarness(t, manual, store, false, host)
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	require.True(t, h.engine.Snapshot().HydrationOwed())

	host.addTask("t2", "second", manual.Now())
	h.engine.NotifyChanged()
	manual.Advance(snapshot.DefaultDebounceDelay)

	pending, err := h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.True(t, h.engine.Status().Queued)
	require.Zero(t, store.CallCount(remotetest.OpUpsertSnapshot))

	_, err = h.engine.FlushQueue(ctx)
	require.ErrorIs(t, err, ErrOffline)

	h.monitor.Set(true)

	pending, err = h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, []string{"t1", "t2"}, store.RowIDs("task_rows", testUserID))
	record, found := store.Snapshot(testUserID, testAppKey)
	require.True(t, found)
	require.Contains(t, string(record.Snapshot), `"t2"`)
	require.False(t, h.engine.Snapshot().HydrationOwed())
	require.True(t, h.engine.Status().Synced(), "status: %+v", h.engine.Status())
	require.Equal(t, []string{"t1", "t2"}, host.taskIDs())
}

func TestConnectivityFaultRetriesQueueWhenReachable(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	host := &plannerHost{}
	host.addTask("t1", "first", manual.Now())
	h := newHarness(t, manual, store, true, host)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	store.FailNext(remotetest.OpUpsertSnapshot, remote.NewError(remote.KindConnectivity, "upsert_snapshot", errors.New("connection reset")))
	host.addTask("t2", "second", manual.Now())
	h.engine.NotifyChanged()
	manual.Advance(snapshot.DefaultDebounceDelay)

	require.False(t, h.monitor.Online())
	require.True(t, h.engine.Status().Queued)
	pending, err := h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	checkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go connectivity.RunProber(checkCtx, h.monitor, store.Ping, time.Hour)

	require.Eventually(t, func() bool {
		pending, err := h.engine.PendingOperations(ctx)
		return err == nil && len(pending) == 0 && h.engine.Status().Synced()
	}, 2*time.Second, 10*time.Millisecond)
	record, found := store.Snapshot(testUserID, testAppKey)
	require.True(t, found)
	require.Contains(t, string(record.Snapshot), `"t2"`)
	require.Equal(t, []string{"t1", "t2"}, store.RowIDs("task_rows", testUserID))
}

func TestFlushConnectivityFaultWaitsForNextRegain(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	host := &plannerHost{}
	host.addTask("t1", "first", manual.Now())
	h := newHarness(t, manual, store, false, host)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	store.FailNext(remotetest.OpUpsertRows, remote.NewError(remote.KindConnectivity, "upsert_rows", errors.New("timeout")))
	h.monitor.Set(true)

	require.False(t, h.monitor.Online(), "a failed replay must mark the device offline again")
	pending, err := h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	h.monitor.Set(true)
	pending, err = h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, []string{"t1"}, store.RowIDs("task_rows", testUserID))
	require.True(t, h.engine.Status().Synced(), "status: %+v", h.engine.Status())
}

func TestStartReplaysQueuedEditsBeforeHydrating(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	local := localstore.NewMemory()
	host := &plannerHost{}
	host.addTask("t1", "first", manual.Now())
	ctx := context.Background()

	first := newHarnessOn(t, manual, store, local, true, host)
	require.NoError(t, first.engine.Start(ctx))
	first.monitor.Set(false)
	host.addTask("t2", "offline", manual.Now())
	first.engine.NotifyChanged()
	manual.Advance(snapshot.DefaultDebounceDelay)
	first.engine.Close()

	manual.Advance(time.Minute)
	restarted := newHarnessOn(t, manual, store, local, true, host)
	require.NoError(t, restarted.engine.Start(ctx))

	require.Equal(t, []string{"t1", "t2"}, host.taskIDs())
	record, found := store.Snapshot(testUserID, testAppKey)
	require.True(t, found)
	require.Contains(t, string(record.Snapshot), `"t2"`)
	require.Equal(t, []string{"t1", "t2"}, store.RowIDs("task_rows", testUserID))
	pending, err := restarted.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSubscribeStatusReportsAggregateChanges(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	host := &plannerHost{}
	host.addTask("t1", "first", manual.Now())
	h := newHarness(t, manual, store, false, host)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []Status
	)
	unsubscribe := h.engine.SubscribeStatus(func(current Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, current)
	})
	require.NoError(t, h.engine.Start(ctx))

	mu.Lock()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	count := len(seen)
	mu.Unlock()
	require.True(t, last.Hydrated)
	require.True(t, last.Queued)
	require.False(t, last.Online)

	unsubscribe()
	h.monitor.Set(true)
	require.True(t, h.engine.Status().Synced(), "status: %+v", h.engine.Status())
	mu.Lock()
	require.Len(t, seen, count)
	mu.Unlock()
}

func TestRemoteChangeReachesOtherSessionAndItsTables(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	ctx := context.Background()

	hostA := &plannerHost{}
	hostA.addTask("t1", "shared", manual.Now())
	a := newHarness(t, manual, store, true, hostA)
	require.NoError(t, a.engine.Start(ctx))

	b := newHarness(t, manual, store, true, &plannerHost{})
	require.NoError(t, b.engine.Start(ctx))
	require.Equal(t, []string{"t1"}, b.host.taskIDs())
	store.Deliver()

	manual.Advance(2 * time.Second)
	hostA.addTask("t2", "from a", manual.Now())
	a.engine.NotifyChanged()
	manual.Advance(snapshot.DefaultDebounceDelay)
	store.Deliver()

	require.Equal(t, []string{"t1", "t2"}, b.host.taskIDs())
	require.Equal(t, int64(1), b.engine.Status().ListenerStats.Applied)
	require.Zero(t, a.engine.Status().ListenerStats.Applied)

	manual.Advance(snapshot.DefaultDebounceDelay)
	require.Equal(t, []string{"t1", "t2"}, store.RowIDs("task_rows", testUserID))
	require.True(t, b.engine.Status().Synced())
}

func TestSchemaMismatchIsSurfacedNotQueued(t *testing.T) {
	manual := newClock()
	narrowTasks := remotetest.TableSchema{Name: "task_rows", IDColumn: "task_id", Columns: []string{"user_id", "task_id", "title"}}
	store := remotetest.NewStore(manual, narrowTasks, noteSchema)
	host := &plannerHost{}
	host.addTask("t1", "needs completed column", manual.Now())
	h := newHarness(t, manual, store, true, host)
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))

	current := h.engine.Status()
	require.NotEmpty(t, current.Error)
	require.Contains(t, current.Error, "task_rows.completed")
	require.False(t, current.Queued)
	pending, err := h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSignOutClearsQueue(t *testing.T) {
	manual := newClock()
	store := remotetest.NewStore(manual, taskSchema, noteSchema)
	host := &plannerHost{}
	host.addTask("t1", "private", manual.Now())
	h := newHarness(t, manual, store, false, host)
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	pending, err := h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	require.NoError(t, h.engine.SignOut(ctx))
	pending, err = h.engine.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, remote.FeedClosed, h.engine.Status().Listener)

	h.monitor.Set(true)
	require.Zero(t, store.CallCount(remotetest.OpUpsertSnapshot))
}

func TestStartTwiceFails(t *testing.T) {
	manual := newClock()
	h := newHarness(t, manual, remotetest.NewStore(manual, taskSchema, noteSchema), true, &plannerHost{})
	require.NoError(t, h.engine.Start(context.Background()))

	err := h.engine.Start(context.Background())
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	require.Equal(t, "orchestrator.start.already_started", serviceErr.Code())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config[plannerState]{AppKey: testAppKey})
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	require.Equal(t, "orchestrator.new.missing_user_id", serviceErr.Code())

	_, err = New(Config[plannerState]{UserID: testUserID, AppKey: testAppKey, Local: &plannerHost{}, Remote: remotetest.NewStore(nil)})
	require.True(t, errors.As(err, &serviceErr))
	require.Equal(t, "orchestrator.new.missing_local_store", serviceErr.Code())
}
