// Package orchestrator assembles the sync engine for one signed-in user: the
// offline queue and its replay effects, the snapshot synchronizer, the task
// and note table mirrors and the change listener, driven by connectivity.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/listener"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/status"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/tables"
	"go.uber.org/zap"
)

// ServiceError carries an operation-coded failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code of the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew        = "orchestrator.new"
	opStart      = "orchestrator.start"
	opFlushQueue = "orchestrator.flush_queue"
	opSignOut    = "orchestrator.sign_out"
	opRegained   = "orchestrator.connectivity_regained"
)

var (
	// ErrOffline is returned by FlushQueue while the device has no connectivity.
	ErrOffline = errors.New("orchestrator: offline")

	errMissingUserID     = errors.New("user identifier is required")
	errMissingAppKey     = errors.New("app key is required")
	errMissingLocal      = errors.New("local state is required")
	errMissingRemote     = errors.New("remote store is required")
	errMissingLocalStore = errors.New("local key/value store is required")
	errAlreadyStarted    = errors.New("engine already started")
	errClosed            = errors.New("engine closed")
	noOpLogger           = zap.NewNop()
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Config describes the engine of one user.
type Config[T any] struct {
	UserID string
	AppKey string
	Local  snapshot.LocalState[T]
	// Tasks and Notes project local entities into the row tables; a nil
	// source leaves that table unmirrored.
	Tasks        tables.Source[tables.TaskRow]
	Notes        tables.Source[tables.NoteRow]
	Remote       remote.Store
	LocalStore   localstore.Store
	Connectivity *connectivity.Monitor
	Clock        clock.Clock

	DebounceDelay time.Duration
	EchoWindow    time.Duration
	BatchSize     int
	FlushMaxOps   int
	Realtime      bool
	Logger        *zap.Logger
}

// Status is the aggregate status the host renders.
type Status struct {
	status.Status
	Listener      remote.FeedStatus `json:"listener"`
	ListenerStats listener.Stats    `json:"listener_stats"`
	Online        bool              `json:"online"`
	Dropped       int64             `json:"dropped_operations"`
}

// FlushResult totals one FlushQueue call.
type FlushResult struct {
	Applied   int `json:"applied"`
	Remaining int `json:"remaining"`
}

type tableMirror interface {
	Activate(ctx context.Context)
	NotifyChanged()
	SaveNow(ctx context.Context)
	Status() status.Status
	Tracker() *status.Tracker
	Close()
}

// Engine drives synchronization for one user and app key.
type Engine[T any] struct {
	userID       string
	remote       remote.Store
	queue        *queue.Queue
	snapshot     *snapshot.Synchronizer[T]
	mirrors      []tableMirror
	listener     *listener.Listener
	connectivity *connectivity.Monitor
	flushMaxOps  int
	logger       *zap.Logger

	lifecycle context.Context
	cancel    context.CancelFunc

	mu            sync.Mutex
	started       bool
	closed        bool
	stopRegained  func()
	regainRunning sync.Mutex
}

// New assembles an engine; nothing touches the remote until Start.
func New[T any](cfg Config[T]) (*Engine[T], error) {
	switch {
	case cfg.UserID == "":
		return nil, newServiceError(opNew, "missing_user_id", errMissingUserID)
	case cfg.AppKey == "":
		return nil, newServiceError(opNew, "missing_app_key", errMissingAppKey)
	case cfg.Local == nil:
		return nil, newServiceError(opNew, "missing_local_state", errMissingLocal)
	case cfg.Remote == nil:
		return nil, newServiceError(opNew, "missing_remote", errMissingRemote)
	case cfg.LocalStore == nil:
		return nil, newServiceError(opNew, "missing_local_store", errMissingLocalStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	logger = logger.With(zap.String("user_id", cfg.UserID), zap.String("app_key", cfg.AppKey))
	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	monitor := cfg.Connectivity
	if monitor == nil {
		monitor = connectivity.NewMonitor(true, logger)
	}

	offlineQueue, err := queue.New(queue.Config{
		Store:        cfg.LocalStore,
		Connectivity: monitor,
		Clock:        timeSource,
		Logger:       logger,
		DropHook: func(op queue.Operation, err error) {
			logger.Error("queued operation dropped",
				zap.String("operation", opFlushQueue),
				zap.String("reason", "local_store_failed"),
				zap.String("key", op.Key),
				zap.Error(err))
		},
	})
	if err != nil {
		return nil, newServiceError(opNew, "queue_init_failed", err)
	}
	flags, err := tables.NewFlagStore(cfg.LocalStore)
	if err != nil {
		return nil, newServiceError(opNew, "flag_store_init_failed", err)
	}

	snapshotSync, err := snapshot.New(snapshot.Config[T]{
		UserID:        cfg.UserID,
		AppKey:        cfg.AppKey,
		Local:         cfg.Local,
		Remote:        cfg.Remote,
		Queue:         offlineQueue,
		Connectivity:  monitor,
		Clock:         timeSource,
		DebounceDelay: cfg.DebounceDelay,
		EchoWindow:    cfg.EchoWindow,
		Logger:        logger,
	})
	if err != nil {
		return nil, newServiceError(opNew, "snapshot_init_failed", err)
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	engine := &Engine[T]{
		userID:       cfg.UserID,
		remote:       cfg.Remote,
		queue:        offlineQueue,
		snapshot:     snapshotSync,
		connectivity: monitor,
		flushMaxOps:  cfg.FlushMaxOps,
		logger:       logger,
		lifecycle:    lifecycle,
		cancel:       cancel,
	}

	offlineQueue.RegisterEffect(queue.KindSnapshotUpsert, snapshotSync.QueueEffect())
	offlineQueue.RegisterEffect(queue.KindTaskTableSync, tables.ReplayEffect(flags, cfg.BatchSize, logger))
	offlineQueue.RegisterEffect(queue.KindNoteTableSync, tables.ReplayEffect(flags, cfg.BatchSize, logger))

	if cfg.Tasks != nil {
		taskSync, err := tables.New(tables.Config[tables.TaskRow]{
			UserID:        cfg.UserID,
			Table:         tables.TaskTable,
			Kind:          queue.KindTaskTableSync,
			Source:        cfg.Tasks,
			Remote:        cfg.Remote,
			Queue:         offlineQueue,
			Flags:         flags,
			Connectivity:  monitor,
			Clock:         timeSource,
			DebounceDelay: cfg.DebounceDelay,
			BatchSize:     cfg.BatchSize,
			Logger:        logger,
		})
		if err != nil {
			snapshotSync.Close()
			return nil, newServiceError(opNew, "task_table_init_failed", err)
		}
		offlineQueue.RegisterEffect(queue.KindTaskTableSync, taskSync.QueueEffect())
		engine.mirrors = append(engine.mirrors, taskSync)
	}
	if cfg.Notes != nil {
		noteSync, err := tables.New(tables.Config[tables.NoteRow]{
			UserID:        cfg.UserID,
			Table:         tables.NoteTable,
			Kind:          queue.KindNoteTableSync,
			Source:        cfg.Notes,
			Remote:        cfg.Remote,
			Queue:         offlineQueue,
			Flags:         flags,
			Connectivity:  monitor,
			Clock:         timeSource,
			DebounceDelay: cfg.DebounceDelay,
			BatchSize:     cfg.BatchSize,
			Logger:        logger,
		})
		if err != nil {
			engine.closeSynchronizers()
			return nil, newServiceError(opNew, "note_table_init_failed", err)
		}
		offlineQueue.RegisterEffect(queue.KindNoteTableSync, noteSync.QueueEffect())
		engine.mirrors = append(engine.mirrors, noteSync)
	}

	feed, err := listener.New(listener.Config{
		Target:  &restoreTarget[T]{Synchronizer: snapshotSync, engine: engine},
		Remote:  cfg.Remote,
		Clock:   timeSource,
		Enabled: cfg.Realtime,
		Logger:  logger,
	})
	if err != nil {
		engine.closeSynchronizers()
		return nil, newServiceError(opNew, "listener_init_failed", err)
	}
	engine.listener = feed
	return engine, nil
}

// Start replays any operations left from a previous run, hydrates the
// snapshot, converges the table mirrors and opens the change feed. Replay runs
// first so hydration cannot restore a remote record older than the queued
// edits. A feed that fails to subscribe is reported through Status rather than
// failing Start.
func (e *Engine[T]) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return newServiceError(opStart, "closed", errClosed)
	}
	if e.started {
		e.mu.Unlock()
		return newServiceError(opStart, "already_started", errAlreadyStarted)
	}
	e.started = true
	e.stopRegained = e.connectivity.OnRegained(e.onRegained)
	e.mu.Unlock()

	if e.connectivity.Online() {
		if _, err := e.FlushQueue(ctx); err != nil {
			e.logError(opStart, "flush_failed", err)
		}
	}
	e.snapshot.Activate(ctx)
	for _, mirror := range e.mirrors {
		mirror.Activate(ctx)
	}
	if err := e.listener.Start(e.lifecycle); err != nil {
		e.logError(opStart, "listener_failed", err)
	}
	return nil
}

// NotifyChanged tells every synchronizer that local state changed.
func (e *Engine[T]) NotifyChanged() {
	e.snapshot.NotifyChanged()
	for _, mirror := range e.mirrors {
		mirror.NotifyChanged()
	}
}

// SaveNow runs every pending debounced save immediately.
func (e *Engine[T]) SaveNow(ctx context.Context) {
	e.snapshot.SaveNow(ctx)
	for _, mirror := range e.mirrors {
		mirror.SaveNow(ctx)
	}
}

// Refresh re-fetches the remote snapshot and re-projects the tables from
// whatever local state results.
func (e *Engine[T]) Refresh(ctx context.Context) {
	e.snapshot.Refresh(ctx)
	e.notifyMirrors()
}

// FlushQueue replays the user's queued operations until the queue is empty
// or an operation fails. A connectivity fault marks the device offline, so
// the queue is replayed again once connectivity is regained.
func (e *Engine[T]) FlushQueue(ctx context.Context) (FlushResult, error) {
	var total FlushResult
	for {
		result, err := e.queue.Flush(ctx, e.remote, queue.FlushOptions{UserID: e.userID, MaxOps: e.flushMaxOps})
		total.Applied += result.Applied
		total.Remaining = result.Remaining
		if errors.Is(err, queue.ErrOffline) {
			return total, newServiceError(opFlushQueue, "offline", ErrOffline)
		}
		if err != nil {
			e.connectivity.ReportFault(err)
			return total, newServiceError(opFlushQueue, string(remote.KindOf(err)), err)
		}
		if result.Remaining == 0 || result.Applied == 0 {
			return total, nil
		}
	}
}

// PendingOperations lists the user's queued operations, oldest first.
func (e *Engine[T]) PendingOperations(ctx context.Context) ([]queue.Operation, error) {
	return e.queue.List(ctx, e.userID)
}

// SignOut discards the user's queued operations and stops the engine.
func (e *Engine[T]) SignOut(ctx context.Context) error {
	e.Close()
	if err := e.queue.Clear(ctx, e.userID); err != nil {
		e.logError(opSignOut, "queue_clear_failed", err)
		return newServiceError(opSignOut, "queue_clear_failed", err)
	}
	e.logger.Info("signed out, queue cleared")
	return nil
}

// Status aggregates the synchronizers and the listener.
func (e *Engine[T]) Status() Status {
	statuses := []status.Status{e.snapshot.Status()}
	for _, mirror := range e.mirrors {
		statuses = append(statuses, mirror.Status())
	}
	return Status{
		Status:        status.Merge(statuses...),
		Listener:      e.listener.Status(),
		ListenerStats: e.listener.Stats(),
		Online:        e.connectivity.Online(),
		Dropped:       e.queue.Dropped(),
	}
}

// SubscribeStatus calls observer with the aggregate status whenever the status
// of any synchronizer changes, and returns a function removing it. observer
// runs on the goroutine that changed the status and must not block.
func (e *Engine[T]) SubscribeStatus(observer func(Status)) func() {
	notify := func(status.Status) { observer(e.Status()) }
	cancels := []func(){e.snapshot.Tracker().Subscribe(notify)}
	for _, mirror := range e.mirrors {
		cancels = append(cancels, mirror.Tracker().Subscribe(notify))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Snapshot exposes the snapshot synchronizer.
func (e *Engine[T]) Snapshot() *snapshot.Synchronizer[T] {
	return e.snapshot
}

// Close stops the listener and every synchronizer. Pending debounced saves
// are dropped; call SaveNow first to keep them.
func (e *Engine[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	stopRegained := e.stopRegained
	e.mu.Unlock()

	if stopRegained != nil {
		stopRegained()
	}
	e.cancel()
	if err := e.listener.Stop(); err != nil {
		e.logger.Warn("listener stop failed", zap.Error(err))
	}
	e.closeSynchronizers()
}

// onRegained flushes the queue and then completes an owed hydration. It runs
// on the goroutine that flipped connectivity.
func (e *Engine[T]) onRegained() {
	if !e.regainRunning.TryLock() {
		return
	}
	defer e.regainRunning.Unlock()

	ctx := e.lifecycle
	if ctx.Err() != nil {
		return
	}
	result, err := e.FlushQueue(ctx)
	if err != nil {
		e.logError(opRegained, "flush_failed", err)
		return
	}
	e.logger.Info("connectivity regained",
		zap.Int("applied", result.Applied),
		zap.Int("remaining", result.Remaining))
	e.Refresh(ctx)
}

func (e *Engine[T]) notifyMirrors() {
	for _, mirror := range e.mirrors {
		mirror.NotifyChanged()
	}
}

func (e *Engine[T]) closeSynchronizers() {
	e.snapshot.Close()
	for _, mirror := range e.mirrors {
		mirror.Close()
	}
}

func (e *Engine[T]) logError(operation, reason string, err error) {
	if err == nil {
		return
	}
	e.logger.Error("sync engine error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
}

// restoreTarget re-projects the row tables after a pushed snapshot replaced local state.
type restoreTarget[T any] struct {
	*snapshot.Synchronizer[T]
	engine *Engine[T]
}

func (t *restoreTarget[T]) ApplyRemote(ctx context.Context, record remote.SnapshotRecord) bool {
	applied := t.Synchronizer.ApplyRemote(ctx, record)
	if applied {
		t.engine.notifyMirrors()
	}
	return applied
}
