// Package snapshot keeps one opaque whole-state document per user and
// application key convergent between local memory and the remote store.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/debounce"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/status"
	"go.uber.org/zap"
)

const (
	// DefaultDebounceDelay is the quiescence window before a changed document is written.
	DefaultDebounceDelay = 900 * time.Millisecond
	// DefaultEchoWindow is how long inbound change events are ignored after a local write.
	DefaultEchoWindow = 1400 * time.Millisecond
)

const (
	opActivate = "snapshot.activate"
	opSave     = "snapshot.save"
	opRefresh  = "snapshot.refresh"
	opRestore  = "snapshot.restore"
	opNotify   = "snapshot.notify_changed"
)

var (
	errMissingUserID = errors.New("snapshot: user identifier is required")
	errMissingAppKey = errors.New("snapshot: app key is required")
	errMissingLocal  = errors.New("snapshot: local state is required")
	errMissingRemote = errors.New("snapshot: remote store is required")
	errMissingQueue  = errors.New("snapshot: queue is required")
	noOpLogger       = zap.NewNop()
)

// Queue is the slice of the offline queue used by the synchronizer.
type Queue interface {
	Enqueue(ctx context.Context, op queue.Operation) queue.Operation
	Remove(ctx context.Context, key string) error
}

// Connectivity reports whether the device is online.
type Connectivity interface {
	Online() bool
}

// faultReporter is implemented by connectivity monitors that flip offline on
// a connectivity fault so the next successful check triggers a queue flush.
type faultReporter interface {
	ReportFault(err error) bool
}

// Config describes the dependencies of a Synchronizer.
type Config[T any] struct {
	UserID        string
	AppKey        string
	Local         LocalState[T]
	Remote        remote.Store
	Queue         Queue
	Connectivity  Connectivity
	Clock         clock.Clock
	DebounceDelay time.Duration
	EchoWindow    time.Duration
	Logger        *zap.Logger
}

// Synchronizer syncs one Document per (user, app key).
type Synchronizer[T any] struct {
	userID       string
	appKey       string
	key          string
	local        LocalState[T]
	remote       remote.Store
	queue        Queue
	connectivity Connectivity
	clock        clock.Clock
	echoWindow   time.Duration
	logger       *zap.Logger
	tracker      *status.Tracker
	debouncer    *debounce.Debouncer

	lifecycle context.Context
	cancel    context.CancelFunc

	// writeMu serializes remote writes and restores.
	writeMu sync.Mutex

	mu            sync.Mutex
	hydrated      bool
	fetchOwed     bool
	lastSavedHash string
	queuedHash    string
	lastAppliedAt time.Time
	ignoreUntil   time.Time
}

// New constructs a Synchronizer in the uninitialized state.
func New[T any](cfg Config[T]) (*Synchronizer[T], error) {
	switch {
	case cfg.UserID == "":
		return nil, errMissingUserID
	case cfg.AppKey == "":
		return nil, errMissingAppKey
	case cfg.Local == nil:
		return nil, errMissingLocal
	case cfg.Remote == nil:
		return nil, errMissingRemote
	case cfg.Queue == nil:
		return nil, errMissingQueue
	}
	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	delay := cfg.DebounceDelay
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	echoWindow := cfg.EchoWindow
	if echoWindow <= 0 {
		echoWindow = DefaultEchoWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	s := &Synchronizer[T]{
		userID:       cfg.UserID,
		appKey:       cfg.AppKey,
		key:          queue.SnapshotKey(cfg.UserID, cfg.AppKey),
		local:        cfg.Local,
		remote:       cfg.Remote,
		queue:        cfg.Queue,
		connectivity: cfg.Connectivity,
		clock:        timeSource,
		echoWindow:   echoWindow,
		logger:       logger.With(zap.String("user_id", cfg.UserID), zap.String("app_key", cfg.AppKey)),
		tracker:      status.NewTracker(),
		lifecycle:    lifecycle,
		cancel:       cancel,
	}
	s.debouncer = debounce.New(timeSource, delay, func() {
		s.save(s.lifecycle)
	})
	return s, nil
}

// UserID returns the user the synchronizer writes for.
func (s *Synchronizer[T]) UserID() string { return s.userID }

// AppKey returns the application key of the synchronized document.
func (s *Synchronizer[T]) AppKey() string { return s.appKey }

// Key returns the queue key of this synchronizer's upserts.
func (s *Synchronizer[T]) Key() string { return s.key }

// Status returns the current sync status.
func (s *Synchronizer[T]) Status() status.Status { return s.tracker.Current() }

// Tracker exposes status change notifications.
func (s *Synchronizer[T]) Tracker() *status.Tracker { return s.tracker }

// IgnoreUntil returns the end of the current echo suppression window.
func (s *Synchronizer[T]) IgnoreUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ignoreUntil
}

// LastAppliedAt returns the server timestamp of the newest record written or applied.
func (s *Synchronizer[T]) LastAppliedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAppliedAt
}

// HydrationOwed reports whether activation happened offline and the initial fetch is still pending.
func (s *Synchronizer[T]) HydrationOwed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchOwed
}

// Activate performs the first fetch. A found record is restored, an absent
// one is seeded from local state. Failures leave the synchronizer hydrated in
// a local-only mode so the host is never blocked.
func (s *Synchronizer[T]) Activate(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.online() {
		s.markHydrated(true)
		s.logger.Info("snapshot hydration deferred until online")
		return
	}
	s.hydrateLocked(ctx)
}

// NotifyChanged records a local mutation. Unchanged content is ignored;
// otherwise the debounce window restarts and the document is re-read when it
// fires.
func (s *Synchronizer[T]) NotifyChanged() {
	if !s.isHydrated() {
		return
	}
	doc, err := s.local.Current()
	if err != nil {
		s.fail(opNotify, err)
		return
	}
	_, hash, err := encodeDocument(doc)
	if err != nil {
		s.fail(opNotify, err)
		return
	}
	if hash == s.targetHash() {
		return
	}
	s.debouncer.Trigger()
}

// SaveNow runs a pending debounced save immediately.
func (s *Synchronizer[T]) SaveNow(ctx context.Context) {
	if s.debouncer.Cancel() {
		s.save(ctx)
	}
}

// Refresh re-fetches the remote record and restores it when it is newer than
// the last applied one. An owed hydration is completed instead when
// activation happened offline.
func (s *Synchronizer[T]) Refresh(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.online() {
		return
	}
	if s.HydrationOwed() {
		s.hydrateLocked(ctx)
		return
	}
	record, found, err := s.remote.FetchSnapshot(ctx, s.userID, s.appKey)
	if err != nil {
		if remote.IsConnectivity(err) {
			s.reportFault(err)
			s.logger.Warn("snapshot refresh skipped", zap.Error(err))
			return
		}
		s.fail(opRefresh, err)
		return
	}
	if !found {
		return
	}
	s.restoreLocked(ctx, record)
}

// ApplyRemote restores a pushed record when it belongs to this synchronizer
// and is newer than the last applied record. It reports whether local state
// was overwritten.
func (s *Synchronizer[T]) ApplyRemote(ctx context.Context, record remote.SnapshotRecord) bool {
	if record.UserID != s.userID || record.AppKey != s.appKey {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.restoreLocked(ctx, record)
}

// QueueEffect returns the replay effect for queued upserts. Operations for
// this synchronizer's key run under the write lock and are skipped when a
// newer document has been written or queued since they were enqueued.
func (s *Synchronizer[T]) QueueEffect() queue.Effect {
	replay := UpsertEffect()
	return func(ctx context.Context, store remote.Store, op queue.Operation) error {
		if op.Key != s.key {
			return replay(ctx, store, op)
		}
		record, err := decodeQueued(op)
		if err != nil {
			return err
		}
		_, hash, err := decodeRecord[T](record)
		if err != nil {
			return remote.NewError(remote.KindUnclassified, opSave, err)
		}

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if s.superseded(hash) {
			s.logger.Debug("superseded snapshot operation skipped", zap.String("operation_id", op.ID))
			return nil
		}
		updatedAt, err := store.UpsertSnapshot(ctx, record)
		if err != nil {
			return err
		}
		s.queuedApplied(hash, updatedAt)
		return nil
	}
}

// Close cancels a pending save and stops background work.
func (s *Synchronizer[T]) Close() {
	s.debouncer.Cancel()
	s.cancel()
}

// UpsertEffect replays a queued snapshot-upsert operation without a live
// synchronizer.
func UpsertEffect() queue.Effect {
	return func(ctx context.Context, store remote.Store, op queue.Operation) error {
		record, err := decodeQueued(op)
		if err != nil {
			return err
		}
		_, err = store.UpsertSnapshot(ctx, record)
		return err
	}
}

func decodeQueued(op queue.Operation) (remote.SnapshotRecord, error) {
	var record remote.SnapshotRecord
	if err := json.Unmarshal(op.Payload, &record); err != nil {
		return remote.SnapshotRecord{}, remote.NewError(remote.KindUnclassified, opSave, fmt.Errorf("decode queued payload: %w", err))
	}
	return record, nil
}

func (s *Synchronizer[T]) hydrateLocked(ctx context.Context) {
	record, found, err := s.remote.FetchSnapshot(ctx, s.userID, s.appKey)
	if err != nil {
		if remote.IsConnectivity(err) {
			s.reportFault(err)
			s.markHydrated(true)
			s.logger.Warn("snapshot fetch failed, hydration deferred", zap.Error(err))
			return
		}
		s.markHydrated(false)
		s.fail(opActivate, err)
		return
	}
	s.markHydrated(false)
	if found {
		s.restoreLocked(ctx, record)
		return
	}
	s.logger.Info("seeding remote snapshot from local state")
	s.writeLocked(ctx)
}

func (s *Synchronizer[T]) save(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.isHydrated() {
		return
	}
	s.writeLocked(ctx)
}

func (s *Synchronizer[T]) writeLocked(ctx context.Context) {
	doc, err := s.local.Current()
	if err != nil {
		s.fail(opSave, err)
		return
	}
	payload, hash, err := encodeDocument(doc)
	if err != nil {
		s.fail(opSave, err)
		return
	}
	if hash == s.targetHash() {
		return
	}
	record := remote.SnapshotRecord{
		UserID:   s.userID,
		AppKey:   s.appKey,
		Version:  doc.Version,
		Snapshot: payload,
	}
	if !s.online() {
		s.enqueue(ctx, record, hash)
		return
	}

	s.tracker.Update(func(st *status.Status) { st.Saving = true })
	updatedAt, err := s.remote.UpsertSnapshot(ctx, record)
	if err != nil {
		if remote.IsConnectivity(err) {
			s.enqueue(ctx, record, hash)
			s.reportFault(err)
			return
		}
		s.fail(opSave, err)
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.lastSavedHash = hash
	s.queuedHash = ""
	if updatedAt.After(s.lastAppliedAt) {
		s.lastAppliedAt = updatedAt
	}
	s.ignoreUntil = now.Add(s.echoWindow)
	s.mu.Unlock()

	if err := s.queue.Remove(ctx, s.key); err != nil {
		s.logger.Warn("superseded snapshot operation not removed", zap.Error(err))
	}
	synced := now.UTC()
	s.tracker.Update(func(st *status.Status) {
		st.Saving = false
		st.Queued = false
		st.Error = ""
		st.LastSyncedAt = &synced
	})
	s.logger.Debug("snapshot saved", zap.Time("updated_at", updatedAt))
}

func (s *Synchronizer[T]) enqueue(ctx context.Context, record remote.SnapshotRecord, hash string) {
	payload, err := json.Marshal(record)
	if err != nil {
		s.fail(opSave, err)
		return
	}
	s.queue.Enqueue(ctx, queue.Operation{
		Kind:    queue.KindSnapshotUpsert,
		Key:     s.key,
		UserID:  s.userID,
		Payload: payload,
	})
	s.mu.Lock()
	s.queuedHash = hash
	s.mu.Unlock()
	s.tracker.Update(func(st *status.Status) {
		st.Saving = false
		st.Queued = true
		st.Error = ""
	})
}

func (s *Synchronizer[T]) restoreLocked(ctx context.Context, record remote.SnapshotRecord) bool {
	s.mu.Lock()
	lastApplied := s.lastAppliedAt
	s.mu.Unlock()
	if !lastApplied.IsZero() && !record.UpdatedAt.After(lastApplied) {
		return false
	}
	doc, hash, err := decodeRecord[T](record)
	if err != nil {
		s.fail(opRestore, err)
		return false
	}
	if hash == s.targetHash() {
		s.advanceApplied(record.UpdatedAt)
		return false
	}
	if err := s.local.Restore(ctx, doc); err != nil {
		s.fail(opRestore, err)
		return false
	}

	s.mu.Lock()
	s.lastSavedHash = hash
	s.queuedHash = ""
	if record.UpdatedAt.After(s.lastAppliedAt) {
		s.lastAppliedAt = record.UpdatedAt
	}
	s.mu.Unlock()

	synced := s.clock.Now().UTC()
	s.tracker.Update(func(st *status.Status) {
		st.Error = ""
		st.LastSyncedAt = &synced
	})
	s.logger.Info("remote snapshot restored", zap.Time("updated_at", record.UpdatedAt))
	return true
}

// superseded reports whether a queued document with hash is older than what
// the synchronizer has since written or queued. A synchronizer that has neither
// saved nor queued anything replays whatever a previous run left behind.
func (s *Synchronizer[T]) superseded(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queuedHash != "" {
		return s.queuedHash != hash
	}
	return s.lastSavedHash != "" && s.lastSavedHash != hash
}

func (s *Synchronizer[T]) queuedApplied(hash string, updatedAt time.Time) {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastSavedHash = hash
	if s.queuedHash == hash {
		s.queuedHash = ""
	}
	if updatedAt.After(s.lastAppliedAt) {
		s.lastAppliedAt = updatedAt
	}
	s.ignoreUntil = now.Add(s.echoWindow)
	s.mu.Unlock()

	synced := now.UTC()
	s.tracker.Update(func(st *status.Status) {
		st.Queued = false
		st.Error = ""
		st.LastSyncedAt = &synced
	})
}

func (s *Synchronizer[T]) advanceApplied(updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if updatedAt.After(s.lastAppliedAt) {
		s.lastAppliedAt = updatedAt
	}
}

// targetHash is the content the remote holds or will hold once the queue flushes.
func (s *Synchronizer[T]) targetHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queuedHash != "" {
		return s.queuedHash
	}
	return s.lastSavedHash
}

func (s *Synchronizer[T]) markHydrated(owed bool) {
	s.mu.Lock()
	s.hydrated = true
	s.fetchOwed = owed
	s.mu.Unlock()
	s.tracker.Update(func(st *status.Status) { st.Hydrated = true })
}

func (s *Synchronizer[T]) isHydrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hydrated
}

func (s *Synchronizer[T]) reportFault(err error) {
	if reporter, ok := s.connectivity.(faultReporter); ok {
		reporter.ReportFault(err)
	}
}

func (s *Synchronizer[T]) online() bool {
	return s.connectivity == nil || s.connectivity.Online()
}

func (s *Synchronizer[T]) fail(operation string, err error) {
	reason := string(remote.KindOf(err))
	s.logger.Error("snapshot sync error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	message := err.Error()
	s.tracker.Update(func(st *status.Status) {
		st.Saving = false
		st.Error = message
	})
}
