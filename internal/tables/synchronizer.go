// Package tables mirrors local entity lists into normalized remote row
// tables, reconciling deletions and falling back to a full replace when the
// remote table cannot upsert by key.
package tables

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

// DefaultDebounceDelay is the quiescence window before a changed row set is synced.
const DefaultDebounceDelay = 900 * time.Millisecond

const (
	opSync   = "tables.sync"
	opNotify = "tables.notify_changed"
	opReplay = "tables.replay"
)

var (
	errMissingUserID = errors.New("tables: user identifier is required")
	errMissingTable  = errors.New("tables: table reference is required")
	errMissingSource = errors.New("tables: row source is required")
	errMissingRemote = errors.New("tables: remote store is required")
	errMissingQueue  = errors.New("tables: queue is required")
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

type faultReporter interface {
	ReportFault(err error) bool
}

// Config describes the dependencies of a Synchronizer.
type Config[R Row] struct {
	UserID        string
	Table         remote.TableRef
	Kind          queue.Kind
	Source        Source[R]
	Remote        remote.Store
	Queue         Queue
	Flags         *FlagStore
	Connectivity  Connectivity
	Clock         clock.Clock
	DebounceDelay time.Duration
	BatchSize     int
	Logger        *zap.Logger
}

// FullSyncPayload is the queued form of a table sync: the entire desired row set.
type FullSyncPayload struct {
	Table    string       `json:"table"`
	IDColumn string       `json:"id_column"`
	Rows     []remote.Row `json:"rows"`
}

// Synchronizer keeps one remote table equal to the projection of a local entity list.
type Synchronizer[R Row] struct {
	userID       string
	table        remote.TableRef
	kind         queue.Kind
	key          string
	source       Source[R]
	remote       remote.Store
	queue        Queue
	connectivity Connectivity
	clock        clock.Clock
	engine       *engine
	logger       *zap.Logger
	tracker      *status.Tracker
	debouncer    *debounce.Debouncer

	lifecycle context.Context
	cancel    context.CancelFunc

	writeMu sync.Mutex

	mu            sync.Mutex
	lastSavedHash string
	queuedHash    string
	lastErr       error
}

// New constructs a Synchronizer.
func New[R Row](cfg Config[R]) (*Synchronizer[R], error) {
	switch {
	case cfg.UserID == "":
		return nil, errMissingUserID
	case cfg.Table.Name == "" || cfg.Table.IDColumn == "":
		return nil, errMissingTable
	case cfg.Source == nil:
		return nil, errMissingSource
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
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	logger = logger.With(zap.String("user_id", cfg.UserID), zap.String("table", cfg.Table.Name))
	lifecycle, cancel := context.WithCancel(context.Background())
	s := &Synchronizer[R]{
		userID:       cfg.UserID,
		table:        cfg.Table,
		kind:         cfg.Kind,
		key:          queue.TableKey(cfg.Table.Name, cfg.UserID),
		source:       cfg.Source,
		remote:       cfg.Remote,
		queue:        cfg.Queue,
		connectivity: cfg.Connectivity,
		clock:        timeSource,
		engine: &engine{
			table:     cfg.Table,
			userID:    cfg.UserID,
			flags:     cfg.Flags,
			batchSize: cfg.BatchSize,
			logger:    logger,
		},
		logger:    logger,
		tracker:   status.NewTracker(),
		lifecycle: lifecycle,
		cancel:    cancel,
	}
	s.debouncer = debounce.New(timeSource, delay, func() {
		s.sync(s.lifecycle)
	})
	return s, nil
}

// Table returns the mirrored table.
func (s *Synchronizer[R]) Table() remote.TableRef { return s.table }

// Key returns the queue key of this table's full-sync operations.
func (s *Synchronizer[R]) Key() string { return s.key }

// Status returns the current sync status.
func (s *Synchronizer[R]) Status() status.Status { return s.tracker.Current() }

// Tracker exposes status change notifications.
func (s *Synchronizer[R]) Tracker() *status.Tracker { return s.tracker }

// LastError returns the failure behind the current status error, if any.
func (s *Synchronizer[R]) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Activate marks the mirror ready and converges it with the current rows.
func (s *Synchronizer[R]) Activate(ctx context.Context) {
	s.tracker.Update(func(st *status.Status) { st.Hydrated = true })
	s.sync(ctx)
}

// NotifyChanged restarts the debounce window when the projected rows changed.
func (s *Synchronizer[R]) NotifyChanged() {
	_, hash, err := s.desired()
	if err != nil {
		s.fail(opNotify, err)
		return
	}
	if hash == s.targetHash() {
		return
	}
	s.debouncer.Trigger()
}

// SaveNow runs a pending debounced sync immediately.
func (s *Synchronizer[R]) SaveNow(ctx context.Context) {
	if s.debouncer.Cancel() {
		s.sync(ctx)
	}
}

// QueueEffect returns the replay effect for queued full syncs. Operations for
// this table's key run under the write lock and are skipped when a newer row
// set has been synced or queued since they were enqueued.
func (s *Synchronizer[R]) QueueEffect() queue.Effect {
	replay := ReplayEffect(s.engine.flags, s.engine.batchSize, s.logger)
	return func(ctx context.Context, store remote.Store, op queue.Operation) error {
		if op.Key != s.key {
			return replay(ctx, store, op)
		}
		payload, err := decodeFullSync(op)
		if err != nil {
			return err
		}
		hash := HashRows(payload.Rows)

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if s.superseded(hash) {
			s.logger.Debug("superseded table operation skipped", zap.String("operation_id", op.ID))
			return nil
		}
		if err := s.engine.apply(ctx, store, payload.Rows); err != nil {
			return err
		}
		s.queuedApplied(hash)
		return nil
	}
}

// Close cancels a pending sync and stops background work.
func (s *Synchronizer[R]) Close() {
	s.debouncer.Cancel()
	s.cancel()
}

// ReplayEffect replays a queued full-sync operation with the same tiered
// algorithm as a live sync, for tables without a live synchronizer.
func ReplayEffect(flags *FlagStore, batchSize int, logger *zap.Logger) queue.Effect {
	if logger == nil {
		logger = noOpLogger
	}
	return func(ctx context.Context, store remote.Store, op queue.Operation) error {
		payload, err := decodeFullSync(op)
		if err != nil {
			return err
		}
		replay := &engine{
			table:     remote.TableRef{Name: payload.Table, IDColumn: payload.IDColumn},
			userID:    op.UserID,
			flags:     flags,
			batchSize: batchSize,
			logger:    logger,
		}
		return replay.apply(ctx, store, payload.Rows)
	}
}

func decodeFullSync(op queue.Operation) (FullSyncPayload, error) {
	var payload FullSyncPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return FullSyncPayload{}, remote.NewError(remote.KindUnclassified, opReplay, fmt.Errorf("decode queued payload: %w", err))
	}
	return payload, nil
}

func (s *Synchronizer[R]) desired() ([]remote.Row, string, error) {
	typed, err := s.source.Rows()
	if err != nil {
		return nil, "", err
	}
	rows, err := EncodeRows(s.table, s.userID, typed)
	if err != nil {
		return nil, "", err
	}
	return rows, HashRows(rows), nil
}

func (s *Synchronizer[R]) sync(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, hash, err := s.desired()
	if err != nil {
		s.fail(opSync, err)
		return
	}
	if hash == s.targetHash() {
		return
	}
	if !s.online() {
		s.enqueue(ctx, rows, hash)
		return
	}

	s.tracker.Update(func(st *status.Status) { st.Saving = true })
	if err := s.engine.apply(ctx, s.remote, rows); err != nil {
		if remote.IsConnectivity(err) {
			s.logger.Warn("table sync deferred to queue", zap.Error(err))
			s.enqueue(ctx, rows, hash)
			if reporter, ok := s.connectivity.(faultReporter); ok {
				reporter.ReportFault(err)
			}
			return
		}
		s.fail(opSync, err)
		return
	}

	s.mu.Lock()
	s.lastSavedHash = hash
	s.queuedHash = ""
	s.lastErr = nil
	s.mu.Unlock()
	if err := s.queue.Remove(ctx, s.key); err != nil {
		s.logger.Warn("superseded table operation not removed", zap.Error(err))
	}
	synced := s.clock.Now().UTC()
	s.tracker.Update(func(st *status.Status) {
		st.Saving = false
		st.Queued = false
		st.Error = ""
		st.LastSyncedAt = &synced
	})
	s.logger.Debug("table synced", zap.Int("rows", len(rows)))
}

func (s *Synchronizer[R]) enqueue(ctx context.Context, rows []remote.Row, hash string) {
	payload, err := json.Marshal(FullSyncPayload{Table: s.table.Name, IDColumn: s.table.IDColumn, Rows: rows})
	if err != nil {
		s.fail(opSync, err)
		return
	}
	s.queue.Enqueue(ctx, queue.Operation{
		Kind:    s.kind,
		Key:     s.key,
		UserID:  s.userID,
		Payload: payload,
	})
	s.mu.Lock()
	s.queuedHash = hash
	s.lastErr = nil
	s.mu.Unlock()
	s.tracker.Update(func(st *status.Status) {
		st.Saving = false
		st.Queued = true
		st.Error = ""
	})
}

// superseded reports whether a queued row set with hash is older than what
// the synchronizer has since synced or queued.
func (s *Synchronizer[R]) superseded(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queuedHash != "" {
		return s.queuedHash != hash
	}
	return s.lastSavedHash != "" && s.lastSavedHash != hash
}

func (s *Synchronizer[R]) queuedApplied(hash string) {
	s.mu.Lock()
	s.lastSavedHash = hash
	if s.queuedHash == hash {
		s.queuedHash = ""
	}
	s.lastErr = nil
	s.mu.Unlock()
	synced := s.clock.Now().UTC()
	s.tracker.Update(func(st *status.Status) {
		st.Queued = false
		st.Error = ""
		st.LastSyncedAt = &synced
	})
}

func (s *Synchronizer[R]) targetHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queuedHash != "" {
		return s.queuedHash
	}
	return s.lastSavedHash
}

func (s *Synchronizer[R]) online() bool {
	return s.connectivity == nil || s.connectivity.Online()
}

func (s *Synchronizer[R]) fail(operation string, err error) {
	s.logger.Error("table sync error",
		zap.String("operation", operation),
		zap.String("reason", string(remote.KindOf(err))),
		zap.Error(err))
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	message := err.Error()
	s.tracker.Update(func(st *status.Status) {
		st.Saving = false
		st.Error = message
	})
}
