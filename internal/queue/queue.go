// Package queue implements the durable offline queue: at most one pending
// operation per logical key, persisted across restarts and flushed oldest
// first once connectivity is available.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
)

// DefaultMaxOps caps how many operations one Flush call executes.
const DefaultMaxOps = 50

var (
	// ErrOffline is returned by Flush when the device has no connectivity.
	ErrOffline = errors.New("queue: offline")
	// ErrUnknownKind is returned by Flush when no effect is registered for an operation kind.
	ErrUnknownKind = errors.New("queue: no effect registered for kind")

	errMissingStore = errors.New("queue: local store required")
	noOpLogger      = zap.NewNop()
)

// Effect executes the remote side of a queued operation.
type Effect func(ctx context.Context, store remote.Store, op Operation) error

// Connectivity reports whether the device is online.
type Connectivity interface {
	Online() bool
}

// Config describes the dependencies of a Queue.
type Config struct {
	Store        localstore.Store
	Connectivity Connectivity
	Clock        clock.Clock
	IDProvider   IDProvider
	Logger       *zap.Logger
	// DropHook observes operations lost because local storage rejected the write.
	DropHook func(op Operation, err error)
}

// FlushOptions bounds one flush call.
type FlushOptions struct {
	// UserID restricts the flush to one user's operations; empty flushes all.
	UserID string
	// MaxOps caps the operations executed; zero means DefaultMaxOps.
	MaxOps int
}

// FlushResult reports the outcome of one flush call.
type FlushResult struct {
	Applied   int
	Remaining int
}

// Queue is the durable offline queue.
type Queue struct {
	store        localstore.Store
	connectivity Connectivity
	clock        clock.Clock
	ids          IDProvider
	logger       *zap.Logger
	dropHook     func(Operation, error)

	mu      sync.Mutex
	flushMu sync.Mutex

	effectsMu sync.RWMutex
	effects   map[Kind]Effect

	dropped atomic.Int64
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		store:        cfg.Store,
		connectivity: cfg.Connectivity,
		clock:        timeSource,
		ids:          ids,
		logger:       logger,
		dropHook:     cfg.DropHook,
		effects:      make(map[Kind]Effect),
	}, nil
}

// RegisterEffect binds the remote effect executed for kind during Flush.
func (q *Queue) RegisterEffect(kind Kind, effect Effect) {
	q.effectsMu.Lock()
	defer q.effectsMu.Unlock()
	q.effects[kind] = effect
}

// Enqueue inserts op or replaces the operation already stored at op.Key.
// It never fails: when local storage rejects the write the operation is
// dropped, logged and counted, since in-memory state stays authoritative and
// the next mutation re-enqueues.
func (q *Queue) Enqueue(ctx context.Context, op Operation) Operation {
	op.UpdatedAt = q.clock.Now().UTC()
	id, err := q.ids.NewID()
	if err != nil {
		q.drop(op, fmt.Errorf("queue: issue operation id: %w", err))
		return op
	}
	op.ID = id

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.loadLocked(ctx)
	if err != nil {
		q.drop(op, err)
		return op
	}
	_, replaced := doc.Operations[op.Key]
	doc.Operations[op.Key] = op
	if err := q.saveLocked(ctx, doc); err != nil {
		q.drop(op, err)
		return op
	}
	q.logger.Debug("operation queued",
		zap.String("key", op.Key),
		zap.String("kind", string(op.Kind)),
		zap.Bool("replaced", replaced))
	return op
}

// List returns pending operations ordered oldest first. An empty userID lists every user.
func (q *Queue) List(ctx context.Context, userID string) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	doc, err := q.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	operations := make([]Operation, 0, len(doc.Operations))
	for _, op := range doc.Operations {
		if userID != "" && op.UserID != userID {
			continue
		}
		operations = append(operations, op)
	}
	sort.Slice(operations, func(i, j int) bool {
		if operations[i].UpdatedAt.Equal(operations[j].UpdatedAt) {
			return operations[i].Key < operations[j].Key
		}
		return operations[i].UpdatedAt.Before(operations[j].UpdatedAt)
	})
	return operations, nil
}

// Has reports whether an operation is pending at key.
func (q *Queue) Has(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	doc, err := q.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	_, ok := doc.Operations[key]
	return ok, nil
}

// Remove drops the operation at key, typically because a direct write superseded it.
func (q *Queue) Remove(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	doc, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := doc.Operations[key]; !ok {
		return nil
	}
	delete(doc.Operations, key)
	return q.saveLocked(ctx, doc)
}

// Clear drops every pending operation of userID.
func (q *Queue) Clear(ctx context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	doc, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for key, op := range doc.Operations {
		if op.UserID == userID {
			delete(doc.Operations, key)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	q.logger.Info("queue cleared", zap.String("user_id", userID), zap.Int("removed", removed))
	return q.saveLocked(ctx, doc)
}

// Flush executes pending operations oldest first. It stops at the first
// failure and returns it; operations after the failure stay queued. Each
// operation is removed only after its own effect succeeded, and only if it was
// not replaced by a newer enqueue while the effect ran.
func (q *Queue) Flush(ctx context.Context, store remote.Store, opts FlushOptions) (FlushResult, error) {
	if q.connectivity != nil && !q.connectivity.Online() {
		return FlushResult{}, ErrOffline
	}

	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	operations, err := q.List(ctx, opts.UserID)
	if err != nil {
		return FlushResult{}, err
	}
	maxOps := opts.MaxOps
	if maxOps <= 0 {
		maxOps = DefaultMaxOps
	}

	result := FlushResult{Remaining: len(operations)}
	for index, op := range operations {
		if index >= maxOps {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		effect, ok := q.effect(op.Kind)
		if !ok {
			return result, fmt.Errorf("%w: %s", ErrUnknownKind, op.Kind)
		}
		if err := effect(ctx, store, op); err != nil {
			q.logger.Warn("queued operation failed",
				zap.String("key", op.Key),
				zap.String("kind", string(op.Kind)),
				zap.String("reason", string(remote.KindOf(err))),
				zap.Error(err))
			return result, fmt.Errorf("queue: flush %s: %w", op.Key, err)
		}
		if err := q.removeIfCurrent(ctx, op); err != nil {
			return result, err
		}
		result.Applied++
		result.Remaining--
	}

	if result.Applied > 0 {
		q.logger.Info("queue flushed",
			zap.String("user_id", opts.UserID),
			zap.Int("applied", result.Applied),
			zap.Int("remaining", result.Remaining))
	}
	return result, nil
}

// Dropped reports how many enqueues were lost to local storage failures.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

func (q *Queue) effect(kind Kind) (Effect, bool) {
	q.effectsMu.RLock()
	defer q.effectsMu.RUnlock()
	effect, ok := q.effects[kind]
	return effect, ok
}

func (q *Queue) removeIfCurrent(ctx context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	doc, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	current, ok := doc.Operations[op.Key]
	if !ok || current.ID != op.ID {
		return nil
	}
	delete(doc.Operations, op.Key)
	return q.saveLocked(ctx, doc)
}

func (q *Queue) drop(op Operation, err error) {
	q.dropped.Add(1)
	q.logger.Warn("queue write dropped",
		zap.String("key", op.Key),
		zap.String("kind", string(op.Kind)),
		zap.Error(err))
	if q.dropHook != nil {
		q.dropHook(op, err)
	}
}

func (q *Queue) loadLocked(ctx context.Context) (document, error) {
	empty := document{Version: documentVersion, Operations: make(map[string]Operation)}
	raw, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		return empty, fmt.Errorf("queue: load: %w", err)
	}
	if !ok || raw == "" {
		return empty, nil
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		q.logger.Warn("discarding unreadable queue document", zap.Error(err))
		return empty, nil
	}
	if doc.Version != documentVersion {
		q.logger.Warn("discarding queue document with unknown version", zap.Int("version", doc.Version))
		return empty, nil
	}
	if doc.Operations == nil {
		doc.Operations = make(map[string]Operation)
	}
	return doc, nil
}

func (q *Queue) saveLocked(ctx context.Context, doc document) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := q.store.Put(ctx, StorageKey, string(encoded)); err != nil {
		return fmt.Errorf("queue: save: %w", err)
	}
	return nil
}
