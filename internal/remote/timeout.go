package remote

import (
	"context"
	"time"
)

// DefaultCallTimeout bounds every remote call made through WithTimeout.
const DefaultCallTimeout = 15 * time.Second

// WithTimeout wraps store so each call runs under a bounded deadline. An
// expired deadline surfaces as a connectivity fault. Subscriptions are not
// bounded since they are long-lived.
func WithTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &timeoutStore{inner: store, timeout: timeout}
}

type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

func (s *timeoutStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *timeoutStore) FetchSnapshot(ctx context.Context, userID, appKey string) (SnapshotRecord, bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	record, found, err := s.inner.FetchSnapshot(ctx, userID, appKey)
	return record, found, Classify("fetch_snapshot", err)
}

func (s *timeoutStore) UpsertSnapshot(ctx context.Context, record SnapshotRecord) (time.Time, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	updatedAt, err := s.inner.UpsertSnapshot(ctx, record)
	return updatedAt, Classify("upsert_snapshot", err)
}

func (s *timeoutStore) UpsertRows(ctx context.Context, table TableRef, userID string, rows []Row) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return Classify("upsert_rows", s.inner.UpsertRows(ctx, table, userID, rows))
}

func (s *timeoutStore) InsertRows(ctx context.Context, table TableRef, userID string, rows []Row) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return Classify("insert_rows", s.inner.InsertRows(ctx, table, userID, rows))
}

func (s *timeoutStore) DeleteRows(ctx context.Context, table TableRef, userID string, ids []string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return Classify("delete_rows", s.inner.DeleteRows(ctx, table, userID, ids))
}

func (s *timeoutStore) DeleteAllRows(ctx context.Context, table TableRef, userID string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return Classify("delete_all_rows", s.inner.DeleteAllRows(ctx, table, userID))
}

func (s *timeoutStore) SelectIDs(ctx context.Context, table TableRef, userID string) ([]string, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	ids, err := s.inner.SelectIDs(ctx, table, userID)
	return ids, Classify("select_ids", err)
}

func (s *timeoutStore) SubscribeChanges(ctx context.Context, request SubscribeRequest) (Subscription, error) {
	subscription, err := s.inner.SubscribeChanges(ctx, request)
	return subscription, Classify("subscribe_changes", err)
}

func (s *timeoutStore) Ping(ctx context.Context) error {
	pinger, ok := s.inner.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return Classify("ping", pinger.Ping(ctx))
}
