package tables

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/localstore"
)

const (
	flagKeyPrefix   = "gravity.sync.upsert_support:"
	flagUnsupported = "unsupported"
)

var errMissingFlagStore = errors.New("tables: flag store requires a local store")

// FlagKey is the local key recording upsert support of table for userID.
func FlagKey(userID, table string) string {
	return flagKeyPrefix + userID + ":" + table
}

// FlagStore persists which remote tables lack upsert-by-key support, so the
// fallback decision survives restarts. A table marked unsupported stays
// unsupported for the life of the FlagStore until Reset, even when local
// storage fails to read or write the flag.
type FlagStore struct {
	store localstore.Store

	mu          sync.Mutex
	unsupported map[string]bool
}

// NewFlagStore wraps store.
func NewFlagStore(store localstore.Store) (*FlagStore, error) {
	if store == nil {
		return nil, errMissingFlagStore
	}
	return &FlagStore{store: store, unsupported: make(map[string]bool)}, nil
}

// UpsertUnsupported reports whether table was marked as lacking upsert support
// for userID. On a read error it returns the last known value with the error.
func (f *FlagStore) UpsertUnsupported(ctx context.Context, userID, table string) (bool, error) {
	key := FlagKey(userID, table)
	if f.known(key) {
		return true, nil
	}
	value, ok, err := f.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && value == flagUnsupported {
		f.remember(key, true)
		return true, nil
	}
	return false, nil
}

// MarkUnsupported records that table lacks upsert support for userID. The
// mark holds in memory even when persisting it fails.
func (f *FlagStore) MarkUnsupported(ctx context.Context, userID, table string) error {
	key := FlagKey(userID, table)
	f.remember(key, true)
	return f.store.Put(ctx, key, flagUnsupported)
}

// Reset forgets the recorded support of table for userID, so the next sync
// tries the upsert tier again.
func (f *FlagStore) Reset(ctx context.Context, userID, table string) error {
	key := FlagKey(userID, table)
	f.remember(key, false)
	return f.store.Delete(ctx, key)
}

func (f *FlagStore) known(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsupported[key]
}

func (f *FlagStore) remember(key string, unsupported bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if unsupported {
		f.unsupported[key] = true
		return
	}
	delete(f.unsupported, key)
}
