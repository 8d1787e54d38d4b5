package tables

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
)

// DefaultBatchSize bounds the rows sent in one remote request.
const DefaultBatchSize = 200

// SchemaMismatchError reports a remote table or column that does not exist.
// It is an operator fault and is never retried.
type SchemaMismatchError struct {
	Table   string
	Element string
	Err     error
}

func (e *SchemaMismatchError) Error() string {
	element := e.Element
	if element == "" {
		element = e.Table
	}
	return fmt.Sprintf("remote schema mismatch: %s does not exist on table %s; apply the row table migration", element, e.Table)
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// engine runs the tiered sync of one table for one user.
type engine struct {
	table     remote.TableRef
	userID    string
	flags     *FlagStore
	batchSize int
	logger    *zap.Logger
}

// apply makes the remote rows of the user equal rows. The upsert tier is
// skipped once the table is known to lack upsert support; a constraint fault
// during the upsert tier records that and falls through to full replace. An
// unreadable flag keeps the last value the flag store knew.
func (e *engine) apply(ctx context.Context, store remote.Store, rows []remote.Row) error {
	unsupported := false
	if e.flags != nil {
		flagged, err := e.flags.UpsertUnsupported(ctx, e.userID, e.table.Name)
		if err != nil {
			e.logger.Warn("upsert support flag unreadable", zap.Error(err))
		}
		unsupported = flagged
	}

	if !unsupported {
		err := e.upsertTier(ctx, store, rows)
		if err == nil {
			return nil
		}
		if remote.KindOf(err) != remote.KindConstraint {
			return e.classify(err)
		}
		e.logger.Warn("remote table lacks upsert support, falling back to full replace",
			zap.String("table", e.table.Name),
			zap.Error(err))
		if e.flags != nil {
			if err := e.flags.MarkUnsupported(ctx, e.userID, e.table.Name); err != nil {
				e.logger.Warn("upsert support flag not persisted", zap.Error(err))
			}
		}
	}
	return e.classify(e.replaceTier(ctx, store, rows))
}

func (e *engine) upsertTier(ctx context.Context, store remote.Store, rows []remote.Row) error {
	for _, batch := range batches(rows, e.batchSize) {
		if err := store.UpsertRows(ctx, e.table, e.userID, batch); err != nil {
			return err
		}
	}

	remoteIDs, err := store.SelectIDs(ctx, e.table, e.userID)
	if err != nil {
		return err
	}
	desired := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		desired[row.ID] = struct{}{}
	}
	stale := make([]string, 0)
	for _, id := range remoteIDs {
		if _, ok := desired[id]; !ok {
			stale = append(stale, id)
		}
	}
	for _, batch := range batches(stale, e.batchSize) {
		if err := store.DeleteRows(ctx, e.table, e.userID, batch); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		e.logger.Debug("reconciled remote rows", zap.String("table", e.table.Name), zap.Int("deleted", len(stale)))
	}
	return nil
}

func (e *engine) replaceTier(ctx context.Context, store remote.Store, rows []remote.Row) error {
	if err := store.DeleteAllRows(ctx, e.table, e.userID); err != nil {
		return err
	}
	for _, batch := range batches(rows, e.batchSize) {
		if err := store.InsertRows(ctx, e.table, e.userID, batch); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) classify(err error) error {
	if err == nil {
		return nil
	}
	if remote.KindOf(err) != remote.KindSchema {
		return err
	}
	mismatch := &SchemaMismatchError{Table: e.table.Name, Err: err}
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		mismatch.Element = remoteErr.Element
	}
	return mismatch
}
