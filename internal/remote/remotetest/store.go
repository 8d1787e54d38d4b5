// Package remotetest provides an in-memory remote store double with schema
// validation, fault injection and a change feed, plus a gin fixture server
// exposing it over HTTP for adapter tests.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

// Operation names used for fault injection and call accounting.
const (
	OpFetchSnapshot  = "fetch_snapshot"
	OpUpsertSnapshot = "upsert_snapshot"
	OpUpsertRows     = "upsert_rows"
	OpInsertRows     = "insert_rows"
	OpDeleteRows     = "delete_rows"
	OpDeleteAllRows  = "delete_all_rows"
	OpSelectIDs      = "select_ids"
	OpSubscribe      = "subscribe_changes"
)

// TableSchema describes a remote row table.
type TableSchema struct {
	Name     string
	IDColumn string
	Columns  []string
	// MissingConstraint simulates a table without a unique (user_id, id) constraint.
	MissingConstraint bool
}

// Call records one remote invocation.
type Call struct {
	Op    string
	Table string
	Rows  int
}

type table struct {
	schema  TableSchema
	columns map[string]bool
	rows    map[string]map[string]json.RawMessage
}

type subscriber struct {
	id      int
	request remote.SubscribeRequest
}

// Store is an in-memory remote.Store.
type Store struct {
	mu          sync.Mutex
	deliverMu   sync.Mutex
	clock       clock.Clock
	snapshots   map[string]remote.SnapshotRecord
	tables      map[string]*table
	oneShot     map[string][]error
	persistent  map[string]error
	calls       []Call
	subscribers map[int]subscriber
	nextSubID   int
	pending     []remote.ChangeEvent
	autoDeliver bool
	dispatcher  *Dispatcher
}

// NewStore builds a store with the provided table schemas.
func NewStore(timeSource clock.Clock, schemas ...TableSchema) *Store {
	if timeSource == nil {
		timeSource = clock.Real()
	}
	store := &Store{
		clock:       timeSource,
		snapshots:   make(map[string]remote.SnapshotRecord),
		tables:      make(map[string]*table),
		oneShot:     make(map[string][]error),
		persistent:  make(map[string]error),
		subscribers: make(map[int]subscriber),
		dispatcher:  NewDispatcher(),
	}
	for _, schema := range schemas {
		store.AddTable(schema)
	}
	return store
}

// AddTable creates or replaces a table.
func (s *Store) AddTable(schema TableSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	columns := make(map[string]bool, len(schema.Columns))
	for _, column := range schema.Columns {
		columns[column] = true
	}
	s.tables[schema.Name] = &table{
		schema:  schema,
		columns: columns,
		rows:    make(map[string]map[string]json.RawMessage),
	}
}

// SetAutoDeliver makes change events deliver in the background as soon as
// they are produced instead of waiting for Deliver.
func (s *Store) SetAutoDeliver(enabled bool) {
	s.mu.Lock()
	s.autoDeliver = enabled
	s.mu.Unlock()
	if enabled {
		s.Deliver()
	}
}

// FailNext makes the next call of op fail with err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneShot[op] = append(s.oneShot[op], err)
}

// SetFault makes every call of op fail with err until cleared with a nil err.
func (s *Store) SetFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.persistent, op)
		return
	}
	s.persistent[op] = err
}

// Calls returns every recorded call.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts recorded calls of op.
func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, call := range s.calls {
		if call.Op == op {
			count++
		}
	}
	return count
}

// ResetCalls forgets recorded calls.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Snapshot returns the stored record for user and app key.
func (s *Store) Snapshot(userID, appKey string) (remote.SnapshotRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.snapshots[snapshotKey(userID, appKey)]
	return record, ok
}

// RowIDs returns the sorted ids stored for user in tableName.
func (s *Store) RowIDs(tableName, userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	return sortedIDs(t.rows[userID])
}

// Row returns one stored row.
func (s *Store) Row(tableName, userID, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[userID][id]
	return row, ok
}

// Dispatcher exposes the channel-based fan-out used by the fixture server.
func (s *Store) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Deliver hands every buffered change event to subscribers.
func (s *Store) Deliver() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		event := s.pending[0]
		s.pending = s.pending[1:]
		targets := make([]subscriber, 0, len(s.subscribers))
		for _, sub := range s.subscribers {
			if sub.request.Table == event.Table && sub.request.UserID == event.Record.UserID {
				targets = append(targets, sub)
			}
		}
		s.mu.Unlock()

		sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
		for _, target := range targets {
			if target.request.OnEvent != nil {
				target.request.OnEvent(event)
			}
		}
		s.dispatcher.Publish(event)
	}
}

func (s *Store) FetchSnapshot(_ context.Context, userID, appKey string) (remote.SnapshotRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(OpFetchSnapshot, remote.SnapshotTable, 0); err != nil {
		return remote.SnapshotRecord{}, false, err
	}
	record, ok := s.snapshots[snapshotKey(userID, appKey)]
	return record, ok, nil
}

func (s *Store) UpsertSnapshot(_ context.Context, record remote.SnapshotRecord) (time.Time, error) {
	s.mu.Lock()
	if err := s.beginLocked(OpUpsertSnapshot, remote.SnapshotTable, 1); err != nil {
		s.mu.Unlock()
		return time.Time{}, err
	}
	updatedAt := s.writeSnapshotLocked(record)
	autoDeliver := s.autoDeliver
	s.mu.Unlock()
	if autoDeliver {
		go s.Deliver()
	}
	return updatedAt, nil
}

// PutSnapshot writes a record as another client would, producing a change event.
func (s *Store) PutSnapshot(record remote.SnapshotRecord) time.Time {
	s.mu.Lock()
	updatedAt := s.writeSnapshotLocked(record)
	autoDeliver := s.autoDeliver
	s.mu.Unlock()
	if autoDeliver {
		go s.Deliver()
	}
	return updatedAt
}

func (s *Store) UpsertRows(_ context.Context, ref remote.TableRef, userID string, rows []remote.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(OpUpsertRows, ref.Name, len(rows)); err != nil {
		return err
	}
	t, err := s.validateRowsLocked(OpUpsertRows, ref, rows)
	if err != nil {
		return err
	}
	if t.schema.MissingConstraint {
		return remote.NewError(remote.KindConstraint, OpUpsertRows,
			errors.New("there is no unique or exclusion constraint matching the ON CONFLICT specification"))
	}
	t.storeLocked(userID, rows)
	return nil
}

func (s *Store) InsertRows(_ context.Context, ref remote.TableRef, userID string, rows []remote.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(OpInsertRows, ref.Name, len(rows)); err != nil {
		return err
	}
	t, err := s.validateRowsLocked(OpInsertRows, ref, rows)
	if err != nil {
		return err
	}
	t.storeLocked(userID, rows)
	return nil
}

func (s *Store) DeleteRows(_ context.Context, ref remote.TableRef, userID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(OpDeleteRows, ref.Name, len(ids)); err != nil {
		return err
	}
	t, err := s.tableLocked(OpDeleteRows, ref)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(t.rows[userID], id)
	}
	return nil
}

func (s *Store) DeleteAllRows(_ context.Context, ref remote.TableRef, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(OpDeleteAllRows, ref.Name, 0); err != nil {
		return err
	}
	t, err := s.tableLocked(OpDeleteAllRows, ref)
	if err != nil {
		return err
	}
	delete(t.rows, userID)
	return nil
}

func (s *Store) SelectIDs(_ context.Context, ref remote.TableRef, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(OpSelectIDs, ref.Name, 0); err != nil {
		return nil, err
	}
	t, err := s.tableLocked(OpSelectIDs, ref)
	if err != nil {
		return nil, err
	}
	return sortedIDs(t.rows[userID]), nil
}

func (s *Store) SubscribeChanges(_ context.Context, request remote.SubscribeRequest) (remote.Subscription, error) {
	s.mu.Lock()
	if err := s.beginLocked(OpSubscribe, request.Table, 0); err != nil {
		s.mu.Unlock()
		if request.OnStatus != nil {
			request.OnStatus(remote.FeedError, err)
		}
		return nil, err
	}
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = subscriber{id: id, request: request}
	s.mu.Unlock()

	if request.OnStatus != nil {
		request.OnStatus(remote.FeedSubscribed, nil)
	}
	return &subscription{store: s, id: id, onStatus: request.OnStatus}, nil
}

// Ping always succeeds unless a fault is injected for "ping".
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked("ping", "", 0)
}

type subscription struct {
	store    *Store
	id       int
	once     sync.Once
	onStatus func(remote.FeedStatus, error)
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subscribers, sub.id)
		sub.store.mu.Unlock()
		if sub.onStatus != nil {
			sub.onStatus(remote.FeedClosed, nil)
		}
	})
	return nil
}

func (s *Store) beginLocked(op, tableName string, rows int) error {
	s.calls = append(s.calls, Call{Op: op, Table: tableName, Rows: rows})
	if queued := s.oneShot[op]; len(queued) > 0 {
		s.oneShot[op] = queued[1:]
		return queued[0]
	}
	return s.persistent[op]
}

func (s *Store) writeSnapshotLocked(record remote.SnapshotRecord) time.Time {
	key := snapshotKey(record.UserID, record.AppKey)
	previous, existed := s.snapshots[key]
	updatedAt := s.clock.Now().UTC()
	if existed && !updatedAt.After(previous.UpdatedAt) {
		updatedAt = previous.UpdatedAt.Add(time.Millisecond)
	}
	record.UpdatedAt = updatedAt
	record.Snapshot = append(json.RawMessage(nil), record.Snapshot...)
	s.snapshots[key] = record

	changeType := remote.ChangeInsert
	if existed {
		changeType = remote.ChangeUpdate
	}
	s.pending = append(s.pending, remote.ChangeEvent{
		Table:  remote.SnapshotTable,
		Type:   changeType,
		Record: record,
	})
	return updatedAt
}

func (s *Store) tableLocked(op string, ref remote.TableRef) (*table, error) {
	t, ok := s.tables[ref.Name]
	if !ok {
		return nil, remote.SchemaError(op, ref.Name, errors.New("relation does not exist"))
	}
	if ref.IDColumn != "" && !t.columns[ref.IDColumn] {
		return nil, remote.SchemaError(op, ref.Name+"."+ref.IDColumn, errors.New("column does not exist"))
	}
	return t, nil
}

func (s *Store) validateRowsLocked(op string, ref remote.TableRef, rows []remote.Row) (*table, error) {
	t, err := s.tableLocked(op, ref)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(row.Data, &fields); err != nil {
			return nil, remote.NewError(remote.KindUnclassified, op, err)
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !t.columns[name] {
				return nil, remote.SchemaError(op, ref.Name+"."+name, errors.New("column does not exist"))
			}
		}
	}
	return t, nil
}

func (t *table) storeLocked(userID string, rows []remote.Row) {
	if t.rows[userID] == nil {
		t.rows[userID] = make(map[string]json.RawMessage)
	}
	for _, row := range rows {
		t.rows[userID][row.ID] = append(json.RawMessage(nil), row.Data...)
	}
}

func snapshotKey(userID, appKey string) string {
	return userID + "\x00" + appKey
}

func sortedIDs(rows map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
