// Package remote defines the capability the sync engine consumes from the
// remote relational store: snapshot fetch/upsert, row upsert/insert/delete,
// id selection and a per-user change feed.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// SnapshotTable is the remote table holding one opaque state blob per user and app key.
const SnapshotTable = "app_snapshots"

// SnapshotRecord is the whole client state stored as one opaque unit.
type SnapshotRecord struct {
	UserID    string          `json:"user_id"`
	AppKey    string          `json:"app_key"`
	Version   string          `json:"version"`
	Snapshot  json.RawMessage `json:"snapshot"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TableRef names a normalized row table and the column holding the entity identifier.
type TableRef struct {
	Name     string
	IDColumn string
}

// ConflictKey returns the identity columns used for upsert-by-key.
func (t TableRef) ConflictKey() []string {
	return []string{"user_id", t.IDColumn}
}

// Row is one serialized entity row. Data holds the JSON object sent to the
// remote table; ID duplicates the value of the table's id column.
type Row struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ChangeType enumerates change feed event types.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one change feed notification for the snapshot table.
type ChangeEvent struct {
	Table  string         `json:"table"`
	Type   ChangeType     `json:"type"`
	Record SnapshotRecord `json:"record"`
}

// FeedStatus reports the transport-level state of a change feed subscription.
type FeedStatus string

const (
	FeedConnecting FeedStatus = "connecting"
	FeedSubscribed FeedStatus = "subscribed"
	FeedError      FeedStatus = "error"
	FeedClosed     FeedStatus = "closed"
	FeedDisabled   FeedStatus = "disabled"
)

// SubscribeRequest describes a change feed subscription scoped to one user.
type SubscribeRequest struct {
	Table    string
	UserID   string
	OnEvent  func(ChangeEvent)
	OnStatus func(FeedStatus, error)
}

// Subscription is a live change feed; Close stops delivery.
type Subscription interface {
	Close() error
}

// Store is the remote relational store capability.
type Store interface {
	// FetchSnapshot returns the stored record and whether it exists.
	FetchSnapshot(ctx context.Context, userID, appKey string) (SnapshotRecord, bool, error)
	// UpsertSnapshot writes the record and returns the server-assigned updated_at.
	UpsertSnapshot(ctx context.Context, record SnapshotRecord) (time.Time, error)
	// UpsertRows inserts or updates rows by the table's conflict key.
	UpsertRows(ctx context.Context, table TableRef, userID string, rows []Row) error
	// InsertRows inserts rows without conflict handling.
	InsertRows(ctx context.Context, table TableRef, userID string, rows []Row) error
	// DeleteRows deletes the user's rows whose id is listed.
	DeleteRows(ctx context.Context, table TableRef, userID string, ids []string) error
	// DeleteAllRows deletes every row of the user.
	DeleteAllRows(ctx context.Context, table TableRef, userID string) error
	// SelectIDs lists the ids of the user's rows.
	SelectIDs(ctx context.Context, table TableRef, userID string) ([]string, error)
	// SubscribeChanges opens a change feed filtered to the user's rows.
	SubscribeChanges(ctx context.Context, request SubscribeRequest) (Subscription, error)
}

// Pinger is implemented by stores that can cheaply probe reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
