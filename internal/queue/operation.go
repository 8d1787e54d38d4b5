package queue

import (
	"encoding/json"
	"time"
)

// Kind identifies the remote target of a queued operation.
type Kind string

const (
	// KindSnapshotUpsert replays a whole-state snapshot upsert.
	KindSnapshotUpsert Kind = "snapshot-upsert"
	// KindTaskTableSync replays a full sync of the task row table.
	KindTaskTableSync Kind = "task-table-full-sync"
	// KindNoteTableSync replays a full sync of the note row table.
	KindNoteTableSync Kind = "note-table-full-sync"
)

// Operation is one pending unit of remote work. Payload carries the full
// data of the operation, never a diff.
type Operation struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Key       string          `json:"key"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SnapshotKey is the dedup key of the snapshot upsert for one user and app.
func SnapshotKey(userID, appKey string) string {
	return "snapshot:" + userID + ":" + appKey
}

// TableKey is the dedup key of the full sync of one user's table.
func TableKey(table, userID string) string {
	return "table:" + table + ":" + userID
}

// StorageKey is the namespaced key holding the persisted queue document.
const StorageKey = "gravity.sync.queue"

const documentVersion = 1

type document struct {
	Version    int                  `json:"version"`
	Operations map[string]Operation `json:"operations"`
}
