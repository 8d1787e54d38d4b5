package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

// Row is a typed projection of one local entity.
type Row interface {
	RowID() string
}

// Source yields the current local rows of one entity family.
type Source[R Row] interface {
	Rows() ([]R, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[R Row] func() ([]R, error)

func (f SourceFunc[R]) Rows() ([]R, error) {
	return f()
}

var (
	// TaskTable mirrors task entities.
	TaskTable = remote.TableRef{Name: "task_rows", IDColumn: "task_id"}
	// NoteTable mirrors note entities.
	NoteTable = remote.TableRef{Name: "note_rows", IDColumn: "note_id"}
)

// TaskRow is the remote projection of a task.
type TaskRow struct {
	TaskID    string     `json:"task_id"`
	Title     string     `json:"title"`
	Completed bool       `json:"completed"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (r TaskRow) RowID() string { return r.TaskID }

// NoteRow is the remote projection of a note.
type NoteRow struct {
	NoteID    string    `json:"note_id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r NoteRow) RowID() string { return r.NoteID }

var (
	errEmptyRowID     = errors.New("tables: row identifier is required")
	errDuplicateRowID = errors.New("tables: duplicate row identifier")
)

// EncodeRows serializes typed rows for table, stamping the user and id
// columns so every row is scoped to userID. Rows are ordered by id.
func EncodeRows[R Row](table remote.TableRef, userID string, rows []R) ([]remote.Row, error) {
	userValue, err := json.Marshal(userID)
	if err != nil {
		return nil, err
	}
	encoded := make([]remote.Row, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		id := row.RowID()
		if id == "" {
			return nil, errEmptyRowID
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateRowID, id)
		}
		seen[id] = struct{}{}

		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("tables: encode row %s: %w", id, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("tables: row %s is not an object: %w", id, err)
		}
		idValue, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		fields["user_id"] = userValue
		fields[table.IDColumn] = idValue
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, remote.Row{ID: id, Data: data})
	}
	sort.Slice(encoded, func(i, j int) bool { return encoded[i].ID < encoded[j].ID })
	return encoded, nil
}

// HashRows fingerprints an encoded row set.
func HashRows(rows []remote.Row) string {
	encoded, _ := json.Marshal(rows)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
