package statefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/tables"
)

func TestMissingFileReadsAsEmptyState(t *testing.T) {
	file, err := Open(Config{Path: filepath.Join(t.TempDir(), "state.json")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	doc, err := file.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if doc.Version != DefaultVersion {
		t.Fatalf("expected default version, got %q", doc.Version)
	}
	if doc.Value.Tasks == nil || len(doc.Value.Tasks) != 0 {
		t.Fatalf("expected empty task list, got %#v", doc.Value.Tasks)
	}
}

func TestRestoreWritesAtomicallyAndProjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	file, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	updated := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	doc := snapshot.Document[State]{
		Version: "2",
		Value: State{
			Tasks: []tables.TaskRow{{TaskID: "t1", Title: "ship", UpdatedAt: updated}},
			Notes: []tables.NoteRow{{NoteID: "n1", Title: "idea", Pinned: true, UpdatedAt: updated}},
		},
	}
	if err := file.Restore(context.Background(), doc); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the state file, found %d entries", len(entries))
	}

	current, err := file.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current.Version != "2" || len(current.Value.Tasks) != 1 || current.Value.Tasks[0].Title != "ship" {
		t.Fatalf("unexpected document %#v", current)
	}
	notes, err := file.Notes()
	if err != nil || len(notes) != 1 || !notes[0].Pinned {
		t.Fatalf("unexpected notes %#v (%v)", notes, err)
	}
	tasks, err := file.Tasks()
	if err != nil || len(tasks) != 1 || tasks[0].TaskID != "t1" {
		t.Fatalf("unexpected tasks %#v (%v)", tasks, err)
	}
}

func TestWatchReportsExternalEditsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	file, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	changes := make(chan struct{}, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := file.Watch(ctx, func() { changes <- struct{}{} }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := file.Restore(ctx, snapshot.Document[State]{Version: "1"}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	select {
	case <-changes:
		t.Fatalf("a restore must not be reported as an edit")
	case <-time.After(200 * time.Millisecond):
	}

	external := []byte(`{"version":"1","tasks":[{"task_id":"t9","title":"edited by hand"}],"notes":[]}`)
	if err := os.WriteFile(path, external, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected external edit to be reported")
	}
	tasks, err := file.Tasks()
	if err != nil || len(tasks) != 1 || tasks[0].TaskID != "t9" {
		t.Fatalf("unexpected tasks after edit %#v (%v)", tasks, err)
	}
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	file, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := file.Current(); err == nil {
		t.Fatalf("expected decode error")
	}
}
