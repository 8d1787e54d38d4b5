// Package statefile hosts the synced state in a JSON file on disk: the file
// is the local state, edits made by other programs are picked up through a
// file watcher, and remote restores rewrite the file atomically.
package statefile

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/tables"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultVersion is the document version written when the file carries none.
const DefaultVersion = "1"

var (
	errMissingPath = errors.New("statefile: path is required")
	noOpLogger     = zap.NewNop()
)

// State is the synced content of the file.
type State struct {
	Tasks    []tables.TaskRow           `json:"tasks"`
	Notes    []tables.NoteRow           `json:"notes"`
	Settings map[string]json.RawMessage `json:"settings,omitempty"`
}

type fileFormat struct {
	Version string `json:"version"`
	State
}

// Config describes a File.
type Config struct {
	Path    string
	Version string
	Logger  *zap.Logger
}

// File is a snapshot.LocalState backed by a JSON file. A missing file reads
// as an empty state.
type File struct {
	path    string
	version string
	logger  *zap.Logger

	mu       sync.Mutex
	lastSeen [sha256.Size]byte
}

// Open prepares a File; the file itself is created on the first restore.
func Open(cfg Config) (*File, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("statefile: resolve path: %w", err)
	}
	version := cfg.Version
	if version == "" {
		version = DefaultVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	f := &File{path: path, version: version, logger: logger}
	if raw, err := os.ReadFile(path); err == nil {
		f.lastSeen = sha256.Sum256(raw)
	}
	return f, nil
}

// Path returns the absolute file path.
func (f *File) Path() string { return f.path }

// Current reads the file.
func (f *File) Current() (snapshot.Document[State], error) {
	format, err := f.read()
	if err != nil {
		return snapshot.Document[State]{}, err
	}
	return snapshot.Document[State]{Version: format.Version, Value: format.State}, nil
}

// Restore replaces the file content with doc through a rename so readers
// never observe a partial write.
func (f *File) Restore(_ context.Context, doc snapshot.Document[State]) error {
	version := doc.Version
	if version == "" {
		version = f.version
	}
	encoded, err := json.MarshalIndent(fileFormat{Version: version, State: doc.Value.normalized()}, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: encode: %w", err)
	}
	encoded = append(encoded, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeAtomic(f.path, encoded); err != nil {
		return err
	}
	f.lastSeen = sha256.Sum256(encoded)
	return nil
}

// Tasks projects the task rows.
func (f *File) Tasks() ([]tables.TaskRow, error) {
	format, err := f.read()
	if err != nil {
		return nil, err
	}
	return format.Tasks, nil
}

// Notes projects the note rows.
func (f *File) Notes() ([]tables.NoteRow, error) {
	format, err := f.read()
	if err != nil {
		return nil, err
	}
	return format.Notes, nil
}

// Watch calls onChange whenever the file content changes by a write other
// than Restore, until ctx is cancelled. The parent directory is watched so
// replacements by rename are seen.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("statefile: create watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("statefile: create directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("statefile: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				if f.changedOnDisk() {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("state file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// changedOnDisk reports whether the file differs from what was last written or observed.
func (f *File) changedOnDisk() bool {
	raw, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.logger.Warn("state file unreadable", zap.Error(err))
		return false
	}
	sum := sha256.Sum256(raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	if sum == f.lastSeen {
		return false
	}
	f.lastSeen = sum
	return true
}

func (f *File) read() (fileFormat, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileFormat{Version: f.version, State: State{}.normalized()}, nil
	}
	if err != nil {
		return fileFormat{}, fmt.Errorf("statefile: read: %w", err)
	}
	var format fileFormat
	if err := json.Unmarshal(raw, &format); err != nil {
		return fileFormat{}, fmt.Errorf("statefile: decode %s: %w", f.path, err)
	}
	if format.Version == "" {
		format.Version = f.version
	}
	format.State = format.State.normalized()
	return format, nil
}

// normalized replaces nil lists with empty ones so a state hashes the same
// whether it came from disk or from the remote.
func (s State) normalized() State {
	if s.Tasks == nil {
		s.Tasks = []tables.TaskRow{}
	}
	if s.Notes == nil {
		s.Notes = []tables.NoteRow{}
	}
	return s
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statefile: create directory: %w", err)
	}
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: create temp file: %w", err)
	}
	tempName := temp.Name()
	defer os.Remove(tempName)

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("statefile: write temp file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("statefile: sync temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("statefile: close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("statefile: replace %s: %w", path, err)
	}
	return nil
}
