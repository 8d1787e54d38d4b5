package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

// Document is the local state of one application key together with its
// schema-evolution marker.
type Document[T any] struct {
	Version string
	Value   T
}

// LocalState is the host-side collaborator owning the working state.
type LocalState[T any] interface {
	// Current returns the state as of now.
	Current() (Document[T], error)
	// Restore overwrites the local state with a remote document.
	Restore(ctx context.Context, doc Document[T]) error
}

type hashedPayload struct {
	Version  string          `json:"version"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func encodeDocument[T any](doc Document[T]) (json.RawMessage, string, error) {
	encoded, err := json.Marshal(doc.Value)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot: encode: %w", err)
	}
	return encoded, contentHash(doc.Version, encoded), nil
}

// decodeRecord parses the opaque snapshot into T and hashes its canonical
// re-encoding, so a remote blob whose key order differs from ours still
// compares equal to the local state it restores.
func decodeRecord[T any](record remote.SnapshotRecord) (Document[T], string, error) {
	var value T
	if len(record.Snapshot) > 0 {
		if err := json.Unmarshal(record.Snapshot, &value); err != nil {
			return Document[T]{}, "", fmt.Errorf("snapshot: decode: %w", err)
		}
	}
	doc := Document[T]{Version: record.Version, Value: value}
	_, hash, err := encodeDocument(doc)
	if err != nil {
		return Document[T]{}, "", err
	}
	return doc, hash, nil
}

func contentHash(version string, snapshot json.RawMessage) string {
	encoded, _ := json.Marshal(hashedPayload{Version: version, Snapshot: snapshot})
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
