package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/queue"
	"gopkg.in/yaml.v3"
)

func sampleOperations() []queue.Operation {
	at := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	return []queue.Operation{
		{
			ID:        "op-1",
			Kind:      queue.KindSnapshotUpsert,
			Key:       queue.SnapshotKey("user-1", "planner"),
			UserID:    "user-1",
			Payload:   json.RawMessage(`{"app_key":"planner","version":"1"}`),
			UpdatedAt: at,
		},
		{
			ID:        "op-2",
			Kind:      queue.KindTaskTableSync,
			Key:       queue.TableKey("task_rows", "user-1"),
			UserID:    "user-1",
			UpdatedAt: at.Add(time.Second),
		},
	}
}

func TestWriteOperationsJSON(t *testing.T) {
	var out bytes.Buffer
	if err := writeOperations(&out, sampleOperations(), "json"); err != nil {
		t.Fatalf("writeOperations: %v", err)
	}
	var decoded []pendingOperation
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Key != "snapshot:user-1:planner" {
		t.Fatalf("unexpected listing %#v", decoded)
	}
	payload, ok := decoded[0].Payload.(map[string]any)
	if !ok || payload["app_key"] != "planner" {
		t.Fatalf("payload not rendered as a document: %#v", decoded[0].Payload)
	}
}

func TestWriteOperationsYAML(t *testing.T) {
	var out bytes.Buffer
	if err := writeOperations(&out, sampleOperations(), "YAML"); err != nil {
		t.Fatalf("writeOperations: %v", err)
	}
	var decoded []map[string]any
	if err := yaml.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(decoded) != 2 || decoded[1]["kind"] != string(queue.KindTaskTableSync) {
		t.Fatalf("unexpected listing %#v", decoded)
	}
	if _, present := decoded[1]["payload"]; present {
		t.Fatalf("empty payload should be omitted")
	}
	if !strings.Contains(out.String(), "app_key: planner") {
		t.Fatalf("expected nested payload in yaml, got:\n%s", out.String())
	}
}

func TestWriteOperationsRejectsUnknownFormat(t *testing.T) {
	if err := writeOperations(&bytes.Buffer{}, nil, "toml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestResourcesCloseInReverseOrder(t *testing.T) {
	var order []string
	res := &resources{}
	res.onClose(func() { order = append(order, "database") })
	res.onClose(func() { order = append(order, "engine") })
	res.Close()
	res.Close()
	if strings.Join(order, ",") != "engine,database" {
		t.Fatalf("unexpected close order %v", order)
	}
}
