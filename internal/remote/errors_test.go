package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestKindOfClassifiesStructuredAndTransportErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "schema", err: SchemaError("upsert_rows", "task_rows.priority", nil), want: KindSchema},
		{name: "wrapped auth", err: fmt.Errorf("sync: %w", NewError(KindAuth, "fetch_snapshot", nil)), want: KindAuth},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: KindConnectivity},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: KindConnectivity},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "db.example"}, want: KindConnectivity},
		{name: "plain", err: errors.New("fetch failed: timeout"), want: KindUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyKeepsExistingClassification(t *testing.T) {
	original := SchemaError("insert_rows", "note_rows", nil)
	classified := Classify("outer", original)
	var remoteErr *Error
	if !errors.As(classified, &remoteErr) {
		t.Fatalf("expected remote error")
	}
	if remoteErr.Op != "insert_rows" || remoteErr.Element != "note_rows" {
		t.Fatalf("classification should be preserved, got %+v", remoteErr)
	}
	if Classify("noop", nil) != nil {
		t.Fatalf("classifying nil should return nil")
	}
}

func TestErrorMessageNamesElement(t *testing.T) {
	err := SchemaError("upsert_rows", "task_rows.due_at", errors.New("column does not exist"))
	want := "remote upsert_rows: schema (task_rows.due_at): column does not exist"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
