package httpremote

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

// Error codes carried in error responses.
const (
	CodeNotFound          = "not_found"
	CodeSchemaMismatch    = "schema_mismatch"
	CodeMissingConstraint = "missing_constraint"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeUnavailable       = "unavailable"
	CodeInvalidRequest    = "invalid_request"
	CodeInternal          = "internal"
)

// ErrorBody is the payload of every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Element string `json:"element,omitempty"`
}

// ErrorEnvelope wraps ErrorBody.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// UpsertSnapshotResponse returns the server-assigned timestamp.
type UpsertSnapshotResponse struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// RowsRequest carries rows for upsert and insert.
type RowsRequest struct {
	UserID   string       `json:"user_id"`
	IDColumn string       `json:"id_column"`
	Rows     []remote.Row `json:"rows"`
}

// DeleteRequest carries the ids to delete.
type DeleteRequest struct {
	UserID   string   `json:"user_id"`
	IDColumn string   `json:"id_column"`
	IDs      []string `json:"ids,omitempty"`
}

// IDsResponse lists row identifiers.
type IDsResponse struct {
	IDs []string `json:"ids"`
}

func classifyResponse(op string, status int, body ErrorBody) error {
	cause := fmt.Errorf("http %d %s: %s", status, body.Code, body.Message)
	switch body.Code {
	case CodeSchemaMismatch:
		return remote.SchemaError(op, body.Element, cause)
	case CodeMissingConstraint:
		return remote.NewError(remote.KindConstraint, op, cause)
	case CodeUnauthorized, CodeForbidden:
		return remote.NewError(remote.KindAuth, op, cause)
	case CodeUnavailable:
		return remote.NewError(remote.KindConnectivity, op, cause)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return remote.NewError(remote.KindAuth, op, cause)
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return remote.NewError(remote.KindConnectivity, op, cause)
	}
	return remote.NewError(remote.KindUnclassified, op, cause)
}
