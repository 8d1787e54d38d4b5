package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote/httpremote"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (http.Handler, *auth.TokenIssuer) {
	t.Helper()
	secret := []byte("fixture-secret")
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: secret})
	require.NoError(t, err)
	handler, err := NewServer(ServerDependencies{Store: newTaskStore(false), Validator: validator})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret})
	require.NoError(t, err)
	return handler, issuer
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerDependencies{})
	require.ErrorIs(t, err, errMissingStore)
	_, err = NewServer(ServerDependencies{Store: newTaskStore(false)})
	require.ErrorIs(t, err, errMissingValidator)
}

func TestServerRejectsForeignUser(t *testing.T) {
	handler, issuer := newTestServer(t)
	token, _, err := issuer.Issue("owner")
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodGet, "/v1/snapshots/planner?user_id=intruder", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusForbidden, recorder.Code)
	var envelope httpremote.ErrorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpremote.CodeForbidden, envelope.Error.Code)
}

func TestServerReportsSchemaElement(t *testing.T) {
	handler, issuer := newTestServer(t)
	token, _, err := issuer.Issue("owner")
	require.NoError(t, err)

	body := `{"user_id":"owner","id_column":"task_id","rows":[{"id":"t1","data":{"user_id":"owner","task_id":"t1","priority":1}}]}`
	request := httptest.NewRequest(http.MethodPost, "/v1/tables/task_rows/upsert", strings.NewReader(body))
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
	var envelope httpremote.ErrorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Equal(t, httpremote.CodeSchemaMismatch, envelope.Error.Code)
	require.Equal(t, "task_rows.priority", envelope.Error.Element)
}

func TestServerAnswersPreflight(t *testing.T) {
	handler, _ := newTestServer(t)
	request := httptest.NewRequest(http.MethodOptions, "/v1/snapshots/planner", nil)
	request.Header.Set("Origin", "https://app.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusNoContent, recorder.Code)
	require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
}
