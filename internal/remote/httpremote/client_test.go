package httpremote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote/httpremote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote/remotetest"
	"github.com/stretchr/testify/require"
)

const (
	testUserID = "user-http"
	testAppKey = "planner"
)

var (
	testSecret = []byte("http-remote-secret")
	taskTable  = remote.TableRef{Name: "task_rows", IDColumn: "task_id"}
)

type fixture struct {
	store  *remotetest.Store
	server *httptest.Server
	issuer *auth.TokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := remotetest.NewStore(nil, remotetest.TableSchema{
		Name:     "task_rows",
		IDColumn: "task_id",
		Columns:  []string{"user_id", "task_id", "title"},
	})
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: testSecret})
	require.NoError(t, err)
	handler, err := remotetest.NewServer(remotetest.ServerDependencies{Store: store, Validator: validator})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: testSecret})
	require.NoError(t, err)
	return &fixture{store: store, server: server, issuer: issuer}
}

func (f *fixture) client(t *testing.T, userID string) *httpremote.Client {
	t.Helper()
	token, _, err := f.issuer.Issue(userID)
	require.NoError(t, err)
	client, err := httpremote.New(httpremote.Config{
		BaseURL:        f.server.URL,
		Tokens:         auth.StaticToken(token),
		HTTPClient:     f.server.Client(),
		ReconnectDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func taskRow(id, title string) remote.Row {
	data, _ := json.Marshal(map[string]string{"user_id": testUserID, "task_id": id, "title": title})
	return remote.Row{ID: id, Data: data}
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	client := f.client(t, testUserID)
	ctx := context.Background()

	_, found, err := client.FetchSnapshot(ctx, testUserID, testAppKey)
	require.NoError(t, err)
	require.False(t, found)

	updatedAt, err := client.UpsertSnapshot(ctx, remote.SnapshotRecord{
		UserID:   testUserID,
		AppKey:   testAppKey,
		Version:  "3",
		Snapshot: json.RawMessage(`{"title":"remote"}`),
	})
	require.NoError(t, err)
	require.False(t, updatedAt.IsZero())

	record, found, err := client.FetchSnapshot(ctx, testUserID, testAppKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "3", record.Version)
	require.JSONEq(t, `{"title":"remote"}`, string(record.Snapshot))
	require.True(t, record.UpdatedAt.Equal(updatedAt))
}

func TestRowOperations(t *testing.T) {
	f := newFixture(t)
	client := f.client(t, testUserID)
	ctx := context.Background()

	require.NoError(t, client.UpsertRows(ctx, taskTable, testUserID, []remote.Row{taskRow("t1", "a"), taskRow("t2", "b")}))
	require.NoError(t, client.InsertRows(ctx, taskTable, testUserID, []remote.Row{taskRow("t3", "c")}))

	ids, err := client.SelectIDs(ctx, taskTable, testUserID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"t1", "t2", "t3"}, ids)

	require.NoError(t, client.DeleteRows(ctx, taskTable, testUserID, []string{"t2"}))
	require.Equal(t, []string{"t1", "t3"}, f.store.RowIDs("task_rows", testUserID))

	require.NoError(t, client.DeleteAllRows(ctx, taskTable, testUserID))
	require.Empty(t, f.store.RowIDs("task_rows", testUserID))
	require.NoError(t, client.Ping(ctx))
}

func TestErrorClassification(t *testing.T) {
	f := newFixture(t)
	client := f.client(t, testUserID)
	ctx := context.Background()

	err := client.UpsertRows(ctx, remote.TableRef{Name: "missing_rows", IDColumn: "id"}, testUserID, []remote.Row{taskRow("t1", "a")})
	require.Equal(t, remote.KindSchema, remote.KindOf(err))
	var remoteErr *remote.Error
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, "missing_rows", remoteErr.Element)

	f.store.AddTable(remotetest.TableSchema{Name: "task_rows", IDColumn: "task_id", Columns: []string{"user_id", "task_id", "title"}, MissingConstraint: true})
	err = client.UpsertRows(ctx, taskTable, testUserID, []remote.Row{taskRow("t1", "a")})
	require.Equal(t, remote.KindConstraint, remote.KindOf(err))

	f.store.FailNext(remotetest.OpFetchSnapshot, remote.NewError(remote.KindConnectivity, remotetest.OpFetchSnapshot, errors.New("database restarting")))
	_, _, err = client.FetchSnapshot(ctx, testUserID, testAppKey)
	require.True(t, remote.IsConnectivity(err))

	f.store.FailNext(remotetest.OpSelectIDs, errors.New("boom"))
	_, err = client.SelectIDs(ctx, taskTable, testUserID)
	require.Equal(t, remote.KindUnclassified, remote.KindOf(err))
}

func TestAuthFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anonymous, err := httpremote.New(httpremote.Config{BaseURL: f.server.URL, HTTPClient: f.server.Client()})
	require.NoError(t, err)
	_, _, err = anonymous.FetchSnapshot(ctx, testUserID, testAppKey)
	require.Equal(t, remote.KindAuth, remote.KindOf(err))

	intruder := f.client(t, "someone-else")
	_, _, err = intruder.FetchSnapshot(ctx, testUserID, testAppKey)
	require.Equal(t, remote.KindAuth, remote.KindOf(err))

	expiredIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: testSecret,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return time.Now().Add(-time.Hour) },
	})
	require.NoError(t, err)
	expired, _, err := expiredIssuer.Issue(testUserID)
	require.NoError(t, err)
	client, err := httpremote.New(httpremote.Config{
		BaseURL:    f.server.URL,
		Tokens:     auth.CheckExpiry(auth.StaticToken(expired), nil),
		HTTPClient: f.server.Client(),
	})
	require.NoError(t, err)
	_, err = client.UpsertSnapshot(ctx, remote.SnapshotRecord{UserID: testUserID, AppKey: testAppKey, Snapshot: json.RawMessage(`{}`)})
	require.Equal(t, remote.KindAuth, remote.KindOf(err))
	require.ErrorIs(t, err, auth.ErrSessionExpired)
	require.Zero(t, f.store.CallCount(remotetest.OpUpsertSnapshot))
}

func TestUnreachableServerIsConnectivityFault(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL
	server.Close()

	client, err := httpremote.New(httpremote.Config{BaseURL: target})
	require.NoError(t, err)
	_, _, err = client.FetchSnapshot(context.Background(), testUserID, testAppKey)
	require.True(t, remote.IsConnectivity(err))
}

type feedRecorder struct {
	mu       sync.Mutex
	events   []remote.ChangeEvent
	statuses []remote.FeedStatus
}

func (r *feedRecorder) onEvent(event remote.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *feedRecorder) onStatus(status remote.FeedStatus, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *feedRecorder) lastStatus() remote.FeedStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *feedRecorder) received() []remote.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.ChangeEvent(nil), r.events...)
}

func TestChangeFeedDeliversUserEvents(t *testing.T) {
	f := newFixture(t)
	f.store.SetAutoDeliver(true)
	client := f.client(t, testUserID)

	recorder := &feedRecorder{}
	subscription, err := client.SubscribeChanges(context.Background(), remote.SubscribeRequest{
		Table:    remote.SnapshotTable,
		UserID:   testUserID,
		OnEvent:  recorder.onEvent,
		OnStatus: recorder.onStatus,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return recorder.lastStatus() == remote.FeedSubscribed && f.store.Dispatcher().Subscribers(testUserID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.store.PutSnapshot(remote.SnapshotRecord{UserID: "someone-else", AppKey: testAppKey, Snapshot: json.RawMessage(`{"n":0}`)})
	f.store.PutSnapshot(remote.SnapshotRecord{UserID: testUserID, AppKey: testAppKey, Snapshot: json.RawMessage(`{"n":1}`)})

	require.Eventually(t, func() bool { return len(recorder.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	event := recorder.received()[0]
	require.Equal(t, remote.SnapshotTable, event.Table)
	require.Equal(t, testUserID, event.Record.UserID)
	require.JSONEq(t, `{"n":1}`, string(event.Record.Snapshot))

	require.NoError(t, subscription.Close())
	require.Equal(t, remote.FeedClosed, recorder.lastStatus())
}

func TestChangeFeedStopsOnAuthFailure(t *testing.T) {
	f := newFixture(t)
	anonymous, err := httpremote.New(httpremote.Config{BaseURL: f.server.URL, HTTPClient: f.server.Client(), ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	recorder := &feedRecorder{}
	subscription, err := anonymous.SubscribeChanges(context.Background(), remote.SubscribeRequest{
		Table:    remote.SnapshotTable,
		UserID:   testUserID,
		OnStatus: recorder.onStatus,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return recorder.lastStatus() == remote.FeedError }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, subscription.Close())
	require.Equal(t, remote.FeedError, recorder.lastStatus())
}
