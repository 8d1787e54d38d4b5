// Package httpremote talks to a remote store exposed as a JSON REST API with
// a websocket change feed.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	maxErrorBodyBytes        = 64 << 10
)

var (
	errMissingBaseURL = errors.New("httpremote: base url is required")
	noOpLogger        = zap.NewNop()
)

// Config describes a Client.
type Config struct {
	BaseURL           string
	Tokens            auth.TokenSource
	HTTPClient        *http.Client
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            *zap.Logger
}

// Client implements remote.Store over HTTP.
type Client struct {
	baseURL           *url.URL
	tokens            auth.TokenSource
	httpClient        *http.Client
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	logger            *zap.Logger
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpremote: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = auth.StaticToken("")
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	maxReconnectDelay := cfg.MaxReconnectDelay
	if maxReconnectDelay < reconnectDelay {
		maxReconnectDelay = defaultMaxReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:           base,
		tokens:            tokens,
		httpClient:        httpClient,
		reconnectDelay:    reconnectDelay,
		maxReconnectDelay: maxReconnectDelay,
		logger:            logger,
	}, nil
}

func (c *Client) FetchSnapshot(ctx context.Context, userID, appKey string) (remote.SnapshotRecord, bool, error) {
	var record remote.SnapshotRecord
	query := url.Values{"user_id": {userID}}
	err := c.do(ctx, "fetch_snapshot", http.MethodGet, "/v1/snapshots/"+appKey, query, nil, &record)
	var notFound *notFoundError
	if errors.As(err, &notFound) {
		return remote.SnapshotRecord{}, false, nil
	}
	if err != nil {
		return remote.SnapshotRecord{}, false, err
	}
	return record, true, nil
}

func (c *Client) UpsertSnapshot(ctx context.Context, record remote.SnapshotRecord) (time.Time, error) {
	var response UpsertSnapshotResponse
	err := c.do(ctx, "upsert_snapshot", http.MethodPut, "/v1/snapshots/"+record.AppKey, nil, record, &response)
	if err != nil {
		return time.Time{}, err
	}
	return response.UpdatedAt, nil
}

func (c *Client) UpsertRows(ctx context.Context, table remote.TableRef, userID string, rows []remote.Row) error {
	body := RowsRequest{UserID: userID, IDColumn: table.IDColumn, Rows: rows}
	return c.do(ctx, "upsert_rows", http.MethodPost, tablePath(table, "upsert"), nil, body, nil)
}

func (c *Client) InsertRows(ctx context.Context, table remote.TableRef, userID string, rows []remote.Row) error {
	body := RowsRequest{UserID: userID, IDColumn: table.IDColumn, Rows: rows}
	return c.do(ctx, "insert_rows", http.MethodPost, tablePath(table, "insert"), nil, body, nil)
}

func (c *Client) DeleteRows(ctx context.Context, table remote.TableRef, userID string, ids []string) error {
	body := DeleteRequest{UserID: userID, IDColumn: table.IDColumn, IDs: ids}
	return c.do(ctx, "delete_rows", http.MethodPost, tablePath(table, "delete"), nil, body, nil)
}

func (c *Client) DeleteAllRows(ctx context.Context, table remote.TableRef, userID string) error {
	body := DeleteRequest{UserID: userID, IDColumn: table.IDColumn}
	return c.do(ctx, "delete_all_rows", http.MethodPost, tablePath(table, "delete_all"), nil, body, nil)
}

func (c *Client) SelectIDs(ctx context.Context, table remote.TableRef, userID string) ([]string, error) {
	var response IDsResponse
	query := url.Values{"user_id": {userID}, "id_column": {table.IDColumn}}
	if err := c.do(ctx, "select_ids", http.MethodGet, tablePath(table, "ids"), query, nil, &response); err != nil {
		return nil, err
	}
	return response.IDs, nil
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/v1/health", nil, nil, nil)
}

type notFoundError struct {
	op string
}

func (e *notFoundError) Error() string {
	return "remote " + e.op + ": not found"
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return remote.Classify(op, err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return remote.NewError(remote.KindUnclassified, op, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return remote.NewError(remote.KindUnclassified, op, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return remote.Classify(op, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		var envelope ErrorEnvelope
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &envelope)
		}
		if response.StatusCode == http.StatusNotFound && envelope.Error.Code == CodeNotFound {
			return &notFoundError{op: op}
		}
		classified := classifyResponse(op, response.StatusCode, envelope.Error)
		c.logger.Debug("remote request failed",
			zap.String("operation", op),
			zap.Int("status", response.StatusCode),
			zap.String("reason", string(remote.KindOf(classified))))
		return classified
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return remote.Classify(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawPath = ""
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func tablePath(table remote.TableRef, action string) string {
	return "/v1/tables/" + table.Name + "/" + action
}
