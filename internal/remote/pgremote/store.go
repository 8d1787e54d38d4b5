// Package pgremote implements the remote store directly against Postgres with
// pgx. Row writes go through jsonb_populate_recordset so column types are
// resolved by the server, and the snapshot change feed rides LISTEN/NOTIFY.
package pgremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ChangeChannel is the NOTIFY channel carrying snapshot change notifications.
const ChangeChannel = "gravity_snapshot_changes"

const (
	maxConns        = 10
	minConns        = 1
	maxConnLifetime = 10 * time.Minute
	maxConnIdleTime = 5 * time.Minute

	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
)

var (
	errMissingPool        = errors.New("pgremote: connection pool is required")
	errMissingDatabaseURL = errors.New("pgremote: database url is required")
	noOpLogger            = zap.NewNop()
)

// Open creates a connection pool and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errMissingDatabaseURL
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgremote: parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.MaxConnIdleTime = maxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify("open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("open", err)
	}
	return pool, nil
}

// Config describes a Store.
type Config struct {
	Pool              *pgxpool.Pool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            *zap.Logger
}

// Store implements remote.Store over a pgx pool.
type Store struct {
	pool              *pgxpool.Pool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	logger            *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, errMissingPool
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
	return &Store{
		pool:              cfg.Pool,
		reconnectDelay:    reconnectDelay,
		maxReconnectDelay: maxReconnectDelay,
		logger:            logger,
	}, nil
}

// EnsureSchema creates the snapshot table, its notify trigger and the task
// and note row tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return classify("ensure_schema", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

func (s *Store) FetchSnapshot(ctx context.Context, userID, appKey string) (remote.SnapshotRecord, bool, error) {
	const query = `SELECT version, snapshot::text, updated_at
		FROM app_snapshots
		WHERE user_id = $1 AND app_key = $2`

	record := remote.SnapshotRecord{UserID: userID, AppKey: appKey}
	var snapshot string
	err := s.pool.QueryRow(ctx, query, userID, appKey).Scan(&record.Version, &snapshot, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.SnapshotRecord{}, false, nil
	}
	if err != nil {
		return remote.SnapshotRecord{}, false, classify("fetch_snapshot", err)
	}
	record.Snapshot = json.RawMessage(snapshot)
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, true, nil
}

func (s *Store) UpsertSnapshot(ctx context.Context, record remote.SnapshotRecord) (time.Time, error) {
	const query = `INSERT INTO app_snapshots (user_id, app_key, version, snapshot, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, clock_timestamp())
		ON CONFLICT (user_id, app_key) DO UPDATE
		SET version = EXCLUDED.version,
			snapshot = EXCLUDED.snapshot,
			updated_at = GREATEST(EXCLUDED.updated_at, app_snapshots.updated_at + interval '1 microsecond')
		RETURNING updated_at`

	snapshot := string(record.Snapshot)
	if snapshot == "" {
		snapshot = "null"
	}
	var updatedAt time.Time
	if err := s.pool.QueryRow(ctx, query, record.UserID, record.AppKey, record.Version, snapshot).Scan(&updatedAt); err != nil {
		return time.Time{}, classify("upsert_snapshot", err)
	}
	return updatedAt.UTC(), nil
}

func (s *Store) UpsertRows(ctx context.Context, table remote.TableRef, userID string, rows []remote.Row) error {
	if len(rows) == 0 {
		return nil
	}
	columns, payload, err := rowPayload(rows)
	if err != nil {
		return remote.NewError(remote.KindUnclassified, "upsert_rows", err)
	}
	updates := make([]string, 0, len(columns))
	for _, column := range columns {
		if column == "user_id" || column == table.IDColumn {
			continue
		}
		quoted := quoteIdentifier(column)
		updates = append(updates, quoted+" = EXCLUDED."+quoted)
	}
	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	statement := insertStatement(table, columns) +
		fmt.Sprintf(" ON CONFLICT (%s) %s", quoteIdentifiers(table.ConflictKey()), conflict)
	if _, err := s.pool.Exec(ctx, statement, payload); err != nil {
		return classifyTable("upsert_rows", table, err)
	}
	return nil
}

func (s *Store) InsertRows(ctx context.Context, table remote.TableRef, userID string, rows []remote.Row) error {
	if len(rows) == 0 {
		return nil
	}
	columns, payload, err := rowPayload(rows)
	if err != nil {
		return remote.NewError(remote.KindUnclassified, "insert_rows", err)
	}
	if _, err := s.pool.Exec(ctx, insertStatement(table, columns), payload); err != nil {
		return classifyTable("insert_rows", table, err)
	}
	return nil
}

func (s *Store) DeleteRows(ctx context.Context, table remote.TableRef, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	statement := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND %s::text = ANY($2)",
		quoteTable(table.Name), quoteIdentifier(table.IDColumn))
	if _, err := s.pool.Exec(ctx, statement, userID, ids); err != nil {
		return classifyTable("delete_rows", table, err)
	}
	return nil
}

func (s *Store) DeleteAllRows(ctx context.Context, table remote.TableRef, userID string) error {
	statement := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", quoteTable(table.Name))
	if _, err := s.pool.Exec(ctx, statement, userID); err != nil {
		return classifyTable("delete_all_rows", table, err)
	}
	return nil
}

func (s *Store) SelectIDs(ctx context.Context, table remote.TableRef, userID string) ([]string, error) {
	statement := fmt.Sprintf("SELECT %s::text FROM %s WHERE user_id = $1 ORDER BY 1",
		quoteIdentifier(table.IDColumn), quoteTable(table.Name))
	rows, err := s.pool.Query(ctx, statement, userID)
	if err != nil {
		return nil, classifyTable("select_ids", table, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyTable("select_ids", table, err)
	}
	return ids, nil
}

// rowPayload returns the sorted union of row columns and the rows as one JSON array.
func rowPayload(rows []remote.Row) ([]string, string, error) {
	seen := make(map[string]struct{})
	var buffer bytes.Buffer
	buffer.WriteByte('[')
	for index, row := range rows {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(row.Data, &fields); err != nil {
			return nil, "", fmt.Errorf("row %q is not a JSON object: %w", row.ID, err)
		}
		for column := range fields {
			seen[column] = struct{}{}
		}
		if index > 0 {
			buffer.WriteByte(',')
		}
		buffer.Write(row.Data)
	}
	buffer.WriteByte(']')

	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns, buffer.String(), nil
}

func insertStatement(table remote.TableRef, columns []string) string {
	quotedTable := quoteTable(table.Name)
	list := quoteIdentifiers(columns)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM jsonb_populate_recordset(NULL::%s, $1::jsonb)",
		quotedTable, list, list, quotedTable)
}

func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func quoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteIdentifiers(names []string) string {
	quoted := make([]string, len(names))
	for index, name := range names {
		quoted[index] = quoteIdentifier(name)
	}
	return strings.Join(quoted, ", ")
}
