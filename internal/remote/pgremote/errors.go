package pgremote

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sqlStateNoConstraint      = "42P10"
	sqlStateUndefinedColumn   = "42703"
	sqlStateUndefinedTable    = "42P01"
	sqlStateInvalidAuth       = "28000"
	sqlStateInvalidPassword   = "28P01"
	sqlStateAdminShutdown     = "57P01"
	sqlStateCrashShutdown     = "57P02"
	sqlStateCannotConnectNow  = "57P03"
	sqlStateTooManyConnection = "53300"
	sqlClassConnection        = "08"
)

func classify(op string, err error) error {
	return classifyTable(op, remote.TableRef{}, err)
}

// classifyTable maps a pgx failure to a remote error kind by SQLSTATE.
func classifyTable(op string, table remote.TableRef, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		switch {
		case code == sqlStateNoConstraint:
			return remote.NewError(remote.KindConstraint, op, err)
		case code == sqlStateUndefinedColumn:
			return remote.SchemaError(op, missingColumn(table, pgErr), err)
		case code == sqlStateUndefinedTable:
			return remote.SchemaError(op, missingTable(table, pgErr), err)
		case code == sqlStateInvalidAuth, code == sqlStateInvalidPassword:
			return remote.NewError(remote.KindAuth, op, err)
		case code == sqlStateAdminShutdown, code == sqlStateCrashShutdown,
			code == sqlStateCannotConnectNow, code == sqlStateTooManyConnection,
			strings.HasPrefix(code, sqlClassConnection):
			return remote.NewError(remote.KindConnectivity, op, err)
		}
		return remote.NewError(remote.KindUnclassified, op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return remote.NewError(remote.KindConnectivity, op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return remote.NewError(remote.KindConnectivity, op, err)
	}
	return remote.Classify(op, err)
}

func missingColumn(table remote.TableRef, pgErr *pgconn.PgError) string {
	tableName := pgErr.TableName
	if tableName == "" {
		tableName = table.Name
	}
	if pgErr.ColumnName == "" {
		return tableName
	}
	if tableName == "" {
		return pgErr.ColumnName
	}
	return tableName + "." + pgErr.ColumnName
}

func missingTable(table remote.TableRef, pgErr *pgconn.PgError) string {
	if pgErr.TableName != "" {
		return pgErr.TableName
	}
	return table.Name
}
