package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	LabIDKey  contextKey = "lab_id"
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

// LabHeader carries the lab identifier for requests whose token has no lab claim.
const LabHeader = "X-Lab-ID"

var labIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema holding a lab's exams and history.
func SchemaName(labID string) string {
	return "lab_" + labID
}

// LabMiddleware acquires a connection per request and points its search_path
// at the caller's lab schema. Repositories pick the connection up through
// ConnFromContext.
func LabMiddleware(pool *pgxpool.Pool, defaultLab string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			labID := extractLabID(c, defaultLab)

			if !labIDPattern.MatchString(labID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid lab identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(labID))); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "lab resolution failed")
			}

			ctx = context.WithValue(ctx, LabIDKey, labID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("lab_id", labID)

			return next(c)
		}
	}
}

func extractLabID(c echo.Context, defaultLab string) string {
	if lid, ok := c.Get("jwt_lab_id").(string); ok && lid != "" {
		return lid
	}
	if lid := c.Request().Header.Get(LabHeader); lid != "" {
		return lid
	}
	if lid := c.QueryParam("lab_id"); lid != "" {
		return lid
	}
	return defaultLab
}

// ConnFromContext retrieves the lab-scoped connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves a transaction started by WithTx.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// LabFromContext retrieves the lab identifier from context.
func LabFromContext(ctx context.Context) string {
	lid, _ := ctx.Value(LabIDKey).(string)
	return lid
}

// WithTx begins a transaction on the request connection and stores it in the
// returned context. The caller owns Commit/Rollback.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// CreateLabSchema creates the schema for a lab and, when migrationsDir is
// set, applies all migrations to it.
func CreateLabSchema(ctx context.Context, pool *pgxpool.Pool, labID string, migrationsDir string) error {
	if !labIDPattern.MatchString(labID) {
		return fmt.Errorf("invalid lab identifier: %s", labID)
	}

	schema := SchemaName(labID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		if _, err := NewMigrator(pool, migrationsDir).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
