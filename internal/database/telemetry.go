package database

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/irfndi/celebrum-forecast/internal/database"

// TracedDB wraps a DatabasePool and records one client span per statement.
type TracedDB struct {
	pool   DatabasePool
	tracer trace.Tracer
}

// NewTracedDB creates a traced pool using the global tracer provider.
func NewTracedDB(pool DatabasePool) *TracedDB {
	return &TracedDB{pool: pool, tracer: otel.Tracer(tracerName)}
}

// Query executes a query that returns rows.
func (db *TracedDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := db.start(ctx, "db.query", sql)
	defer span.End()

	rows, err := db.pool.Query(ctx, sql, args...)
	RecordDatabaseError(span, err)
	return rows, err
}

// QueryRow executes a query that returns a single row. Scan errors are not
// visible here, so the span only covers dispatch.
func (db *TracedDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := db.start(ctx, "db.query_row", sql)
	defer span.End()
	return db.pool.QueryRow(ctx, sql, args...)
}

// Exec executes a query without returning rows.
func (db *TracedDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := db.start(ctx, "db.exec", sql)
	defer span.End()

	tag, err := db.pool.Exec(ctx, sql, args...)
	if err == nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	}
	RecordDatabaseError(span, err)
	return tag, err
}

func (db *TracedDB) start(ctx context.Context, name, sql string) (context.Context, trace.Span) {
	return db.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", statementVerb(sql)),
			attribute.String("db.statement", compactSQL(sql)),
		),
	)
}

// RecordDatabaseError marks span as failed when err is set. pgx.ErrNoRows is
// an expected outcome and is left alone.
func RecordDatabaseError(span trace.Span, err error) {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
