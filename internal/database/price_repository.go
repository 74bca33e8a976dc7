package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrAssetNotFound is returned when a symbol has no assets row.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrNoPriceHistory is returned when an asset has no bars in the requested range.
	ErrNoPriceHistory = errors.New("no price history")
)

const (
	defaultSeriesLimit = 1000
	maxSeriesLimit     = 5000
)

// DatabasePool defines the interface for database pool operations.
// *pgxpool.Pool and pgxmock pools both satisfy it.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// PriceRepository loads and stores asset price history. It is the series
// supplier behind the asset forecast endpoints.
type PriceRepository struct {
	pool   DatabasePool
	logger *logrus.Logger
}

// NewPriceRepository creates a new price repository.
func NewPriceRepository(pool DatabasePool, logger *logrus.Logger) *PriceRepository {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PriceRepository{pool: pool, logger: logger}
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (r *PriceRepository) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := r.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		r.logger.WithField("migration", name).Info("Applied migration")
	}
	return nil
}

// GetAsset looks up an asset by symbol, case-insensitively.
func (r *PriceRepository) GetAsset(ctx context.Context, symbol string) (*models.Asset, error) {
	query := `
		SELECT id, symbol, name, asset_type, created_at
		FROM assets
		WHERE symbol = $1
	`

	var asset models.Asset
	err := r.pool.QueryRow(ctx, query, normalizeSymbol(symbol)).Scan(
		&asset.ID,
		&asset.Symbol,
		&asset.Name,
		&asset.AssetType,
		&asset.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, normalizeSymbol(symbol))
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", symbol, err)
	}
	return &asset, nil
}

// ListAssets returns every tracked asset ordered by symbol.
func (r *PriceRepository) ListAssets(ctx context.Context) ([]models.Asset, error) {
	query := `
		SELECT id, symbol, name, asset_type, created_at
		FROM assets
		ORDER BY symbol
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets := []models.Asset{}
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.Symbol, &a.Name, &a.AssetType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

// LoadSeries returns the most recent q.Limit bars of the asset at the
// requested cadence, oldest first.
func (r *PriceRepository) LoadSeries(ctx context.Context, q models.SeriesQuery) (models.PriceSeries, error) {
	asset, err := r.GetAsset(ctx, q.Symbol)
	if err != nil {
		return nil, err
	}

	cadence := q.Cadence
	if cadence == "" {
		cadence = models.CadenceWeekly
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSeriesLimit
	}
	limit = min(limit, maxSeriesLimit)

	var from, to *time.Time
	if !q.From.IsZero() {
		f := q.From.UTC()
		from = &f
	}
	if !q.To.IsZero() {
		// To covers the whole day it names.
		t := q.To.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		to = &t
	}

	query := `
		SELECT timestamp, close
		FROM historical_prices
		WHERE asset_id = $1
		  AND interval = $2
		  AND ($3::timestamptz IS NULL OR timestamp >= $3)
		  AND ($4::timestamptz IS NULL OR timestamp < $4)
		ORDER BY timestamp DESC
		LIMIT $5
	`

	start := time.Now()
	rows, err := r.pool.Query(ctx, query, asset.ID, string(cadence), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices for %s: %w", asset.Symbol, err)
	}
	defer rows.Close()

	series := models.PriceSeries{}
	for rows.Next() {
		var p models.PricePoint
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		series = append(series, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}

	if len(series) == 0 {
		return nil, fmt.Errorf("%w for %s at %s", ErrNoPriceHistory, asset.Symbol, cadence)
	}

	// Rows arrive newest first so LIMIT keeps the most recent bars.
	for i, j := 0, len(series)-1; i < j; i, j = i+1, j-1 {
		series[i], series[j] = series[j], series[i]
	}

	r.logger.WithFields(logrus.Fields{
		"symbol":      asset.Symbol,
		"cadence":     cadence,
		"points":      len(series),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Loaded price series")
	return series, nil
}

// StorePrices upserts bars for symbol, creating the asset when needed.
// It returns the number of rows written.
func (r *PriceRepository) StorePrices(ctx context.Context, symbol string, cadence models.Cadence, series models.PriceSeries) (int64, error) {
	if len(series) == 0 {
		return 0, nil
	}

	var assetID int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO assets (symbol, name)
		VALUES ($1, $1)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING id
	`, normalizeSymbol(symbol)).Scan(&assetID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert asset %s: %w", symbol, err)
	}

	stamps := make([]time.Time, len(series))
	values := make([]float64, len(series))
	for i, p := range series {
		stamps[i] = p.Timestamp.UTC()
		values[i] = p.Value
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO historical_prices (asset_id, interval, timestamp, close)
		SELECT $1, $2, t, c
		FROM unnest($3::timestamptz[], $4::float8[]) AS u(t, c)
		ON CONFLICT (asset_id, interval, timestamp) DO UPDATE SET close = EXCLUDED.close
	`, assetID, string(cadence), stamps, values)
	if err != nil {
		return 0, fmt.Errorf("failed to store prices for %s: %w", symbol, err)
	}

	r.logger.WithFields(logrus.Fields{
		"symbol":  normalizeSymbol(symbol),
		"cadence": cadence,
		"rows":    tag.RowsAffected(),
	}).Info("Stored price history")
	return tag.RowsAffected(), nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
