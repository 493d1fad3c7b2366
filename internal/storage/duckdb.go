package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

// DuckDBStore keeps datasets in a DuckDB file, or in memory for ":memory:" or
// an empty path. Inserts use the Appender API. open_time is Unix milliseconds,
// matching the exchange's kline keys.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBStore opens the database. Call Initialize before use.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize creates the schema. It is idempotent.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{
		"SET threads = 4",
		"SET enable_progress_bar = false",
	} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR NOT NULL,
			timeframe VARCHAR NOT NULL,
			open_time BIGINT NOT NULL,
			open VARCHAR NOT NULL,
			high VARCHAR NOT NULL,
			low VARCHAR NOT NULL,
			close VARCHAR NOT NULL,
			volume VARCHAR NOT NULL,
			bid_volume VARCHAR NOT NULL DEFAULT '',
			ask_volume VARCHAR NOT NULL DEFAULT '',
			fetched_at TIMESTAMP NOT NULL
		)`,
		// rows are unique per (symbol, timeframe, open_time) because SaveDataset
		// clears its range first
		"CREATE INDEX IF NOT EXISTS idx_candles_series ON candles (symbol, timeframe, open_time)",
	}
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("initialize", "candles", stmt, err)
		}
	}
	return nil
}

// SaveDataset deletes the range and appends the dataset in one transaction.
func (d *DuckDBStore) SaveDataset(ctx context.Context, ds *models.Dataset) error {
	if err := checkDataset(ds); err != nil {
		return NewInsertError("candles", err)
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return NewInsertError("candles", fmt.Errorf("database connection is closed"))
	}

	start := time.Now()
	conn, err := db.Conn(ctx)
	if err != nil {
		return NewInsertError("candles", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return NewInsertError("candles", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				d.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()

	if _, err := conn.ExecContext(ctx,
		"DELETE FROM candles WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?",
		ds.Symbol, string(ds.Interval), ds.Range.Start.UnixMilli(), ds.Range.End.UnixMilli()); err != nil {
		return NewStorageError("delete", "candles", "", err)
	}

	if err := d.appendCandles(conn, ds); err != nil {
		return NewInsertError("candles", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return NewInsertError("candles", fmt.Errorf("commit failed: %w", err))
	}
	committed = true

	d.logger.Debug("stored dataset",
		"symbol", ds.Symbol,
		"interval", ds.Interval,
		"count", len(ds.Candles),
		"duration", time.Since(start))
	return nil
}

func (d *DuckDBStore) appendCandles(conn *sql.Conn, ds *models.Dataset) error {
	if len(ds.Candles) == 0 {
		return nil
	}
	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a driver connection")
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", "candles")
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		fetchedAt := ds.FetchedAt.UTC()
		if ds.FetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		for _, c := range ds.Candles {
			if err := appender.AppendRow(
				ds.Symbol,
				string(ds.Interval),
				c.OpenTime.UnixMilli(),
				c.Open,
				c.High,
				c.Low,
				c.Close,
				c.Volume,
				c.BidVolume,
				c.AskVolume,
				fetchedAt,
			); err != nil {
				appender.Close()
				return fmt.Errorf("failed to append %s: %w", c, err)
			}
		}
		// Close flushes the buffered rows.
		return appender.Close()
	})
}

// LoadCandles implements CandleReader.
func (d *DuckDBStore) LoadCandles(ctx context.Context, symbol string, interval models.Interval, r models.TimeRange) (models.CandleBatch, error) {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return nil, NewQueryError("candles", "", fmt.Errorf("database connection is closed"))
	}

	const query = `SELECT open_time, open, high, low, close, volume, bid_volume, ask_volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time`
	rows, err := db.QueryContext(ctx, query, symbol, string(interval), r.Start.UnixMilli(), r.End.UnixMilli())
	if err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	defer rows.Close()

	var out models.CandleBatch
	for rows.Next() {
		var (
			c      models.Candle
			openMs int64
		)
		if err := rows.Scan(&openMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.BidVolume, &c.AskVolume); err != nil {
			return nil, NewQueryError("candles", query, err)
		}
		c.OpenTime = time.UnixMilli(openMs).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	return out, nil
}

// Stats implements Store.
func (d *DuckDBStore) Stats(ctx context.Context) (*StorageStats, error) {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return nil, NewQueryError("candles", "", fmt.Errorf("database connection is closed"))
	}

	const query = "SELECT COUNT(*), COUNT(DISTINCT symbol), MIN(open_time), MAX(open_time) FROM candles"
	var (
		stats            StorageStats
		earliest, latest sql.NullInt64
	)
	if err := db.QueryRowContext(ctx, query).Scan(&stats.TotalCandles, &stats.Symbols, &earliest, &latest); err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	if earliest.Valid {
		stats.EarliestData = time.UnixMilli(earliest.Int64).UTC()
	}
	if latest.Valid {
		stats.LatestData = time.UnixMilli(latest.Int64).UTC()
	}
	return &stats, nil
}

// HealthCheck runs a trivial query.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", err)
	}
	return nil
}

// Close releases the database. Later calls are no-ops.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	d.logger.Info("closing DuckDB storage")
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
	}
	return nil
}

var _ Store = (*DuckDBStore)(nil)
