package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

const sqliteBatchSize = 500

// candleRow is the SQLite row layout. Times are Unix milliseconds.
type candleRow struct {
	Symbol    string `gorm:"column:symbol;primaryKey"`
	Timeframe string `gorm:"column:timeframe;primaryKey"`
	OpenTime  int64  `gorm:"column:open_time;primaryKey;index"`
	Open      string `gorm:"column:open"`
	High      string `gorm:"column:high"`
	Low       string `gorm:"column:low"`
	Close     string `gorm:"column:close"`
	Volume    string `gorm:"column:volume"`
	BidVolume string `gorm:"column:bid_volume"`
	AskVolume string `gorm:"column:ask_volume"`
	FetchedAt int64  `gorm:"column:fetched_at"`
}

func (candleRow) TableName() string { return "candles" }

func (r candleRow) candle() models.Candle {
	return models.Candle{
		OpenTime:  time.UnixMilli(r.OpenTime).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		BidVolume: r.BidVolume,
		AskVolume: r.AskVolume,
	}
}

// SQLiteStore keeps datasets in a SQLite file through gorm.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
}

// NewSQLiteStore opens path, creating its directory, and migrates the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, NewStorageError("open", "", "", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}
	return newSQLiteStore(db, logger)
}

func newSQLiteStore(db *gorm.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&candleRow{}); err != nil {
		return nil, NewStorageError("migrate", "candles", "", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// SaveDataset replaces the dataset's range in one transaction.
func (s *SQLiteStore) SaveDataset(ctx context.Context, ds *models.Dataset) error {
	if err := checkDataset(ds); err != nil {
		return NewInsertError("candles", err)
	}

	fetchedAt := ds.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	rows := make([]candleRow, 0, len(ds.Candles))
	for _, c := range ds.Candles {
		rows = append(rows, candleRow{
			Symbol:    ds.Symbol,
			Timeframe: string(ds.Interval),
			OpenTime:  c.OpenTime.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			BidVolume: c.BidVolume,
			AskVolume: c.AskVolume,
			FetchedAt: fetchedAt.UnixMilli(),
		})
	}

	db, err := s.conn()
	if err != nil {
		return NewInsertError("candles", err)
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?",
			ds.Symbol, string(ds.Interval), ds.Range.Start.UnixMilli(), ds.Range.End.UnixMilli()).
			Delete(&candleRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, sqliteBatchSize).Error
	})
	if err != nil {
		return NewInsertError("candles", err)
	}

	s.logger.Debug("stored dataset", "symbol", ds.Symbol, "interval", ds.Interval, "count", len(rows))
	return nil
}

func (s *SQLiteStore) LoadCandles(ctx context.Context, symbol string, interval models.Interval, r models.TimeRange) (models.CandleBatch, error) {
	db, err := s.conn()
	if err != nil {
		return nil, NewQueryError("candles", "", err)
	}
	var rows []candleRow
	err = db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?",
			symbol, string(interval), r.Start.UnixMilli(), r.End.UnixMilli()).
		Order("open_time").
		Find(&rows).Error
	if err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	out := make(models.CandleBatch, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.candle())
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*StorageStats, error) {
	var agg struct {
		Total    int64
		Symbols  int
		Earliest sql.NullInt64
		Latest   sql.NullInt64
	}
	db, err := s.conn()
	if err != nil {
		return nil, NewQueryError("candles", "", err)
	}
	err = db.WithContext(ctx).Model(&candleRow{}).
		Select("COUNT(*) AS total, COUNT(DISTINCT symbol) AS symbols, MIN(open_time) AS earliest, MAX(open_time) AS latest").
		Scan(&agg).Error
	if err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	stats := &StorageStats{TotalCandles: agg.Total, Symbols: agg.Symbols}
	if agg.Earliest.Valid {
		stats.EarliestData = time.UnixMilli(agg.Earliest.Int64).UTC()
	}
	if agg.Latest.Valid {
		stats.LatestData = time.UnixMilli(agg.Latest.Int64).UTC()
	}
	return stats, nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	return nil
}

func (s *SQLiteStore) conn() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("storage is closed")
	}
	return s.db, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	if err := sqlDB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
