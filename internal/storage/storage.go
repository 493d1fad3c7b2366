// Package storage persists merged datasets after a fetch. The cache keeps raw
// pages for reuse; a Store keeps the final candles with their bid/ask split in
// a queryable database.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

const (
	TypeNone   = "none"
	TypeMemory = "memory"
	TypeDuckDB = "duckdb"
	TypeSQLite = "sqlite"
)

// DatasetWriter persists merged datasets.
type DatasetWriter interface {
	// SaveDataset replaces every stored candle of the dataset's symbol and
	// interval inside its range with the dataset's candles.
	SaveDataset(ctx context.Context, ds *models.Dataset) error
}

// CandleReader reads stored candles back.
type CandleReader interface {
	// LoadCandles returns candles with OpenTime in r, ordered by OpenTime.
	LoadCandles(ctx context.Context, symbol string, interval models.Interval, r models.TimeRange) (models.CandleBatch, error)
}

// HealthChecker verifies that a backend is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Store is implemented by every backend.
type Store interface {
	DatasetWriter
	CandleReader
	HealthChecker
	Stats(ctx context.Context) (*StorageStats, error)
	Close() error
}

// StorageStats summarizes stored data.
type StorageStats struct {
	TotalCandles int64     `json:"total_candles"`
	Symbols      int       `json:"symbols"`
	EarliestData time.Time `json:"earliest_data,omitempty"`
	LatestData   time.Time `json:"latest_data,omitempty"`
}

// New opens the backend named by cfg.Type and prepares its schema. It returns
// a nil Store for "none".
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	switch strings.ToLower(cfg.Type) {
	case "", TypeNone:
		return nil, nil
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeDuckDB:
		s, err := NewDuckDBStore(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Initialize(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case TypeSQLite:
		return NewSQLiteStore(cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func checkDataset(ds *models.Dataset) error {
	if ds == nil {
		return fmt.Errorf("dataset is nil")
	}
	if ds.Symbol == "" {
		return fmt.Errorf("dataset symbol is empty")
	}
	if !ds.Interval.Valid() {
		return fmt.Errorf("dataset interval %q is not supported", ds.Interval)
	}
	if !ds.Range.Valid() {
		return fmt.Errorf("dataset range %s is empty", ds.Range)
	}
	for i, c := range ds.Candles {
		if !ds.Range.Contains(c.OpenTime) {
			return fmt.Errorf("candle %d at %s is outside %s", i, c.OpenTime.Format(time.RFC3339), ds.Range)
		}
	}
	return nil
}

// StorageError represents a failed storage operation.
type StorageError struct {
	Operation string
	Table     string
	Query     string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}
