// Package cache stores fetched candle and trade batches on disk behind a small
// in-memory LRU layer.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

// Lookup results reported to a Recorder.
const (
	ResultMemoryHit = "memory_hit"
	ResultDiskHit   = "disk_hit"
	ResultMiss      = "miss"
	ResultCorrupt   = "corrupt"
	ResultStale     = "stale"
	ResultExpired   = "expired"
)

// Metadata is persisted next to every payload and checked on load.
type Metadata struct {
	Kind         models.BatchKind `json:"kind"`
	Symbol       string           `json:"symbol"`
	Interval     models.Interval  `json:"interval"`
	Start        time.Time        `json:"start"`
	End          time.Time        `json:"end"`
	RecordCount  int              `json:"record_count"`
	CacheVersion string           `json:"cache_version"`
	CachedAt     time.Time        `json:"cached_at"`
}

// Entry is a cached payload with its metadata. Entries returned by Load are shared and
// must not be modified.
type Entry struct {
	Key      Key
	Payload  []byte
	Metadata Metadata
}

// Recorder observes lookups and writes, typically to export metrics.
type Recorder interface {
	CacheLookup(kind models.BatchKind, result string)
	CacheWrite(kind models.BatchKind, err error)
}

// Stats summarizes cache activity since the store was created plus the durable contents.
type Stats struct {
	MemoryHits    int64 `json:"memory_hits"`
	DiskHits      int64 `json:"disk_hits"`
	Misses        int64 `json:"misses"`
	Rejected      int64 `json:"rejected"`
	Writes        int64 `json:"writes"`
	WriteErrors   int64 `json:"write_errors"`
	Evictions     int64 `json:"evictions"`
	MemoryEntries int   `json:"memory_entries"`
	DiskEntries   int   `json:"disk_entries"`
	DiskBytes     int64 `json:"disk_bytes"`
}

// Store is a two-level cache. It is safe for concurrent use.
type Store struct {
	fs       afero.Fs
	dir      string
	version  string
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder

	mu    sync.Mutex
	mem   *lru
	stats Stats
}

// Option configures a Store.
type Option func(*Store)

// WithFs replaces the OS filesystem, e.g. with afero.NewMemMapFs in tests.
func WithFs(fsys afero.Fs) Option {
	return func(s *Store) { s.fs = fsys }
}

// WithLogger sets the logger for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock sets the time source used for CachedAt and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRecorder reports lookups and writes to r.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// New creates a store rooted at cfg.Dir.
func New(cfg config.CacheConfig, opts ...Option) *Store {
	s := &Store{
		fs:      afero.NewOsFs(),
		dir:     cfg.Dir,
		version: cfg.Version,
		maxAge:  time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	capacity := cfg.MemoryCapacity
	if capacity <= 0 {
		capacity = config.DefaultConfig().Cache.MemoryCapacity
	}
	s.mem = newLRU(capacity)
	return s
}

// Version returns the cache version entries must carry to be served.
func (s *Store) Version() string { return s.version }

// NewEntry builds an entry for key stamped with the store's version and the current time.
func (s *Store) NewEntry(key Key, payload []byte, recordCount int) *Entry {
	return &Entry{
		Key:     key,
		Payload: payload,
		Metadata: Metadata{
			Kind:         key.Kind,
			Symbol:       key.Symbol,
			Interval:     key.Interval,
			Start:        key.Start,
			End:          key.End,
			RecordCount:  recordCount,
			CacheVersion: s.version,
			CachedAt:     s.now().UTC(),
		},
	}
}

// Load returns the entry for key. Entries whose metadata does not match the key, whose
// version differs from the store's, or that have expired are reported as misses.
func (s *Store) Load(ctx context.Context, key Key) (*Entry, bool) {
	id := key.String()

	s.mu.Lock()
	if e, ok := s.mem.get(id); ok {
		if !s.expired(e.Metadata) {
			s.stats.MemoryHits++
			s.mu.Unlock()
			s.record(key.Kind, ResultMemoryHit)
			return e, true
		}
		s.mem.remove(id)
	}
	s.mu.Unlock()

	e, result := s.loadDurable(ctx, key)

	s.mu.Lock()
	switch result {
	case ResultDiskHit:
		s.stats.DiskHits++
		if _, evicted := s.mem.put(id, e); evicted {
			s.stats.Evictions++
		}
	case ResultMiss:
		s.stats.Misses++
	default:
		s.stats.Rejected++
	}
	s.mu.Unlock()

	s.record(key.Kind, result)
	return e, result == ResultDiskHit
}

func (s *Store) loadDurable(ctx context.Context, key Key) (*Entry, string) {
	metaPath := key.metaPath(s.dir)
	raw, err := afero.ReadFile(s.fs, metaPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.reject(ctx, key, "metadata unreadable", err)
			return nil, ResultCorrupt
		}
		return nil, ResultMiss
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.reject(ctx, key, "metadata malformed", err)
		return nil, ResultCorrupt
	}
	if !key.matches(meta) {
		s.reject(ctx, key, "metadata does not match key", apperrors.ErrCacheCorrupt)
		return nil, ResultCorrupt
	}
	if meta.CacheVersion != s.version {
		s.logger.WarnContext(ctx, "ignoring cache entry from another cache version",
			"key", key.String(),
			"entry_version", meta.CacheVersion,
			"cache_version", s.version)
		return nil, ResultStale
	}
	if s.expired(meta) {
		s.logger.DebugContext(ctx, "cache entry expired", "key", key.String(), "cached_at", meta.CachedAt)
		return nil, ResultExpired
	}

	payload, err := afero.ReadFile(s.fs, key.dataPath(s.dir))
	if err != nil {
		s.reject(ctx, key, "payload unreadable", err)
		return nil, ResultCorrupt
	}

	return &Entry{Key: key, Payload: payload, Metadata: meta}, ResultDiskHit
}

func (s *Store) reject(ctx context.Context, key Key, reason string, err error) {
	s.logger.WarnContext(ctx, "ignoring corrupt cache entry",
		"key", key.String(),
		"reason", reason,
		"error", err)
}

func (s *Store) expired(m Metadata) bool {
	return s.maxAge > 0 && s.now().Sub(m.CachedAt) > s.maxAge
}

// Save writes e to disk and then to the memory layer. Disk failures are returned as
// *errors.CacheWriteError and leave the memory layer untouched.
func (s *Store) Save(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("cache save: nil entry")
	}
	if !e.Key.matches(e.Metadata) {
		return fmt.Errorf("cache save %s: metadata does not describe key", e.Key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := *e
	stored.Payload = bytes.Clone(e.Payload)

	if path, err := s.writeDurable(&stored); err != nil {
		werr := &apperrors.CacheWriteError{Key: e.Key.String(), Path: path, Err: err}
		s.mu.Lock()
		s.stats.WriteErrors++
		s.mu.Unlock()
		if s.recorder != nil {
			s.recorder.CacheWrite(e.Key.Kind, werr)
		}
		return werr
	}

	s.mu.Lock()
	s.stats.Writes++
	if _, evicted := s.mem.put(e.Key.String(), &stored); evicted {
		s.stats.Evictions++
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.CacheWrite(e.Key.Kind, nil)
	}
	s.logger.DebugContext(ctx, "cached batch",
		"key", e.Key.String(),
		"records", e.Metadata.RecordCount,
		"bytes", len(e.Payload))
	return nil
}

// writeDurable writes the payload before the metadata so a reader never sees metadata
// without its payload.
func (s *Store) writeDurable(e *Entry) (string, error) {
	dataPath := e.Key.dataPath(s.dir)
	if err := s.fs.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return dataPath, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := s.writeAtomic(dataPath, e.Payload); err != nil {
		return dataPath, err
	}

	meta, err := json.MarshalIndent(e.Metadata, "", "  ")
	if err != nil {
		return dataPath, fmt.Errorf("failed to encode metadata: %w", err)
	}
	metaPath := e.Key.metaPath(s.dir)
	if err := s.writeAtomic(metaPath, meta); err != nil {
		return metaPath, err
	}
	return dataPath, nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// Invalidate drops key from both layers.
func (s *Store) Invalidate(ctx context.Context, key Key) error {
	s.mu.Lock()
	s.mem.remove(key.String())
	s.mu.Unlock()

	for _, path := range []string{key.metaPath(s.dir), key.dataPath(s.dir)} {
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	s.logger.DebugContext(ctx, "invalidated cache entry", "key", key.String())
	return nil
}

// Clear removes every entry and returns how many durable entries were deleted.
func (s *Store) Clear(ctx context.Context) (int, error) {
	stats, err := s.Stats()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.mem.reset()
	s.mu.Unlock()

	if err := s.fs.RemoveAll(s.dir); err != nil {
		return 0, fmt.Errorf("failed to clear cache directory %s: %w", s.dir, err)
	}
	s.logger.InfoContext(ctx, "cache cleared", "dir", s.dir, "entries", stats.DiskEntries)
	return stats.DiskEntries, nil
}

// Stats returns activity counters and walks the cache directory for its size.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	out := s.stats
	out.MemoryEntries = s.mem.len()
	s.mu.Unlock()

	exists, err := afero.DirExists(s.fs, s.dir)
	if err != nil || !exists {
		return out, err
	}

	err = afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		out.DiskBytes += info.Size()
		if strings.HasSuffix(path, ".meta.json") {
			out.DiskEntries++
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("failed to scan cache directory: %w", err)
	}
	return out, nil
}

// memoryKeys lists the keys held in memory, most recently used first.
func (s *Store) memoryKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.keys()
}

func (s *Store) record(kind models.BatchKind, result string) {
	if s.recorder != nil {
		s.recorder.CacheLookup(kind, result)
	}
}
