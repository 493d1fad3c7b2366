package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/metrics"
	"github.com/johnayoung/go-marketdata-fetcher/internal/server"
)

// Dashboard serves the tracker state at /progress, next to the health and
// metrics routes. The server keeps running after Finish until Close.
type Dashboard struct {
	*Tracker

	srv    *server.Server
	logger *slog.Logger
}

// NewDashboard binds addr and starts serving. Bind errors are returned so the
// caller can fall back to another backend.
func NewDashboard(addr string, mc *metrics.MetricsCollector, logger *slog.Logger, now func() time.Time) (*Dashboard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dashboard{Tracker: NewTracker(now), logger: logger}
	d.srv = server.New(server.Config{
		Addr:     addr,
		Metrics:  mc,
		Progress: func() any { return d.Snapshot() },
		Logger:   logger,
	})
	if err := d.srv.Listen(); err != nil {
		return nil, err
	}
	go func() {
		if err := d.srv.Serve(); err != nil {
			logger.Error("progress dashboard stopped", "error", err)
		}
	}()
	return d, nil
}

// Addr returns the bound address.
func (d *Dashboard) Addr() string {
	return d.srv.Addr()
}

func (d *Dashboard) Finish() {
	d.Tracker.Finish()
	s := d.Snapshot()
	d.logger.Info("download finished",
		"candles", s.CandlesDone,
		"trades", s.TradesDone,
		"elapsed", FormatDuration(s.Elapsed))
}

// Close stops the HTTP server.
func (d *Dashboard) Close(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}
