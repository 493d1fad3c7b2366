package alerts

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	"github.com/johnayoung/go-marketdata-fetcher/internal/logger"
	"github.com/johnayoung/go-marketdata-fetcher/internal/metrics"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testConfig() config.AlertsConfig {
	cfg := config.DefaultConfig().Alerts
	cfg.Enabled = true
	cfg.Channels = []string{"log", "recorder"}
	return cfg
}

func newTestManager(t *testing.T, snap *metrics.Snapshot) (*Manager, *clock, *[]Alert) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(testConfig(), func() metrics.Snapshot { return *snap },
		WithLogger(logger.Discard()),
		WithClock(c.now))

	var got []Alert
	m.AddChannel("recorder", NotifierFunc(func(_ context.Context, a Alert) error {
		got = append(got, a)
		return nil
	}))
	return m, c, &got
}

func TestDefaultRules(t *testing.T) {
	tests := []struct {
		name  string
		snap  metrics.Snapshot
		fires []string
	}{
		{"quiet", metrics.Snapshot{RequestCount: 100, ErrorCount: 1, ErrorRate: 0.01, CacheHits: 10, CacheMisses: 1}, nil},
		{"no traffic", metrics.Snapshot{}, nil},
		{"error rate", metrics.Snapshot{RequestCount: 10, ErrorCount: 2, ErrorRate: 0.2}, []string{"high_error_rate"}},
		{"rate limit wait", metrics.Snapshot{RateLimitWait: 2 * time.Minute}, []string{"rate_limit_exceeded"}},
		{"cache misses", metrics.Snapshot{CacheHits: 1, CacheMisses: 3}, []string{"high_cache_miss_rate"}},
		{"validation", metrics.Snapshot{ValidationHits: 6}, []string{"validation_failures"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, &tt.snap)
			var names []string
			for _, a := range m.Evaluate(context.Background()) {
				names = append(names, a.Name)
			}
			assert.Equal(t, tt.fires, names)
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	snap := metrics.Snapshot{RequestCount: 10, ErrorCount: 5, ErrorRate: 0.5}
	m, c, notified := newTestManager(t, &snap)
	ctx := context.Background()

	fired := m.Evaluate(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, SeverityError, fired[0].Severity)
	assert.Equal(t, "High error rate: 50.00% of 10 requests failed", fired[0].Message)
	assert.Equal(t, "api", fired[0].Tags["component"])
	assert.Len(t, *notified, 1)

	// still failing but already active
	c.t = c.t.Add(10 * time.Minute)
	assert.Empty(t, m.Evaluate(ctx))
	require.Len(t, m.Active(), 1)

	assert.True(t, m.Resolve("high_error_rate"))
	assert.False(t, m.Resolve("high_error_rate"))
	assert.Empty(t, m.Active())

	history := m.History(time.Time{})
	require.Len(t, history, 1)
	assert.True(t, history[0].Resolved)
	require.NotNil(t, history[0].ResolvedAt)
	assert.True(t, history[0].ResolvedAt.Equal(c.t))

	// fires again once resolved and out of cooldown
	c.t = c.t.Add(time.Minute)
	assert.Len(t, m.Evaluate(ctx), 1)
	assert.Len(t, *notified, 2)
	assert.Len(t, m.History(time.Time{}), 2)
}

func TestCooldownSuppressesRefire(t *testing.T) {
	snap := metrics.Snapshot{ValidationHits: 10}
	m, c, _ := newTestManager(t, &snap)
	ctx := context.Background()

	require.Len(t, m.Evaluate(ctx), 1)
	require.True(t, m.Resolve("validation_failures"))

	c.t = c.t.Add(time.Minute)
	assert.Empty(t, m.Evaluate(ctx), "within the cooldown")

	c.t = c.t.Add(5 * time.Minute)
	assert.Len(t, m.Evaluate(ctx), 1)
}

func TestChannelsAndRules(t *testing.T) {
	snap := metrics.Snapshot{ValidationHits: 10}
	m, _, notified := newTestManager(t, &snap)

	m.AddChannel("unused", NotifierFunc(func(context.Context, Alert) error {
		t.Fatal("channel not in the configured list was notified")
		return nil
	}))
	m.AddChannel("recorder", NotifierFunc(func(context.Context, Alert) error {
		return errors.New("webhook down")
	}))
	m.RemoveRule("validation_failures")
	m.AddRule(Rule{
		Name:      "any_candles",
		Severity:  SeverityInfo,
		Condition: func(s metrics.Snapshot) bool { return s.ValidationHits > 0 },
		Message:   func(metrics.Snapshot) string { return "custom" },
	})

	fired := m.Evaluate(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, "any_candles", fired[0].Name)
	assert.Empty(t, *notified, "the failing channel replaced the recorder")
}

func TestHistoryWindow(t *testing.T) {
	snap := metrics.Snapshot{ValidationHits: 10}
	m, c, _ := newTestManager(t, &snap)
	ctx := context.Background()

	first := c.t
	m.Evaluate(ctx)
	m.Resolve("validation_failures")

	c.t = c.t.Add(time.Hour)
	m.Evaluate(ctx)

	assert.Len(t, m.History(first), 2)
	assert.Len(t, m.History(first.Add(time.Minute)), 1)

	c.t = c.t.Add(8 * 24 * time.Hour)
	m.Resolve("validation_failures")
	m.Evaluate(ctx)
	assert.Len(t, m.History(time.Time{}), 1, "alerts older than a week are dropped")
}

func TestRunStopsWithContext(t *testing.T) {
	snap := metrics.Snapshot{ValidationHits: 10}
	cfg := testConfig()
	cfg.IntervalSeconds = 1
	m := NewManager(cfg, func() metrics.Snapshot { return snap }, WithLogger(logger.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestConsoleNotifier(t *testing.T) {
	var buf bytes.Buffer
	a := Alert{
		Name:      "high_cache_miss_rate",
		Severity:  SeverityWarning,
		Message:   "High cache miss rate: 75.00%",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Tags:      map[string]string{"component": "cache"},
	}
	require.NoError(t, ConsoleNotifier{W: &buf}.Notify(context.Background(), a))

	out := buf.String()
	assert.Contains(t, out, "ALERT [WARNING] high_cache_miss_rate")
	assert.Contains(t, out, "Time: 2024-03-01T12:00:00Z")
	assert.Contains(t, out, "Tags: component=cache")
}
