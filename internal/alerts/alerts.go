// Package alerts evaluates threshold rules over the metrics snapshot, keeps the
// set of active alerts and their history, and notifies configured channels when
// a rule starts firing.
package alerts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	"github.com/johnayoung/go-marketdata-fetcher/internal/metrics"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

const historyRetention = 7 * 24 * time.Hour

// Alert is one firing of a rule.
type Alert struct {
	Name       string            `json:"name"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       map[string]string `json:"tags,omitempty"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// Rule fires when Condition holds for a snapshot. A rule that fired stays
// quiet for Cooldown, and never fires again while its alert is active.
type Rule struct {
	Name      string
	Severity  Severity
	Condition func(metrics.Snapshot) bool
	Message   func(metrics.Snapshot) string
	Tags      map[string]string
	Cooldown  time.Duration
}

// Notifier delivers an alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// SnapshotSource returns the metrics the rules are evaluated against.
type SnapshotSource func() metrics.Snapshot

// Manager owns the rules and alert state. It is safe for concurrent use.
type Manager struct {
	source   SnapshotSource
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	rules         map[string]Rule
	lastTriggered map[string]time.Time
	active        map[string]Alert
	history       []Alert
	channels      map[string]Notifier
	enabled       []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces the time source used for cooldowns and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithConsole registers the console channel on w instead of stderr.
func WithConsole(w io.Writer) Option {
	return func(m *Manager) { m.channels["console"] = ConsoleNotifier{W: w} }
}

// NewManager creates a manager with the default rules built from cfg. The log
// and console channels are always registered; cfg.Channels selects which of
// the registered channels receive notifications.
func NewManager(cfg config.AlertsConfig, source SnapshotSource, opts ...Option) *Manager {
	m := &Manager{
		source:        source,
		interval:      time.Duration(cfg.IntervalSeconds) * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
		rules:         make(map[string]Rule),
		lastTriggered: make(map[string]time.Time),
		active:        make(map[string]Alert),
		channels:      make(map[string]Notifier),
		enabled:       append([]string(nil), cfg.Channels...),
	}
	m.channels["console"] = ConsoleNotifier{W: nil}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "alerts")
	m.channels["log"] = LogNotifier{Logger: m.logger}

	for _, r := range DefaultRules(cfg) {
		m.AddRule(r)
	}
	return m
}

// DefaultRules returns the built-in rules with thresholds from cfg.
func DefaultRules(cfg config.AlertsConfig) []Rule {
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	maxWait := time.Duration(cfg.MaxRateLimitWaitSecs * float64(time.Second))

	return []Rule{
		{
			Name:     "high_error_rate",
			Severity: SeverityError,
			Condition: func(s metrics.Snapshot) bool {
				return s.RequestCount > 0 && s.ErrorRate > cfg.MaxErrorRate
			},
			Message: func(s metrics.Snapshot) string {
				return fmt.Sprintf("High error rate: %.2f%% of %d requests failed", s.ErrorRate*100, s.RequestCount)
			},
			Tags:     map[string]string{"component": "api"},
			Cooldown: cooldown,
		},
		{
			Name:     "rate_limit_exceeded",
			Severity: SeverityWarning,
			Condition: func(s metrics.Snapshot) bool {
				return s.RateLimitWait > maxWait
			},
			Message: func(s metrics.Snapshot) string {
				return fmt.Sprintf("Rate limit exceeded: requests waited %s for a grant", s.RateLimitWait.Round(time.Second))
			},
			Tags:     map[string]string{"component": "rate_limiter"},
			Cooldown: cooldown,
		},
		{
			Name:     "high_cache_miss_rate",
			Severity: SeverityWarning,
			Condition: func(s metrics.Snapshot) bool {
				return missRate(s) > cfg.MaxCacheMissRate
			},
			Message: func(s metrics.Snapshot) string {
				return fmt.Sprintf("High cache miss rate: %.2f%%", missRate(s)*100)
			},
			Tags:     map[string]string{"component": "cache"},
			Cooldown: cooldown,
		},
		{
			Name:     "validation_failures",
			Severity: SeverityError,
			Condition: func(s metrics.Snapshot) bool {
				return s.ValidationHits > cfg.MaxValidationIssues
			},
			Message: func(s metrics.Snapshot) string {
				return fmt.Sprintf("Validation failures: %d issues", s.ValidationHits)
			},
			Tags:     map[string]string{"component": "validator"},
			Cooldown: cooldown,
		},
	}
}

func missRate(s metrics.Snapshot) float64 {
	lookups := s.CacheHits + s.CacheMisses
	if lookups == 0 {
		return 0
	}
	return float64(s.CacheMisses) / float64(lookups)
}

// AddRule adds or replaces a rule.
func (m *Manager) AddRule(r Rule) {
	m.mu.Lock()
	m.rules[r.Name] = r
	m.mu.Unlock()
	m.logger.Debug("added alert rule", "rule", r.Name)
}

// RemoveRule deletes a rule. Its active alert, if any, stays until resolved.
func (m *Manager) RemoveRule(name string) {
	m.mu.Lock()
	delete(m.rules, name)
	delete(m.lastTriggered, name)
	m.mu.Unlock()
}

// AddChannel registers a notification channel under name. It only receives
// alerts when name is among the configured channels.
func (m *Manager) AddChannel(name string, n Notifier) {
	m.mu.Lock()
	m.channels[name] = n
	m.mu.Unlock()
}

// Evaluate checks every rule against the current snapshot and returns the
// alerts that started firing.
func (m *Manager) Evaluate(ctx context.Context) []Alert {
	return m.EvaluateSnapshot(ctx, m.source())
}

// EvaluateSnapshot checks every rule against s.
func (m *Manager) EvaluateSnapshot(ctx context.Context, s metrics.Snapshot) []Alert {
	m.mu.Lock()
	now := m.now()
	var fired []Alert
	for _, name := range m.ruleNames() {
		rule := m.rules[name]
		if last, ok := m.lastTriggered[name]; ok && now.Sub(last) < rule.Cooldown {
			continue
		}
		if _, ok := m.active[name]; ok {
			continue
		}
		if !rule.Condition(s) {
			continue
		}

		a := Alert{
			Name:      name,
			Severity:  rule.Severity,
			Message:   rule.Message(s),
			Timestamp: now,
			Tags:      copyTags(rule.Tags),
		}
		m.active[name] = a
		m.history = append(m.history, a)
		m.lastTriggered[name] = now
		fired = append(fired, a)
	}
	m.pruneHistory(now)
	notifiers := m.enabledNotifiers()
	m.mu.Unlock()

	for _, a := range fired {
		for name, n := range notifiers {
			if err := n.Notify(ctx, a); err != nil {
				m.logger.ErrorContext(ctx, "alert notification failed", "channel", name, "alert", a.Name, "error", err)
			}
		}
	}
	return fired
}

// Resolve clears an active alert and reports whether one was active.
func (m *Manager) Resolve(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[name]
	if !ok {
		return false
	}
	delete(m.active, name)

	at := m.now()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Name == name && m.history[i].Timestamp.Equal(a.Timestamp) {
			m.history[i].Resolved = true
			m.history[i].ResolvedAt = &at
			break
		}
	}
	m.logger.Info("alert resolved", "alert", name)
	return true
}

// Active returns the firing alerts ordered by name.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns alerts raised at or after since, oldest first. A zero since
// means the last seven days.
func (m *Manager) History(since time.Time) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if since.IsZero() {
		since = m.now().Add(-historyRetention)
	}
	var out []Alert
	for _, a := range m.history {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out
}

// Run evaluates the rules on every interval tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("alert evaluation started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

func (m *Manager) ruleNames() []string {
	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) enabledNotifiers() map[string]Notifier {
	out := make(map[string]Notifier, len(m.enabled))
	for _, name := range m.enabled {
		if n, ok := m.channels[name]; ok {
			out[name] = n
		}
	}
	return out
}

func (m *Manager) pruneHistory(now time.Time) {
	cutoff := now.Add(-historyRetention)
	i := 0
	for i < len(m.history) && m.history[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.history = append([]Alert(nil), m.history[i:]...)
	}
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
