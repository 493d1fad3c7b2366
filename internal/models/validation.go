package models

import (
	"fmt"
	"sort"
	"strings"
)

// BatchKind names what a batch under validation contains.
type BatchKind string

const (
	KindCandles BatchKind = "candles"
	KindTrades  BatchKind = "trades"
)

// ValidationResult is the outcome of validating one batch. Issues are human
// readable; Metrics count rule hits by name.
type ValidationResult struct {
	Valid   bool           `json:"valid"`
	Issues  []string       `json:"issues"`
	Metrics map[string]int `json:"metrics"`
}

// NewValidationResult returns a passing result with empty metrics.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true, Metrics: make(map[string]int)}
}

// Fail records an issue that makes the batch invalid.
func (r *ValidationResult) Fail(metric, format string, args ...any) {
	r.Valid = false
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	r.Metrics[metric]++
}

// Warn records an issue that leaves the batch valid.
func (r *ValidationResult) Warn(metric, format string, args ...any) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	r.Metrics[metric]++
}

// Count bumps a metric without recording an issue.
func (r *ValidationResult) Count(metric string, n int) {
	r.Metrics[metric] += n
}

// Summary renders issues on one line for logging.
func (r *ValidationResult) Summary() string {
	if len(r.Issues) == 0 {
		return "ok"
	}
	const maxShown = 5
	shown := r.Issues
	if len(shown) > maxShown {
		shown = shown[:maxShown]
	}
	s := strings.Join(shown, "; ")
	if extra := len(r.Issues) - len(shown); extra > 0 {
		s += fmt.Sprintf(" (+%d more)", extra)
	}
	return s
}

// MetricNames returns metric keys in sorted order.
func (r *ValidationResult) MetricNames() []string {
	names := make([]string, 0, len(r.Metrics))
	for k := range r.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
