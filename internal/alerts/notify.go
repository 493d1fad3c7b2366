package alerts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
)

// LogNotifier writes alerts to a structured logger at a level matching their severity.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alert) error {
	level := slog.LevelWarn
	switch a.Severity {
	case SeverityInfo:
		level = slog.LevelInfo
	case SeverityError, SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{"alert", a.Name, "severity", string(a.Severity)}
	for _, k := range sortedKeys(a.Tags) {
		attrs = append(attrs, k, a.Tags[k])
	}
	n.Logger.Log(ctx, level, "ALERT "+a.Message, attrs...)
	return nil
}

// ConsoleNotifier prints a framed alert block, to stderr when W is nil.
type ConsoleNotifier struct {
	W io.Writer
}

func (n ConsoleNotifier) Notify(_ context.Context, a Alert) error {
	w := n.W
	if w == nil {
		w = os.Stderr
	}
	rule := strings.Repeat("=", 50)

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "ALERT [%s] %s\n", strings.ToUpper(string(a.Severity)), a.Name)
	fmt.Fprintf(&b, "Time: %s\n", a.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Message: %s\n", a.Message)
	if len(a.Tags) > 0 {
		pairs := make([]string, 0, len(a.Tags))
		for _, k := range sortedKeys(a.Tags) {
			pairs = append(pairs, k+"="+a.Tags[k])
		}
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(pairs, ", "))
	}
	fmt.Fprintf(&b, "%s\n", rule)

	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
