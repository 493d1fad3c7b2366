package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Console rewrites one status line on w at most once per throttle interval and
// prints a completion line on Finish.
type Console struct {
	*Tracker

	mu         sync.Mutex
	w          io.Writer
	throttle   time.Duration
	lastRender time.Time
	finished   bool
}

// NewConsole creates a console sink. A zero throttle renders on every update.
func NewConsole(w io.Writer, throttle time.Duration, now func() time.Time) *Console {
	t := NewTracker(now)
	return &Console{Tracker: t, w: w, throttle: throttle, lastRender: t.startedAt}
}

func (c *Console) SetTotals(candlesTotal, tradesTotal int) {
	c.Tracker.SetTotals(candlesTotal, tradesTotal)
	c.render()
}

func (c *Console) UpdateCandleProgress(n int) {
	c.Tracker.UpdateCandleProgress(n)
	c.render()
}

func (c *Console) UpdateTradeProgress(n int) {
	c.Tracker.UpdateTradeProgress(n)
	c.render()
}

func (c *Console) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.Tracker.Finish()
	s := c.Tracker.Snapshot()
	fmt.Fprintf(c.w, "\n%s\nCompleted in %s\n", s.Line(), FormatDuration(s.Elapsed))
}

func (c *Console) render() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	now := c.Tracker.now()
	if c.throttle > 0 && now.Sub(c.lastRender) < c.throttle {
		return
	}
	c.lastRender = now
	fmt.Fprintf(c.w, "\r%s", c.Tracker.Snapshot().Line())
}
