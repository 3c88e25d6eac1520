package editor

import (
	"context"
	"sync"
	"time"

	"lorekeep/api/internal/analysis"
)

// Checker is the external analysis collaborator as the coordinator needs
// it. The call may be slow and may fail; it is never cancelled outright —
// a superseded result is defused by re-anchoring at apply time instead.
type Checker interface {
	Check(ctx context.Context, text string, opts analysis.Options) ([]analysis.Match, error)
}

// Coordinator debounces plain-text changes and runs analysis requests
// asynchronously. A single pending timer is restarted on every change
// (trailing edge); each fired request carries a monotonically increasing
// sequence number so the session can log when a stale result lands.
type Coordinator struct {
	mu      sync.Mutex
	checker Checker
	opts    analysis.Options
	delay   time.Duration
	timer   *time.Timer
	pending string
	seq     int64

	onResult func(seq int64, text string, matches []analysis.Match)
	onError  func(err error)
}

func NewCoordinator(
	checker Checker,
	opts analysis.Options,
	delay time.Duration,
	onResult func(seq int64, text string, matches []analysis.Match),
	onError func(err error),
) *Coordinator {
	return &Coordinator{
		checker:  checker,
		opts:     opts,
		delay:    delay,
		onResult: onResult,
		onError:  onError,
	}
}

// TextChanged restarts the debounce window for the given text. Without a
// configured checker the change is skipped silently.
func (c *Coordinator) TextChanged(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.checker == nil {
		return
	}
	c.pending = text
	c.timer = time.AfterFunc(c.delay, c.fire)
}

// Stop cancels any pending request without firing it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Latest returns the sequence number of the most recently issued request.
func (c *Coordinator) Latest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	text := c.pending
	checker := c.checker
	c.seq++
	seq := c.seq
	c.timer = nil
	c.mu.Unlock()

	matches, err := checker.Check(context.Background(), text, c.opts)
	if err != nil {
		c.onError(err)
		return
	}
	c.onResult(seq, text, matches)
}
