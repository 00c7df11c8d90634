// Package admission bounds how many resource-heavy transforms run at once.
// Excess submissions wait in a bounded FIFO queue; once the queue is full new
// submissions fail immediately so callers never block indefinitely.
package admission

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when both all slots and the wait queue are
// occupied. Callers should surface it as a retryable condition.
var ErrQueueFull = errors.New("admission queue is full")

const (
	defaultMaxConcurrency = 1
	defaultQueueMax       = 8
)

// Config bounds the controller.
type Config struct {
	// MaxConcurrency is the number of units of work allowed to run at the
	// same time. Values below one fall back to the default of one.
	MaxConcurrency int
	// QueueMax bounds the FIFO wait queue. Values below one fall back to
	// the default of eight.
	QueueMax int
	// OnStats, when set, is called with the active and queued counts after
	// every admission state change. Metrics gauges hang off it so they stay
	// current no matter which path drives the controller.
	OnStats func(active, queued int)
}

// Controller serialises admission to a fixed number of execution slots.
type Controller struct {
	maxActive int
	queueMax  int
	onStats   func(active, queued int)

	mu      sync.Mutex
	active  int
	waiters []chan struct{}
}

// New constructs a Controller from the provided configuration.
func New(cfg Config) *Controller {
	maxActive := cfg.MaxConcurrency
	if maxActive < 1 {
		maxActive = defaultMaxConcurrency
	}
	queueMax := cfg.QueueMax
	if queueMax < 1 {
		queueMax = defaultQueueMax
	}
	return &Controller{maxActive: maxActive, queueMax: queueMax, onStats: cfg.OnStats}
}

// Do runs fn once a slot is available, releasing the slot when fn returns.
// It fails fast with ErrQueueFull when the wait queue is saturated and with
// ctx.Err() when the caller abandons the wait; in both cases fn never runs.
func (c *Controller) Do(ctx context.Context, fn func() error) error {
	if err := c.acquire(ctx, true); err != nil {
		return err
	}
	defer c.release()
	return fn()
}

// Wait behaves like Do but is exempt from the queue bound: the caller waits
// (FIFO with everyone else) until a slot frees or ctx is cancelled. Background
// job workers use it; a created job already sits in the registry's own queue
// and must never be bounced with ErrQueueFull.
func (c *Controller) Wait(ctx context.Context, fn func() error) error {
	if err := c.acquire(ctx, false); err != nil {
		return err
	}
	defer c.release()
	return fn()
}

// Stats reports the number of running units and queued waiters.
func (c *Controller) Stats() (active, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, len(c.waiters)
}

func (c *Controller) acquire(ctx context.Context, bounded bool) error {
	c.mu.Lock()
	if c.active < c.maxActive {
		c.active++
		active, queued := c.active, len(c.waiters)
		c.mu.Unlock()
		c.notify(active, queued)
		return nil
	}
	if bounded && len(c.waiters) >= c.queueMax {
		c.mu.Unlock()
		return ErrQueueFull
	}
	grant := make(chan struct{}, 1)
	c.waiters = append(c.waiters, grant)
	active, queued := c.active, len(c.waiters)
	c.mu.Unlock()
	c.notify(active, queued)

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, waiter := range c.waiters {
			if waiter == grant {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				active, queued := c.active, len(c.waiters)
				c.mu.Unlock()
				c.notify(active, queued)
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// The grant raced the cancellation: a slot was already handed to
		// this waiter, so hand it back before reporting the cancel.
		<-grant
		c.release()
		return ctx.Err()
	}
}

func (c *Controller) release() {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		// Transfer the slot to the oldest waiter without touching the
		// active count.
		grant := c.waiters[0]
		c.waiters = c.waiters[1:]
		active, queued := c.active, len(c.waiters)
		c.mu.Unlock()
		c.notify(active, queued)
		grant <- struct{}{}
		return
	}
	c.active--
	active, queued := c.active, len(c.waiters)
	c.mu.Unlock()
	c.notify(active, queued)
}

func (c *Controller) notify(active, queued int) {
	if c.onStats != nil {
		c.onStats(active, queued)
	}
}
