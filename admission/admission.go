// Package admission bounds how many executions run at once.
//
// The admission package issues capacity tokens against a fixed ceiling.
// Requests arriving while all tokens are held join a bounded backlog and
// wait, up to a configurable limit, for a token to free up. A request
// that finds the backlog full is rejected immediately; a queued request
// that outwaits the limit is rejected with a distinct error. Both
// rejections are retryable from the caller's point of view.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/runboxd/runbox/config"
)

// ErrBacklogFull is returned when the service is at capacity and the
// waiting backlog is also full
var ErrBacklogFull = errors.New("admission: at capacity and backlog full")

// ErrQueueTimeout is returned when a queued request waited the maximum
// time without a token becoming available
var ErrQueueTimeout = errors.New("admission: timed out waiting for capacity")

// Controller issues capacity tokens up to a fixed ceiling
type Controller struct {
	logger  *zap.Logger
	slots   chan struct{}
	backlog int64
	maxWait time.Duration
	waiting atomic.Int64
}

// Token is a lease on one unit of execution capacity. It is owned by
// exactly one in-flight session and released at session teardown.
type Token struct {
	c    *Controller
	once sync.Once
}

// Release returns the token's capacity to the pool. Safe to call more
// than once; only the first call has an effect.
func (t *Token) Release() {
	t.once.Do(func() {
		<-t.c.slots
	})
}

// Stats is a point-in-time snapshot of the controller's gauges, exported
// for the health endpoint and the external autoscaler signal
type Stats struct {
	Limit    int   `json:"limit"`
	InFlight int   `json:"in_flight"`
	Waiting  int64 `json:"waiting"`
	Backlog  int   `json:"backlog"`
}

// New creates a Controller with the given ceiling, backlog bound, and
// maximum queue wait
func New(logger *zap.Logger, limit, backlog int, maxWait time.Duration) *Controller {
	return &Controller{
		logger:  logger,
		slots:   make(chan struct{}, limit),
		backlog: int64(backlog),
		maxWait: maxWait,
	}
}

// NewFromConfig creates a Controller from the application configuration
func NewFromConfig(logger *zap.Logger, cfg *config.Config) *Controller {
	return New(logger, cfg.Admission.MaxConcurrent, cfg.Admission.Backlog, cfg.MaxQueueWait())
}

// Acquire obtains a capacity token, waiting in the backlog if necessary.
// It returns ErrBacklogFull or ErrQueueTimeout when the request cannot
// be admitted, or the context error if the caller goes away first.
func (c *Controller) Acquire(ctx context.Context) (*Token, error) {
	// Fast path: capacity available right now
	select {
	case c.slots <- struct{}{}:
		return &Token{c: c}, nil
	default:
	}

	if c.waiting.Add(1) > c.backlog {
		c.waiting.Add(-1)
		c.logger.Debug("admission rejected, backlog full",
			zap.Int64("backlog", c.backlog))
		return nil, ErrBacklogFull
	}
	defer c.waiting.Add(-1)

	timer := time.NewTimer(c.maxWait)
	defer timer.Stop()

	select {
	case c.slots <- struct{}{}:
		return &Token{c: c}, nil
	case <-timer.C:
		c.logger.Debug("admission rejected, queue wait exceeded",
			zap.Duration("max_wait", c.maxWait))
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns the current capacity gauges
func (c *Controller) Stats() Stats {
	return Stats{
		Limit:    cap(c.slots),
		InFlight: len(c.slots),
		Waiting:  c.waiting.Load(),
		Backlog:  int(c.backlog),
	}
}
