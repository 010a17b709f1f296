package retry

import (
	"context"
	"fmt"
	"sync"

	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
)

// DefaultMaxAttempts is the consecutive-failure budget for manual retries.
const DefaultMaxAttempts = 3

// Controller gates a user-triggered operation behind a consecutive-attempt cap.
// It never retries on its own.
type Controller struct {
	mu       sync.Mutex
	attempts int
	max      int
	log      *logger.Logger
	metrics  *metrics.CoordinatorMetrics
}

// NewController returns a controller allowing max consecutive attempts.
func NewController(max int, logg *logger.Logger, m *metrics.CoordinatorMetrics) *Controller {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Controller{max: max, log: logg, metrics: m}
}

// Do runs fn once if the budget allows. A success resets the counter.
// Once the cap is reached fn is not invoked and RETRY_EXHAUSTED is returned.
func (c *Controller) Do(ctx context.Context, fn func(context.Context) error) error {
	c.mu.Lock()
	if c.attempts >= c.max {
		attempts := c.attempts
		c.mu.Unlock()
		c.metrics.FetchAttempt("exhausted")
		return pkgerrors.New(pkgerrors.CodeRetryExhausted, fmt.Sprintf("gave up after %d attempts", attempts)).
			WithDetails(map[string]int{"attempts": attempts, "max": c.max})
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	ctx = c.log.WithField(ctx, "attempt", attempt)
	if err := fn(ctx); err != nil {
		c.metrics.FetchAttempt("failure")
		c.log.Warn(ctx, "attempt failed")
		return err
	}

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.metrics.FetchAttempt("success")
	return nil
}

// Attempts returns the consecutive failed or in-flight attempts.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Exhausted reports whether the next Do will be rejected.
func (c *Controller) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts >= c.max
}

// Reset restores the full budget. It backs the explicit refresh affordance.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// Fetch is Do for operations that produce a value.
func Fetch[T any](ctx context.Context, c *Controller, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
