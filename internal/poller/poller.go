package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/pkg/enums"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
)

const DefaultInterval = 30 * time.Second

// Fetcher loads the full order from the server.
type Fetcher interface {
	FetchOrder(ctx context.Context, orderID string) (orders.Order, error)
}

// Target receives poll results.
type Target interface {
	Merge(ctx context.Context, p orders.Partial, source enums.UpdateSource) error
	Snapshot(ctx context.Context) (orders.View, bool, error)
}

// Params configure a Poller.
type Params struct {
	OrderID  string
	Fetcher  Fetcher
	Target   Target
	Logger   *logger.Logger
	Metrics  *metrics.CoordinatorMetrics
	Clock    Clock
	Interval time.Duration
}

// Poller re-fetches the order on a fixed cadence while it can still change.
// A single timer is outstanding at a time and the next one is armed only after
// the previous fetch finished.
type Poller struct {
	orderID  string
	fetcher  Fetcher
	target   Target
	logg     *logger.Logger
	metrics  *metrics.CoordinatorMetrics
	clock    Clock
	interval time.Duration

	mu      sync.Mutex
	timer   Timer
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New validates params and builds an idle poller.
func New(params Params) (*Poller, error) {
	if params.OrderID == "" {
		return nil, fmt.Errorf("order id required")
	}
	if params.Fetcher == nil {
		return nil, fmt.Errorf("fetcher required")
	}
	if params.Target == nil {
		return nil, fmt.Errorf("target required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = RealClock()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		orderID:  params.OrderID,
		fetcher:  params.Fetcher,
		target:   params.Target,
		logg:     logg,
		metrics:  params.Metrics,
		clock:    clock,
		interval: interval,
	}, nil
}

// Start arms the first timer unless the order is already terminal. Calling it
// again is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx = p.logg.WithComponent(p.logg.WithOrderID(ctx, p.orderID), "poller")
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if p.terminal(p.ctx) {
		p.logg.Debug(p.ctx, "order already terminal; polling not scheduled")
		return
	}
	p.schedule()
}

// Stop cancels the pending timer and waits for an in-flight fetch to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	if p.timer != nil {
		if p.timer.Stop() {
			p.wg.Done()
		}
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Scheduled reports whether a timer is currently armed.
func (p *Poller) Scheduled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

func (p *Poller) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.wg.Add(1)
	p.timer = p.clock.AfterFunc(p.interval, p.tick)
}

func (p *Poller) tick() {
	defer p.wg.Done()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	ctx := p.ctx
	p.mu.Unlock()

	ctx = p.logg.WithSource(ctx, enums.UpdateSourcePoll.String())
	if p.terminal(ctx) {
		p.metrics.PollRun("terminal")
		p.logg.Debug(ctx, "order reached a terminal status; polling stopped")
		return
	}

	p.run(ctx)

	if p.terminal(ctx) {
		p.logg.Info(ctx, "order reached a terminal status; polling stopped")
		return
	}
	p.schedule()
}

func (p *Poller) run(ctx context.Context) {
	order, err := p.fetcher.FetchOrder(ctx, p.orderID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.PollRun("failure")
		p.logg.Error(ctx, "poll fetch failed", err)
		return
	}
	if err := p.target.Merge(ctx, orders.PartialFromOrder(order), enums.UpdateSourcePoll); err != nil {
		p.metrics.PollRun("failure")
		p.logg.Error(ctx, "poll merge failed", err)
		return
	}
	p.metrics.PollRun("success")
}

func (p *Poller) terminal(ctx context.Context) bool {
	view, ok, err := p.target.Snapshot(ctx)
	if err != nil {
		return true
	}
	return ok && view.Order.Status.IsAbsorbing() && !view.CancellationPending
}
