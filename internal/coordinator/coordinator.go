package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/ordertrack/internal/actions"
	"github.com/angelmondragon/ordertrack/internal/cancellation"
	"github.com/angelmondragon/ordertrack/internal/orderapi"
	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/internal/payment"
	"github.com/angelmondragon/ordertrack/internal/poller"
	"github.com/angelmondragon/ordertrack/internal/realtime"
	"github.com/angelmondragon/ordertrack/internal/retry"
	"github.com/angelmondragon/ordertrack/internal/snapshot"
	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/idempotency"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
	"github.com/angelmondragon/ordertrack/pkg/session"
)

// API is the order backend surface the coordinator needs.
type API interface {
	FetchOrder(ctx context.Context, orderID string) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (orders.Order, error)
	CreatePaymentIntent(ctx context.Context, orderID string) (orders.PaymentIntent, error)
	VerifyPayment(ctx context.Context, req orderapi.VerifyRequest) (orders.Order, error)
}

// Params configure one order view.
type Params struct {
	OrderID string
	API     API
	Session *session.State
	Actions *actions.Facade

	// Transport is optional; without it the view relies on polling alone.
	Transport realtime.Transport

	// Provider is optional; without it Payment returns nil.
	Provider payment.Provider
	Loader   *payment.Loader
	Guard    *idempotency.Manager

	Logger       *logger.Logger
	Metrics      *metrics.CoordinatorMetrics
	Clock        poller.Clock
	PollInterval time.Duration
	MaxAttempts  int
}

// Coordinator owns the canonical order for one open view and everything that
// writes to it.
type Coordinator struct {
	orderID string
	api     API
	session *session.State
	logg    *logger.Logger

	store        *snapshot.Store
	retry        *retry.Controller
	poller       *poller.Poller
	channel      *realtime.Channel
	bridge       *payment.Bridge
	cancellation *cancellation.Workflow
	actions      *actions.Facade

	// lifeMu orders the first subscribe against Close.
	lifeMu    sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New wires the components for params.OrderID. Nothing touches the network until Open.
func New(params Params) (*Coordinator, error) {
	orderID := strings.TrimSpace(params.OrderID)
	switch {
	case orderID == "":
		return nil, errors.New("order id required")
	case params.API == nil:
		return nil, errors.New("order api required")
	case params.Session == nil:
		return nil, errors.New("session required")
	case params.Actions == nil:
		return nil, errors.New("actions facade required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}

	c := &Coordinator{
		orderID: orderID,
		api:     params.API,
		session: params.Session,
		logg:    logg,
		actions: params.Actions,
		closed:  make(chan struct{}),
	}
	c.store = snapshot.New(orderID, logg, params.Metrics)
	c.retry = retry.NewController(params.MaxAttempts, logg, params.Metrics)

	var err error
	c.poller, err = poller.New(poller.Params{
		OrderID:  orderID,
		Fetcher:  params.API,
		Target:   c.store,
		Logger:   logg,
		Metrics:  params.Metrics,
		Clock:    params.Clock,
		Interval: params.PollInterval,
	})
	if err != nil {
		c.store.Close()
		return nil, err
	}

	if params.Transport != nil {
		c.channel, err = realtime.NewChannel(realtime.Params{
			Transport: params.Transport,
			Sink:      c.store,
			Logger:    logg,
			Metrics:   params.Metrics,
			OnDrop:    c.onDrop,
		})
		if err != nil {
			c.store.Close()
			return nil, err
		}
	}

	if params.Provider != nil {
		loader := params.Loader
		if loader == nil {
			loader = payment.NewLoader()
		}
		c.bridge, err = payment.NewBridge(payment.Params{
			OrderID:  orderID,
			Provider: params.Provider,
			Loader:   loader,
			API:      params.API,
			Store:    c.store,
			Guard:    params.Guard,
			Logger:   logg,
			Metrics:  params.Metrics,
		})
		if err != nil {
			c.store.Close()
			return nil, err
		}
	}

	c.cancellation, err = cancellation.NewWorkflow(cancellation.Params{
		OrderID: orderID,
		API:     params.Actions,
		Store:   c.store,
		Logger:  logg,
		Metrics: params.Metrics,
	})
	if err != nil {
		c.store.Close()
		return nil, err
	}

	go c.watchSession(params.Session.Done())
	return c, nil
}

func (c *Coordinator) watchSession(done <-chan struct{}) {
	select {
	case <-done:
		c.logg.Warn(c.logCtx(context.Background()), "session ended; closing order view")
		_ = c.Close()
	case <-c.closed:
	}
}

// Open performs the initial fetch through the retry budget. On success the push
// subscription and the background poll start. A failed Open can be followed by Refresh.
func (c *Coordinator) Open(ctx context.Context) error {
	return c.fetch(ctx)
}

// Refresh re-fetches through the retry budget and replaces the snapshot.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.fetch(ctx)
}

// ResetRetries restores the retry budget after RETRY_EXHAUSTED.
func (c *Coordinator) ResetRetries() {
	c.retry.Reset()
}

func (c *Coordinator) fetch(ctx context.Context) error {
	if c.isClosed() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order view closed")
	}
	if c.session.Unauthorized() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "session unauthorized")
	}
	ctx = c.logCtx(ctx)
	ctx = c.logg.WithSource(ctx, enums.UpdateSourceFetch.String())

	order, err := retry.Fetch(ctx, c.retry, func(ctx context.Context) (orders.Order, error) {
		return c.api.FetchOrder(ctx, c.orderID)
	})
	if err != nil {
		c.logg.Warn(ctx, "order fetch failed: "+err.Error())
		return err
	}
	if err := c.store.Load(ctx, order, enums.UpdateSourceFetch); err != nil {
		return err
	}
	c.startOnce.Do(func() { c.start(ctx) })
	return nil
}

func (c *Coordinator) start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.isClosed() {
		return
	}
	if c.channel != nil {
		if err := c.channel.Subscribe(ctx, c.orderID); err != nil {
			c.logg.Error(ctx, "realtime subscribe failed; relying on polling", err)
		}
	}
	c.poller.Start(context.WithoutCancel(ctx))
}

func (c *Coordinator) onDrop(orderID string, err error) {
	c.logg.Warn(c.logCtx(context.Background()), "realtime feed dropped for "+orderID+"; polling continues")
}

// View returns the current read model. ok is false until the first successful fetch.
func (c *Coordinator) View(ctx context.Context) (orders.View, bool, error) {
	return c.store.Snapshot(ctx)
}

// Watch streams view updates until stop is called or the view closes.
func (c *Coordinator) Watch(ctx context.Context) (<-chan orders.View, func(), error) {
	return c.store.Watch(ctx)
}

// Payment returns the payment bridge, or nil when no provider is configured.
func (c *Coordinator) Payment() *payment.Bridge {
	return c.bridge
}

// Cancellation returns the cancellation dialog for this order.
func (c *Coordinator) Cancellation() *cancellation.Workflow {
	return c.cancellation
}

// PrintReceipt prints the current snapshot.
func (c *Coordinator) PrintReceipt(ctx context.Context) error {
	view, err := c.loadedView(ctx)
	if err != nil {
		return err
	}
	return c.actions.PrintReceipt(c.logCtx(ctx), view.Order)
}

// ChatWithSupport opens support with the current snapshot as context.
func (c *Coordinator) ChatWithSupport(ctx context.Context) error {
	view, err := c.loadedView(ctx)
	if err != nil {
		return err
	}
	return c.actions.ChatWithSupport(c.logCtx(ctx), view.Order)
}

// RealtimeState reports the push subscription state.
func (c *Coordinator) RealtimeState() realtime.State {
	if c.channel == nil {
		return realtime.StateDisconnected
	}
	return c.channel.State()
}

// Done is closed once the view has been torn down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.closed
}

// Close leaves and closes the push subscription, stops polling, then discards the
// snapshot. It is idempotent.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.lifeMu.Lock()
		defer c.lifeMu.Unlock()
		ctx := c.logCtx(context.Background())
		var err error
		if c.channel != nil {
			err = multierr.Append(err, c.channel.Unsubscribe(ctx))
		}
		c.poller.Stop()
		c.store.Close()
		c.closeErr = err
		close(c.closed)
		c.logg.Info(ctx, "order view closed")
	})
	return c.closeErr
}

func (c *Coordinator) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Coordinator) loadedView(ctx context.Context) (orders.View, error) {
	view, ok, err := c.store.Snapshot(ctx)
	if err != nil {
		return orders.View{}, err
	}
	if !ok {
		return orders.View{}, pkgerrors.New(pkgerrors.CodeStateConflict, "order not loaded")
	}
	return view, nil
}

func (c *Coordinator) logCtx(ctx context.Context) context.Context {
	ctx = c.logg.WithOrderID(ctx, c.orderID)
	return c.logg.WithComponent(ctx, "coordinator")
}
