package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
)

// State is the subscription lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
)

// Sink receives merged push updates.
type Sink interface {
	Merge(ctx context.Context, p orders.Partial, source enums.UpdateSource) error
}

// Params configure a Channel.
type Params struct {
	Transport Transport
	Sink      Sink
	Logger    *logger.Logger
	Metrics   *metrics.CoordinatorMetrics
	// OnDrop is called when the feed goes away without Unsubscribe. There is no
	// automatic resubscribe.
	OnDrop func(orderID string, err error)
}

// Channel keeps at most one order subscription on the push feed.
type Channel struct {
	transport Transport
	sink      Sink
	logg      *logger.Logger
	metrics   *metrics.CoordinatorMetrics
	onDrop    func(string, error)

	// opMu serializes Subscribe and Unsubscribe so leave+close always precede the next join.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	orderID    string
	conn       Conn
	generation uint64
	cancel     context.CancelFunc
	readerDone chan struct{}
}

// NewChannel builds a disconnected channel.
func NewChannel(params Params) (*Channel, error) {
	if params.Transport == nil {
		return nil, errors.New("transport required")
	}
	if params.Sink == nil {
		return nil, errors.New("sink required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Channel{
		transport: params.Transport,
		sink:      params.Sink,
		logg:      logg,
		metrics:   params.Metrics,
		onDrop:    params.OnDrop,
		state:     StateDisconnected,
	}, nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OrderID returns the subscribed order id, or empty.
func (c *Channel) OrderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderID
}

// Subscribe joins orderID. An existing subscription to another id is left and
// closed first. Subscribing to the current id again is a no-op.
func (c *Channel) Subscribe(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == StateSubscribed && c.orderID == orderID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.teardown(ctx); err != nil {
		c.logg.Warn(c.logCtx(ctx, c.OrderID()), "previous subscription teardown failed: "+err.Error())
	}

	c.mu.Lock()
	c.state = StateConnecting
	c.orderID = orderID
	c.mu.Unlock()

	ctx = c.logCtx(ctx, orderID)
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		c.reset()
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "dial realtime feed")
	}
	if err := conn.Send(ctx, Outbound{Event: EventJoin, OrderID: orderID}); err != nil {
		c.reset()
		return pkgerrors.Wrap(pkgerrors.CodeDependency, multierr.Append(err, conn.Close()), "join order feed")
	}

	readerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.conn = conn
	c.cancel = cancel
	c.readerDone = done
	c.state = StateSubscribed
	c.mu.Unlock()

	go c.read(readerCtx, conn, orderID, gen, done)
	c.logg.Info(ctx, "subscribed to order feed")
	return nil
}

// Unsubscribe sends leave, closes the connection and waits for the reader to exit.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.teardown(ctx)
}

func (c *Channel) teardown(ctx context.Context) error {
	c.mu.Lock()
	conn, cancel, done, orderID := c.conn, c.cancel, c.readerDone, c.orderID
	c.generation++
	c.conn = nil
	c.cancel = nil
	c.readerDone = nil
	c.orderID = ""
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	err = multierr.Append(err, conn.Send(ctx, Outbound{Event: EventLeave, OrderID: orderID}))
	err = multierr.Append(err, conn.Close())
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.logg.Info(c.logCtx(ctx, orderID), "left order feed")
	return err
}

func (c *Channel) reset() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.orderID = ""
	c.mu.Unlock()
}

func (c *Channel) read(ctx context.Context, conn Conn, orderID string, gen uint64, done chan struct{}) {
	defer close(done)
	ctx = c.logg.WithSource(ctx, enums.UpdateSourcePush.String())
	for {
		update, err := conn.Receive(ctx)
		if err != nil {
			c.dropped(ctx, orderID, gen, err)
			return
		}
		if update.OrderID != orderID {
			c.logg.Debug(ctx, "ignoring update for another order")
			continue
		}
		partial, err := update.ToPartial()
		if err != nil {
			c.logg.Warn(ctx, "dropping malformed status update: "+err.Error())
			continue
		}
		if partial.IsEmpty() {
			continue
		}
		if err := c.sink.Merge(ctx, partial, enums.UpdateSourcePush); err != nil {
			c.logg.Error(ctx, "push merge failed", err)
		}
	}
}

func (c *Channel) dropped(ctx context.Context, orderID string, gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.generation++
	c.conn = nil
	c.cancel = nil
	c.readerDone = nil
	c.orderID = ""
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.metrics.ChannelDrop()
	c.logg.Error(ctx, "order feed dropped", err)
	if c.onDrop != nil {
		c.onDrop(orderID, err)
	}
}

func (c *Channel) logCtx(ctx context.Context, orderID string) context.Context {
	ctx = c.logg.WithComponent(ctx, "realtime")
	if orderID == "" {
		return ctx
	}
	return c.logg.WithOrderID(ctx, orderID)
}
