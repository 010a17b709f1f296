package pubsubfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/internal/realtime"
	"github.com/angelmondragon/ordertrack/pkg/logger"
)

const (
	attrEventType  = "event_type"
	releaseTimeout = 5 * time.Second
)

var (
	errFeedClosed         = errors.New("pubsub feed closed")
	errSubscriptionEnded  = errors.New("order subscription ended")
	errSubscriptionsUnset = errors.New("order subscriptions required")
)

// Receiver is the subset of *pubsub.Subscriber the feed uses.
type Receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Subscriptions opens a subscription that only delivers one order's messages.
// release removes it once the view leaves the order.
type Subscriptions interface {
	OrderSubscription(ctx context.Context, orderID string) (recv Receiver, release func(context.Context) error, err error)
}

// SubscriptionFunc adapts a function to Subscriptions.
type SubscriptionFunc func(ctx context.Context, orderID string) (Receiver, func(context.Context) error, error)

func (f SubscriptionFunc) OrderSubscription(ctx context.Context, orderID string) (Receiver, func(context.Context) error, error) {
	return f(ctx, orderID)
}

// Transport gives every joined view its own filtered subscription, so nothing
// another tracker process needs is acked here.
type Transport struct {
	subs Subscriptions
	logg *logger.Logger
}

func New(subs Subscriptions, logg *logger.Logger) (*Transport, error) {
	if subs == nil {
		return nil, errSubscriptionsUnset
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Transport{subs: subs, logg: logg}, nil
}

// Dial returns an idle connection; the subscription is created on join.
func (t *Transport) Dial(context.Context) (realtime.Conn, error) {
	return &conn{
		subs:    t.subs,
		logg:    t.logg,
		updates: make(chan orders.StatusUpdate),
		dead:    make(chan struct{}),
	}, nil
}

type conn struct {
	subs Subscriptions
	logg *logger.Logger

	mu      sync.Mutex
	orderID string
	stop    context.CancelFunc
	stopped chan struct{}
	release func(context.Context) error
	closed  bool

	updates  chan orders.StatusUpdate
	dead     chan struct{}
	deadOnce sync.Once
	err      error
}

func (c *conn) Send(ctx context.Context, msg realtime.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errFeedClosed
	}
	switch msg.Event {
	case realtime.EventJoin:
		if c.orderID == msg.OrderID && c.stop != nil {
			return nil
		}
		if err := c.detach(ctx); err != nil {
			c.logg.Warn(c.logg.WithOrderID(ctx, c.orderID), "failed to release order subscription: "+err.Error())
		}
		return c.attach(ctx, msg.OrderID)
	case realtime.EventLeave:
		if c.orderID != msg.OrderID {
			return nil
		}
		return c.detach(ctx)
	default:
		return fmt.Errorf("unsupported control event %q", msg.Event)
	}
}

// attach must be called with mu held.
func (c *conn) attach(ctx context.Context, orderID string) error {
	recv, release, err := c.subs.OrderSubscription(ctx, orderID)
	if err != nil {
		return fmt.Errorf("subscribing to order %s: %w", orderID, err)
	}
	recvCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	stopped := make(chan struct{})
	c.orderID = orderID
	c.stop = stop
	c.stopped = stopped
	c.release = release
	go c.run(recvCtx, recv, orderID, stopped)
	return nil
}

// detach stops the receive loop and deletes its subscription. mu must be held;
// the loop never takes it.
func (c *conn) detach(ctx context.Context) error {
	if c.stop == nil {
		c.orderID = ""
		return nil
	}
	c.stop()
	<-c.stopped
	release := c.release
	c.orderID, c.stop, c.stopped, c.release = "", nil, nil, nil
	if release == nil {
		return nil
	}
	return release(ctx)
}

func (c *conn) run(ctx context.Context, recv Receiver, orderID string, stopped chan struct{}) {
	err := recv.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg, orderID).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
	close(stopped)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errSubscriptionEnded
	}
	c.fail(err)
}

func (c *conn) fail(err error) {
	c.deadOnce.Do(func() {
		c.err = err
		close(c.dead)
	})
}

type processResult struct {
	nack bool
}

func (c *conn) process(ctx context.Context, msg *pubsub.Message, orderID string) processResult {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": msg.Attributes[attrEventType],
	})
	if eventType := msg.Attributes[attrEventType]; eventType != "" && eventType != realtime.EventStatusUpdate {
		return processResult{}
	}

	update, ok, err := realtime.DecodeStatusUpdate(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode status update", err)
		return processResult{}
	}
	// The subscription filter already matched the attribute; the payload is
	// checked too in case a publisher set the two inconsistently.
	if !ok || update.OrderID != orderID {
		return processResult{}
	}

	select {
	case c.updates <- update:
		return processResult{}
	case <-ctx.Done():
		return processResult{nack: true}
	}
}

func (c *conn) Receive(ctx context.Context) (orders.StatusUpdate, error) {
	select {
	case update := <-c.updates:
		return update, nil
	case <-c.dead:
		return orders.StatusUpdate{}, c.err
	case <-ctx.Done():
		return orders.StatusUpdate{}, ctx.Err()
	}
}

// Close stops the receive loop and deletes the subscription.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := c.detach(ctx)
	c.fail(errFeedClosed)
	return err
}
