package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
)

const mailboxSize = 16

var errClosed = pkgerrors.New(pkgerrors.CodeStateConflict, "snapshot store closed")

type pendingCancellation struct {
	previousStatus       enums.OrderStatus
	previousCancellation *orders.Cancellation
	// serverCancelled is set once a fetch, poll or push reports the order cancelled
	// while the request is still in flight.
	serverCancelled bool
}

type state struct {
	order    orders.Order
	loaded   bool
	version  uint64
	pending  *pendingCancellation
	watchers map[string]chan orders.View
}

type command struct {
	run   func(*state) error
	reply chan error
}

// Store owns the canonical order for one view. A single goroutine applies every
// mutation in arrival order; callers never touch the order directly.
type Store struct {
	orderID string
	log     *logger.Logger
	metrics *metrics.CoordinatorMetrics
	now     func() time.Time

	mailbox   chan command
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for synthesized cancellation records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New starts the store goroutine for orderID.
func New(orderID string, logg *logger.Logger, m *metrics.CoordinatorMetrics, opts ...Option) *Store {
	if logg == nil {
		logg = logger.Nop()
	}
	s := &Store{
		orderID: orderID,
		log:     logg,
		metrics: m,
		now:     time.Now,
		mailbox: make(chan command, mailboxSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.loop()
	return s
}

// OrderID returns the id this store was created for.
func (s *Store) OrderID() string {
	return s.orderID
}

func (s *Store) loop() {
	st := &state{watchers: make(map[string]chan orders.View)}
	defer close(s.stopped)
	for {
		select {
		case cmd := <-s.mailbox:
			cmd.reply <- cmd.run(st)
		case <-s.quit:
			for id, ch := range st.watchers {
				close(ch)
				delete(st.watchers, id)
			}
			return
		}
	}
}

func (s *Store) exec(ctx context.Context, fn func(*state) error) error {
	reply := make(chan error, 1)
	select {
	case s.mailbox <- command{run: fn, reply: reply}:
	case <-s.quit:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return errClosed
		}
	}
}

// Load replaces the snapshot wholesale and clears any pending cancellation.
func (s *Store) Load(ctx context.Context, order orders.Order, source enums.UpdateSource) error {
	if order.ID != s.orderID {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id does not match snapshot").
			WithDetails(map[string]string{"expected": s.orderID, "got": order.ID})
	}
	order = order.Clone()
	return s.exec(ctx, func(st *state) error {
		st.order = order
		st.loaded = true
		st.pending = nil
		s.commit(ctx, st, source, "load")
		return nil
	})
}

// Merge applies the present fields of p. Merging the same partial twice is a no-op.
func (s *Store) Merge(ctx context.Context, p orders.Partial, source enums.UpdateSource) error {
	return s.exec(ctx, func(st *state) error {
		if !st.loaded {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "snapshot not loaded")
		}
		locked := st.order.Status.IsAbsorbing() && st.pending == nil
		res := applyPartial(st.order, p, locked, s.now())
		if res.ignoredStatus {
			s.metrics.IgnoredStatus(source.String())
			s.log.Debug(s.logCtx(ctx, source), "status update ignored on terminal order")
		}
		if st.pending != nil && res.order.Status == enums.OrderStatusCancelled && reportsCancellation(p) {
			st.pending.serverCancelled = true
		}
		if !res.changed {
			s.metrics.SnapshotWrite(source.String(), "noop")
			return nil
		}
		st.order = res.order
		s.commit(ctx, st, source, "merge")
		return nil
	})
}

// Snapshot returns the current view. ok is false until the first Load.
func (s *Store) Snapshot(ctx context.Context) (view orders.View, ok bool, err error) {
	err = s.exec(ctx, func(st *state) error {
		if !st.loaded {
			return nil
		}
		view = s.view(st)
		ok = true
		return nil
	})
	return view, ok, err
}

// Watch streams views after every change, starting with the current one when loaded.
// Slow readers only see the latest view. The returned func stops the stream.
func (s *Store) Watch(ctx context.Context) (<-chan orders.View, func(), error) {
	id := uuid.NewString()
	ch := make(chan orders.View, 1)
	err := s.exec(ctx, func(st *state) error {
		st.watchers[id] = ch
		if st.loaded {
			ch <- s.view(st)
		}
		return nil
	})
	if err != nil {
		return nil, func() {}, err
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = s.exec(context.Background(), func(st *state) error {
				if existing, ok := st.watchers[id]; ok {
					close(existing)
					delete(st.watchers, id)
				}
				return nil
			})
		})
	}
	return ch, stop, nil
}

// BeginCancellation provisionally marks the order cancelled until the server answers.
func (s *Store) BeginCancellation(ctx context.Context, c orders.Cancellation) error {
	return s.exec(ctx, func(st *state) error {
		switch {
		case !st.loaded:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "snapshot not loaded")
		case st.pending != nil:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "cancellation already pending")
		case st.order.Status.IsAbsorbing():
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is no longer cancellable").
				WithDetails(map[string]string{"status": st.order.Status.String()})
		}
		st.pending = &pendingCancellation{
			previousStatus:       st.order.Status,
			previousCancellation: st.order.Cancellation,
		}
		next := st.order.Clone()
		next.Status = enums.OrderStatusCancelled
		next.Cancellation = &c
		st.order = next
		s.commit(ctx, st, enums.UpdateSourceOptimistic, "begin_cancellation")
		return nil
	})
}

// ConfirmCancellation installs the server's record and ends the pending window.
func (s *Store) ConfirmCancellation(ctx context.Context, order orders.Order) error {
	return s.Load(ctx, order, enums.UpdateSourceCancellation)
}

// RejectCancellation drops the provisional status. A newer status written by
// another source during the pending window is kept, and so is a cancellation the
// server already reported.
func (s *Store) RejectCancellation(ctx context.Context) error {
	return s.exec(ctx, func(st *state) error {
		if st.pending == nil {
			return nil
		}
		pending := st.pending
		st.pending = nil
		if st.order.Status == enums.OrderStatusCancelled && !pending.serverCancelled {
			next := st.order.Clone()
			next.Status = pending.previousStatus
			next.Cancellation = pending.previousCancellation
			st.order = next
		}
		s.commit(ctx, st, enums.UpdateSourceOptimistic, "reject_cancellation")
		return nil
	})
}

func reportsCancellation(p orders.Partial) bool {
	return p.Cancellation != nil || (p.Status != nil && *p.Status == enums.OrderStatusCancelled)
}

// Close stops the store goroutine and closes every watch channel. Safe to call twice.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.stopped
}

func (s *Store) commit(ctx context.Context, st *state, source enums.UpdateSource, kind string) {
	st.version++
	s.metrics.SnapshotWrite(source.String(), kind)
	ctx = s.log.WithFields(s.logCtx(ctx, source), map[string]any{
		"kind":    kind,
		"status":  st.order.Status.String(),
		"version": st.version,
	})
	s.log.Debug(ctx, "snapshot updated")

	view := s.view(st)
	for _, ch := range st.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- view
	}
}

func (s *Store) view(st *state) orders.View {
	return orders.NewView(st.order.Clone(), st.pending != nil, st.version)
}

func (s *Store) logCtx(ctx context.Context, source enums.UpdateSource) context.Context {
	ctx = s.log.WithOrderID(ctx, s.orderID)
	return s.log.WithSource(ctx, source.String())
}
