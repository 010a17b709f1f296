package cancellation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/ordertrack/internal/orders"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
)

// State is the dialog position.
type State string

const (
	StateIdle            State = "idle"
	StateConfirmShown    State = "confirm_shown"
	StateReasonFormShown State = "reason_form_shown"
	StateSubmitting      State = "submitting"
	StateDone            State = "done"
	StateError           State = "error"
)

// API submits the cancellation for the order as the buyer last saw it.
type API interface {
	Cancel(ctx context.Context, order orders.Order, reason string) (orders.Order, error)
}

// Store is the snapshot side of an optimistic cancellation.
type Store interface {
	Snapshot(ctx context.Context) (orders.View, bool, error)
	BeginCancellation(ctx context.Context, c orders.Cancellation) error
	ConfirmCancellation(ctx context.Context, order orders.Order) error
	RejectCancellation(ctx context.Context) error
}

// Params configure a Workflow.
type Params struct {
	OrderID string
	API     API
	Store   Store
	Logger  *logger.Logger
	Metrics *metrics.CoordinatorMetrics
	Now     func() time.Time
}

// Workflow is the guarded multi-step cancellation dialog for one order.
type Workflow struct {
	orderID string
	api     API
	store   Store
	logg    *logger.Logger
	metrics *metrics.CoordinatorMetrics
	now     func() time.Time

	mu      sync.Mutex
	state   State
	lastErr error
}

// NewWorkflow validates params and returns an idle workflow.
func NewWorkflow(params Params) (*Workflow, error) {
	switch {
	case params.OrderID == "":
		return nil, errors.New("order id required")
	case params.API == nil:
		return nil, errors.New("cancellation api required")
	case params.Store == nil:
		return nil, errors.New("snapshot store required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Workflow{
		orderID: params.OrderID,
		api:     params.API,
		store:   params.Store,
		logg:    logg,
		metrics: params.Metrics,
		now:     now,
		state:   StateIdle,
	}, nil
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Begin opens the confirmation step when the order can still be cancelled.
func (w *Workflow) Begin(ctx context.Context) error {
	view, ok, err := w.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !ok || !view.Cancellable {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order can no longer be cancelled")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateIdle && w.state != StateDone {
		return w.conflict("begin")
	}
	w.state = StateConfirmShown
	w.lastErr = nil
	return nil
}

// Confirm moves from the confirmation prompt to the reason form. No network.
func (w *Workflow) Confirm() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateConfirmShown {
		return w.conflict("confirm")
	}
	w.state = StateReasonFormShown
	return nil
}

// Submit validates the form, then applies the optimistic cancel and asks the
// server. Invalid input keeps the form open and never reaches the network.
func (w *Workflow) Submit(ctx context.Context, reason, comment string) error {
	form := Form{Reason: reason, Comment: comment}.Normalize()

	w.mu.Lock()
	if w.state != StateReasonFormShown {
		defer w.mu.Unlock()
		return w.conflict("submit")
	}
	if err := form.Validate(); err != nil {
		w.lastErr = err
		w.mu.Unlock()
		return err
	}
	w.state = StateSubmitting
	w.lastErr = nil
	w.mu.Unlock()

	ctx = w.logg.WithComponent(w.logg.WithOrderID(ctx, w.orderID), "cancellation")
	ctx = w.logg.WithField(ctx, "reason", form.Reason)

	view, ok, err := w.store.Snapshot(ctx)
	if err == nil && !ok {
		err = pkgerrors.New(pkgerrors.CodeStateConflict, "order not loaded")
	}
	if err != nil {
		return w.fail(ctx, err)
	}

	compiled := form.CompiledReason()
	if err := w.store.BeginCancellation(ctx, orders.Cancellation{
		Reason:      compiled,
		Comment:     form.Comment,
		RequestedAt: w.now().UTC(),
	}); err != nil {
		return w.fail(ctx, err)
	}

	order, err := w.api.Cancel(ctx, view.Order, compiled)
	if err != nil {
		if rejErr := w.store.RejectCancellation(context.WithoutCancel(ctx)); rejErr != nil {
			w.logg.Error(ctx, "could not roll back optimistic cancellation", rejErr)
		}
		return w.fail(ctx, err)
	}
	if err := w.store.ConfirmCancellation(ctx, order); err != nil {
		w.logg.Error(ctx, "server cancellation could not be loaded", err)
	}

	w.mu.Lock()
	w.state = StateDone
	w.mu.Unlock()
	w.metrics.CancellationOutcome("done")
	w.logg.Info(ctx, "order cancelled")
	return nil
}

// Dismiss closes the dialog. It is refused while a submission is in flight.
func (w *Workflow) Dismiss() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateSubmitting {
		return w.conflict("dismiss")
	}
	w.state = StateIdle
	w.lastErr = nil
	return nil
}

// Retry reopens the reason form after a failed submission.
func (w *Workflow) Retry() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateError {
		return w.conflict("retry")
	}
	w.state = StateReasonFormShown
	return nil
}

func (w *Workflow) fail(ctx context.Context, cause error) error {
	err := pkgerrors.Wrap(pkgerrors.CodeCancellation, cause, "cancellation failed")
	w.mu.Lock()
	w.state = StateError
	w.lastErr = err
	w.mu.Unlock()
	w.metrics.CancellationOutcome("error")
	w.logg.Error(ctx, "cancellation failed", cause)
	return err
}

// conflict must be called with w.mu held.
func (w *Workflow) conflict(action string) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, action+" not allowed in current state").
		WithDetails(map[string]string{"state": string(w.state)})
}
