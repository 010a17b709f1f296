package actions

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/angelmondragon/ordertrack/internal/orders"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/logger"
)

// Action names a facade operation.
type Action string

const (
	ActionCancel       Action = "cancel"
	ActionPrintReceipt Action = "print_receipt"
	ActionChat         Action = "chat"
)

// Canceller submits a cancellation with an already compiled reason.
type Canceller interface {
	CancelOrder(ctx context.Context, orderID, reason string) (orders.Order, error)
}

// Printer outputs a rendered receipt.
type Printer interface {
	Print(ctx context.Context, orderID string, receipt []byte) error
}

// SupportContext is the order context handed to a support conversation.
type SupportContext struct {
	OrderID        string
	Status         string
	PaymentStatus  string
	TrackingNumber string
	Total          string
}

// SupportLauncher opens a support conversation.
type SupportLauncher interface {
	Launch(ctx context.Context, sc SupportContext) error
}

// Flags report which actions are running for an order.
type Flags struct {
	Cancelling bool
	Printing   bool
	Chatting   bool
}

// Params configure a Facade.
type Params struct {
	Canceller Canceller
	Printer   Printer
	Support   SupportLauncher
	Logger    *logger.Logger
}

// Facade runs the user-facing order actions. An action never overlaps itself for
// the same order.
type Facade struct {
	canceller Canceller
	printer   Printer
	support   SupportLauncher
	logg      *logger.Logger

	mu      sync.Mutex
	running map[string]map[Action]bool
}

// NewFacade validates params.
func NewFacade(params Params) (*Facade, error) {
	switch {
	case params.Canceller == nil:
		return nil, errors.New("canceller required")
	case params.Printer == nil:
		return nil, errors.New("printer required")
	case params.Support == nil:
		return nil, errors.New("support launcher required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Facade{
		canceller: params.Canceller,
		printer:   params.Printer,
		support:   params.Support,
		logg:      logg,
		running:   make(map[string]map[Action]bool),
	}, nil
}

// Cancel submits a cancellation for order and returns the server's record.
func (f *Facade) Cancel(ctx context.Context, order orders.Order, reason string) (orders.Order, error) {
	release, err := f.acquire(order.ID, ActionCancel)
	if err != nil {
		return orders.Order{}, err
	}
	defer release()

	if order.Status.IsAbsorbing() {
		return orders.Order{}, pkgerrors.New(pkgerrors.CodeStateConflict, "order can no longer be cancelled").
			WithDetails(map[string]string{"status": order.Status.String()})
	}
	if strings.TrimSpace(reason) == "" {
		return orders.Order{}, pkgerrors.New(pkgerrors.CodeValidation, "cancellation reason is required")
	}

	ctx = f.actionCtx(ctx, order.ID, ActionCancel)
	updated, err := f.canceller.CancelOrder(ctx, order.ID, strings.TrimSpace(reason))
	if err != nil {
		f.logg.Error(ctx, "cancel action failed", err)
		return orders.Order{}, pkgerrors.Wrap(pkgerrors.CodeCancellation, err, "cancel order")
	}
	f.logg.Info(ctx, "cancel action completed")
	return updated, nil
}

// PrintReceipt renders the receipt and sends it to the printer.
func (f *Facade) PrintReceipt(ctx context.Context, order orders.Order) error {
	release, err := f.acquire(order.ID, ActionPrintReceipt)
	if err != nil {
		return err
	}
	defer release()

	ctx = f.actionCtx(ctx, order.ID, ActionPrintReceipt)
	receipt, err := RenderReceipt(order)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render receipt")
	}
	if err := f.printer.Print(ctx, order.ID, receipt); err != nil {
		f.logg.Error(ctx, "print action failed", err)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "print receipt")
	}
	return nil
}

// ChatWithSupport opens a support conversation carrying the order context.
func (f *Facade) ChatWithSupport(ctx context.Context, order orders.Order) error {
	release, err := f.acquire(order.ID, ActionChat)
	if err != nil {
		return err
	}
	defer release()

	ctx = f.actionCtx(ctx, order.ID, ActionChat)
	sc := SupportContext{
		OrderID:        order.ID,
		Status:         order.Status.String(),
		PaymentStatus:  order.PaymentStatus.String(),
		TrackingNumber: order.TrackingNumber,
		Total:          order.Total().StringFixed(2),
	}
	if err := f.support.Launch(ctx, sc); err != nil {
		f.logg.Error(ctx, "support launch failed", err)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "open support chat")
	}
	return nil
}

// Flags returns the running actions for orderID.
func (f *Facade) Flags(orderID string) Flags {
	f.mu.Lock()
	defer f.mu.Unlock()
	running := f.running[orderID]
	return Flags{
		Cancelling: running[ActionCancel],
		Printing:   running[ActionPrintReceipt],
		Chatting:   running[ActionChat],
	}
}

func (f *Facade) acquire(orderID string, action Action) (func(), error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	running := f.running[orderID]
	if running == nil {
		running = make(map[Action]bool)
		f.running[orderID] = running
	}
	if running[action] {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "action already in progress").
			WithDetails(map[string]string{"action": string(action), "order_id": orderID})
	}
	running[action] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(running, action)
		if len(running) == 0 {
			delete(f.running, orderID)
		}
	}, nil
}

func (f *Facade) actionCtx(ctx context.Context, orderID string, action Action) context.Context {
	ctx = f.logg.WithOrderID(ctx, orderID)
	return f.logg.WithField(ctx, "action", string(action))
}
