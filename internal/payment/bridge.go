package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/ordertrack/internal/orderapi"
	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/idempotency"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
)

// State is the bridge's position in the payment flow.
type State string

const (
	StateIdle          State = "idle"
	StateScriptLoading State = "script_loading"
	StateScriptReady   State = "script_ready"
	StateIntentCreated State = "intent_created"
	StateCheckoutOpen  State = "checkout_open"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
	StateVerifying     State = "verifying"
	StateVerified      State = "verified"
	StateVerifyFailed  State = "verify_failed"
)

const verifyScope = "payment-verify"

// API is the server side of the payment flow.
type API interface {
	CreatePaymentIntent(ctx context.Context, orderID string) (orders.PaymentIntent, error)
	VerifyPayment(ctx context.Context, req orderapi.VerifyRequest) (orders.Order, error)
}

// Store is the order snapshot the bridge reads and updates.
type Store interface {
	Snapshot(ctx context.Context) (orders.View, bool, error)
	Merge(ctx context.Context, p orders.Partial, source enums.UpdateSource) error
}

// Attempt is the preserved state of one checkout, kept for verification retries.
type Attempt struct {
	OrderID string
	Intent  orders.PaymentIntent
	Proof   Proof
}

// PayRequest is the buyer input for Pay.
type PayRequest struct {
	Prefill Prefill
	Notes   map[string]string
}

// Params configure a Bridge.
type Params struct {
	OrderID  string
	Provider Provider
	Loader   *Loader
	API      API
	Store    Store
	Guard    *idempotency.Manager
	Logger   *logger.Logger
	Metrics  *metrics.CoordinatorMetrics
}

// Bridge drives one order through load, intent, checkout and verification.
type Bridge struct {
	orderID  string
	provider Provider
	loader   *Loader
	api      API
	store    Store
	guard    *idempotency.Manager
	logg     *logger.Logger
	metrics  *metrics.CoordinatorMetrics

	mu      sync.Mutex
	state   State
	busy    bool
	attempt *Attempt
	lastErr error
}

// NewBridge validates params. A nil Guard falls back to an in-memory claim store.
func NewBridge(params Params) (*Bridge, error) {
	switch {
	case strings.TrimSpace(params.OrderID) == "":
		return nil, errors.New("order id required")
	case params.Provider == nil:
		return nil, errors.New("payment provider required")
	case params.Loader == nil:
		return nil, errors.New("script loader required")
	case params.API == nil:
		return nil, errors.New("payment api required")
	case params.Store == nil:
		return nil, errors.New("snapshot store required")
	}
	guard := params.Guard
	if guard == nil {
		var err error
		guard, err = idempotency.NewManager(idempotency.NewMemoryStore(), 0)
		if err != nil {
			return nil, err
		}
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Bridge{
		orderID:  params.OrderID,
		provider: params.Provider,
		loader:   params.Loader,
		api:      params.API,
		store:    params.Store,
		guard:    guard,
		logg:     logg,
		metrics:  params.Metrics,
		state:    StateIdle,
	}, nil
}

// State returns the current flow state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the error that ended the most recent step, if any.
func (b *Bridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Attempt returns the preserved checkout attempt, if one succeeded at the gateway.
func (b *Bridge) Attempt() (Attempt, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempt == nil {
		return Attempt{}, false
	}
	return *b.attempt, true
}

// Pay runs the full flow. It is refused while another step is in flight, when the
// order is already paid, or while a gateway-confirmed payment awaits verification.
func (b *Bridge) Pay(ctx context.Context, req PayRequest) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	defer b.end()

	ctx = b.logCtx(ctx)

	b.setState(StateScriptLoading)
	if err := b.timed("script_load", func() error { return b.loader.Load(ctx, b.provider) }); err != nil {
		return b.fail(ctx, StateFailed, pkgerrors.Wrap(pkgerrors.CodeScriptLoad, err, fmt.Sprintf("load %s checkout", b.provider.Name())))
	}
	b.setState(StateScriptReady)

	var intent orders.PaymentIntent
	err := b.timed("intent", func() error {
		var err error
		intent, err = b.api.CreatePaymentIntent(ctx, b.orderID)
		return err
	})
	if err != nil {
		if !pkgerrors.IsCode(err, pkgerrors.CodeIntentCreation) {
			err = pkgerrors.Wrap(pkgerrors.CodeIntentCreation, err, "create payment intent")
		}
		return b.fail(ctx, StateFailed, err)
	}
	b.setState(StateIntentCreated)

	outcome, err := b.checkout(ctx, CheckoutRequest{
		OrderID: b.orderID,
		Intent:  intent,
		Prefill: req.Prefill,
		Notes:   req.Notes,
	})
	if err != nil {
		return b.fail(ctx, StateFailed, err)
	}
	if outcome.Failure != nil {
		gerr := pkgerrors.New(pkgerrors.CodeGatewayFailure, "payment not completed at gateway").WithDetails(map[string]string{
			"code":        outcome.Failure.Code,
			"description": outcome.Failure.Description,
			"reason":      outcome.Failure.Reason,
		})
		return b.fail(ctx, StateFailed, gerr)
	}

	b.mu.Lock()
	b.state = StateSucceeded
	b.attempt = &Attempt{OrderID: b.orderID, Intent: intent, Proof: *outcome.Proof}
	attempt := *b.attempt
	b.mu.Unlock()
	b.metrics.PaymentOutcome(string(StateSucceeded))
	b.logg.Info(ctx, "gateway reported payment success")

	return b.verify(ctx, attempt)
}

// RetryVerification re-submits the preserved proof. No new intent is created.
func (b *Bridge) RetryVerification(ctx context.Context) error {
	b.mu.Lock()
	if b.busy {
		b.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment step already in progress")
	}
	if b.state != StateVerifyFailed || b.attempt == nil {
		state := b.state
		b.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeStateConflict, "no verification to retry").
			WithDetails(map[string]string{"state": string(state)})
	}
	b.busy = true
	attempt := *b.attempt
	b.mu.Unlock()
	defer b.end()

	return b.verify(b.logCtx(ctx), attempt)
}

// Abandon drops a failed or verify_failed attempt so Pay can start over. A
// verified payment is never dropped.
func (b *Bridge) Abandon() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment step already in progress")
	}
	if b.state == StateVerified {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order already paid")
	}
	b.attempt = nil
	b.lastErr = nil
	b.state = StateIdle
	return nil
}

func (b *Bridge) begin(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment already in progress")
	}
	switch b.state {
	case StateVerified:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order already paid")
	case StateVerifyFailed:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "a completed payment is awaiting verification")
	}
	view, ok, err := b.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	if ok && view.Paid {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order already paid")
	}
	b.busy = true
	b.lastErr = nil
	return nil
}

func (b *Bridge) end() {
	b.mu.Lock()
	b.busy = false
	b.mu.Unlock()
}

func (b *Bridge) checkout(ctx context.Context, req CheckoutRequest) (Outcome, error) {
	results := make(chan Outcome, 1)
	var once sync.Once
	deliver := func(o Outcome) {
		valid := (o.Proof != nil) != (o.Failure != nil)
		delivered := false
		once.Do(func() {
			if !valid {
				o = Outcome{Failure: &GatewayError{Code: "INVALID_OUTCOME", Description: "provider delivered an ambiguous outcome"}}
			}
			results <- o
			delivered = true
		})
		if !delivered {
			b.logg.Warn(ctx, "ignoring duplicate checkout outcome")
		}
	}

	b.setState(StateCheckoutOpen)
	start := time.Now()
	if err := b.provider.Open(ctx, req, deliver); err != nil {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeGatewayFailure, err, "open checkout")
	}
	select {
	case o := <-results:
		b.metrics.ObservePaymentStep("checkout", time.Since(start))
		return o, nil
	case <-ctx.Done():
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeGatewayFailure, ctx.Err(), "checkout abandoned")
	}
}

func (b *Bridge) verify(ctx context.Context, attempt Attempt) error {
	b.setState(StateVerifying)
	claimID := attempt.Proof.GatewayOrderID + ":" + attempt.Proof.PaymentID

	claimed, err := b.guard.Claim(ctx, verifyScope, claimID)
	if err != nil {
		return b.fail(ctx, StateVerifyFailed, pkgerrors.Wrap(pkgerrors.CodeVerification, err, "claim verification"))
	}
	if !claimed {
		b.setState(StateVerifyFailed)
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment verification already submitted")
	}

	var order orders.Order
	err = b.timed("verify", func() error {
		var err error
		order, err = b.api.VerifyPayment(ctx, orderapi.VerifyRequest{
			GatewayOrderID: attempt.Proof.GatewayOrderID,
			PaymentID:      attempt.Proof.PaymentID,
			Signature:      attempt.Proof.Signature,
			OrderID:        attempt.OrderID,
		})
		return err
	})
	if err != nil {
		if relErr := b.guard.Release(context.WithoutCancel(ctx), verifyScope, claimID); relErr != nil {
			b.logg.Error(ctx, "failed to release verification claim", relErr)
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodeVerification) {
			err = pkgerrors.Wrap(pkgerrors.CodeVerification, err, "verify payment")
		}
		return b.fail(ctx, StateVerifyFailed, err)
	}

	partial := orders.PartialFromOrder(order)
	partial.PaymentStatus = orders.PaymentStatusPtr(enums.PaymentStatusPaid)
	partial.Payment = &orders.PaymentProof{
		GatewayOrderID: attempt.Proof.GatewayOrderID,
		PaymentID:      attempt.Proof.PaymentID,
		Signature:      attempt.Proof.Signature,
	}
	if err := b.store.Merge(ctx, partial, enums.UpdateSourceVerification); err != nil {
		b.logg.Error(ctx, "verified payment could not be merged", err)
	}

	b.setState(StateVerified)
	b.metrics.PaymentOutcome(string(StateVerified))
	b.logg.Info(ctx, "payment verified")
	return nil
}

func (b *Bridge) fail(ctx context.Context, state State, err error) error {
	b.mu.Lock()
	b.state = state
	b.lastErr = err
	b.mu.Unlock()
	b.metrics.PaymentOutcome(string(state))
	b.logg.Error(b.logg.WithField(ctx, "state", string(state)), "payment step failed", err)
	return err
}

func (b *Bridge) setState(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *Bridge) timed(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	b.metrics.ObservePaymentStep(step, time.Since(start))
	return err
}

func (b *Bridge) logCtx(ctx context.Context) context.Context {
	ctx = b.logg.WithOrderID(ctx, b.orderID)
	ctx = b.logg.WithComponent(ctx, "payment")
	return b.logg.WithField(ctx, "gateway", b.provider.Name())
}
