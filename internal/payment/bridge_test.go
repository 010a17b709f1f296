package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ordertrack/internal/orderapi"
	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/internal/snapshot"
	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

type fakeProvider struct {
	loads    atomic.Int32
	loadErr  error
	loadGate chan struct{}
	outcomes []Outcome
	opened   atomic.Int32
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Load(context.Context) error {
	p.loads.Add(1)
	if p.loadGate != nil {
		<-p.loadGate
	}
	return p.loadErr
}

func (p *fakeProvider) Open(_ context.Context, _ CheckoutRequest, deliver func(Outcome)) error {
	p.opened.Add(1)
	go func() {
		for _, o := range p.outcomes {
			deliver(o)
		}
	}()
	return nil
}

type fakeAPI struct {
	mu         sync.Mutex
	intents    int
	intentErr  error
	verifyErr  error
	verifyReqs []orderapi.VerifyRequest
}

func (a *fakeAPI) CreatePaymentIntent(_ context.Context, orderID string) (orders.PaymentIntent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intents++
	if a.intentErr != nil {
		return orders.PaymentIntent{}, a.intentErr
	}
	return orders.PaymentIntent{GatewayOrderID: "order_G1", Amount: decimal.RequireFromString("899"), Currency: "INR", KeyID: "rzp_test"}, nil
}

func (a *fakeAPI) VerifyPayment(_ context.Context, req orderapi.VerifyRequest) (orders.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verifyReqs = append(a.verifyReqs, req)
	if a.verifyErr != nil {
		return orders.Order{}, a.verifyErr
	}
	return customOrder(enums.PaymentStatusPaid), nil
}

func customOrder(paymentStatus enums.PaymentStatus) orders.Order {
	return orders.Order{
		ID:            "C9",
		Status:        enums.OrderStatusConfirmed,
		PaymentStatus: paymentStatus,
		Custom:        &orders.Customization{DesignRef: "d-7", Price: decimal.RequireFromString("899")},
	}
}

var success = Outcome{Proof: &Proof{GatewayOrderID: "order_G1", PaymentID: "pay_1", Signature: "sig"}}

func newBridge(t *testing.T, provider Provider, api API) (*Bridge, *snapshot.Store) {
	t.Helper()
	store := snapshot.New("C9", nil, nil)
	t.Cleanup(store.Close)
	require.NoError(t, store.Load(context.Background(), customOrder(enums.PaymentStatusPending), enums.UpdateSourceFetch))
	b, err := NewBridge(Params{OrderID: "C9", Provider: provider, Loader: NewLoader(), API: api, Store: store})
	require.NoError(t, err)
	return b, store
}

func TestPaySuccessMarksPaidAfterVerification(t *testing.T) {
	provider := &fakeProvider{outcomes: []Outcome{success}}
	api := &fakeAPI{}
	b, store := newBridge(t, provider, api)

	require.NoError(t, b.Pay(context.Background(), PayRequest{}))
	assert.Equal(t, StateVerified, b.State())

	view, _, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, view.Order.PaymentStatus)
	require.NotNil(t, view.Order.Custom.Payment)
	assert.Equal(t, "pay_1", view.Order.Custom.Payment.PaymentID)
	assert.Equal(t, []orderapi.VerifyRequest{{GatewayOrderID: "order_G1", PaymentID: "pay_1", Signature: "sig", OrderID: "C9"}}, api.verifyReqs)

	err = b.Pay(context.Background(), PayRequest{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "paid order must refuse a second payment")
}

func TestVerificationFailureIsRetryableWithSameIdentifiers(t *testing.T) {
	provider := &fakeProvider{outcomes: []Outcome{success}}
	api := &fakeAPI{verifyErr: pkgerrors.New(pkgerrors.CodeVerification, "signature mismatch")}
	b, store := newBridge(t, provider, api)

	err := b.Pay(context.Background(), PayRequest{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeVerification), "got %v", err)
	assert.Equal(t, StateVerifyFailed, b.State())

	view, _, _ := store.Snapshot(context.Background())
	assert.Equal(t, enums.PaymentStatusPending, view.Order.PaymentStatus, "failed verification never marks paid")

	attempt, ok := b.Attempt()
	require.True(t, ok)
	assert.Equal(t, "order_G1", attempt.Intent.GatewayOrderID)

	err = b.Pay(context.Background(), PayRequest{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "pay must not restart while verification is pending")

	api.mu.Lock()
	api.verifyErr = nil
	api.mu.Unlock()
	require.NoError(t, b.RetryVerification(context.Background()))

	assert.Equal(t, 1, api.intents, "retry must not create a new intent")
	assert.Equal(t, int32(1), provider.opened.Load(), "retry must not reopen checkout")
	require.Len(t, api.verifyReqs, 2)
	assert.Equal(t, api.verifyReqs[0], api.verifyReqs[1])

	view, _, _ = store.Snapshot(context.Background())
	assert.Equal(t, enums.PaymentStatusPaid, view.Order.PaymentStatus)
}

func TestGatewayFailureAllowsRetry(t *testing.T) {
	provider := &fakeProvider{outcomes: []Outcome{{Failure: &GatewayError{Code: "BAD_REQUEST_ERROR", Description: "card declined", Reason: "payment_failed"}}}}
	api := &fakeAPI{}
	b, _ := newBridge(t, provider, api)

	err := b.Pay(context.Background(), PayRequest{})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayFailure), "got %v", err)
	assert.Equal(t, StateFailed, b.State())
	details, _ := pkgerrors.As(err).Details().(map[string]string)
	assert.Equal(t, "card declined", details["description"])

	provider.outcomes = []Outcome{success}
	require.NoError(t, b.Pay(context.Background(), PayRequest{}))
	assert.Equal(t, 2, api.intents)
}

func TestCheckoutOutcomeDeliveredOnce(t *testing.T) {
	failure := Outcome{Failure: &GatewayError{Code: "X"}}
	provider := &fakeProvider{outcomes: []Outcome{success, failure, success}}
	api := &fakeAPI{}
	b, _ := newBridge(t, provider, api)

	require.NoError(t, b.Pay(context.Background(), PayRequest{}))
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, api.verifyReqs, 1)
	assert.Equal(t, StateVerified, b.State())
}

func TestAmbiguousOutcomeIsFailure(t *testing.T) {
	provider := &fakeProvider{outcomes: []Outcome{{}}}
	b, _ := newBridge(t, provider, &fakeAPI{})
	err := b.Pay(context.Background(), PayRequest{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayFailure), "got %v", err)
}

func TestIntentFailure(t *testing.T) {
	api := &fakeAPI{intentErr: errors.New("already paid")}
	provider := &fakeProvider{outcomes: []Outcome{success}}
	b, _ := newBridge(t, provider, api)

	err := b.Pay(context.Background(), PayRequest{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntentCreation), "got %v", err)
	assert.Equal(t, int32(0), provider.opened.Load())
}

func TestScriptLoadFailureNotCached(t *testing.T) {
	provider := &fakeProvider{loadErr: errors.New("cdn down"), outcomes: []Outcome{success}}
	api := &fakeAPI{}
	b, _ := newBridge(t, provider, api)

	err := b.Pay(context.Background(), PayRequest{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeScriptLoad), "got %v", err)
	assert.Equal(t, 0, api.intents)

	provider.loadErr = nil
	require.NoError(t, b.Pay(context.Background(), PayRequest{}))
	assert.Equal(t, int32(2), provider.loads.Load())
}

func TestLoaderSharesInFlightLoad(t *testing.T) {
	provider := &fakeProvider{loadGate: make(chan struct{})}
	loader := NewLoader()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- loader.Load(context.Background(), provider)
		}()
	}
	require.Eventually(t, func() bool { return provider.loads.Load() == 1 }, time.Second, time.Millisecond)
	close(provider.loadGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), provider.loads.Load())
	assert.True(t, loader.Loaded("fake"))

	require.NoError(t, loader.Load(context.Background(), provider))
	assert.Equal(t, int32(1), provider.loads.Load(), "loaded providers are not reloaded")
}

func TestLoaderWaiterLeavesOnCancel(t *testing.T) {
	provider := &fakeProvider{loadGate: make(chan struct{})}
	loader := NewLoader()

	first := make(chan error, 1)
	go func() { first <- loader.Load(context.Background(), provider) }()
	require.Eventually(t, func() bool { return provider.loads.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, loader.Load(ctx, provider), context.Canceled)
	assert.False(t, loader.Loaded("fake"))

	close(provider.loadGate)
	require.NoError(t, <-first)
	assert.True(t, loader.Loaded("fake"))
	assert.Equal(t, int32(1), provider.loads.Load())
}

func TestVerificationDeduplicatedAcrossBridges(t *testing.T) {
	provider := &fakeProvider{outcomes: []Outcome{success}}
	api := &fakeAPI{}
	b, store := newBridge(t, provider, api)
	require.NoError(t, b.Pay(context.Background(), PayRequest{}))

	twin, err := NewBridge(Params{OrderID: "C9", Provider: provider, Loader: NewLoader(), API: api, Store: store, Guard: b.guard})
	require.NoError(t, err)
	err = twin.verify(context.Background(), Attempt{OrderID: "C9", Proof: *success.Proof})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
	assert.Len(t, api.verifyReqs, 1)
}

func TestAbandonAfterVerifyFailedAllowsNewPayment(t *testing.T) {
	provider := &fakeProvider{outcomes: []Outcome{success}}
	api := &fakeAPI{verifyErr: pkgerrors.New(pkgerrors.CodeVerification, "signature mismatch")}
	b, _ := newBridge(t, provider, api)

	require.Error(t, b.Pay(context.Background(), PayRequest{}))
	require.Equal(t, StateVerifyFailed, b.State())

	require.NoError(t, b.Abandon())
	assert.Equal(t, StateIdle, b.State())
	_, ok := b.Attempt()
	assert.False(t, ok, "abandon drops the preserved attempt")
	assert.NoError(t, b.LastError())

	err := b.RetryVerification(context.Background())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "nothing left to re-verify, got %v", err)

	api.mu.Lock()
	api.verifyErr = nil
	api.mu.Unlock()
	require.NoError(t, b.Pay(context.Background(), PayRequest{}))
	assert.Equal(t, StateVerified, b.State())
	assert.Equal(t, 2, api.intents, "a fresh payment creates a new intent")
}

func TestAbandonRefusedWhileBusyOrPaid(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{loadGate: gate, outcomes: []Outcome{success}}
	b, _ := newBridge(t, provider, &fakeAPI{})

	done := make(chan error, 1)
	go func() { done <- b.Pay(context.Background(), PayRequest{}) }()
	require.Eventually(t, func() bool { return provider.loads.Load() == 1 }, time.Second, 5*time.Millisecond)

	err := b.Abandon()
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, StateVerified, b.State())

	err = b.Abandon()
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
	assert.Equal(t, StateVerified, b.State())
	_, ok := b.Attempt()
	assert.True(t, ok, "verified attempt is kept")
}

func TestRetryVerificationRequiresFailedVerification(t *testing.T) {
	b, _ := newBridge(t, &fakeProvider{}, &fakeAPI{})
	err := b.RetryVerification(context.Background())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
}
