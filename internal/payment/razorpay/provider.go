package razorpay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/ordertrack/internal/payment"
	"github.com/angelmondragon/ordertrack/pkg/config"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

const (
	Name = "razorpay"

	scriptReadLimit int64 = 2 << 20
	errorReadLimit  int64 = 1024

	failureDismissed = "CHECKOUT_DISMISSED"
)

// Prefill mirrors the checkout prefill block.
type Prefill struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Theme mirrors the checkout theme block.
type Theme struct {
	Color string `json:"color,omitempty"`
}

// CheckoutOptions is the object handed to the hosted checkout.
type CheckoutOptions struct {
	Key         string            `json:"key"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Name        string            `json:"name,omitempty"`
	OrderID     string            `json:"order_id"`
	Prefill     Prefill           `json:"prefill"`
	Notes       map[string]string `json:"notes,omitempty"`
	Theme       Theme             `json:"theme"`
	Description string            `json:"description,omitempty"`
}

// SuccessResponse is the payload of the checkout success handler.
type SuccessResponse struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// FailureResponse is the payload of the payment.failed event.
type FailureResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Reason      string `json:"reason"`
		Source      string `json:"source,omitempty"`
		Step        string `json:"step,omitempty"`
	} `json:"error"`
}

// Handlers are the checkout callbacks a Presenter invokes.
type Handlers struct {
	OnSuccess func(SuccessResponse)
	OnFailure func(FailureResponse)
	OnDismiss func()
}

// Presenter shows the checkout to the buyer. Present returns once the checkout is
// shown; results arrive through the handlers.
type Presenter interface {
	Present(ctx context.Context, opts CheckoutOptions, handlers Handlers) error
}

// Provider implements payment.Provider for the hosted checkout.
type Provider struct {
	scriptURL  string
	brand      string
	themeColor string
	httpClient *http.Client
	presenter  Presenter
}

// Option configures optional provider behavior.
type Option func(*Provider)

// WithHTTPClient overrides the client used to fetch the checkout script.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// New builds the provider from the payment config.
func New(cfg config.PaymentConfig, presenter Presenter, opts ...Option) (*Provider, error) {
	if presenter == nil {
		return nil, errors.New("checkout presenter required")
	}
	scriptURL := strings.TrimSpace(cfg.ScriptURL)
	if scriptURL == "" {
		return nil, errors.New("checkout script url required")
	}
	p := &Provider{
		scriptURL:  scriptURL,
		brand:      cfg.BrandName,
		themeColor: cfg.ThemeColor,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		presenter:  presenter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *Provider) Name() string { return Name }

// Load fetches the checkout script and checks it is non-empty.
func (p *Provider) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.scriptURL, nil)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeScriptLoad, err, "build script request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeScriptLoad, err, "fetch checkout script")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeScriptLoad, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "checkout script unavailable")
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, scriptReadLimit))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeScriptLoad, err, "read checkout script")
	}
	if n == 0 {
		return pkgerrors.New(pkgerrors.CodeScriptLoad, "checkout script is empty")
	}
	return nil
}

// Open builds the checkout options and hands them to the presenter.
func (p *Provider) Open(ctx context.Context, req payment.CheckoutRequest, deliver func(payment.Outcome)) error {
	opts, err := p.Options(req)
	if err != nil {
		return err
	}
	return p.presenter.Present(ctx, opts, Handlers{
		OnSuccess: func(resp SuccessResponse) {
			deliver(payment.Outcome{Proof: &payment.Proof{
				GatewayOrderID: resp.OrderID,
				PaymentID:      resp.PaymentID,
				Signature:      resp.Signature,
			}})
		},
		OnFailure: func(resp FailureResponse) {
			deliver(payment.Outcome{Failure: &payment.GatewayError{
				Code:        resp.Error.Code,
				Description: resp.Error.Description,
				Reason:      resp.Error.Reason,
			}})
		},
		OnDismiss: func() {
			deliver(payment.Outcome{Failure: &payment.GatewayError{
				Code:        failureDismissed,
				Description: "checkout closed before payment",
				Reason:      "dismissed",
			}})
		},
	})
}

// Options converts a checkout request into the gateway's option object.
// The intent amount is in currency subunits, copied from the gateway order, and
// is passed through unscaled whatever the currency's exponent.
func (p *Provider) Options(req payment.CheckoutRequest) (CheckoutOptions, error) {
	intent := req.Intent
	if intent.KeyID == "" || intent.GatewayOrderID == "" {
		return CheckoutOptions{}, pkgerrors.New(pkgerrors.CodeIntentCreation, "intent missing key or gateway order id")
	}
	if !intent.Amount.IsPositive() {
		return CheckoutOptions{}, pkgerrors.New(pkgerrors.CodeIntentCreation, "intent amount must be positive")
	}
	if !intent.Amount.IsInteger() {
		return CheckoutOptions{}, pkgerrors.New(pkgerrors.CodeIntentCreation, "intent amount must be whole currency subunits").
			WithDetails(map[string]string{"amount": intent.Amount.String(), "currency": intent.Currency})
	}
	notes := make(map[string]string, len(req.Notes)+1)
	for k, v := range req.Notes {
		notes[k] = v
	}
	notes["order_id"] = req.OrderID

	return CheckoutOptions{
		Key:         intent.KeyID,
		Amount:      intent.Amount.IntPart(),
		Currency:    intent.Currency,
		Name:        p.brand,
		OrderID:     intent.GatewayOrderID,
		Description: "Order " + req.OrderID,
		Prefill: Prefill{
			Name:    req.Prefill.Name,
			Email:   req.Prefill.Email,
			Contact: req.Prefill.Contact,
		},
		Notes: notes,
		Theme: Theme{Color: p.themeColor},
	}, nil
}
