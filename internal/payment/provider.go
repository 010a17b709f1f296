package payment

import (
	"context"

	"github.com/angelmondragon/ordertrack/internal/orders"
)

// Prefill is buyer contact data passed to the hosted checkout.
type Prefill struct {
	Name    string
	Email   string
	Contact string
}

// CheckoutRequest is everything a provider needs to open checkout for one intent.
type CheckoutRequest struct {
	OrderID string
	Intent  orders.PaymentIntent
	Prefill Prefill
	Notes   map[string]string
}

// Proof is the gateway's success payload, forwarded unchanged to the server.
type Proof struct {
	GatewayOrderID string
	PaymentID      string
	Signature      string
}

// GatewayError is the gateway's failure payload.
type GatewayError struct {
	Code        string
	Description string
	Reason      string
}

// Outcome carries exactly one of Proof or Failure.
type Outcome struct {
	Proof   *Proof
	Failure *GatewayError
}

// Provider is the capability a payment gateway integration exposes to the bridge.
type Provider interface {
	Name() string
	// Load fetches the gateway bootstrap. The bridge calls it through a Loader.
	Load(ctx context.Context) error
	// Open presents checkout and calls deliver when the buyer finishes. Providers
	// may call deliver more than once; only the first call counts.
	Open(ctx context.Context, req CheckoutRequest, deliver func(Outcome)) error
}
