package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/ordertrack/pkg/enums"
)

// Item is one ordered line. Items never change after the order is created.
type Item struct {
	ProductRef string          `json:"productRef" validate:"required"`
	VariantRef string          `json:"variantRef,omitempty"`
	Name       string          `json:"name,omitempty"`
	Quantity   int             `json:"quantity" validate:"gte=1"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
}

// Subtotal returns Quantity x UnitPrice.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Address is the postal destination for physical fulfillment.
type Address struct {
	Name       string `json:"name" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone,omitempty"`
}

// Timestamps holds the per-stage instants. Each is set at most once.
type Timestamps struct {
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
	ShippedAt         *time.Time `json:"shippedAt,omitempty"`
	OutForDeliveryAt  *time.Time `json:"outForDeliveryAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
}

// Cancellation is present exactly when the order status is cancelled.
type Cancellation struct {
	Reason      string    `json:"reason"`
	Comment     string    `json:"comment,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// PaymentProof is the gateway's opaque success proof, stored only once the server verified it.
type PaymentProof struct {
	GatewayOrderID string `json:"gatewayOrderId"`
	PaymentID      string `json:"paymentId"`
	Signature      string `json:"signature"`
}

// Customization marks a custom-printed order.
type Customization struct {
	DesignRef string          `json:"designRef" validate:"required"`
	Price     decimal.Decimal `json:"price"`
	Payment   *PaymentProof   `json:"payment,omitempty"`
}

// Order is the canonical client-side order record.
type Order struct {
	ID              string              `json:"id" validate:"required"`
	Status          enums.OrderStatus   `json:"status" validate:"required"`
	PaymentStatus   enums.PaymentStatus `json:"paymentStatus" validate:"required"`
	Currency        string              `json:"currency,omitempty"`
	Items           []Item              `json:"items" validate:"dive"`
	ShippingAddress Address             `json:"shippingAddress"`
	Timestamps      Timestamps          `json:"timestamps"`
	TrackingNumber  string              `json:"trackingNumber,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	Cancellation    *Cancellation       `json:"cancellation,omitempty"`
	Custom          *Customization      `json:"custom,omitempty"`
}

// IsCustom reports whether the order is a custom-printed order.
func (o Order) IsCustom() bool {
	return o.Custom != nil
}

// Total sums the order lines, or returns the quoted price for custom orders.
func (o Order) Total() decimal.Decimal {
	if o.Custom != nil {
		return o.Custom.Price
	}
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Clone returns a deep copy so callers never share mutable state with the snapshot store.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]Item, len(o.Items))
		copy(out.Items, o.Items)
	}
	out.Timestamps = o.Timestamps.clone()
	if o.Cancellation != nil {
		c := *o.Cancellation
		out.Cancellation = &c
	}
	if o.Custom != nil {
		custom := *o.Custom
		if o.Custom.Payment != nil {
			proof := *o.Custom.Payment
			custom.Payment = &proof
		}
		out.Custom = &custom
	}
	return out
}

func (t Timestamps) clone() Timestamps {
	return Timestamps{
		CreatedAt:         copyTime(t.CreatedAt),
		ShippedAt:         copyTime(t.ShippedAt),
		OutForDeliveryAt:  copyTime(t.OutForDeliveryAt),
		DeliveredAt:       copyTime(t.DeliveredAt),
		EstimatedDelivery: copyTime(t.EstimatedDelivery),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PaymentIntent describes one checkout attempt issued by the server. It is never persisted.
type PaymentIntent struct {
	GatewayOrderID string          `json:"gatewayOrderId"`
	// Amount is in currency subunits (paise for INR), as on the gateway order.
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	KeyID          string          `json:"keyId"`
}
