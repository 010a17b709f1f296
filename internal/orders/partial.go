package orders

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/ordertrack/pkg/enums"
)

// Partial carries only the fields an update wants to change. Nil means untouched.
type Partial struct {
	Status         *enums.OrderStatus
	PaymentStatus  *enums.PaymentStatus
	TrackingNumber *string
	Notes          *string
	Payment        *PaymentProof
	Cancellation   *Cancellation
	Timestamps     Timestamps
}

// IsEmpty reports whether the partial would change nothing.
func (p Partial) IsEmpty() bool {
	t := p.Timestamps
	return p.Status == nil &&
		p.PaymentStatus == nil &&
		p.TrackingNumber == nil &&
		p.Notes == nil &&
		p.Payment == nil &&
		p.Cancellation == nil &&
		t.CreatedAt == nil && t.ShippedAt == nil && t.OutForDeliveryAt == nil &&
		t.DeliveredAt == nil && t.EstimatedDelivery == nil
}

// StatusUpdate is the push payload the back office emits on the realtime channel.
type StatusUpdate struct {
	OrderID        string  `json:"orderId"`
	Status         string  `json:"status,omitempty"`
	TrackingNumber *string `json:"trackingNumber,omitempty"`
	Notes          *string `json:"notes,omitempty"`
	PaymentStatus  string  `json:"paymentStatus,omitempty"`
}

// ToPartial validates the update and converts it to a merge input. Any unknown
// enum value rejects the whole update.
func (u StatusUpdate) ToPartial() (Partial, error) {
	var p Partial
	if strings.TrimSpace(u.OrderID) == "" {
		return p, fmt.Errorf("status update missing order id")
	}
	if u.Status != "" {
		status, err := enums.ParseOrderStatus(u.Status)
		if err != nil {
			return Partial{}, err
		}
		p.Status = &status
	}
	if u.PaymentStatus != "" {
		paymentStatus, err := enums.ParsePaymentStatus(u.PaymentStatus)
		if err != nil {
			return Partial{}, err
		}
		p.PaymentStatus = &paymentStatus
	}
	if u.TrackingNumber != nil {
		tracking := *u.TrackingNumber
		p.TrackingNumber = &tracking
	}
	if u.Notes != nil {
		notes := *u.Notes
		p.Notes = &notes
	}
	return p, nil
}

func StatusPtr(s enums.OrderStatus) *enums.OrderStatus { return &s }

func PaymentStatusPtr(s enums.PaymentStatus) *enums.PaymentStatus { return &s }

func StringPtr(s string) *string { return &s }

// PartialFromOrder converts a full server record into a merge input so refreshes
// obey the same status and timestamp rules as pushes.
func PartialFromOrder(o Order) Partial {
	clone := o.Clone()
	p := Partial{
		Status:         StatusPtr(clone.Status),
		PaymentStatus:  PaymentStatusPtr(clone.PaymentStatus),
		TrackingNumber: StringPtr(clone.TrackingNumber),
		Notes:          StringPtr(clone.Notes),
		Cancellation:   clone.Cancellation,
		Timestamps:     clone.Timestamps,
	}
	if clone.Custom != nil {
		p.Payment = clone.Custom.Payment
	}
	return p
}
