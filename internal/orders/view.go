package orders

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/ordertrack/pkg/enums"
)

// View is the read model handed to the presentation layer.
type View struct {
	Order               Order
	TimelineStep        int
	Cancellable         bool
	CancellationPending bool
	Paid                bool
	Total               decimal.Decimal
	Version             uint64
}

// NewView derives the presentation flags from an order snapshot.
func NewView(order Order, cancellationPending bool, version uint64) View {
	return View{
		Order:               order,
		TimelineStep:        order.Status.Step(),
		Cancellable:         !order.Status.IsAbsorbing() && !cancellationPending && order.Status.IsValid(),
		CancellationPending: cancellationPending,
		Paid:                order.PaymentStatus == enums.PaymentStatusPaid,
		Total:               order.Total(),
		Version:             version,
	}
}
