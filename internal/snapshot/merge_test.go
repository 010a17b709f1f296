package snapshot

import (
	"testing"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/pkg/enums"
)

func TestApplyPartialRecordsVerifiedPaymentOnCustomOrders(t *testing.T) {
	custom := baseOrder(enums.OrderStatusConfirmed)
	custom.PaymentStatus = enums.PaymentStatusPending
	custom.Custom = &orders.Customization{DesignRef: "d-7"}

	proof := &orders.PaymentProof{GatewayOrderID: "order_G1", PaymentID: "pay_1", Signature: "sig"}
	res := applyPartial(custom, orders.Partial{
		PaymentStatus: orders.PaymentStatusPtr(enums.PaymentStatusPaid),
		Payment:       proof,
	}, false, fixedNow)

	if !res.changed {
		t.Fatalf("expected change")
	}
	if res.order.Custom.Payment == nil || res.order.Custom.Payment.PaymentID != "pay_1" {
		t.Fatalf("expected payment proof to be stored, got %+v", res.order.Custom)
	}
	if custom.Custom.Payment != nil {
		t.Fatalf("input order must not be mutated")
	}

	plain := baseOrder(enums.OrderStatusConfirmed)
	res = applyPartial(plain, orders.Partial{Payment: proof}, false, fixedNow)
	if res.changed || res.order.Custom != nil {
		t.Fatalf("payment proof is ignored on standard orders")
	}
}

func TestApplyPartialFromFullOrder(t *testing.T) {
	current := baseOrder(enums.OrderStatusShipped)
	server := baseOrder(enums.OrderStatusOutForDelivery)
	server.TrackingNumber = "TRK9"

	res := applyPartial(current, orders.PartialFromOrder(server), false, fixedNow)
	if res.order.Status != enums.OrderStatusOutForDelivery || res.order.TrackingNumber != "TRK9" {
		t.Fatalf("unexpected merge result %+v", res.order)
	}

	again := applyPartial(res.order, orders.PartialFromOrder(server), false, fixedNow)
	if again.changed {
		t.Fatalf("re-applying the same server record must be a no-op")
	}
}
