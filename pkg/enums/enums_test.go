package enums

import "testing"

func TestOrderStatusAbsorbing(t *testing.T) {
	for _, status := range validOrderStatuses {
		want := status == OrderStatusDelivered || status == OrderStatusCancelled
		if got := status.IsAbsorbing(); got != want {
			t.Fatalf("%s absorbing=%v want %v", status, got, want)
		}
	}
}

func TestOrderStatusStep(t *testing.T) {
	if OrderStatusConfirmed.Step() != 0 || OrderStatusDelivered.Step() != 4 {
		t.Fatalf("unexpected happy path positions")
	}
	if OrderStatusCancelled.Step() != -1 {
		t.Fatalf("cancelled should be off the timeline")
	}
	if OrderStatus("bogus").Step() != -1 {
		t.Fatalf("unknown status should be off the timeline")
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := ParseOrderStatus("shipped"); err != nil {
		t.Fatalf("parse shipped: %v", err)
	}
	if _, err := ParseOrderStatus("lost"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if _, err := ParsePaymentStatus("paid"); err != nil {
		t.Fatalf("parse paid: %v", err)
	}
	if _, err := ParseCancelReason("changed_mind"); err != nil {
		t.Fatalf("parse reason: %v", err)
	}
	if CancelReason("").IsValid() {
		t.Fatalf("empty reason must be invalid")
	}
}
