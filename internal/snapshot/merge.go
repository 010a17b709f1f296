package snapshot

import (
	"time"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/pkg/enums"
)

type mergeResult struct {
	order         orders.Order
	changed       bool
	ignoredStatus bool
}

// applyPartial merges p into current. Present fields win, except a locked status
// never changes and timestamps are only ever filled in.
func applyPartial(current orders.Order, p orders.Partial, statusLocked bool, now time.Time) mergeResult {
	next := current.Clone()
	res := mergeResult{}

	if p.Status != nil && *p.Status != next.Status {
		if statusLocked {
			res.ignoredStatus = true
		} else {
			next.Status = *p.Status
			res.changed = true
		}
	}

	if p.PaymentStatus != nil && *p.PaymentStatus != next.PaymentStatus {
		next.PaymentStatus = *p.PaymentStatus
		res.changed = true
	}
	if p.TrackingNumber != nil && *p.TrackingNumber != next.TrackingNumber {
		next.TrackingNumber = *p.TrackingNumber
		res.changed = true
	}
	if p.Notes != nil && *p.Notes != next.Notes {
		next.Notes = *p.Notes
		res.changed = true
	}
	if p.Payment != nil && next.Custom != nil {
		if next.Custom.Payment == nil || *next.Custom.Payment != *p.Payment {
			proof := *p.Payment
			next.Custom.Payment = &proof
			res.changed = true
		}
	}

	ts := &next.Timestamps
	for _, pair := range []struct {
		dst **time.Time
		src *time.Time
	}{
		{&ts.CreatedAt, p.Timestamps.CreatedAt},
		{&ts.ShippedAt, p.Timestamps.ShippedAt},
		{&ts.OutForDeliveryAt, p.Timestamps.OutForDeliveryAt},
		{&ts.DeliveredAt, p.Timestamps.DeliveredAt},
		{&ts.EstimatedDelivery, p.Timestamps.EstimatedDelivery},
	} {
		if pair.src != nil && *pair.dst == nil {
			v := *pair.src
			*pair.dst = &v
			res.changed = true
		}
	}

	switch {
	case next.Status == enums.OrderStatusCancelled && next.Cancellation == nil:
		if p.Cancellation != nil {
			c := *p.Cancellation
			next.Cancellation = &c
		} else {
			next.Cancellation = &orders.Cancellation{RequestedAt: now}
		}
		res.changed = true
	case next.Status == enums.OrderStatusCancelled && p.Cancellation != nil && *p.Cancellation != *next.Cancellation && !statusLocked:
		c := *p.Cancellation
		next.Cancellation = &c
		res.changed = true
	case next.Status != enums.OrderStatusCancelled && next.Cancellation != nil:
		next.Cancellation = nil
		res.changed = true
	}

	res.order = next
	return res
}
