package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/pkg/enums"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func baseOrder(status enums.OrderStatus) orders.Order {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := orders.Order{
		ID:            "A1",
		Status:        status,
		PaymentStatus: enums.PaymentStatusPaid,
		Items: []orders.Item{
			{ProductRef: "tee", Quantity: 2, UnitPrice: decimal.RequireFromString("100")},
		},
		Timestamps: orders.Timestamps{CreatedAt: &created},
	}
	if status == enums.OrderStatusCancelled {
		o.Cancellation = &orders.Cancellation{Reason: "other: server side", RequestedAt: created}
	}
	return o
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New("A1", nil, nil, WithClock(func() time.Time { return fixedNow }))
	t.Cleanup(s.Close)
	return s
}

func mustView(t *testing.T, s *Store) orders.View {
	t.Helper()
	view, ok, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "snapshot should be loaded")
	return view
}

func TestPushMergeAfterFetch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))

	require.NoError(t, s.Merge(ctx, orders.Partial{
		Status:         orders.StatusPtr(enums.OrderStatusShipped),
		TrackingNumber: orders.StringPtr("TRK9"),
	}, enums.UpdateSourcePush))

	view := mustView(t, s)
	assert.Equal(t, enums.OrderStatusShipped, view.Order.Status)
	assert.Equal(t, "TRK9", view.Order.TrackingNumber)
	assert.Equal(t, 2, view.TimelineStep)
	assert.Len(t, view.Order.Items, 1, "items untouched")
	assert.True(t, view.Total.Equal(decimal.RequireFromString("200")))
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))

	shipped := fixedNow.Add(-time.Hour)
	p := orders.Partial{
		Status:     orders.StatusPtr(enums.OrderStatusShipped),
		Notes:      orders.StringPtr("left warehouse"),
		Timestamps: orders.Timestamps{ShippedAt: &shipped},
	}
	require.NoError(t, s.Merge(ctx, p, enums.UpdateSourcePush))
	first := mustView(t, s)
	require.NoError(t, s.Merge(ctx, p, enums.UpdateSourcePush))
	second := mustView(t, s)

	assert.Equal(t, first.Version, second.Version, "second merge must not produce a new version")
	assert.Equal(t, first.Order, second.Order)
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewCoordinatorMetrics(reg)
	s := New("A1", nil, m)
	t.Cleanup(s.Close)

	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusDelivered), enums.UpdateSourceFetch))
	require.NoError(t, s.Merge(ctx, orders.Partial{
		Status: orders.StatusPtr(enums.OrderStatusShipped),
		Notes:  orders.StringPtr("late echo"),
	}, enums.UpdateSourcePoll))

	view := mustView(t, s)
	assert.Equal(t, enums.OrderStatusDelivered, view.Order.Status)
	assert.Equal(t, "late echo", view.Order.Notes, "non-status fields still merge")
	assert.False(t, view.Cancellable)

	count, err := testutil.GatherAndCount(reg, "ordertrack_snapshot_ignored_status_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTimestampsAreSetOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusShipped), enums.UpdateSourceFetch))

	first := fixedNow.Add(-2 * time.Hour)
	later := fixedNow
	require.NoError(t, s.Merge(ctx, orders.Partial{Timestamps: orders.Timestamps{ShippedAt: &first}}, enums.UpdateSourcePush))
	require.NoError(t, s.Merge(ctx, orders.Partial{Timestamps: orders.Timestamps{ShippedAt: &later}}, enums.UpdateSourcePoll))

	view := mustView(t, s)
	require.NotNil(t, view.Order.Timestamps.ShippedAt)
	assert.True(t, view.Order.Timestamps.ShippedAt.Equal(first))
}

func TestNonAbsorbingRegressionIsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusShipped), enums.UpdateSourceFetch))
	require.NoError(t, s.Merge(ctx, orders.Partial{Status: orders.StatusPtr(enums.OrderStatusProcessing)}, enums.UpdateSourcePoll))
	assert.Equal(t, enums.OrderStatusProcessing, mustView(t, s).Order.Status)
}

func TestPushedCancellationSynthesizesRecord(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))
	require.NoError(t, s.Merge(ctx, orders.Partial{Status: orders.StatusPtr(enums.OrderStatusCancelled)}, enums.UpdateSourcePush))

	view := mustView(t, s)
	require.NotNil(t, view.Order.Cancellation)
	assert.True(t, view.Order.Cancellation.RequestedAt.Equal(fixedNow))
	assert.Equal(t, -1, view.TimelineStep)
}

func TestMergeBeforeLoadIsRejected(t *testing.T) {
	s := newStore(t)
	err := s.Merge(context.Background(), orders.Partial{Notes: orders.StringPtr("x")}, enums.UpdateSourcePush)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	_, ok, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadRejectsForeignOrder(t *testing.T) {
	s := newStore(t)
	other := baseOrder(enums.OrderStatusProcessing)
	other.ID = "B2"
	err := s.Load(context.Background(), other, enums.UpdateSourceFetch)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}

func TestOptimisticCancellationConfirm(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))

	require.NoError(t, s.BeginCancellation(ctx, orders.Cancellation{Reason: "changed_mind: no longer needed", RequestedAt: fixedNow}))
	view := mustView(t, s)
	assert.Equal(t, enums.OrderStatusCancelled, view.Order.Status)
	assert.True(t, view.CancellationPending)
	assert.False(t, view.Cancellable)

	err := s.BeginCancellation(ctx, orders.Cancellation{Reason: "again"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	require.NoError(t, s.ConfirmCancellation(ctx, baseOrder(enums.OrderStatusCancelled)))
	view = mustView(t, s)
	assert.False(t, view.CancellationPending)
	assert.Equal(t, "other: server side", view.Order.Cancellation.Reason)

	require.NoError(t, s.Merge(ctx, orders.Partial{Status: orders.StatusPtr(enums.OrderStatusShipped)}, enums.UpdateSourcePush))
	assert.Equal(t, enums.OrderStatusCancelled, mustView(t, s).Order.Status, "confirmed cancel is absorbing")
}

func TestOptimisticCancellationRejectRestores(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))
	require.NoError(t, s.BeginCancellation(ctx, orders.Cancellation{Reason: "changed_mind: no longer needed", RequestedAt: fixedNow}))
	require.NoError(t, s.RejectCancellation(ctx))

	view := mustView(t, s)
	assert.Equal(t, enums.OrderStatusProcessing, view.Order.Status)
	assert.Nil(t, view.Order.Cancellation)
	assert.False(t, view.CancellationPending)
	assert.True(t, view.Cancellable)
}

func TestPushDuringPendingCancellationWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))
	require.NoError(t, s.BeginCancellation(ctx, orders.Cancellation{Reason: "changed_mind: no longer needed", RequestedAt: fixedNow}))

	require.NoError(t, s.Merge(ctx, orders.Partial{Status: orders.StatusPtr(enums.OrderStatusShipped)}, enums.UpdateSourcePush))
	view := mustView(t, s)
	assert.Equal(t, enums.OrderStatusShipped, view.Order.Status)
	assert.Nil(t, view.Order.Cancellation)

	require.NoError(t, s.RejectCancellation(ctx))
	assert.Equal(t, enums.OrderStatusShipped, mustView(t, s).Order.Status, "reject keeps the newer pushed status")
}

func TestRejectKeepsCancellationReportedByServer(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusShipped), enums.UpdateSourceFetch))
	require.NoError(t, s.BeginCancellation(ctx, orders.Cancellation{Reason: "changed_mind: no longer needed", RequestedAt: fixedNow}))

	require.NoError(t, s.Merge(ctx, orders.PartialFromOrder(baseOrder(enums.OrderStatusCancelled)), enums.UpdateSourcePoll))
	require.NoError(t, s.RejectCancellation(ctx))

	view := mustView(t, s)
	assert.Equal(t, enums.OrderStatusCancelled, view.Order.Status)
	require.NotNil(t, view.Order.Cancellation)
	assert.Equal(t, "other: server side", view.Order.Cancellation.Reason)
	assert.False(t, view.CancellationPending)
	assert.False(t, view.Cancellable)

	require.NoError(t, s.Merge(ctx, orders.Partial{Status: orders.StatusPtr(enums.OrderStatusShipped)}, enums.UpdateSourcePush))
	assert.Equal(t, enums.OrderStatusCancelled, mustView(t, s).Order.Status, "server cancellation is absorbing once the window closes")
}

func TestRejectStillRestoresAfterUnrelatedMerge(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusShipped), enums.UpdateSourceFetch))
	require.NoError(t, s.BeginCancellation(ctx, orders.Cancellation{Reason: "changed_mind: no longer needed", RequestedAt: fixedNow}))

	require.NoError(t, s.Merge(ctx, orders.Partial{TrackingNumber: orders.StringPtr("TRK2")}, enums.UpdateSourcePush))
	require.NoError(t, s.RejectCancellation(ctx))

	view := mustView(t, s)
	assert.Equal(t, enums.OrderStatusShipped, view.Order.Status)
	assert.Nil(t, view.Order.Cancellation)
	assert.Equal(t, "TRK2", view.Order.TrackingNumber)
}

func TestBeginCancellationOnTerminalOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusDelivered), enums.UpdateSourceFetch))
	err := s.BeginCancellation(ctx, orders.Cancellation{Reason: "x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			note := "note"
			if i%2 == 0 {
				note = "other"
			}
			_ = s.Merge(ctx, orders.Partial{Notes: &note}, enums.UpdateSourcePush)
		}(i)
	}
	wg.Wait()

	view := mustView(t, s)
	assert.Contains(t, []string{"note", "other"}, view.Order.Notes)
}

func TestWatchStreamsLatestView(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch))

	ch, stop, err := s.Watch(ctx)
	require.NoError(t, err)
	defer stop()

	initial := <-ch
	assert.Equal(t, enums.OrderStatusProcessing, initial.Order.Status)

	require.NoError(t, s.Merge(ctx, orders.Partial{Status: orders.StatusPtr(enums.OrderStatusShipped)}, enums.UpdateSourcePush))
	require.NoError(t, s.Merge(ctx, orders.Partial{Status: orders.StatusPtr(enums.OrderStatusOutForDelivery)}, enums.UpdateSourcePush))

	latest := <-ch
	assert.Equal(t, enums.OrderStatusOutForDelivery, latest.Order.Status, "slow watcher only sees the latest view")
}

func TestCloseEndsWatchersAndRejectsCommands(t *testing.T) {
	ctx := context.Background()
	s := New("A1", nil, nil)
	ch, _, err := s.Watch(ctx)
	require.NoError(t, err)

	s.Close()
	s.Close()

	_, open := <-ch
	assert.False(t, open)
	err = s.Load(ctx, baseOrder(enums.OrderStatusProcessing), enums.UpdateSourceFetch)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
}
