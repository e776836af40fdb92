package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirius-sound/internal/queue"
)

// contractTests run against every Repository implementation.
var contractTests = []struct {
	name string
	run  func(t *testing.T, r Repository)
}{
	{"JoinQueueAssignsSequentialNumbers", testJoinQueueAssignsSequentialNumbers},
	{"JoinQueueConcurrentCallsGetDistinctNumbers", testJoinQueueConcurrentCallsGetDistinctNumbers},
	{"JoinQueueRejectsOpenEmailWithoutConsumingNumber", testJoinQueueRejectsOpenEmailWithoutConsumingNumber},
	{"JoinQueueCheckoutFailureLeavesNoGap", testJoinQueueCheckoutFailureLeavesNoGap},
	{"JoinQueueAllowsRejoinAfterCancel", testJoinQueueAllowsRejoinAfterCancel},
	{"MutateQueueEntryDeduplicatesEvents", testMutateQueueEntryDeduplicatesEvents},
	{"MutateQueueEntryRollsBackOnError", testMutateQueueEntryRollsBackOnError},
	{"MutateQueueEntryGuardsImmutableFieldsAndDirection", testMutateQueueEntryGuardsImmutableFieldsAndDirection},
	{"MutateQueueEntryPersistsLifecycleFields", testMutateQueueEntryPersistsLifecycleFields},
	{"MutateQueueEntryNotFound", testMutateQueueEntryNotFound},
	{"ClaimInviteSucceedsOnce", testClaimInviteSucceedsOnce},
	{"OrderLifecycle", testOrderLifecycle},
}

// runContract runs each contract test on a fresh, migrated repository from open.
func runContract(t *testing.T, open func(t *testing.T) Repository) {
	for _, tc := range contractTests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, open(t))
		})
	}
}

func strPtr(s string) *string { return &s }

func joinParams(email string) JoinParams {
	return JoinParams{Email: email, DepositAmount: 10000, RemainingAmount: 45000, Currency: "usd"}
}

func sessionFor(prefix string) CheckoutFunc {
	return func(_ context.Context, n int64) (string, error) {
		return fmt.Sprintf("%s_%d", prefix, n), nil
	}
}

func testJoinQueueAssignsSequentialNumbers(t *testing.T, r Repository) {
	ctx := context.Background()

	first, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs_test"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.QueueNumber)
	assert.Equal(t, queue.StatusPendingPayment, first.Status)
	require.NotNil(t, first.StripeSessionID)
	assert.Equal(t, "cs_test_1", *first.StripeSessionID)
	assert.False(t, first.TelegramInviteSent)

	second, err := r.JoinQueue(ctx, joinParams("b@example.com"), sessionFor("cs_test"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.QueueNumber)

	got, err := r.GetQueueEntryBySession(ctx, "cs_test_2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func testJoinQueueConcurrentCallsGetDistinctNumbers(t *testing.T, r Repository) {
	ctx := context.Background()
	const n = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int64
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := r.JoinQueue(ctx, joinParams(fmt.Sprintf("buyer%d@example.com", i)), sessionFor(fmt.Sprintf("cs_%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers = append(numbers, entry.QueueNumber)
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, num := range numbers {
		assert.Equal(t, int64(i+1), num)
	}
}

func testJoinQueueRejectsOpenEmailWithoutConsumingNumber(t *testing.T, r Repository) {
	ctx := context.Background()

	_, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)

	called := false
	_, err = r.JoinQueue(ctx, joinParams("a@example.com"), func(context.Context, int64) (string, error) {
		called = true
		return "cs_dup", nil
	})
	assert.ErrorIs(t, err, queue.ErrAlreadyQueued)
	assert.False(t, called)

	next, err := r.JoinQueue(ctx, joinParams("b@example.com"), sessionFor("cs"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.QueueNumber)
}

func testJoinQueueCheckoutFailureLeavesNoGap(t *testing.T, r Repository) {
	ctx := context.Background()

	_, err := r.JoinQueue(ctx, joinParams("a@example.com"), func(context.Context, int64) (string, error) {
		return "", queue.ErrGatewayUnavailable
	})
	assert.ErrorIs(t, err, queue.ErrGatewayUnavailable)

	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.QueueNumber)
}

func testJoinQueueAllowsRejoinAfterCancel(t *testing.T, r Repository) {
	ctx := context.Background()

	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)
	_, err = r.MutateQueueEntry(ctx, entry.ID, nil, func(e *queue.Entry) error {
		return queue.Apply(e, queue.ActionDepositPaid, time.Now())
	})
	require.NoError(t, err)
	_, err = r.MutateQueueEntry(ctx, entry.ID, nil, func(e *queue.Entry) error {
		return queue.Apply(e, queue.ActionCancel, time.Now())
	})
	require.NoError(t, err)

	again, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.QueueNumber)
}

func testMutateQueueEntryDeduplicatesEvents(t *testing.T, r Repository) {
	ctx := context.Background()
	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)

	event := &WebhookEvent{ID: "evt_1", Type: "checkout.session.completed", TargetType: "queue_entry", TargetID: entry.ID, Outcome: OutcomeApplied, CreatedAt: time.Now()}
	apply := func(e *queue.Entry) error { return queue.Apply(e, queue.ActionDepositPaid, time.Now()) }

	paid, err := r.MutateQueueEntry(ctx, entry.ID, event, apply)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPaid, paid.Status)

	calls := 0
	_, err = r.MutateQueueEntry(ctx, entry.ID, event, func(e *queue.Entry) error {
		calls++
		return apply(e)
	})
	assert.ErrorIs(t, err, queue.ErrDuplicateEvent)
	assert.Zero(t, calls)

	other := *event
	other.ID = "evt_2"
	same, err := r.MutateQueueEntry(ctx, entry.ID, &other, apply)
	assert.ErrorIs(t, err, queue.ErrNoop)
	assert.Equal(t, queue.StatusPaid, same.Status)

	fresh, err := r.RecordWebhookEvent(ctx, other)
	require.NoError(t, err)
	assert.False(t, fresh, "noop outcome still lands in the ledger")
}

func testMutateQueueEntryRollsBackOnError(t *testing.T, r Repository) {
	ctx := context.Background()
	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)

	event := &WebhookEvent{ID: "evt_fail", Type: "checkout.session.completed", Outcome: OutcomeApplied, CreatedAt: time.Now()}
	boom := errors.New("boom")
	_, err = r.MutateQueueEntry(ctx, entry.ID, event, func(e *queue.Entry) error {
		e.Status = queue.StatusPaid
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := r.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPendingPayment, got.Status)

	fresh, err := r.RecordWebhookEvent(ctx, *event)
	require.NoError(t, err)
	assert.True(t, fresh, "failed mutation must not consume the event id")
}

func testMutateQueueEntryGuardsImmutableFieldsAndDirection(t *testing.T, r Repository) {
	ctx := context.Background()
	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)

	_, err = r.MutateQueueEntry(ctx, entry.ID, nil, func(e *queue.Entry) error {
		e.DepositAmount = 1
		e.RemainingAmount = 54999
		return nil
	})
	require.Error(t, err)

	_, err = r.MutateQueueEntry(ctx, entry.ID, nil, func(e *queue.Entry) error {
		return queue.Apply(e, queue.ActionDepositPaid, time.Now())
	})
	require.NoError(t, err)
	_, err = r.MutateQueueEntry(ctx, entry.ID, nil, func(e *queue.Entry) error {
		e.Status = queue.StatusPendingPayment
		return nil
	})
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	got, err := r.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPaid, got.Status)
	assert.Equal(t, int64(55000), got.Total())
}

func testMutateQueueEntryPersistsLifecycleFields(t *testing.T, r Repository) {
	ctx := context.Background()
	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)

	steps := []queue.Action{queue.ActionDepositPaid, queue.ActionContact, queue.ActionRemainingPaid, queue.ActionMarkShipped}
	var last *queue.Entry
	for _, action := range steps {
		last, err = r.MutateQueueEntry(ctx, entry.ID, nil, func(e *queue.Entry) error {
			return queue.Apply(e, action, time.Now())
		})
		require.NoError(t, err, action)
	}

	assert.Equal(t, queue.StatusShipped, last.Status)
	require.NotNil(t, last.ContactedAt)
	require.NotNil(t, last.ConfirmedAt)
	require.NotNil(t, last.ShippedAt)
	assert.False(t, last.ConfirmedAt.Before(*last.ContactedAt))
	assert.False(t, last.ShippedAt.Before(*last.ConfirmedAt))
	require.NotNil(t, last.TrackingNumber)
	assert.Equal(t, "SS000001", *last.TrackingNumber)
	assert.Contains(t, last.Notes, "Shipped with tracking: SS000001")
}

func testMutateQueueEntryNotFound(t *testing.T, r Repository) {
	_, err := r.MutateQueueEntry(context.Background(), "missing", nil, func(*queue.Entry) error { return nil })
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func testClaimInviteSucceedsOnce(t *testing.T, r Repository) {
	ctx := context.Background()
	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)

	won, err := r.ClaimInvite(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = r.ClaimInvite(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := r.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.TelegramInviteSent)
}

func testOrderLifecycle(t *testing.T, r Repository) {
	ctx := context.Background()

	order, err := r.InsertOrder(ctx, queue.Order{
		Type:            queue.OrderTypePreorder,
		Amount:          19800,
		Currency:        "usd",
		Quantity:        2,
		PickupFormat:    "p90",
		Email:           "player@example.com",
		StripeSessionID: strPtr("cs_order_1"),
		Metadata:        map[string]string{"pickupFormat": "p90", "quantity": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, queue.OrderPending, order.Status)
	assert.Equal(t, "p90", order.Metadata["pickupFormat"])

	bySession, err := r.GetOrderBySession(ctx, "cs_order_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, bySession.ID)

	event := &WebhookEvent{ID: "evt_o1", Type: "checkout.session.completed", TargetType: "order", TargetID: order.ID, Outcome: OutcomeApplied, CreatedAt: time.Now()}
	updated, err := r.MutateOrder(ctx, order.ID, event, func(o *queue.Order) error {
		o.Status = queue.OrderAuthorized
		o.StripeIntentID = strPtr("pi_1")
		o.Amount = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, queue.OrderAuthorized, updated.Status)
	assert.Equal(t, int64(19800), updated.Amount, "amount is never written back")

	_, err = r.MutateOrder(ctx, order.ID, event, func(o *queue.Order) error { return nil })
	assert.ErrorIs(t, err, queue.ErrDuplicateEvent)

	byIntent, err := r.GetOrderByIntent(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, byIntent.ID)

	_, err = r.InsertOrder(ctx, queue.Order{Type: queue.OrderTypeDonation, Amount: 500, Currency: "usd", Quantity: 1})
	require.NoError(t, err)

	donations, err := r.ListOrders(ctx, OrderFilter{Type: queue.OrderTypeDonation})
	require.NoError(t, err)
	assert.Len(t, donations, 1)

	_, err = r.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}
