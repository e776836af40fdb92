package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirius-sound/internal/cache"
	"sirius-sound/internal/logging"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

func TestJoinThenDepositPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.queue.Join(ctx, JoinRequest{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.QueueNumber)
	assert.Contains(t, res.URL, "cs_test_1")

	entry, err := f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPendingPayment, entry.Status)

	ev := checkoutCompleted("evt_1", "cs_test_1", "pi_1")
	require.NoError(t, f.processor.HandleStripeEvent(ctx, ev))

	entry, err = f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPaid, entry.Status)
	assert.True(t, entry.TelegramInviteSent)
	require.NotNil(t, entry.StripeIntentID)
	assert.Equal(t, "pi_1", *entry.StripeIntentID)

	sent := f.mailer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "a@example.com", sent[0].To)
	assert.Equal(t, "You're #1 in the Sirius Sound Queue!", sent[0].Subject)
	assert.Len(t, f.alerter.alerts, 1)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.joinAndPay(t, "a@example.com")

	// same event id again, then a different event for the same payment
	require.NoError(t, f.processor.HandleStripeEvent(ctx, checkoutCompleted("evt_deposit_"+entry.ID, *entry.StripeSessionID, "")))
	require.NoError(t, f.processor.HandleStripeEvent(ctx, pay.Event{
		ID: "evt_pi", Type: "payment_intent.succeeded", Kind: pay.KindPaymentSucceeded, IntentID: *entry.StripeIntentID,
	}))

	after, err := f.repo.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Status, after.Status)
	assert.Equal(t, entry.UpdatedAt, after.UpdatedAt)
	assert.Len(t, f.mailer.messages(), 1)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.queue.Join(ctx, JoinRequest{Email: "a@example.com"})
	require.NoError(t, err)
	entry, err := f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.processor.HandleStripeEvent(ctx, checkoutCompleted("evt_same", *entry.StripeSessionID, "pi_1"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.mailer.messages(), 1)
}

func TestNotificationFailureKeepsTransition(t *testing.T) {
	f := newFixture(t)
	f.mailer.fail = true
	entry := f.joinAndPay(t, "a@example.com")
	assert.True(t, entry.TelegramInviteSent)
	assert.Len(t, f.mailer.messages(), 1)
}

func TestUnmatchedAndUnhandledEventsAreAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.HandleStripeEvent(ctx, checkoutCompleted("evt_orphan", "cs_unknown", "pi_unknown")))
	require.NoError(t, f.processor.HandleStripeEvent(ctx, pay.Event{ID: "evt_cus", Type: "customer.created", Kind: pay.KindIgnored}))

	fresh, err := f.repo.RecordWebhookEvent(ctx, repo.WebhookEvent{ID: "evt_orphan", Type: "checkout.session.completed", Outcome: repo.OutcomeIgnored})
	require.NoError(t, err)
	assert.False(t, fresh, "ignored events are kept in the ledger")
}

func TestUnpaidCheckoutDoesNotMarkPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.queue.Join(ctx, JoinRequest{Email: "a@example.com"})
	require.NoError(t, err)
	entry, err := f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)

	ev := checkoutCompleted("evt_async", *entry.StripeSessionID, "")
	ev.PaymentStatus = "unpaid"
	require.NoError(t, f.processor.HandleStripeEvent(ctx, ev))

	entry, err = f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPendingPayment, entry.Status)
	assert.Empty(t, f.mailer.messages())
}

func TestRemainingPaymentOnCancelledEntryIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.joinAndPay(t, "a@example.com")
	_, err := f.dispatch(t, queue.ActionCancel, entry.ID)
	require.NoError(t, err)

	ev := checkoutCompleted("evt_late", "cs_link_late", "")
	ev.Metadata = map[string]string{"type": pay.MetaTypeRemainingPayment, "queueEntryId": entry.ID}
	require.NoError(t, f.processor.HandleStripeEvent(ctx, ev))

	after, err := f.repo.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, after.Status)
}

func TestOrderLifecycleFromWebhooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orders.Preorder(ctx, PreorderRequest{Email: "P@x.com", Quantity: 2, PickupFormat: "p90"})
	require.NoError(t, err)
	order, err := f.repo.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, queue.OrderPending, order.Status)
	assert.Equal(t, int64(19800), order.Amount)
	assert.Equal(t, "p@x.com", order.Email)

	completed := checkoutCompleted("evt_o1", *order.StripeSessionID, "pi_order")
	completed.PaymentStatus = "unpaid"
	steps := []struct {
		ev   pay.Event
		want queue.OrderStatus
	}{
		{completed, queue.OrderAuthorized},
		{pay.Event{ID: "evt_o2", Type: "payment_intent.amount_capturable_updated", Kind: pay.KindPaymentCapturable, IntentID: "pi_order"}, queue.OrderAuthorized},
		{pay.Event{ID: "evt_o3", Type: "payment_intent.succeeded", Kind: pay.KindPaymentSucceeded, IntentID: "pi_order"}, queue.OrderCaptured},
		{pay.Event{ID: "evt_o4", Type: "charge.refunded", Kind: pay.KindPaymentRefunded, IntentID: "pi_order"}, queue.OrderRefunded},
		{pay.Event{ID: "evt_o5", Type: "payment_intent.canceled", Kind: pay.KindPaymentCanceled, IntentID: "pi_order"}, queue.OrderRefunded},
	}
	for _, step := range steps {
		require.NoError(t, f.processor.HandleStripeEvent(ctx, step.ev), step.ev.ID)
		got, err := f.repo.GetOrder(ctx, res.OrderID)
		require.NoError(t, err)
		assert.Equal(t, step.want, got.Status, step.ev.ID)
		assert.Equal(t, int64(19800), got.Amount)
	}
}

func TestDonationCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orders.Donate(ctx, DonationRequest{Amount: 499})
	assert.ErrorIs(t, err, queue.ErrInvalidInput)

	res, err := f.orders.Donate(ctx, DonationRequest{Name: "Ada", Message: "go go go", Amount: 2500})
	require.NoError(t, err)
	order, err := f.repo.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, queue.OrderTypeDonation, order.Type)

	require.NoError(t, f.processor.HandleStripeEvent(ctx, checkoutCompleted("evt_d1", *order.StripeSessionID, "pi_d")))
	order, err = f.repo.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, queue.OrderCaptured, order.Status)
}

func TestPreorderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orders.Preorder(ctx, PreorderRequest{Quantity: 5, PickupFormat: "p90"})
	assert.ErrorIs(t, err, queue.ErrInvalidInput)
	_, err = f.orders.Preorder(ctx, PreorderRequest{Quantity: 1, PickupFormat: "humbucker"})
	assert.ErrorIs(t, err, queue.ErrInvalidInput)
	assert.Empty(t, f.gateway.orders)
}

func TestLedgerRowsCarryProcessingTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := time.Now().Add(-time.Second)

	entry := f.joinAndPay(t, "a@example.com")
	require.NoError(t, f.processor.HandleStripeEvent(ctx, checkoutCompleted("evt_orphan", "cs_unknown", "pi_unknown")))

	applied, err := f.repo.GetWebhookEvent(ctx, "evt_deposit_"+entry.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.OutcomeApplied, applied.Outcome)
	assert.Equal(t, entry.ID, applied.TargetID)
	assert.True(t, applied.CreatedAt.After(before), "created_at %s", applied.CreatedAt)

	ignored, err := f.repo.GetWebhookEvent(ctx, "evt_orphan")
	require.NoError(t, err)
	assert.Equal(t, repo.OutcomeIgnored, ignored.Outcome)
	assert.True(t, ignored.CreatedAt.After(before), "created_at %s", ignored.CreatedAt)
}

// claimFailingRepo fails ClaimInvite a fixed number of times.
type claimFailingRepo struct {
	repo.Repository
	mu       sync.Mutex
	failures int
}

func (r *claimFailingRepo) ClaimInvite(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return false, errors.New("database is locked")
	}
	r.mu.Unlock()
	return r.Repository.ClaimInvite(ctx, id)
}

func TestInviteClaimFailureIsRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &claimFailingRepo{Repository: f.repo, failures: 1}
	processor := NewStripeWebhookProcessor(flaky, cache.NewMemoryLocker(), f.mailer, f.templates, nil, logging.Discard(), nil)

	res, err := f.queue.Join(ctx, JoinRequest{Email: "a@example.com"})
	require.NoError(t, err)
	ev := checkoutCompleted("evt_1", "cs_test_1", "pi_1")

	require.Error(t, processor.HandleStripeEvent(ctx, ev), "storage failure must ask the gateway to redeliver")
	entry, err := f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPaid, entry.Status)
	assert.False(t, entry.TelegramInviteSent)
	assert.Empty(t, f.mailer.messages())

	require.NoError(t, processor.HandleStripeEvent(ctx, ev))
	entry, err = f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.True(t, entry.TelegramInviteSent)
	require.Len(t, f.mailer.messages(), 1)

	// later events for the same payment do not send it again
	require.NoError(t, processor.HandleStripeEvent(ctx, ev))
	require.NoError(t, processor.HandleStripeEvent(ctx, pay.Event{
		ID: "evt_pi", Type: "payment_intent.succeeded", Kind: pay.KindPaymentSucceeded, IntentID: "pi_1",
	}))
	assert.Len(t, f.mailer.messages(), 1)
}

func TestInviteClaimFailureIsRetriedByNextEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &claimFailingRepo{Repository: f.repo, failures: 1}
	processor := NewStripeWebhookProcessor(flaky, cache.NewMemoryLocker(), f.mailer, f.templates, nil, logging.Discard(), nil)

	res, err := f.queue.Join(ctx, JoinRequest{Email: "a@example.com"})
	require.NoError(t, err)
	require.Error(t, processor.HandleStripeEvent(ctx, checkoutCompleted("evt_1", "cs_test_1", "pi_1")))

	require.NoError(t, processor.HandleStripeEvent(ctx, pay.Event{
		ID: "evt_pi", Type: "payment_intent.succeeded", Kind: pay.KindPaymentSucceeded, IntentID: "pi_1",
	}))
	entry, err := f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.True(t, entry.TelegramInviteSent)
	assert.Len(t, f.mailer.messages(), 1)
}

func TestRemainingPaymentIntentResolvesFromMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.joinAndPay(t, "a@example.com")
	_, err := f.dispatch(t, queue.ActionContact, entry.ID)
	require.NoError(t, err)

	require.NoError(t, f.processor.HandleStripeEvent(ctx, pay.Event{
		ID:       "evt_balance",
		Type:     "payment_intent.succeeded",
		Kind:     pay.KindPaymentSucceeded,
		IntentID: "pi_balance",
		Metadata: map[string]string{"type": pay.MetaTypeRemainingPayment, "queueEntryId": entry.ID},
	}))

	after, err := f.repo.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusConfirmed, after.Status)

	row, err := f.repo.GetWebhookEvent(ctx, "evt_balance")
	require.NoError(t, err)
	assert.Equal(t, repo.OutcomeApplied, row.Outcome)
	assert.Equal(t, entry.ID, row.TargetID)
}
