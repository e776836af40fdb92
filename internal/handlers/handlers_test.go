package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sirius-sound/internal/auth"
	"sirius-sound/internal/cache"
	"sirius-sound/internal/logging"
	"sirius-sound/internal/metrics"
	"sirius-sound/internal/notify"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

var testAdmin = auth.AdminSession{Email: "admin@sirius.example", Method: auth.MethodAPIKey}

type fakeGateway struct {
	mu        sync.Mutex
	sessions  int
	links     int
	linkCalls []pay.RemainingPayment
	orders    []pay.OrderCheckout
	err       error
}

func (g *fakeGateway) CreateDepositCheckout(_ context.Context, req pay.DepositCheckout) (*pay.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.sessions++
	id := fmt.Sprintf("cs_test_%d", g.sessions)
	return &pay.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (g *fakeGateway) CreateOrderCheckout(_ context.Context, req pay.OrderCheckout) (*pay.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.sessions++
	g.orders = append(g.orders, req)
	id := fmt.Sprintf("cs_order_%d", g.sessions)
	return &pay.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (g *fakeGateway) CreateRemainingPaymentLink(_ context.Context, req pay.RemainingPayment) (*pay.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.linkCalls = append(g.linkCalls, req)
	if g.err != nil {
		return nil, g.err
	}
	g.links++
	id := fmt.Sprintf("plink_%d", g.links)
	return &pay.PaymentLink{ID: id, URL: "https://buy.stripe.com/" + id}, nil
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (m *recordingMailer) Notify(_ context.Context, msg notify.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return !m.fail
}

func (m *recordingMailer) messages() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
	return nil
}

type fixture struct {
	repo      *repo.SQLiteRepository
	gateway   *fakeGateway
	mailer    *recordingMailer
	alerter   *recordingAlerter
	templates *notify.Templates
	queue     *QueueService
	orders    *OrderService
	processor *StripeWebhookProcessor
	admin     *AdminDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()
	m := metrics.Registry("test")

	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "sirius.db"), logger)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.Migrate(ctx))

	templates, err := notify.NewTemplates(notify.TemplateConfig{
		PublicBaseURL:   "https://sirius.example.com",
		TelegramURL:     "https://t.me/sirius_sound",
		TrackingBaseURL: "https://tracking.example.com/",
		DepositAmount:   10000,
		RemainingAmount: 45000,
	})
	require.NoError(t, err)

	pricing := Pricing{
		DepositAmount:      10000,
		RemainingAmount:    45000,
		Currency:           "usd",
		PreorderUnitAmount: 9900,
		DonationMinAmount:  500,
	}
	gw := &fakeGateway{}
	mailer := &recordingMailer{}
	alerter := &recordingAlerter{}
	locker := cache.NewMemoryLocker()

	return &fixture{
		repo:      r,
		gateway:   gw,
		mailer:    mailer,
		alerter:   alerter,
		templates: templates,
		queue:     NewQueueService(r, gw, pricing, logger, m),
		orders:    NewOrderService(r, gw, pricing, logger, m),
		processor: NewStripeWebhookProcessor(r, locker, mailer, templates, alerter, logger, m),
		admin:     NewAdminDispatcher(r, gw, locker, mailer, templates, logger, m),
	}
}

func checkoutCompleted(eventID, sessionID, intentID string) pay.Event {
	return pay.Event{
		ID:            eventID,
		Type:          "checkout.session.completed",
		Kind:          pay.KindCheckoutCompleted,
		SessionID:     sessionID,
		IntentID:      intentID,
		PaymentStatus: "paid",
		Metadata:      map[string]string{},
	}
}

// joinAndPay creates an entry and delivers its deposit checkout event.
func (f *fixture) joinAndPay(t *testing.T, email string) *queue.Entry {
	t.Helper()
	ctx := context.Background()
	res, err := f.queue.Join(ctx, JoinRequest{Email: email})
	require.NoError(t, err)
	entry, err := f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	require.NoError(t, f.processor.HandleStripeEvent(ctx,
		checkoutCompleted("evt_deposit_"+entry.ID, *entry.StripeSessionID, "pi_deposit_"+entry.ID)))
	entry, err = f.repo.GetQueueEntry(ctx, res.EntryID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPaid, entry.Status)
	return entry
}

func (f *fixture) dispatch(t *testing.T, action queue.Action, entryID string) (*ActionResult, error) {
	t.Helper()
	return f.admin.Dispatch(context.Background(), testAdmin, ActionRequest{Action: string(action), EntryID: entryID})
}
