package pay

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirius-sound/internal/logging"
	"sirius-sound/internal/metrics"
	"sirius-sound/internal/queue"
)

type recordingProcessor struct {
	events []Event
	err    error
}

func (p *recordingProcessor) HandleStripeEvent(_ context.Context, event Event) error {
	p.events = append(p.events, event)
	return p.err
}

func deliver(t *testing.T, h http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newHandler(secret string, p WebhookProcessor) *WebhookHandler {
	return NewWebhookHandler(logging.Discard(), metrics.Registry("test"), secret, p)
}

func TestWebhookClassifiesCheckoutCompleted(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHandler(testSecret, proc)
	payload := eventPayload("evt_1", "checkout.session.completed",
		`{"id":"cs_test_1","object":"checkout.session","payment_status":"paid","payment_intent":"pi_1","metadata":{"type":"queue_entry","queueNumber":"1"}}`)

	rec := deliver(t, h, payload, signPayload(payload, testSecret, time.Now()))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, proc.events, 1)
	ev := proc.events[0]
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, KindCheckoutCompleted, ev.Kind)
	assert.Equal(t, "cs_test_1", ev.SessionID)
	assert.Equal(t, "pi_1", ev.IntentID)
	assert.Equal(t, "paid", ev.PaymentStatus)
	assert.Equal(t, "1", ev.Metadata["queueNumber"])
}

func TestWebhookClassifiesPaymentIntentAndRefund(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHandler(testSecret, proc)

	cases := []struct {
		eventType string
		object    string
		kind      EventKind
	}{
		{"payment_intent.amount_capturable_updated", `{"id":"pi_2","object":"payment_intent","status":"requires_capture"}`, KindPaymentCapturable},
		{"payment_intent.succeeded", `{"id":"pi_2","object":"payment_intent","status":"succeeded"}`, KindPaymentSucceeded},
		{"payment_intent.canceled", `{"id":"pi_2","object":"payment_intent","status":"canceled"}`, KindPaymentCanceled},
		{"charge.refunded", `{"id":"ch_1","object":"charge","payment_intent":"pi_2"}`, KindPaymentRefunded},
		{"customer.created", `{"id":"cus_1","object":"customer"}`, KindIgnored},
	}
	for i, tc := range cases {
		payload := eventPayload("evt_pi_"+string(rune('a'+i)), tc.eventType, tc.object)
		rec := deliver(t, h, payload, signPayload(payload, testSecret, time.Now()))
		require.Equal(t, http.StatusOK, rec.Code, tc.eventType)
		last := proc.events[len(proc.events)-1]
		assert.Equal(t, tc.kind, last.Kind, tc.eventType)
		if tc.kind != KindIgnored {
			assert.Equal(t, "pi_2", last.IntentID, tc.eventType)
		}
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHandler(testSecret, proc)
	payload := eventPayload("evt_1", "checkout.session.completed", `{"id":"cs_test_1","object":"checkout.session"}`)

	rec := deliver(t, h, payload, signPayload(payload, "whsec_other", time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = deliver(t, h, payload, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stale := signPayload(payload, testSecret, time.Now().Add(-time.Hour))
	rec = deliver(t, h, payload, stale)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, proc.events)
}

func TestWebhookFailsClosedWithoutSecret(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHandler("", proc)
	payload := eventPayload("evt_1", "checkout.session.completed", `{"id":"cs_test_1","object":"checkout.session"}`)

	rec := deliver(t, h, payload, signPayload(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, proc.events)
}

func TestWebhookProcessorErrorAsksForRedelivery(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("database is locked")}
	h := newHandler(testSecret, proc)
	payload := eventPayload("evt_1", "checkout.session.completed", `{"id":"cs_test_1","object":"checkout.session"}`)

	rec := deliver(t, h, payload, signPayload(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWebhookWithoutMetricsStillAnswers(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("database is locked")}
	h := NewWebhookHandler(logging.Discard(), nil, testSecret, proc)
	payload := eventPayload("evt_1", "checkout.session.completed", `{"id":"cs_test_1","object":"checkout.session"}`)

	var rec *httptest.ResponseRecorder
	require.NotPanics(t, func() {
		rec = deliver(t, h, payload, signPayload(payload, testSecret, time.Now()))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", failingBody{})
	rec = httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsGet(t *testing.T) {
	h := newHandler(testSecret, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVerifyWrapsSignatureError(t *testing.T) {
	_, err := Verify([]byte(`{}`), "t=1,v1=00", testSecret)
	assert.ErrorIs(t, err, queue.ErrSignatureInvalid)
}
