package pay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"sirius-sound/internal/metrics"
	"sirius-sound/internal/queue"
)

// Metadata values tagging what a checkout pays for.
const (
	MetaTypeQueueEntry       = "queue_entry"
	MetaTypeRemainingPayment = "queue_remaining_payment"
	MetaTypePreorder         = "preorder"
	MetaTypeDonation         = "donation"
)

// Client wraps the Stripe API with bounded timeouts and no retries.
type Client struct {
	logger  *slog.Logger
	api     *client.API
	metrics *metrics.Metrics
	baseURL string
}

// Config holds Stripe client configuration.
type Config struct {
	SecretKey     string
	Timeout       time.Duration
	PublicBaseURL string
	// APIURL overrides the Stripe endpoint, used by tests.
	APIURL string
}

// New creates a new Stripe client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &Client{
		logger:  logger.With("component", "stripe"),
		api:     api,
		metrics: m,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

// CheckoutSession is the subset of a Stripe checkout session the service keeps.
type CheckoutSession struct {
	ID  string
	URL string
}

// PaymentLink is a reusable hosted payment page.
type PaymentLink struct {
	ID  string
	URL string
}

// DepositCheckout describes the queue deposit payment.
type DepositCheckout struct {
	Email       string
	QueueNumber int64
	Amount      int64
	Currency    string
}

// CreateDepositCheckout opens an automatic-capture checkout for a queue deposit.
func (c *Client) CreateDepositCheckout(ctx context.Context, req DepositCheckout) (*CheckoutSession, error) {
	number := strconv.FormatInt(req.QueueNumber, 10)
	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail: stripe.String(req.Email),
		SuccessURL:    stripe.String(c.baseURL + "/queue-status?success=true"),
		CancelURL:     stripe.String(c.baseURL + "/join-queue?cancelled=true"),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic)),
			Metadata: map[string]string{
				"type":        MetaTypeQueueEntry,
				"queueNumber": number,
			},
		},
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Sirius Sound Queue Entry"),
					Description: stripe.String(fmt.Sprintf(
						"Reserve your place in line (#%s). Includes Telegram access, pickup customization, and %s credit toward final purchase.",
						number, FormatAmount(req.Amount))),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.AddMetadata("type", MetaTypeQueueEntry)
	params.AddMetadata("queueNumber", number)
	params.Context = ctx

	start := time.Now()
	s, err := c.api.CheckoutSessions.New(params)
	c.observe("checkout_deposit", start, err)
	if err != nil {
		return nil, classifyStripeError("create deposit checkout", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// OrderCheckout describes a pre-order or donation payment.
type OrderCheckout struct {
	Type         queue.OrderType
	Email        string
	Name         string
	Message      string
	Quantity     int
	PickupFormat string
	UnitAmount   int64
	Currency     string
}

// CreateOrderCheckout opens a checkout for a direct order. Pre-orders are
// authorized only and captured later; donations capture immediately.
func (c *Client) CreateOrderCheckout(ctx context.Context, req OrderCheckout) (*CheckoutSession, error) {
	quantity := int64(max(req.Quantity, 1))
	meta := map[string]string{"type": string(req.Type)}
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{}
	capture := stripe.PaymentIntentCaptureMethodAutomatic
	var successURL, cancelURL string

	switch req.Type {
	case queue.OrderTypePreorder:
		capture = stripe.PaymentIntentCaptureMethodManual
		meta["pickupFormat"] = req.PickupFormat
		meta["quantity"] = strconv.FormatInt(quantity, 10)
		product.Name = stripe.String("Sirius Sound pre-order deposit")
		product.Description = stripe.String(fmt.Sprintf("Hybrid-core pickup reserve (%s)", req.PickupFormat))
		successURL = c.baseURL + "/community/waitlist-status?preorder=success"
		cancelURL = c.baseURL + "/preorder?cancelled=true"
	case queue.OrderTypeDonation:
		if req.Name != "" {
			meta["name"] = req.Name
		}
		if req.Message != "" {
			meta["message"] = truncate(req.Message, 450)
		}
		product.Name = stripe.String("Sirius Sound donation")
		successURL = c.baseURL + "/donate?status=success"
		cancelURL = c.baseURL + "/donate?status=cancelled"
	default:
		return nil, queue.InvalidInput("unsupported order type %q", req.Type)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String(string(capture)),
			Metadata:      meta,
		},
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Currency),
				UnitAmount:  stripe.Int64(req.UnitAmount),
				ProductData: product,
			},
			Quantity: stripe.Int64(quantity),
		}},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	op := "checkout_" + string(req.Type)
	start := time.Now()
	s, err := c.api.CheckoutSessions.New(params)
	c.observe(op, start, err)
	if err != nil {
		return nil, classifyStripeError("create order checkout", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// RemainingPayment describes the final balance request for a queue entry.
type RemainingPayment struct {
	EntryID     string
	QueueNumber int64
	Amount      int64
	Currency    string
}

// IdempotencyKey is stable for a given entry and amount, so a retried call
// returns the link created by the first attempt.
func (r RemainingPayment) IdempotencyKey() string {
	return fmt.Sprintf("remaining-%s-%d", r.EntryID, r.Amount)
}

// CreateRemainingPaymentLink creates a price and a payment link tagged with the
// queue entry, so the eventual checkout can be correlated back to it.
func (c *Client) CreateRemainingPaymentLink(ctx context.Context, req RemainingPayment) (*PaymentLink, error) {
	number := strconv.FormatInt(req.QueueNumber, 10)
	key := req.IdempotencyKey()

	priceParams := &stripe.PriceParams{
		Currency:   stripe.String(req.Currency),
		UnitAmount: stripe.Int64(req.Amount),
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(fmt.Sprintf("Sirius Sound Pickup - Final Payment (Queue #%s)", number)),
		},
	}
	priceParams.SetIdempotencyKey(key + "-price")
	priceParams.Context = ctx

	start := time.Now()
	price, err := c.api.Prices.New(priceParams)
	c.observe("price", start, err)
	if err != nil {
		return nil, classifyStripeError("create remaining price", err)
	}

	linkParams := &stripe.PaymentLinkParams{
		LineItems: []*stripe.PaymentLinkLineItemParams{{
			Price:    stripe.String(price.ID),
			Quantity: stripe.Int64(1),
		}},
	}
	meta := map[string]string{
		"type":         MetaTypeRemainingPayment,
		"queueEntryId": req.EntryID,
		"queueNumber":  number,
	}
	for k, v := range meta {
		linkParams.AddMetadata(k, v)
	}
	// Payment intents do not inherit link metadata; payment_intent.succeeded
	// resolves the entry from this copy.
	linkParams.PaymentIntentData = &stripe.PaymentLinkPaymentIntentDataParams{Metadata: meta}
	linkParams.SetIdempotencyKey(key + "-link")
	linkParams.Context = ctx

	start = time.Now()
	link, err := c.api.PaymentLinks.New(linkParams)
	c.observe("payment_link", start, err)
	if err != nil {
		return nil, classifyStripeError("create payment link", err)
	}

	c.logger.Info("remaining payment link created", "entry_id", req.EntryID, "queue_number", req.QueueNumber, "link_id", link.ID)
	return &PaymentLink{ID: link.ID, URL: link.URL}, nil
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode != 0 {
			status = strconv.Itoa(se.HTTPStatusCode)
		}
	}
	c.metrics.StripeRequests.WithLabelValues(op, status).Inc()
	c.metrics.StripeLatency.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// classifyStripeError maps transport failures and 5xx/429 responses to
// ErrGatewayUnavailable; card and validation errors stay plain.
func classifyStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%s: %w: %s", op, queue.ErrGatewayUnavailable, se.Msg)
		}
		return fmt.Errorf("%s: stripe rejected request: %s (code=%s)", op, se.Msg, se.Code)
	}
	return fmt.Errorf("%s: %w: %v", op, queue.ErrGatewayUnavailable, err)
}

// FormatAmount renders minor units as a dollar string, e.g. 45000 -> "$450".
func FormatAmount(minor int64) string {
	if minor%100 == 0 {
		return fmt.Sprintf("$%d", minor/100)
	}
	return fmt.Sprintf("$%d.%02d", minor/100, minor%100)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
