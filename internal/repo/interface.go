package repo

import (
	"context"

	"sirius-sound/internal/queue"
)

// CheckoutFunc creates the gateway checkout for a freshly reserved queue number
// and returns the checkout session id. An error aborts the join and releases the number.
type CheckoutFunc func(ctx context.Context, queueNumber int64) (string, error)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	// Queue entries
	JoinQueue(ctx context.Context, params JoinParams, checkout CheckoutFunc) (*queue.Entry, error)
	GetQueueEntry(ctx context.Context, id string) (*queue.Entry, error)
	GetQueueEntryBySession(ctx context.Context, sessionID string) (*queue.Entry, error)
	GetQueueEntryByIntent(ctx context.Context, intentID string) (*queue.Entry, error)
	FindOpenQueueEntryByEmail(ctx context.Context, email string) (*queue.Entry, error)
	ListQueueEntries(ctx context.Context, filter QueueFilter) ([]queue.Entry, error)
	QueueSummary(ctx context.Context) (map[queue.Status]int64, error)
	MutateQueueEntry(ctx context.Context, id string, event *WebhookEvent, fn func(*queue.Entry) error) (*queue.Entry, error)
	ClaimInvite(ctx context.Context, id string) (bool, error)

	// Orders
	InsertOrder(ctx context.Context, order queue.Order) (*queue.Order, error)
	GetOrder(ctx context.Context, id string) (*queue.Order, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*queue.Order, error)
	GetOrderByIntent(ctx context.Context, intentID string) (*queue.Order, error)
	MutateOrder(ctx context.Context, id string, event *WebhookEvent, fn func(*queue.Order) error) (*queue.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]queue.Order, error)

	// Webhook ledger
	RecordWebhookEvent(ctx context.Context, event WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// Waitlist
	InsertWaitlistEntry(ctx context.Context, entry WaitlistEntry) (*WaitlistEntry, error)
	ConfirmWaitlistEntry(ctx context.Context, token string) (*WaitlistEntry, int64, error)
	SetWaitlistStatus(ctx context.Context, id string, status WaitlistStatus) (*WaitlistEntry, error)
	ListWaitlist(ctx context.Context, filter WaitlistFilter) ([]WaitlistEntry, error)

	// Tone Lab
	ListActiveSamples(ctx context.Context) ([]PickupSample, error)
	CreateToneTest(ctx context.Context, userID *string) (*ToneTest, error)
	GetToneTest(ctx context.Context, id string) (*ToneTest, error)
	CompleteToneTest(ctx context.Context, id string) (*ToneTest, error)
	UpsertRating(ctx context.Context, rating SampleRating) (*SampleRating, error)
	ListRatings(ctx context.Context, testID string) ([]SampleRating, error)
	SampleAggregates(ctx context.Context, sampleIDs []string) (map[string]SampleAggregate, error)

	// Database browser
	Browse(ctx context.Context, entity Entity, limit, offset int) (*BrowsePage, error)
	DeleteRecord(ctx context.Context, entity Entity, id string) error
}
