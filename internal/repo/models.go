package repo

import (
	"strings"
	"time"

	"sirius-sound/internal/queue"
)

// JoinParams carries the values fixed on a queue entry at creation.
type JoinParams struct {
	Email           string
	UserID          *string
	DepositAmount   int64
	RemainingAmount int64
	Currency        string
}

// QueueFilter narrows the admin queue listing.
type QueueFilter struct {
	Status queue.Status
	Email  string
	Limit  int
	Offset int
}

// OrderFilter narrows the admin order listing.
type OrderFilter struct {
	Type   queue.OrderType
	Status queue.OrderStatus
	Limit  int
	Offset int
}

// Webhook ledger outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeNoop     = "noop"
	OutcomeIgnored  = "ignored"
	OutcomeRejected = "rejected"
)

// WebhookEvent is a row in the processed-event ledger, keyed by gateway event id.
type WebhookEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"createdAt"`
}

// eventTime is the ledger timestamp, defaulting to now when the caller left it unset.
func eventTime(e *WebhookEvent) time.Time {
	if e.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return e.CreatedAt.UTC()
}

// WaitlistStatus tracks double opt-in and admin moderation.
type WaitlistStatus string

const (
	WaitlistPending   WaitlistStatus = "pending"
	WaitlistConfirmed WaitlistStatus = "confirmed"
	WaitlistRejected  WaitlistStatus = "rejected"
)

// WaitlistEntry is an email collected before launch.
type WaitlistEntry struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	Role        string         `json:"role"`
	Consent     bool           `json:"consent"`
	Status      WaitlistStatus `json:"status"`
	Token       string         `json:"-"`
	ConfirmedAt *time.Time     `json:"confirmedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// WaitlistFilter narrows the admin waitlist listing.
type WaitlistFilter struct {
	Status WaitlistStatus
	Limit  int
	Offset int
}

// PickupSample is an audio recording used in the blind test.
type PickupSample struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Guitar      string `json:"guitar"`
	Position    string `json:"position"`
	Description string `json:"description"`
	AudioFile   string `json:"audioFile"`
	IsSirius    bool   `json:"isSirius"`
}

// ToneTest is one listener's blind-test session.
type ToneTest struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	UserID      *string    `json:"userId,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// SampleRating is a listener's score for one sample within a test.
type SampleRating struct {
	ID          string    `json:"id"`
	TestID      string    `json:"testId"`
	SampleID    string    `json:"sampleId"`
	Rating      int       `json:"rating"`
	GuessedName *string   `json:"guessedName,omitempty"`
	PlayCount   int       `json:"playCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SampleAggregate summarises ratings across completed tests.
type SampleAggregate struct {
	AverageRating float64 `json:"averageRating"`
	TotalRatings  int64   `json:"totalRatings"`
	TotalPlays    int64   `json:"totalPlays"`
}

// Entity is the closed set of tables exposed by the admin database browser.
type Entity string

const (
	EntityQueueEntries    Entity = "queue_entries"
	EntityOrders          Entity = "orders"
	EntityWaitlistEntries Entity = "waitlist_entries"
	EntityWebhookEvents   Entity = "webhook_events"
	EntityPickupSamples   Entity = "pickup_samples"
)

var entities = []Entity{
	EntityQueueEntries,
	EntityOrders,
	EntityWaitlistEntries,
	EntityWebhookEvents,
	EntityPickupSamples,
}

// Entities lists every browsable entity.
func Entities() []Entity {
	out := make([]Entity, len(entities))
	copy(out, entities)
	return out
}

// ParseEntity rejects anything outside the closed entity set.
func ParseEntity(s string) (Entity, error) {
	e := Entity(strings.TrimSpace(s))
	for _, known := range entities {
		if e == known {
			return e, nil
		}
	}
	return "", queue.InvalidInput("unknown entity %q", s)
}

// Deletable reports whether the browser may delete rows of this entity.
// Queue entries are never deleted; they are cancelled.
func (e Entity) Deletable() bool {
	switch e {
	case EntityOrders, EntityWaitlistEntries, EntityWebhookEvents:
		return true
	default:
		return false
	}
}

// orderColumn is the column the browser sorts by, newest first.
func (e Entity) orderColumn() string {
	if e == EntityPickupSamples {
		return "sort_order"
	}
	return "created_at"
}

// BrowsePage is a page of raw rows for the database browser.
type BrowsePage struct {
	Entity  Entity           `json:"entity"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
