package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirius-sound/internal/queue"
)

func TestWaitlistConfirmPosition(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	first, err := r.InsertWaitlistEntry(ctx, WaitlistEntry{Email: "one@example.com", Role: "player", Consent: true, Token: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, WaitlistPending, first.Status)
	_, err = r.InsertWaitlistEntry(ctx, WaitlistEntry{Email: "two@example.com", Role: "luthier", Consent: true, Token: "tok-2"})
	require.NoError(t, err)

	_, err = r.InsertWaitlistEntry(ctx, WaitlistEntry{Email: "one@example.com", Role: "player", Consent: true, Token: "tok-3"})
	assert.ErrorIs(t, err, queue.ErrAlreadyExists)

	second, pos, err := r.ConfirmWaitlistEntry(ctx, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, WaitlistConfirmed, second.Status)
	assert.Equal(t, int64(1), pos)

	_, pos, err = r.ConfirmWaitlistEntry(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos, "earlier signup ranks ahead once confirmed")

	_, _, err = r.ConfirmWaitlistEntry(ctx, "nope")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	rejected, err := r.SetWaitlistStatus(ctx, first.ID, WaitlistRejected)
	require.NoError(t, err)
	assert.Equal(t, WaitlistRejected, rejected.Status)

	confirmed, err := r.ListWaitlist(ctx, WaitlistFilter{Status: WaitlistConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "two@example.com", confirmed[0].Email)
}

func TestToneLabRatingsAndAggregates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	samples, err := r.ListActiveSamples(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 15)
	sirius := 0
	for _, s := range samples {
		if s.IsSirius {
			sirius++
		}
	}
	assert.Equal(t, 3, sirius)

	done, err := r.CreateToneTest(ctx, nil)
	require.NoError(t, err)
	open, err := r.CreateToneTest(ctx, nil)
	require.NoError(t, err)

	sampleID := samples[0].ID
	_, err = r.UpsertRating(ctx, SampleRating{TestID: done.ID, SampleID: sampleID, Rating: 2, PlayCount: 1})
	require.NoError(t, err)
	updated, err := r.UpsertRating(ctx, SampleRating{TestID: done.ID, SampleID: sampleID, Rating: 4, PlayCount: 3, GuessedName: strPtr("EMG SA")})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Rating)

	_, err = r.UpsertRating(ctx, SampleRating{TestID: open.ID, SampleID: sampleID, Rating: 1, PlayCount: 9})
	require.NoError(t, err)

	ratings, err := r.ListRatings(ctx, done.ID)
	require.NoError(t, err)
	require.Len(t, ratings, 1)

	completed, err := r.CompleteToneTest(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, completed.Completed)
	require.NotNil(t, completed.CompletedAt)

	aggs, err := r.SampleAggregates(ctx, []string{sampleID})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, aggs[sampleID].AverageRating, 0.001)
	assert.Equal(t, int64(1), aggs[sampleID].TotalRatings)
	assert.Equal(t, int64(3), aggs[sampleID].TotalPlays)
}

func TestBrowseAndDeleteRecord(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	entry, err := r.JoinQueue(ctx, joinParams("a@example.com"), sessionFor("cs"))
	require.NoError(t, err)
	order, err := r.InsertOrder(ctx, queue.Order{Type: queue.OrderTypeDonation, Amount: 1000, Currency: "usd", Quantity: 1})
	require.NoError(t, err)

	page, err := r.Browse(ctx, EntityQueueEntries, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, entry.ID, page.Rows[0]["id"])
	assert.Contains(t, page.Columns, "queue_number")

	err = r.DeleteRecord(ctx, EntityQueueEntries, entry.ID)
	assert.ErrorIs(t, err, queue.ErrInvalidInput)

	require.NoError(t, r.DeleteRecord(ctx, EntityOrders, order.ID))
	assert.ErrorIs(t, r.DeleteRecord(ctx, EntityOrders, order.ID), queue.ErrNotFound)

	_, err = r.Browse(ctx, Entity("users; DROP TABLE orders"), 10, 0)
	assert.ErrorIs(t, err, queue.ErrInvalidInput)
}

func TestParseEntity(t *testing.T) {
	e, err := ParseEntity("webhook_events")
	require.NoError(t, err)
	assert.True(t, e.Deletable())

	e, err = ParseEntity("pickup_samples")
	require.NoError(t, err)
	assert.False(t, e.Deletable())

	_, err = ParseEntity("users")
	assert.ErrorIs(t, err, queue.ErrInvalidInput)
}
