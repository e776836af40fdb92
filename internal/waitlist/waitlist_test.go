package waitlist

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirius-sound/internal/auth"
	"sirius-sound/internal/logging"
	"sirius-sound/internal/notify"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

type captureMailer struct{ sent []notify.Message }

func (m *captureMailer) Notify(_ context.Context, msg notify.Message) bool {
	m.sent = append(m.sent, msg)
	return true
}

func newService(t *testing.T) (*Service, *captureMailer) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "sirius.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.Migrate(ctx))

	templates, err := notify.NewTemplates(notify.TemplateConfig{PublicBaseURL: "https://sirius.example.com"})
	require.NoError(t, err)
	mailer := &captureMailer{}
	return NewService(r, mailer, templates, logging.Discard()), mailer
}

func tokenFrom(t *testing.T, msg notify.Message) string {
	t.Helper()
	_, after, ok := strings.Cut(msg.HTML, "token=")
	require.True(t, ok)
	end := strings.IndexAny(after, "\"&")
	require.Positive(t, end)
	return after[:end]
}

func TestJoinAndConfirm(t *testing.T) {
	s, mailer := newService(t)
	ctx := context.Background()

	first, err := s.Join(ctx, JoinRequest{Email: "One@x.com", Role: "Player", Consent: true})
	require.NoError(t, err)
	assert.Equal(t, "one@x.com", first.Email)
	assert.Equal(t, repo.WaitlistPending, first.Status)
	_, err = s.Join(ctx, JoinRequest{Email: "two@x.com", Role: "luthier", Consent: true})
	require.NoError(t, err)

	require.Len(t, mailer.sent, 2)
	token := tokenFrom(t, mailer.sent[0])
	assert.Len(t, token, 48)

	conf, err := s.Confirm(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, repo.WaitlistConfirmed, conf.Entry.Status)
	assert.Equal(t, int64(1), conf.Position)

	conf, err = s.Confirm(ctx, tokenFrom(t, mailer.sent[1]))
	require.NoError(t, err)
	assert.Equal(t, int64(2), conf.Position)

	_, err = s.Confirm(ctx, "nope")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestJoinValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	cases := []JoinRequest{
		{Email: "bad", Role: "player", Consent: true},
		{Email: "a@x.com", Role: "drummer", Consent: true},
		{Email: "a@x.com", Role: "player", Consent: false},
	}
	for _, c := range cases {
		_, err := s.Join(ctx, c)
		assert.ErrorIs(t, err, queue.ErrInvalidInput)
	}

	_, err := s.Join(ctx, JoinRequest{Email: "a@x.com", Role: "player", Consent: true})
	require.NoError(t, err)
	_, err = s.Join(ctx, JoinRequest{Email: "a@x.com", Role: "producer", Consent: true})
	assert.ErrorIs(t, err, queue.ErrAlreadyExists)
}

func TestAdminModeration(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	admin := auth.AdminSession{Email: "admin@x.com", Method: auth.MethodJWT}

	entry, err := s.Join(ctx, JoinRequest{Email: "a@x.com", Role: "retailer", Consent: true})
	require.NoError(t, err)

	_, err = s.SetStatus(ctx, auth.AdminSession{}, entry.ID, repo.WaitlistRejected)
	assert.ErrorIs(t, err, queue.ErrUnauthorized)
	_, err = s.SetStatus(ctx, admin, entry.ID, "archived")
	assert.ErrorIs(t, err, queue.ErrInvalidInput)

	updated, err := s.SetStatus(ctx, admin, entry.ID, repo.WaitlistRejected)
	require.NoError(t, err)
	assert.Equal(t, repo.WaitlistRejected, updated.Status)

	list, err := s.List(ctx, admin, repo.WaitlistFilter{Status: repo.WaitlistRejected})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, entry.ID, list[0].ID)
}
