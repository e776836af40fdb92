// Package waitlist collects pre-launch sign-ups with double opt-in.
package waitlist

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/mail"
	"strings"

	"sirius-sound/internal/auth"
	"sirius-sound/internal/notify"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

// Roles a sign-up may describe themselves as.
var Roles = []string{"player", "producer", "luthier", "engineer", "retailer", "partner"}

// Mailer delivers the confirmation email.
type Mailer interface {
	Notify(ctx context.Context, msg notify.Message) bool
}

// Service runs the waitlist flow.
type Service struct {
	repo      repo.Repository
	mailer    Mailer
	templates *notify.Templates
	logger    *slog.Logger
}

// NewService wires the waitlist.
func NewService(r repo.Repository, mailer Mailer, templates *notify.Templates, logger *slog.Logger) *Service {
	return &Service{
		repo:      r,
		mailer:    mailer,
		templates: templates,
		logger:    logger.With("component", "waitlist"),
	}
}

// JoinRequest is the sign-up payload.
type JoinRequest struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	Consent bool   `json:"consent"`
}

// Confirmation is the result of following the email link.
type Confirmation struct {
	Entry    *repo.WaitlistEntry `json:"entry"`
	Position int64               `json:"position"`
}

// Join stores a pending sign-up and emails the confirmation link.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*repo.WaitlistEntry, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, queue.InvalidInput("invalid email address")
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if !validRole(role) {
		return nil, queue.InvalidInput("role must be one of %s", strings.Join(Roles, ", "))
	}
	if !req.Consent {
		return nil, queue.InvalidInput("consent is required")
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	entry, err := s.repo.InsertWaitlistEntry(ctx, repo.WaitlistEntry{
		Email:   email,
		Role:    role,
		Consent: true,
		Token:   token,
	})
	if err != nil {
		return nil, err
	}

	msg, err := s.templates.WaitlistConfirm(email, token)
	if err != nil {
		s.logger.Error("failed to render confirmation", "error", err)
	} else {
		s.mailer.Notify(ctx, msg)
	}
	s.logger.Info("waitlist sign-up", "entry_id", entry.ID, "role", role)
	return entry, nil
}

// Confirm marks the sign-up behind token as confirmed and reports its position.
func (s *Service) Confirm(ctx context.Context, token string) (*Confirmation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, queue.InvalidInput("token is required")
	}
	entry, position, err := s.repo.ConfirmWaitlistEntry(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Confirmation{Entry: entry, Position: position}, nil
}

// SetStatus moderates a sign-up.
func (s *Service) SetStatus(ctx context.Context, session auth.AdminSession, id string, status repo.WaitlistStatus) (*repo.WaitlistEntry, error) {
	if !session.Valid() {
		return nil, queue.ErrUnauthorized
	}
	switch status {
	case repo.WaitlistPending, repo.WaitlistConfirmed, repo.WaitlistRejected:
	default:
		return nil, queue.InvalidInput("unknown waitlist status %q", status)
	}
	entry, err := s.repo.SetWaitlistStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.logger.Info("waitlist status changed", "entry_id", id, "status", status, "admin", session.Email)
	return entry, nil
}

// List returns sign-ups for the admin view.
func (s *Service) List(ctx context.Context, session auth.AdminSession, filter repo.WaitlistFilter) ([]repo.WaitlistEntry, error) {
	if !session.Valid() {
		return nil, queue.ErrUnauthorized
	}
	return s.repo.ListWaitlist(ctx, filter)
}

func validRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Join(errors.New("generate waitlist token"), err)
	}
	return hex.EncodeToString(buf), nil
}

