package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sirius-sound/internal/auth"
	"sirius-sound/internal/handlers"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
	"sirius-sound/internal/tonelab"
	"sirius-sound/internal/waitlist"
)

const (
	summaryCacheKey = "admin:queue:summary"
	summaryCacheTTL = 15 * time.Second
)

func (s *Server) handleQueueJoin(w http.ResponseWriter, r *http.Request) {
	var req handlers.JoinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.handlers.Queue.Join(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.handlers.Queue.Status(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"entry":          entry,
		"trackingNumber": queue.TrackingNumber(entry.QueueNumber),
	})
}

func (s *Server) handlePreorder(w http.ResponseWriter, r *http.Request) {
	var req handlers.PreorderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.handlers.Orders.Preorder(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	var req handlers.DonationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.handlers.Orders.Donate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleWaitlistJoin(w http.ResponseWriter, r *http.Request) {
	var req waitlist.JoinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.handlers.Waitlist.Join(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, entry)
}

func (s *Server) handleWaitlistConfirm(w http.ResponseWriter, r *http.Request) {
	conf, err := s.handlers.Waitlist.Confirm(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, conf)
}

func (s *Server) handleToneSamples(w http.ResponseWriter, r *http.Request) {
	round, err := s.handlers.ToneLab.Samples(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, round)
}

func (s *Server) handleToneStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID *string `json:"userId,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	test, err := s.handlers.ToneLab.StartTest(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, test)
}

func (s *Server) handleToneRate(w http.ResponseWriter, r *http.Request) {
	var req tonelab.RateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rating, err := s.handlers.ToneLab.Rate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, rating)
}

func (s *Server) handleToneSubmit(w http.ResponseWriter, r *http.Request) {
	test, err := s.handlers.ToneLab.Submit(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, test)
}

func (s *Server) handleToneResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.handlers.ToneLab.Results(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleAdminAction(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())
	var req handlers.ActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.handlers.Admin.Dispatch(r.Context(), session, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateSummary(r)
	writeJSON(w, res)
}

func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.QueueFilter{Email: strings.TrimSpace(q.Get("email"))}
	if raw := q.Get("status"); raw != "" {
		st, err := queue.ParseStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Status = st
	}
	var err error
	if filter.Limit, filter.Offset, err = paging(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.handlers.Repository.ListQueueEntries(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"entries": nonNil(entries)})
}

func (s *Server) handleAdminSummary(w http.ResponseWriter, r *http.Request) {
	var summary map[queue.Status]int64
	if s.handlers.Cache != nil {
		hit, err := s.handlers.Cache.GetJSON(r.Context(), summaryCacheKey, &summary)
		if err != nil {
			s.logger.Warn("summary cache read failed", "error", err)
		}
		if hit {
			writeJSON(w, map[string]any{"counts": summary, "cached": true})
			return
		}
	}

	summary, err := s.handlers.Repository.QueueSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.handlers.Cache != nil {
		if err := s.handlers.Cache.SetJSON(r.Context(), summaryCacheKey, summary, summaryCacheTTL); err != nil {
			s.logger.Warn("summary cache write failed", "error", err)
		}
	}
	writeJSON(w, map[string]any{"counts": summary, "cached": false})
}

func (s *Server) invalidateSummary(r *http.Request) {
	if s.handlers.Cache == nil {
		return
	}
	if err := s.handlers.Cache.Delete(r.Context(), summaryCacheKey); err != nil {
		s.logger.Warn("summary cache invalidate failed", "error", err)
	}
}

func (s *Server) handleAdminOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter repo.OrderFilter
	switch t := queue.OrderType(q.Get("type")); t {
	case "", queue.OrderTypePreorder, queue.OrderTypeDonation:
		filter.Type = t
	default:
		s.writeError(w, r, queue.InvalidInput("unknown order type %q", t))
		return
	}
	switch st := queue.OrderStatus(q.Get("status")); st {
	case "", queue.OrderPending, queue.OrderAuthorized, queue.OrderCaptured, queue.OrderCancelled, queue.OrderRefunded:
		filter.Status = st
	default:
		s.writeError(w, r, queue.InvalidInput("unknown order status %q", st))
		return
	}
	var err error
	if filter.Limit, filter.Offset, err = paging(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	orders, err := s.handlers.Repository.ListOrders(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"orders": nonNil(orders)})
}

func (s *Server) handleAdminWaitlist(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())
	filter := repo.WaitlistFilter{Status: repo.WaitlistStatus(r.URL.Query().Get("status"))}
	var err error
	if filter.Limit, filter.Offset, err = paging(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.handlers.Waitlist.List(r.Context(), session, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"entries": nonNil(entries)})
}

func (s *Server) handleAdminWaitlistStatus(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())
	var req struct {
		ID     string              `json:"id"`
		Status repo.WaitlistStatus `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.handlers.Waitlist.SetStatus(r.Context(), session, req.ID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, entry)
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	entity, err := repo.ParseEntity(chi.URLParam(r, "entity"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.handlers.Repository.Browse(r.Context(), entity, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, page)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())
	entity, err := repo.ParseEntity(chi.URLParam(r, "entity"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.handlers.Repository.DeleteRecord(r.Context(), entity, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("record deleted", "entity", entity, "id", id, "admin", session.Email)
	w.WriteHeader(http.StatusNoContent)
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return 0, 0, queue.InvalidInput("limit must be a non-negative integer")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, queue.InvalidInput("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
