package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"sirius-sound/internal/queue"
	"sirius-sound/internal/tonelab"
)

const maxRequestBody = 1 << 20

// errorBody is the only error shape clients see. Ref correlates with the logs.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

type errorClass struct {
	target  error
	status  int
	code    string
	message string
}

// Ordered most specific first.
var errorClasses = []errorClass{
	{queue.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", ""},
	{queue.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", "admin access required"},
	{queue.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "not found"},
	{queue.ErrInvalidTransition, http.StatusConflict, "INVALID_STATE_TRANSITION", "action not allowed in the current status"},
	{queue.ErrAlreadyQueued, http.StatusConflict, "ALREADY_QUEUED", "this email already holds a place in the queue"},
	{queue.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS", "already registered"},
	{queue.ErrGatewayUnavailable, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment provider unavailable, please retry"},
	{tonelab.ErrNotEnoughSamples, http.StatusServiceUnavailable, "NOT_ENOUGH_SAMPLES", "not enough pickup samples"},
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: "INTERNAL", Message: "something went wrong"}
	status := http.StatusInternalServerError
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			status, body.Code, body.Message = c.status, c.code, c.message
			if c.target == queue.ErrInvalidInput {
				body.Message = err.Error()
			}
			break
		}
	}

	if status >= http.StatusInternalServerError {
		body.Ref = uuid.NewString()
		s.logger.Error("request failed",
			"ref", body.Ref, "request_id", middleware.GetReqID(r.Context()),
			"method", r.Method, "path", r.URL.Path, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("http").Inc()
		}
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "code", body.Code, "error", err)
	}
	writeJSONStatus(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", queue.ErrInvalidInput)
	}
	return nil
}
