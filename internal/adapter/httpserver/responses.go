// Package httpserver contains the HTTP surface of the platform: the public
// submission API and the internal storage surface, plus the middleware both
// share. Handlers translate between wire shapes and the usecase services;
// business rules live below.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Kind    domain.ErrorKind `json:"error_kind"`
	Message string           `json:"message"`
	Details any              `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the sentinel chain to an HTTP status and a stable wire
// error kind. Terminal evaluation outcomes never travel through here; they
// are successful responses with a status field.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	kind := domain.KindOf(err)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrClusterUnavailable),
		errors.Is(err, domain.ErrNoImage),
		errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, domain.ErrBrokerUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Kind: kind, Message: err.Error(), Details: details}})
}
