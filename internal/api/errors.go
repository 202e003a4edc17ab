package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"duck-async/internal/domain"
)

// errorResponse is the JSON envelope of every non-2xx response.
type errorResponse struct {
	Status int         `json:"status"`
	Error  errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var (
		notFound      *domain.NotFoundError
		validation    *domain.ValidationError
		exists        *domain.AlreadyExistsError
		version       *domain.VersionConflictError
		illegal       *domain.IllegalStateTransitionError
		opConflict    *domain.OperationConflictError
		limit         *domain.ConcurrencyLimitExceededError
		notReady      *domain.SessionNotReadyError
		communication *domain.ExternalCommunicationError
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &exists), errors.As(err, &version), errors.As(err, &illegal):
		return http.StatusConflict
	case errors.As(err, &opConflict), errors.As(err, &limit), errors.As(err, &notReady):
		return http.StatusTooManyRequests
	case errors.As(err, &communication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorType names the error kind in the response body.
func errorType(err error) string {
	var (
		notFound      *domain.NotFoundError
		validation    *domain.ValidationError
		exists        *domain.AlreadyExistsError
		version       *domain.VersionConflictError
		illegal       *domain.IllegalStateTransitionError
		opConflict    *domain.OperationConflictError
		limit         *domain.ConcurrencyLimitExceededError
		notReady      *domain.SessionNotReadyError
		communication *domain.ExternalCommunicationError
	)
	switch {
	case errors.As(err, &notFound):
		return "NotFound"
	case errors.As(err, &validation):
		return "Validation"
	case errors.As(err, &exists):
		return "AlreadyExists"
	case errors.As(err, &version):
		return "VersionConflict"
	case errors.As(err, &illegal):
		return "IllegalStateTransition"
	case errors.As(err, &opConflict):
		return "OperationConflict"
	case errors.As(err, &limit):
		return "ConcurrencyLimitExceeded"
	case errors.As(err, &notReady):
		return "SessionNotReady"
	case errors.As(err, &communication):
		return "ExternalCommunication"
	default:
		return "Internal"
	}
}

// retryAfterSeconds is the Retry-After hint for a back-pressure error,
// rounded up to whole seconds; zero means no header.
func retryAfterSeconds(err error) int {
	var limit *domain.ConcurrencyLimitExceededError
	if errors.As(err, &limit) {
		if s := int(math.Ceil(limit.RetryAfter.Seconds())); s > 0 {
			return s
		}
		return 1
	}
	var opConflict *domain.OperationConflictError
	var notReady *domain.SessionNotReadyError
	if errors.As(err, &opConflict) || errors.As(err, &notReady) {
		return 1
	}
	return 0
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	reason := http.StatusText(status)
	details := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		details = "internal error"
	}
	if s := retryAfterSeconds(err); s > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(s))
	}
	writeJSON(w, status, errorResponse{
		Status: status,
		Error:  errorDetail{Type: errorType(err), Reason: reason, Details: details},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
