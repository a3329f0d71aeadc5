package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTicketNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrQueueAtCapacity):
		code = http.StatusTooManyRequests
		codeStr = "QUEUE_AT_CAPACITY"
	case errors.Is(err, domain.ErrNoAccountsAvailable):
		code = http.StatusServiceUnavailable
		codeStr = "NO_ACCOUNTS_AVAILABLE"
	case errors.Is(err, domain.ErrBreakerOpen):
		code = http.StatusServiceUnavailable
		codeStr = "BREAKER_OPEN"
	case errors.Is(err, domain.ErrPoolExhausted):
		code = http.StatusServiceUnavailable
		codeStr = "POOL_EXHAUSTED"
	case errors.Is(err, domain.ErrVaultSealed):
		code = http.StatusServiceUnavailable
		codeStr = "VAULT_SEALED"
	case errors.Is(err, domain.ErrQueueClosed):
		code = http.StatusServiceUnavailable
		codeStr = "QUEUE_CLOSED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error()}})
}
