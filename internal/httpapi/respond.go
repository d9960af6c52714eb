package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Error.Code = string(appErr.Code)
		body.Error.Message = appErr.Message
		body.Error.Retryable = appErr.Retryable
	} else {
		body.Error.Code = string(apperr.CodeInternal)
		body.Error.Message = "internal error"
	}
	writeJSON(w, statusFor(apperr.CodeOf(err)), body)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("malformed request body")
	}
	return nil
}
