package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, APIError{Code: code, Message: message})
}

// writeError maps service errors onto status codes. Anything unrecognised
// is logged and reported as an internal error.
func writeError(w http.ResponseWriter, log logger.Logger, err error) {
	var xe *types.X402Error
	switch {
	case errors.Is(err, store.ErrListingNotFound):
		writeJSON(w, http.StatusNotFound, APIError{Code: "LISTING_NOT_FOUND", Message: "listing not found"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, APIError{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, store.ErrDuplicateTx), errors.Is(err, store.ErrTxClaimed):
		writeJSON(w, http.StatusConflict, APIError{Code: "DUPLICATE_TX", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, APIError{Code: "TIMEOUT", Message: "verification did not finish in time"})
	case errors.As(err, &xe):
		switch xe.Code {
		case types.ErrConfigError:
			log.Error("facilitator misconfigured", map[string]any{"error": xe.Message})
			writeJSON(w, http.StatusInternalServerError, APIError{Code: xe.Code, Message: xe.Message})
		case types.ErrNetworkError:
			writeJSON(w, http.StatusBadGateway, APIError{Code: xe.Code, Message: xe.Message})
		default:
			writeBadRequest(w, xe.Code, xe.Message)
		}
	default:
		log.Error("request failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, APIError{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}
