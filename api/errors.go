package api

import (
	"errors"
	"net/http"

	"github.com/warp/token-ledger/ledger"
)

// retryAfterSeconds is sent with 503 responses for retryable failures.
const retryAfterSeconds = "1"

// statusFor maps a ledger error kind to an HTTP status.
func statusFor(err error) int {
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInsufficientBalance, ledger.KindInvalidOperation:
		return http.StatusConflict
	case ledger.KindConcurrency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorDetails exposes the structured fields of client-facing errors.
// Server-side failures get no details beyond the kind.
func errorDetails(err error) any {
	var (
		ve *ledger.ValidationError
		ie *ledger.InsufficientBalanceError
		ne *ledger.NotFoundError
		oe *ledger.InvalidOperationError
	)
	switch {
	case errors.As(err, &ve):
		return map[string]string{"field": ve.Field, "value": ve.Value, "reason": ve.Reason}
	case errors.As(err, &ie):
		return map[string]any{
			"user_id":   ie.UserID,
			"available": ie.Available,
			"requested": ie.Requested,
			"shortfall": ie.Shortfall,
		}
	case errors.As(err, &ne):
		return map[string]string{"resource": ne.Resource, "id": ne.ID}
	case errors.As(err, &oe):
		d := map[string]string{"reason": oe.Reason}
		if oe.TransactionID != "" {
			d["transaction_id"] = string(oe.TransactionID)
		}
		if oe.From != "" {
			d["from"] = string(oe.From)
			d["to"] = string(oe.To)
		}
		return d
	}
	return nil
}

// writeLedgerError writes err as {error, kind, details}.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Kind: ledger.KindOf(err).String()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	} else {
		resp.Error = err.Error()
		resp.Details = errorDetails(err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, resp)
}

// writeBadRequest reports a malformed request before it reaches the ledger.
func writeBadRequest(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Kind: ledger.KindValidation.String()}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, resp)
}
