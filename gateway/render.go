package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"zeppay/ledger"
	"zeppay/redemption"
	"zeppay/sponsorship"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Kind      ledger.Kind   `json:"kind"`
	Message   string        `json:"message"`
	Reason    ledger.Reason `json:"reason,omitempty"`
	Op        string        `json:"op,omitempty"`
	Retryable bool          `json:"retryable"`
	SagaID    string        `json:"sagaId,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response failed", slog.Any("error", err))
	}
}

// writeError renders err as {kind, message, reason} with a status derived from its kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, redemption.ErrSessionNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Kind: ledger.KindValidation, Message: "session not found"})
		return
	case errors.Is(err, sponsorship.ErrSagaCompleted), errors.Is(err, sponsorship.ErrSagaAbandoned):
		s.writeJSON(w, http.StatusConflict, errorBody{Kind: ledger.KindConflict, Message: err.Error()})
		return
	case errors.Is(err, sponsorship.ErrForeignSaga):
		s.writeJSON(w, http.StatusForbidden, errorBody{Kind: ledger.KindValidation, Message: err.Error()})
		return
	}
	classified := ledger.Classify(err)
	body := errorBody{
		Kind:      classified.Kind,
		Message:   classified.Message,
		Reason:    classified.Reason,
		Op:        string(classified.Op),
		Retryable: classified.Retryable(),
	}
	var partial *sponsorship.PartialError
	if errors.As(err, &partial) {
		body.SagaID = partial.SagaID.String()
	}
	status := statusFor(classified.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("kind", string(classified.Kind)), slog.Any("error", err))
	}
	s.writeJSON(w, status, body)
}

func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindUserDeclined:
		return http.StatusForbidden
	case ledger.KindConflict, ledger.KindPartial:
		return http.StatusConflict
	case ledger.KindLedgerRejected:
		return http.StatusUnprocessableEntity
	case ledger.KindExpired:
		return http.StatusGone
	case ledger.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst, rejecting unknown fields. Failures render as validation
// errors.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, ledger.Validation("invalid payload: %v", err))
		return false
	}
	return true
}
