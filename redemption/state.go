package redemption

import (
	"time"

	"zeppay/ledger"
)

// State is the position of a redemption session in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateIssued     State = "issued"
	StateSubmitting State = "submitting"
	StateSettled    State = "settled"
	StateExpired    State = "expired"
	StateFailed     State = "failed"
)

// Pending reports whether a voucher is in flight.
func (s State) Pending() bool {
	return s == StateRequesting || s == StateIssued || s == StateSubmitting
}

// Terminal reports whether the voucher has reached a final outcome.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateExpired || s == StateFailed
}

// voucher is the session's view of the code issued by the ledger.
type voucher struct {
	mobile    string
	amount    ledger.Amount
	code      string
	issuedAt  time.Time
	expiresAt time.Time
	txHash    string
	notified  bool
}

// Snapshot is a point-in-time copy of a session. The code itself is never exposed.
type Snapshot struct {
	SessionID       string        `json:"sessionId"`
	State           State         `json:"state"`
	Mobile          string        `json:"mobileNumber,omitempty"`
	Amount          ledger.Amount `json:"amount"`
	IssuedAt        *time.Time    `json:"issuedAt,omitempty"`
	ExpiresAt       *time.Time    `json:"expiresAt,omitempty"`
	RemainingMillis int64         `json:"remainingMs"`
	TxHash          string        `json:"txHash,omitempty"`
	Notified        bool          `json:"notified"`
	Error           *ledger.Error `json:"error,omitempty"`
	Retryable       bool          `json:"retryable"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}
