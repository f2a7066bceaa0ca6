// Package ledger defines the boundary between the ZepPay orchestrators and the external,
// authoritative ledger: the operation set, the typed contract facade, the fixed-point amount
// codec, the OTP shape normalisation and the error taxonomy shared by every caller.
package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Operation names a state-changing ledger call.
type Operation string

const (
	OpRegisterMerchant  Operation = "registerMerchant"
	OpAddBeneficiary    Operation = "addBeneficiary"
	OpGrantAllowance    Operation = "grantAllowance"
	OpCreateSponsorship Operation = "createSponsorship"
	OpRequestPayment    Operation = "requestPayment"
	OpProcessPayment    Operation = "processPayment"
)

// View names a read-only ledger call.
type View string

const (
	ViewMerchants          View = "merchants"
	ViewBeneficiaryAt      View = "beneficiaryAt"
	ViewBeneficiaryDetails View = "getBeneficiaryDetails"
	ViewOTP                View = "getOtp"
	ViewSponsorship        View = "getSponsorship"
)

// TxHandle identifies a broadcast write awaiting confirmation.
type TxHandle struct {
	Hash        string    `json:"hash"`
	Op          Operation `json:"op"`
	From        string    `json:"from"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Receipt is the confirmed outcome of a write.
type Receipt struct {
	Hash        string    `json:"hash"`
	Op          Operation `json:"op"`
	BlockNumber uint64    `json:"blockNumber"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// Ledger is the transport-level contract every backend implements. Writes are split into
// Submit and AwaitConfirmation so callers can distinguish "never broadcast" from "broadcast
// but not yet observed".
//
// Submit fails with *RejectionError when the signer declines and *NetworkError when the
// transport fails before broadcast. AwaitConfirmation fails with *RevertError when the ledger
// rejects the business rule and *NetworkError when the outcome cannot be observed (retryable).
// Query is side-effect free and may lag behind in-flight writes.
type Ledger interface {
	Address() common.Address
	Submit(ctx context.Context, op Operation, args ...any) (TxHandle, error)
	AwaitConfirmation(ctx context.Context, h TxHandle) (*Receipt, error)
	Query(ctx context.Context, view View, args ...any) ([]any, error)
}
