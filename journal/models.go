package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SagaPhase tracks how far a two-phase sponsorship has progressed.
type SagaPhase string

// All saga phases.
const (
	PhaseStarted          SagaPhase = "started"
	PhaseAllowanceGranted SagaPhase = "allowance_granted"
	PhaseCompleted        SagaPhase = "completed"
	// PhaseAbandoned marks a saga whose allowance phase failed definitively; nothing
	// remains to resume.
	PhaseAbandoned SagaPhase = "abandoned"
)

// RedemptionOutcome is the terminal state of a redemption session.
type RedemptionOutcome string

// All recorded outcomes.
const (
	OutcomeSettled RedemptionOutcome = "settled"
	OutcomeExpired RedemptionOutcome = "expired"
	OutcomeFailed  RedemptionOutcome = "failed"
)

// SponsorshipSaga persists the allowance-then-sponsorship spend so it can be resumed.
type SponsorshipSaga struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sponsor       string    `gorm:"size:42;index"`
	Mobile        string    `gorm:"size:16"`
	Category      uint8     `gorm:"not null"`
	Amount        string    `gorm:"size:80;not null"`
	Phase         SagaPhase `gorm:"size:32;index"`
	AllowanceTx   string    `gorm:"size:66"`
	SponsorshipTx string    `gorm:"size:66"`
	LastError     string    `gorm:"size:512"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RedemptionRecord is the audit trail of one terminal redemption. The code itself is never
// stored; CodeDigest is its blake3 hash.
type RedemptionRecord struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SessionID  string            `gorm:"size:64;index"`
	Merchant   string            `gorm:"size:42;index"`
	Mobile     string            `gorm:"size:16;index"`
	Amount     string            `gorm:"size:80"`
	CodeDigest string            `gorm:"size:64"`
	Outcome    RedemptionOutcome `gorm:"size:16;index"`
	Reason     string            `gorm:"size:64"`
	TxHash     string            `gorm:"size:66"`
	IssuedAt   time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SponsorshipSaga{},
		&RedemptionRecord{},
	)
}
