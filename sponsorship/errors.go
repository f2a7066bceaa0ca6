package sponsorship

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"zeppay/journal"
	"zeppay/ledger"
)

var (
	// ErrSagaCompleted is returned when resuming a saga that already finished.
	ErrSagaCompleted = errors.New("sponsorship: saga already completed")
	// ErrSagaAbandoned is returned when resuming a saga whose allowance phase failed.
	ErrSagaAbandoned = errors.New("sponsorship: saga was abandoned before any allowance was granted")
	// ErrForeignSaga is returned when a saga belongs to another sponsor.
	ErrForeignSaga = errors.New("sponsorship: saga belongs to another sponsor")
)

// PartialError reports a sponsorship stopped part way. The saga can be continued with
// ResumeSponsorship; the allowance phase is never repeated once confirmed.
type PartialError struct {
	SagaID uuid.UUID
	Phase  journal.SagaPhase
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("sponsorship saga %s stopped in phase %s: %v", e.SagaID, e.Phase, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Classified maps the partial failure onto the shared taxonomy.
func (e *PartialError) Classified() *ledger.Error {
	return &ledger.Error{
		Kind:    ledger.KindPartial,
		Message: fmt.Sprintf("sponsorship incomplete (saga %s, phase %s): resume to finish", e.SagaID, e.Phase),
		Reason:  ledger.RevertReason(e.Err),
		Op:      ledger.OpCreateSponsorship,
		Err:     e,
	}
}
