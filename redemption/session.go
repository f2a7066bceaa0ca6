package redemption

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"zeppay/journal"
	"zeppay/ledger"
	"zeppay/notify"
	"zeppay/observability/logging"
)

// Session drives one voucher at a time through
// Idle -> Requesting -> Issued -> Submitting -> Settled | Expired | Failed.
type Session struct {
	id   string
	orch *Orchestrator

	mu        sync.Mutex
	state     State
	voucher   *voucher
	otp       ledger.OTP
	lastErr   *ledger.Error
	retryable bool
	updatedAt time.Time
	timer     *time.Timer
	closed    bool

	nextSub     int
	subscribers map[int]chan Snapshot
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state. An issued voucher past its deadline is expired here even
// if the deadline timer has not fired yet.
func (s *Session) State() State {
	s.mu.Lock()
	rec := s.expireIfDueLocked()
	state := s.state
	s.mu.Unlock()
	s.orch.record(rec)
	return state
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	rec := s.expireIfDueLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.orch.record(rec)
	return snap
}

// Subscribe delivers a snapshot on every transition, starting with the current one. Slow
// subscribers miss intermediate snapshots. cancel releases the subscription.
func (s *Session) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if existing, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(existing)
			}
		})
	}
}

// RequestOTP asks the ledger to issue a code for mobile and amount, fetches it and dispatches
// it to the beneficiary. Only one voucher may be pending per session.
func (s *Session) RequestOTP(ctx context.Context, mobile string, amount ledger.Amount) (Snapshot, error) {
	mobile = strings.TrimSpace(mobile)
	if mobile == "" || !ledger.ValidPhone(mobile) {
		return s.Snapshot(), ledger.Validation("a valid beneficiary mobile number is required")
	}
	if amount.IsZero() {
		return s.Snapshot(), ledger.Validation("amount must be greater than zero")
	}

	s.mu.Lock()
	rec := s.expireIfDueLocked()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionNotFound
	}
	if s.state.Pending() {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.orch.record(rec)
		return snap, ledger.Conflict("redemption already pending")
	}
	s.voucher = &voucher{mobile: mobile, amount: amount}
	s.otp = ledger.OTP{}
	s.setErrLocked(nil, false)
	s.transitionLocked(StateRequesting)
	s.mu.Unlock()
	s.orch.record(rec)

	o := s.orch
	ctx, span := o.tracer.Start(ctx, "redemption.request_otp",
		trace.WithAttributes(attribute.String("session", s.id)))
	defer span.End()

	_, broadcast, err := o.execute(ctx, ledger.OpRequestPayment, func() (ledger.TxHandle, error) {
		return o.contract.RequestPayment(ctx, mobile, amount)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request payment failed")
		return s.failRequest(err, broadcast)
	}

	otp, err := o.fetchOTP(ctx, mobile)
	if err != nil {
		span.RecordError(err)
		return s.failRequest(err, true)
	}

	s.mu.Lock()
	if s.state != StateRequesting || s.closed {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ledger.Conflict("session changed while the code was being issued")
	}
	s.otp = otp
	s.voucher.code = otp.Code
	s.voucher.issuedAt = otp.IssuedAt
	s.voucher.expiresAt = otp.ExpiresAt
	s.transitionLocked(StateIssued)
	s.mu.Unlock()

	o.logger.Info("redemption code issued",
		slog.String("session", s.id),
		logging.PhoneField("mobile", mobile),
		slog.String("amount", amount.String()),
		slog.Time("expires_at", otp.ExpiresAt),
		slog.Bool("ledger_expiry", otp.LedgerExpiry))

	s.dispatch(ctx, mobile, amount, otp.Code)
	return s.Snapshot(), nil
}

// SubmitCode presents the beneficiary's code to the ledger. A code past its local deadline is
// never submitted.
func (s *Session) SubmitCode(ctx context.Context, code string) (Snapshot, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return s.Snapshot(), ledger.Validation("code is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionNotFound
	}
	if rec := s.expireIfDueLocked(); rec != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.orch.record(rec)
		return snap, expiredError()
	}
	switch s.state {
	case StateIssued:
	case StateExpired:
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, expiredError()
	case StateSubmitting, StateRequesting:
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ledger.Conflict("redemption already pending")
	case StateSettled:
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, &ledger.Error{Kind: ledger.KindLedgerRejected, Message: "code already used", Reason: ledger.ReasonAlreadyConsumed}
	case StateFailed:
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ledger.Validation("voucher failed; request a new code")
	default:
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ledger.Validation("no code has been issued")
	}
	v := *s.voucher
	s.setErrLocked(nil, false)
	s.transitionLocked(StateSubmitting)
	s.mu.Unlock()

	o := s.orch
	ctx, span := o.tracer.Start(ctx, "redemption.submit_code",
		trace.WithAttributes(attribute.String("session", s.id)))
	defer span.End()

	h, broadcast, err := o.execute(ctx, ledger.OpProcessPayment, func() (ledger.TxHandle, error) {
		return o.contract.ProcessPayment(ctx, v.mobile, v.amount, code)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process payment failed")
		return s.failSubmit(err, broadcast, code)
	}

	o.cache.MarkSponsorshipsDirty(v.mobile)
	s.mu.Lock()
	s.voucher.txHash = h.Hash
	rec := s.finishLocked(StateSettled, journal.OutcomeSettled, "", code)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	o.record(rec)
	o.logger.Info("redemption settled",
		slog.String("session", s.id),
		logging.PhoneField("mobile", v.mobile),
		slog.String("amount", v.amount.String()),
		slog.String("tx", h.Hash))
	return snap, nil
}

// failRequest settles a failed requestPayment/getOtp round trip.
func (s *Session) failRequest(err error, broadcast bool) (Snapshot, error) {
	classified := ledger.Classify(err)
	o := s.orch
	if classified.Reason == ledger.ReasonNotRegistered {
		o.cache.InvalidateMerchant(o.contract.Address())
	}

	s.mu.Lock()
	var rec *journal.RedemptionRecord
	var network *ledger.NetworkError
	switch {
	case classified.Kind == ledger.KindUserDeclined:
		s.setErrLocked(classified, false)
		s.transitionLocked(StateIdle)
	case !broadcast && errors.As(err, &network):
		s.setErrLocked(classified, true)
		s.transitionLocked(StateIdle)
	default:
		s.setErrLocked(classified, false)
		rec = s.finishLocked(StateFailed, journal.OutcomeFailed, string(classified.Reason), "")
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	o.record(rec)
	o.logger.Warn("redemption request failed",
		slog.String("session", s.id),
		slog.String("kind", string(classified.Kind)),
		slog.String("reason", string(classified.Reason)),
		slog.Any("error", err))
	return snap, classified
}

// failSubmit settles a failed processPayment round trip.
func (s *Session) failSubmit(err error, broadcast bool, code string) (Snapshot, error) {
	classified := ledger.Classify(err)
	o := s.orch

	s.mu.Lock()
	mobile := s.voucher.mobile
	var rec *journal.RedemptionRecord
	var network *ledger.NetworkError
	switch {
	case classified.Kind == ledger.KindUserDeclined:
		s.setErrLocked(classified, false)
		s.transitionLocked(StateIssued)
	case !broadcast && errors.As(err, &network):
		s.setErrLocked(classified, true)
		s.transitionLocked(StateIssued)
	case classified.Reason == ledger.ReasonExpired:
		s.setErrLocked(classified, false)
		rec = s.finishLocked(StateExpired, journal.OutcomeExpired, string(ledger.ReasonExpired), "")
	case classified.Reason == ledger.ReasonInvalidCode:
		s.setErrLocked(classified, false)
		s.transitionLocked(StateIssued)
	default:
		s.setErrLocked(classified, false)
		rec = s.finishLocked(StateFailed, journal.OutcomeFailed, string(classified.Reason), code)
	}
	// A bounce back to Issued may already be past the deadline.
	if expired := s.expireIfDueLocked(); expired != nil {
		rec = expired
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	switch classified.Reason {
	case ledger.ReasonInsufficientBalance, ledger.ReasonAlreadyConsumed:
		o.cache.MarkSponsorshipsDirty(mobile)
	case ledger.ReasonCategoryMismatch, ledger.ReasonNotRegistered:
		o.cache.InvalidateMerchant(o.contract.Address())
	}
	o.record(rec)
	o.logger.Warn("redemption submit failed",
		slog.String("session", s.id),
		slog.String("kind", string(classified.Kind)),
		slog.String("reason", string(classified.Reason)),
		slog.String("state", string(snap.State)))
	return snap, classified
}

func (s *Session) dispatch(ctx context.Context, mobile string, amount ledger.Amount, code string) {
	o := s.orch
	body := notify.OTPMessage(code, amount, o.merchantName(ctx))
	res, err := o.dispatcher.Send(ctx, mobile, body)
	ok := err == nil && res.Success
	o.metrics.RecordNotification(o.dispatcherName, ok)
	if !ok {
		o.logger.Warn("code notification failed",
			slog.String("session", s.id),
			logging.PhoneField("mobile", mobile),
			slog.String("provider_message", res.Message),
			slog.Any("error", err))
		return
	}
	s.mu.Lock()
	if s.voucher != nil && s.voucher.code == code {
		s.voucher.notified = true
		s.publishLocked()
	}
	s.mu.Unlock()
}

// transitionLocked moves to next, keeps the deadline timer armed only while Issued and
// notifies subscribers.
func (s *Session) transitionLocked(next State) {
	prev := s.state
	s.state = next
	s.updatedAt = s.orch.now()
	if s.timer != nil && next != StateIssued {
		s.timer.Stop()
		s.timer = nil
	}
	if next == StateIssued && s.timer == nil && !s.closed {
		s.armLocked()
	}
	s.orch.metrics.RecordTransition(string(prev), string(next))
	s.publishLocked()
}

func (s *Session) armLocked() {
	left := s.otp.Remaining(s.orch.now())
	s.timer = time.AfterFunc(left, s.onDeadline)
}

func (s *Session) onDeadline() {
	s.mu.Lock()
	if s.closed || s.state != StateIssued {
		s.mu.Unlock()
		return
	}
	rec := s.expireIfDueLocked()
	if rec == nil {
		// The clock has not reached the deadline yet.
		s.armLocked()
	}
	s.mu.Unlock()
	s.orch.record(rec)
}

// expireIfDueLocked moves an issued voucher past its deadline to Expired.
func (s *Session) expireIfDueLocked() *journal.RedemptionRecord {
	if s.state != StateIssued || !s.otp.Expired(s.orch.now()) {
		return nil
	}
	s.setErrLocked(expiredError(), false)
	s.orch.logger.Info("redemption code expired", slog.String("session", s.id))
	return s.finishLocked(StateExpired, journal.OutcomeExpired, string(ledger.ReasonExpired), "")
}

// finishLocked enters a terminal state and builds its audit record.
func (s *Session) finishLocked(next State, outcome journal.RedemptionOutcome, reason, submitted string) *journal.RedemptionRecord {
	s.transitionLocked(next)
	v := s.voucher
	if v == nil {
		return nil
	}
	code := v.code
	if code == "" {
		code = submitted
	}
	rec := &journal.RedemptionRecord{
		SessionID: s.id,
		Merchant:  s.orch.Address(),
		Mobile:    v.mobile,
		Amount:    v.amount.String(),
		Outcome:   outcome,
		Reason:    reason,
		TxHash:    v.txHash,
		IssuedAt:  v.issuedAt,
		ExpiresAt: v.expiresAt,
	}
	if code != "" {
		rec.CodeDigest = journal.CodeDigest(code)
	}
	return rec
}

func (s *Session) setErrLocked(err *ledger.Error, retryable bool) {
	s.lastErr = err
	s.retryable = retryable
}

func (s *Session) publishLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID: s.id,
		State:     s.state,
		Error:     s.lastErr,
		Retryable: s.retryable,
		UpdatedAt: s.updatedAt,
	}
	if v := s.voucher; v != nil {
		snap.Mobile = v.mobile
		snap.Amount = v.amount
		snap.TxHash = v.txHash
		snap.Notified = v.notified
		if !v.issuedAt.IsZero() {
			issued, expires := v.issuedAt, v.expiresAt
			snap.IssuedAt = &issued
			snap.ExpiresAt = &expires
		}
		if s.state == StateIssued || s.state == StateSubmitting {
			snap.RemainingMillis = s.otp.Remaining(s.orch.now()).Milliseconds()
		}
	}
	return snap
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

func expiredError() *ledger.Error {
	return &ledger.Error{Kind: ledger.KindExpired, Message: "code expired; request a new one", Reason: ledger.ReasonExpired}
}
