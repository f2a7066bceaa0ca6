// Package sponsorship drives the sponsor side of ZepPay: enumerating a sponsor's
// beneficiaries, adding new ones, and funding them through the two-phase allowance then
// sponsorship spend, journaled so an interrupted spend can be resumed.
package sponsorship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"zeppay/cache"
	"zeppay/journal"
	"zeppay/ledger"
	"zeppay/observability"
	"zeppay/observability/logging"
)

// DefaultMaxProbe bounds beneficiary enumeration when the ledger never signals the end.
const DefaultMaxProbe = 1000

// SagaStore persists sponsorship sagas.
type SagaStore interface {
	CreateSaga(ctx context.Context, saga *journal.SponsorshipSaga) error
	SaveSaga(ctx context.Context, saga *journal.SponsorshipSaga) error
	Saga(ctx context.Context, id uuid.UUID) (*journal.SponsorshipSaga, error)
	PendingSagas(ctx context.Context, sponsor string) ([]journal.SponsorshipSaga, error)
}

// Manager runs sponsor operations for the identity bound to its contract.
type Manager struct {
	contract       *ledger.Contract
	cache          *cache.Cache
	sagas          SagaStore
	logger         *slog.Logger
	metrics        *observability.ZepPayMetrics
	tracer         trace.Tracer
	maxProbe       int
	confirmRetries int
	confirmBackoff time.Duration

	// writes are strictly sequential per identity
	writeMu *sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithMaxProbe overrides the enumeration cap.
func WithMaxProbe(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxProbe = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires the metrics registry.
func WithMetrics(metrics *observability.ZepPayMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithWriteLock shares the write lock with other components acting for the same identity.
func WithWriteLock(mu *sync.Mutex) Option {
	return func(m *Manager) {
		if mu != nil {
			m.writeMu = mu
		}
	}
}

// WithConfirmRetry bounds retries of transient confirmation failures.
func WithConfirmRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.confirmRetries = attempts
		}
		if backoff >= 0 {
			m.confirmBackoff = backoff
		}
	}
}

// NewManager constructs a manager for the contract's identity.
func NewManager(contract *ledger.Contract, c *cache.Cache, sagas SagaStore, opts ...Option) (*Manager, error) {
	if contract == nil {
		return nil, fmt.Errorf("sponsorship: contract required")
	}
	if c == nil {
		return nil, fmt.Errorf("sponsorship: cache required")
	}
	if sagas == nil {
		return nil, fmt.Errorf("sponsorship: saga store required")
	}
	m := &Manager{
		contract:       contract,
		cache:          c,
		sagas:          sagas,
		logger:         slog.Default(),
		tracer:         otel.Tracer("zeppay/sponsorship"),
		maxProbe:       DefaultMaxProbe,
		confirmRetries: 3,
		confirmBackoff: 500 * time.Millisecond,
		writeMu:        &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Sponsor returns the identity the manager acts for.
func (m *Manager) Sponsor() common.Address { return m.contract.Address() }

// ListBeneficiaries enumerates sponsor's beneficiaries by probing beneficiaryAt until the
// ledger signals the end or the probe cap is reached, resolves their names and replaces the
// cached roster.
func (m *Manager) ListBeneficiaries(ctx context.Context, sponsor common.Address) ([]ledger.Beneficiary, error) {
	ctx, span := m.tracer.Start(ctx, "sponsorship.list_beneficiaries",
		trace.WithAttributes(attribute.String("sponsor", sponsor.Hex())))
	defer span.End()

	mobiles := make([]string, 0)
	reachedEnd := false
	for i := 0; i < m.maxProbe; i++ {
		mobile, found, err := m.contract.BeneficiaryAt(ctx, sponsor, i)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "probe failed")
			return nil, ledger.Classify(err)
		}
		if !found {
			reachedEnd = true
			break
		}
		mobiles = append(mobiles, mobile)
	}
	if !reachedEnd {
		m.metrics.RecordProbeCap()
		m.logger.Warn("beneficiary enumeration hit probe cap",
			slog.String("sponsor", ledger.ShortAddress(sponsor)),
			slog.Int("cap", m.maxProbe))
	}

	roster := make([]ledger.Beneficiary, 0, len(mobiles))
	for _, mobile := range mobiles {
		name, err := m.contract.BeneficiaryDetails(ctx, sponsor, mobile)
		if err != nil {
			var revert *ledger.RevertError
			if !errors.As(err, &revert) {
				return nil, ledger.Classify(err)
			}
			m.logger.Warn("beneficiary details unavailable",
				slog.String("sponsor", ledger.ShortAddress(sponsor)),
				logging.PhoneField("mobile", mobile))
		}
		roster = append(roster, ledger.Beneficiary{Name: name, Mobile: mobile})
	}
	m.cache.PutRoster(sponsor, roster)
	span.SetAttributes(attribute.Int("beneficiaries", len(roster)))
	return roster, nil
}

// AddBeneficiary validates, submits and confirms addBeneficiary, then optimistically adds the
// entry to the cached roster.
func (m *Manager) AddBeneficiary(ctx context.Context, name, mobile string) (ledger.Beneficiary, error) {
	name = strings.TrimSpace(name)
	mobile = strings.TrimSpace(mobile)
	if name == "" || mobile == "" {
		return ledger.Beneficiary{}, ledger.Validation("name and mobile number are required")
	}
	if !ledger.ValidPhone(mobile) {
		return ledger.Beneficiary{}, ledger.Validation("mobile number must be '+' followed by 10-15 digits")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "sponsorship.add_beneficiary")
	defer span.End()

	if _, err := m.execute(ctx, ledger.OpAddBeneficiary, func() (ledger.TxHandle, error) {
		return m.contract.AddBeneficiary(ctx, name, mobile)
	}); err != nil {
		span.RecordError(err)
		if ledger.RevertReason(err) != "" {
			m.cache.InvalidateRoster(m.Sponsor())
		}
		return ledger.Beneficiary{}, ledger.Classify(err)
	}
	b := ledger.Beneficiary{Name: name, Mobile: mobile}
	m.cache.AppendBeneficiary(m.Sponsor(), b)
	m.logger.Info("beneficiary added",
		slog.String("sponsor", ledger.ShortAddress(m.Sponsor())),
		logging.PhoneField("mobile", mobile))
	return b, nil
}

// CreateSponsorship funds mobile with amount restricted to category. The allowance phase is
// always confirmed before the sponsorship phase is submitted. A failure after the allowance
// is confirmed returns *PartialError carrying the saga ID for ResumeSponsorship.
func (m *Manager) CreateSponsorship(ctx context.Context, mobile string, amount ledger.Amount, category ledger.Category) (*ledger.Sponsorship, error) {
	mobile = strings.TrimSpace(mobile)
	if mobile == "" || !ledger.ValidPhone(mobile) {
		return nil, ledger.Validation("a valid beneficiary mobile number is required")
	}
	if amount.IsZero() {
		return nil, ledger.Validation("amount must be greater than zero")
	}
	if !category.Valid() {
		return nil, ledger.Validation("unknown category %d", uint8(category))
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "sponsorship.create",
		trace.WithAttributes(attribute.String("category", category.String())))
	defer span.End()

	saga := &journal.SponsorshipSaga{
		Sponsor:  m.Sponsor().Hex(),
		Mobile:   mobile,
		Category: uint8(category),
		Amount:   amount.String(),
		Phase:    journal.PhaseStarted,
	}
	if err := m.sagas.CreateSaga(ctx, saga); err != nil {
		return nil, fmt.Errorf("sponsorship: journal saga: %w", err)
	}
	m.metrics.RecordSagaPhase(string(journal.PhaseStarted))
	span.SetAttributes(attribute.String("saga", saga.ID.String()))

	s, err := m.runSaga(ctx, saga, amount, category)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sponsorship failed")
	}
	return s, err
}

// ResumeSponsorship continues a saga stopped part way. A confirmed allowance is never
// re-granted; a broadcast but unconfirmed transaction is awaited rather than re-submitted.
func (m *Manager) ResumeSponsorship(ctx context.Context, id uuid.UUID) (*ledger.Sponsorship, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "sponsorship.resume",
		trace.WithAttributes(attribute.String("saga", id.String())))
	defer span.End()

	saga, err := m.sagas.Saga(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, ledger.Validation("unknown sponsorship saga %s", id)
		}
		return nil, err
	}
	if !strings.EqualFold(saga.Sponsor, m.Sponsor().Hex()) {
		return nil, ErrForeignSaga
	}
	switch saga.Phase {
	case journal.PhaseCompleted:
		return nil, ErrSagaCompleted
	case journal.PhaseAbandoned:
		return nil, ErrSagaAbandoned
	}
	amount, err := ledger.ParseAmount(saga.Amount)
	if err != nil {
		return nil, fmt.Errorf("sponsorship: saga amount: %w", err)
	}
	category := ledger.Category(saga.Category)
	if !category.Valid() {
		return nil, fmt.Errorf("sponsorship: saga category %d invalid", saga.Category)
	}
	m.logger.Info("resuming sponsorship saga",
		slog.String("saga", saga.ID.String()),
		slog.String("phase", string(saga.Phase)))
	return m.runSaga(ctx, saga, amount, category)
}

// PendingSponsorships lists the sponsor's unfinished sagas.
func (m *Manager) PendingSponsorships(ctx context.Context) ([]journal.SponsorshipSaga, error) {
	return m.sagas.PendingSagas(ctx, m.Sponsor().Hex())
}

// RefreshSponsorships reads getSponsorship for every beneficiary and category of sponsor and
// replaces the cached balances.
func (m *Manager) RefreshSponsorships(ctx context.Context, sponsor common.Address) ([]ledger.Sponsorship, error) {
	ctx, span := m.tracer.Start(ctx, "sponsorship.refresh")
	defer span.End()

	entry, ok := m.cache.Roster(sponsor)
	roster := entry.Value
	if !ok {
		var err error
		roster, err = m.ListBeneficiaries(ctx, sponsor)
		if err != nil {
			return nil, err
		}
	}
	fresh := make([]ledger.Sponsorship, 0)
	totals := make(map[ledger.Category]ledger.Amount)
	for _, b := range roster {
		for _, category := range ledger.Categories() {
			s, err := m.contract.Sponsorship(ctx, sponsor, b.Mobile, category)
			if err != nil {
				return nil, ledger.Classify(err)
			}
			if !s.Exists() {
				continue
			}
			fresh = append(fresh, s)
			if sum, err := totals[category].Add(s.Remaining); err == nil {
				totals[category] = sum
			}
		}
	}
	m.cache.ReplaceSponsorships(sponsor, fresh)
	for category, total := range totals {
		m.metrics.RecordRemaining(category.String(), total.Big())
	}
	return fresh, nil
}

func (m *Manager) runSaga(ctx context.Context, saga *journal.SponsorshipSaga, amount ledger.Amount, category ledger.Category) (*ledger.Sponsorship, error) {
	if saga.Phase == journal.PhaseStarted {
		if err := m.grantPhase(ctx, saga, amount); err != nil {
			return nil, err
		}
	}
	if err := m.sponsorPhase(ctx, saga, amount, category); err != nil {
		return nil, err
	}

	s, err := m.contract.Sponsorship(ctx, m.Sponsor(), saga.Mobile, category)
	if err != nil || !s.Exists() {
		s = ledger.Sponsorship{
			Sponsor:     m.Sponsor(),
			Beneficiary: saga.Mobile,
			Category:    category,
			Amount:      amount,
			Remaining:   amount,
			CreatedAt:   time.Now().UTC(),
		}
		m.cache.PutSponsorship(s, true)
	} else {
		m.cache.PutSponsorship(s, false)
	}
	m.logger.Info("sponsorship completed",
		slog.String("saga", saga.ID.String()),
		logging.PhoneField("mobile", saga.Mobile),
		slog.String("amount", amount.String()),
		slog.String("category", category.String()))
	return &s, nil
}

// grantPhase moves a saga from started to allowance_granted.
func (m *Manager) grantPhase(ctx context.Context, saga *journal.SponsorshipSaga, amount ledger.Amount) error {
	var err error
	if saga.AllowanceTx != "" {
		_, err = m.await(ctx, ledger.TxHandle{Hash: saga.AllowanceTx, Op: ledger.OpGrantAllowance})
	} else {
		_, err = m.execute(ctx, ledger.OpGrantAllowance, func() (ledger.TxHandle, error) {
			h, err := m.contract.GrantAllowance(ctx, amount)
			if err == nil {
				saga.AllowanceTx = h.Hash
				m.save(ctx, saga)
			}
			return h, err
		})
	}
	if err != nil {
		saga.LastError = trimError(err)
		var network *ledger.NetworkError
		if saga.AllowanceTx != "" && errors.As(err, &network) {
			// Broadcast but unobserved: keep the saga resumable.
			m.save(ctx, saga)
			return &PartialError{SagaID: saga.ID, Phase: saga.Phase, Err: err}
		}
		saga.Phase = journal.PhaseAbandoned
		m.save(ctx, saga)
		m.metrics.RecordSagaPhase(string(journal.PhaseAbandoned))
		return ledger.Classify(err)
	}
	saga.Phase = journal.PhaseAllowanceGranted
	saga.LastError = ""
	m.save(ctx, saga)
	m.metrics.RecordSagaPhase(string(journal.PhaseAllowanceGranted))
	return nil
}

// sponsorPhase moves a saga from allowance_granted to completed.
func (m *Manager) sponsorPhase(ctx context.Context, saga *journal.SponsorshipSaga, amount ledger.Amount, category ledger.Category) error {
	if saga.SponsorshipTx != "" {
		_, err := m.await(ctx, ledger.TxHandle{Hash: saga.SponsorshipTx, Op: ledger.OpCreateSponsorship})
		if err == nil {
			return m.complete(ctx, saga)
		}
		var network *ledger.NetworkError
		if errors.As(err, &network) {
			saga.LastError = trimError(err)
			m.save(ctx, saga)
			return &PartialError{SagaID: saga.ID, Phase: saga.Phase, Err: err}
		}
		// The earlier attempt reverted; a fresh phase-two submission follows.
		saga.SponsorshipTx = ""
	}
	_, err := m.execute(ctx, ledger.OpCreateSponsorship, func() (ledger.TxHandle, error) {
		h, err := m.contract.CreateSponsorship(ctx, saga.Mobile, amount, category)
		if err == nil {
			saga.SponsorshipTx = h.Hash
			m.save(ctx, saga)
		}
		return h, err
	})
	if err != nil {
		saga.LastError = trimError(err)
		var network *ledger.NetworkError
		if !errors.As(err, &network) {
			// A revert settles this attempt; the next resume submits again.
			saga.SponsorshipTx = ""
			m.cache.InvalidateSponsorship(cache.SponsorshipKey{Sponsor: m.Sponsor(), Mobile: saga.Mobile, Category: category})
		}
		m.save(ctx, saga)
		m.logger.Warn("sponsorship phase two failed",
			slog.String("saga", saga.ID.String()),
			slog.String("kind", string(ledger.Classify(err).Kind)),
			slog.Any("error", err))
		return &PartialError{SagaID: saga.ID, Phase: saga.Phase, Err: err}
	}
	return m.complete(ctx, saga)
}

func (m *Manager) complete(ctx context.Context, saga *journal.SponsorshipSaga) error {
	saga.Phase = journal.PhaseCompleted
	saga.LastError = ""
	m.save(ctx, saga)
	m.metrics.RecordSagaPhase(string(journal.PhaseCompleted))
	return nil
}

// execute submits through submit and waits for confirmation with bounded retries of the
// read-only wait.
func (m *Manager) execute(ctx context.Context, op ledger.Operation, submit func() (ledger.TxHandle, error)) (*ledger.Receipt, error) {
	start := time.Now()
	h, err := submit()
	if err != nil {
		m.observe(op, start, err)
		return nil, err
	}
	receipt, err := m.contract.AwaitConfirmationRetry(ctx, h, m.confirmRetries, m.confirmBackoff)
	m.observe(op, start, err)
	return receipt, err
}

func (m *Manager) await(ctx context.Context, h ledger.TxHandle) (*ledger.Receipt, error) {
	start := time.Now()
	receipt, err := m.contract.AwaitConfirmationRetry(ctx, h, m.confirmRetries, m.confirmBackoff)
	m.observe(h.Op, start, err)
	return receipt, err
}

func (m *Manager) observe(op ledger.Operation, start time.Time, err error) {
	kind := ""
	if err != nil {
		kind = string(ledger.Classify(err).Kind)
	}
	m.metrics.ObserveLedger(string(op), kind, time.Since(start))
}

// save persists saga progress. A journal failure is logged: the ledger is authoritative and
// the in-flight call must not be abandoned because of it.
func (m *Manager) save(ctx context.Context, saga *journal.SponsorshipSaga) {
	if err := m.sagas.SaveSaga(context.WithoutCancel(ctx), saga); err != nil {
		m.logger.Error("saga journal write failed",
			slog.String("saga", saga.ID.String()),
			slog.String("phase", string(saga.Phase)),
			slog.Any("error", err))
	}
}

func trimError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
