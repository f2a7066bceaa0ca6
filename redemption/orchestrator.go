// Package redemption runs the merchant side of ZepPay: registering the merchant and driving
// one-time-code redemption sessions against the ledger's 15 second window.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"zeppay/cache"
	"zeppay/journal"
	"zeppay/ledger"
	"zeppay/notify"
	"zeppay/observability"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("redemption: session not found")

// AuditStore records terminal redemption outcomes.
type AuditStore interface {
	RecordRedemption(ctx context.Context, rec *journal.RedemptionRecord) error
}

// Orchestrator owns the merchant's redemption sessions. Ledger writes issued through it are
// strictly sequential.
type Orchestrator struct {
	contract       *ledger.Contract
	cache          *cache.Cache
	dispatcher     notify.Dispatcher
	dispatcherName string
	audit          AuditStore
	logger         *slog.Logger
	metrics        *observability.ZepPayMetrics
	tracer         trace.Tracer
	now            func() time.Time

	otpFetchRetries int
	otpFetchBackoff time.Duration
	confirmRetries  int
	confirmBackoff  time.Duration

	writeMu *sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithDispatcher sets the channel codes are delivered over. name labels metrics.
func WithDispatcher(d notify.Dispatcher, name string) Option {
	return func(o *Orchestrator) {
		o.dispatcher = d
		o.dispatcherName = name
	}
}

// WithAudit records terminal outcomes.
func WithAudit(store AuditStore) Option {
	return func(o *Orchestrator) { o.audit = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires the metrics registry.
func WithMetrics(metrics *observability.ZepPayMetrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithClock overrides the clock used for the local deadline.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithOTPFetchRetry bounds retries of a transient getOtp failure.
func WithOTPFetchRetry(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.otpFetchRetries = attempts
		}
		if backoff >= 0 {
			o.otpFetchBackoff = backoff
		}
	}
}

// WithConfirmRetry bounds retries of a transient confirmation wait.
func WithConfirmRetry(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.confirmRetries = attempts
		}
		if backoff >= 0 {
			o.confirmBackoff = backoff
		}
	}
}

// WithWriteLock shares the write lock with other components acting for the same identity.
func WithWriteLock(mu *sync.Mutex) Option {
	return func(o *Orchestrator) {
		if mu != nil {
			o.writeMu = mu
		}
	}
}

// New constructs an orchestrator acting as the contract's identity.
func New(contract *ledger.Contract, c *cache.Cache, opts ...Option) (*Orchestrator, error) {
	if contract == nil {
		return nil, fmt.Errorf("redemption: contract required")
	}
	if c == nil {
		return nil, fmt.Errorf("redemption: cache required")
	}
	o := &Orchestrator{
		cache:           c,
		logger:          slog.Default(),
		tracer:          otel.Tracer("zeppay/redemption"),
		now:             time.Now,
		otpFetchRetries: 3,
		otpFetchBackoff: 250 * time.Millisecond,
		confirmRetries:  3,
		confirmBackoff:  500 * time.Millisecond,
		writeMu:         &sync.Mutex{},
		sessions:        make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dispatcher == nil {
		o.dispatcher = notify.LogDispatcher{Logger: o.logger}
		o.dispatcherName = "log"
	}
	o.contract = contract.WithClock(o.now)
	return o, nil
}

// Address returns the merchant identity.
func (o *Orchestrator) Address() string { return o.contract.Address().Hex() }

// Merchant returns the merchant's registration record, served from the cache unless the cached
// copy is missing or dirty.
func (o *Orchestrator) Merchant(ctx context.Context) (ledger.Merchant, error) {
	addr := o.contract.Address()
	if entry, ok := o.cache.Merchant(addr); ok && !entry.Dirty {
		return entry.Value, nil
	}
	m, err := o.contract.Merchant(ctx, addr)
	if err != nil {
		return ledger.Merchant{}, ledger.Classify(err)
	}
	o.cache.PutMerchant(m, false)
	return m, nil
}

// RegisterMerchant registers the identity as a merchant restricted to category.
func (o *Orchestrator) RegisterMerchant(ctx context.Context, businessName string, category ledger.Category) (ledger.Merchant, error) {
	businessName = strings.TrimSpace(businessName)
	if businessName == "" {
		return ledger.Merchant{}, ledger.Validation("business name is required")
	}
	if !category.Valid() {
		return ledger.Merchant{}, ledger.Validation("unknown category %d", uint8(category))
	}
	ctx, span := o.tracer.Start(ctx, "redemption.register_merchant",
		trace.WithAttributes(attribute.String("category", category.String())))
	defer span.End()

	addr := o.contract.Address()
	_, broadcast, err := o.execute(ctx, ledger.OpRegisterMerchant, func() (ledger.TxHandle, error) {
		return o.contract.RegisterMerchant(ctx, businessName, category)
	})
	if err != nil {
		span.RecordError(err)
		if broadcast {
			o.cache.InvalidateMerchant(addr)
		}
		return ledger.Merchant{}, ledger.Classify(err)
	}
	m := ledger.Merchant{Address: addr, BusinessName: businessName, Category: category, Registered: true}
	o.cache.PutMerchant(m, true)
	if fresh, err := o.contract.Merchant(ctx, addr); err == nil && fresh.Registered {
		o.cache.PutMerchant(fresh, false)
		m = fresh
	}
	o.logger.Info("merchant registered",
		slog.String("merchant", ledger.ShortAddress(addr)),
		slog.String("category", category.String()))
	return m, nil
}

// OpenSession starts a new redemption session in Idle.
func (o *Orchestrator) OpenSession() *Session {
	s := &Session{
		id:          uuid.NewString(),
		orch:        o,
		state:       StateIdle,
		updatedAt:   o.now(),
		subscribers: make(map[int]chan Snapshot),
	}
	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()
	o.metrics.SessionOpened()
	return s
}

// Session looks a session up by ID.
func (o *Orchestrator) Session(id string) (*Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CloseSession stops and forgets a session. A voucher in flight is left to the ledger.
func (o *Orchestrator) CloseSession(id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	delete(o.sessions, id)
	o.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.close()
	o.metrics.SessionClosed()
	return nil
}

// Sessions returns snapshots of every open session, oldest update first.
func (o *Orchestrator) Sessions() []Snapshot {
	o.mu.RLock()
	list := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.RUnlock()
	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// Close stops every session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = make(map[string]*Session)
	o.mu.Unlock()
	for _, s := range sessions {
		s.close()
		o.metrics.SessionClosed()
	}
}

// execute submits through submit and awaits confirmation, holding the write lock for the
// whole round trip. broadcast reports whether the write left the process.
func (o *Orchestrator) execute(ctx context.Context, op ledger.Operation, submit func() (ledger.TxHandle, error)) (ledger.TxHandle, bool, error) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	start := time.Now()
	h, err := submit()
	if err != nil {
		o.observe(op, start, err)
		return ledger.TxHandle{}, false, err
	}
	_, err = o.contract.AwaitConfirmationRetry(ctx, h, o.confirmRetries, o.confirmBackoff)
	o.observe(op, start, err)
	return h, true, err
}

func (o *Orchestrator) observe(op ledger.Operation, start time.Time, err error) {
	kind := ""
	if err != nil {
		kind = string(ledger.Classify(err).Kind)
	}
	o.metrics.ObserveLedger(string(op), kind, time.Since(start))
}

// fetchOTP reads the issued code, retrying transient failures.
func (o *Orchestrator) fetchOTP(ctx context.Context, mobile string) (ledger.OTP, error) {
	var lastErr error
	for attempt := 0; attempt < o.otpFetchRetries; attempt++ {
		otp, err := o.contract.OTP(ctx, mobile)
		if err == nil {
			return otp, nil
		}
		lastErr = err
		if !ledger.IsTransient(err) || attempt == o.otpFetchRetries-1 {
			break
		}
		o.logger.Warn("otp fetch failed; retrying", slog.Int("attempt", attempt+1), slog.Any("error", err))
		if err := wait(ctx, o.otpFetchBackoff); err != nil {
			return ledger.OTP{}, &ledger.NetworkError{Op: string(ledger.ViewOTP), Stage: "query", Err: err}
		}
	}
	return ledger.OTP{}, lastErr
}

// merchantName resolves the display name used in the code message.
func (o *Orchestrator) merchantName(ctx context.Context) string {
	if entry, ok := o.cache.Merchant(o.contract.Address()); ok && entry.Value.BusinessName != "" {
		return entry.Value.BusinessName
	}
	m, err := o.Merchant(ctx)
	if err != nil {
		return ""
	}
	return m.BusinessName
}

func (o *Orchestrator) record(rec *journal.RedemptionRecord) {
	if rec == nil {
		return
	}
	o.metrics.RecordRedemption(string(rec.Outcome), rec.Reason)
	if o.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.audit.RecordRedemption(ctx, rec); err != nil {
		o.logger.Error("redemption audit write failed",
			slog.String("session", rec.SessionID),
			slog.String("outcome", string(rec.Outcome)),
			slog.Any("error", err))
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
