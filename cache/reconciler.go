package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zeppay/ledger"
)

// Refreshers read fresh state from the ledger. A nil function disables that entity kind.
type Refreshers struct {
	Merchant     func(ctx context.Context, addr common.Address) (ledger.Merchant, error)
	Roster       func(ctx context.Context, sponsor common.Address) ([]ledger.Beneficiary, error)
	Sponsorships func(ctx context.Context, sponsor common.Address) ([]ledger.Sponsorship, error)
}

// Reconciler replaces stale or optimistic cache entries with fresh ledger reads.
type Reconciler struct {
	cache    *Cache
	refresh  Refreshers
	identity common.Address
	logger   *slog.Logger
	// Snapshotter, when set, receives the cache after every successful pass.
	Snapshotter *BoltSnapshotter
}

// NewReconciler binds refresh functions to a cache for the local identity.
func NewReconciler(c *Cache, identity common.Address, refresh Refreshers, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cache: c, refresh: refresh, identity: identity, logger: logger}
}

// Mount performs the initial load for the local identity: its merchant status, its roster
// and its sponsorship balances.
func (r *Reconciler) Mount(ctx context.Context) error {
	var errs []error
	if err := r.RefreshMerchant(ctx, r.identity); err != nil {
		errs = append(errs, err)
	}
	if err := r.RefreshRoster(ctx, r.identity); err != nil {
		errs = append(errs, err)
	}
	if err := r.RefreshSponsorships(ctx, r.identity); err != nil {
		errs = append(errs, err)
	}
	return r.finish(errors.Join(errs...))
}

// Reconcile refreshes every dirty entry. Entries that fail to refresh stay dirty.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	dirty := r.cache.DirtySet()
	var errs []error
	for _, addr := range dirty.Merchants {
		if err := r.RefreshMerchant(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sponsor := range dirty.Rosters {
		if err := r.RefreshRoster(ctx, sponsor); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sponsor := range dirty.Sponsorships {
		if err := r.RefreshSponsorships(ctx, sponsor); err != nil {
			errs = append(errs, err)
		}
	}
	return r.finish(errors.Join(errs...))
}

// RefreshMerchant re-reads one merchant record.
func (r *Reconciler) RefreshMerchant(ctx context.Context, addr common.Address) error {
	if r.refresh.Merchant == nil {
		return nil
	}
	m, err := r.refresh.Merchant(ctx, addr)
	if err != nil {
		return fmt.Errorf("refresh merchant %s: %w", ledger.ShortAddress(addr), err)
	}
	r.cache.PutMerchant(m, false)
	return nil
}

// RefreshRoster re-enumerates one sponsor's beneficiaries.
func (r *Reconciler) RefreshRoster(ctx context.Context, sponsor common.Address) error {
	if r.refresh.Roster == nil {
		return nil
	}
	roster, err := r.refresh.Roster(ctx, sponsor)
	if err != nil {
		return fmt.Errorf("refresh roster %s: %w", ledger.ShortAddress(sponsor), err)
	}
	r.cache.PutRoster(sponsor, roster)
	return nil
}

// RefreshSponsorships re-reads one sponsor's balances.
func (r *Reconciler) RefreshSponsorships(ctx context.Context, sponsor common.Address) error {
	if r.refresh.Sponsorships == nil {
		return nil
	}
	fresh, err := r.refresh.Sponsorships(ctx, sponsor)
	if err != nil {
		return fmt.Errorf("refresh sponsorships %s: %w", ledger.ShortAddress(sponsor), err)
	}
	r.cache.ReplaceSponsorships(sponsor, fresh)
	return nil
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("cache reconcile failed", slog.Any("error", err))
			}
		}
	}
}

func (r *Reconciler) finish(err error) error {
	if err == nil && r.Snapshotter != nil {
		if saveErr := r.Snapshotter.Save(r.cache); saveErr != nil {
			r.logger.Warn("cache snapshot failed", slog.Any("error", saveErr))
		}
	}
	return err
}
