// Package cache keeps the orchestrator's advisory copy of ledger state. Nothing in it is
// authoritative: entries carry the time they were fetched and a dirty flag that stays set
// until a reconciliation pass replaces them with fresh ledger reads.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zeppay/ledger"
)

// Entry is one cached record.
type Entry[T any] struct {
	Value     T         `json:"value"`
	FetchedAt time.Time `json:"fetchedAt"`
	Dirty     bool      `json:"dirty"`
}

// SponsorshipKey identifies a cached sponsorship balance.
type SponsorshipKey struct {
	Sponsor  common.Address  `json:"sponsor"`
	Mobile   string          `json:"mobile"`
	Category ledger.Category `json:"category"`
}

// KeyOf returns the cache key of s.
func KeyOf(s ledger.Sponsorship) SponsorshipKey {
	return SponsorshipKey{Sponsor: s.Sponsor, Mobile: s.Beneficiary, Category: s.Category}
}

// Cache is safe for concurrent use. Every write replaces a whole record.
type Cache struct {
	mu  sync.RWMutex
	now func() time.Time

	merchants    map[common.Address]Entry[ledger.Merchant]
	rosters      map[common.Address]Entry[[]ledger.Beneficiary]
	sponsorships map[SponsorshipKey]Entry[ledger.Sponsorship]
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the fetch timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		now:          time.Now,
		merchants:    make(map[common.Address]Entry[ledger.Merchant]),
		rosters:      make(map[common.Address]Entry[[]ledger.Beneficiary]),
		sponsorships: make(map[SponsorshipKey]Entry[ledger.Sponsorship]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Merchant returns the cached merchant record for addr.
func (c *Cache) Merchant(addr common.Address) (Entry[ledger.Merchant], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.merchants[addr]
	return e, ok
}

// PutMerchant stores a merchant record. dirty marks optimistic data not yet read back.
func (c *Cache) PutMerchant(m ledger.Merchant, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merchants[m.Address] = Entry[ledger.Merchant]{Value: m, FetchedAt: c.now(), Dirty: dirty}
}

// InvalidateMerchant drops the merchant record.
func (c *Cache) InvalidateMerchant(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.merchants, addr)
}

// Roster returns a copy of the sponsor's cached beneficiary list.
func (c *Cache) Roster(sponsor common.Address) (Entry[[]ledger.Beneficiary], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.rosters[sponsor]
	if !ok {
		return Entry[[]ledger.Beneficiary]{}, false
	}
	e.Value = append([]ledger.Beneficiary(nil), e.Value...)
	return e, true
}

// PutRoster replaces the sponsor's roster with a fresh ledger read.
func (c *Cache) PutRoster(sponsor common.Address, roster []ledger.Beneficiary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rosters[sponsor] = Entry[[]ledger.Beneficiary]{
		Value:     append([]ledger.Beneficiary(nil), roster...),
		FetchedAt: c.now(),
	}
}

// AppendBeneficiary optimistically appends b to the sponsor's roster and marks it dirty.
// A mobile that is already cached is replaced in place.
func (c *Cache) AppendBeneficiary(sponsor common.Address, b ledger.Beneficiary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.rosters[sponsor]
	next := make([]ledger.Beneficiary, 0, len(current.Value)+1)
	replaced := false
	for _, existing := range current.Value {
		if existing.Mobile == b.Mobile {
			next = append(next, b)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, b)
	}
	c.rosters[sponsor] = Entry[[]ledger.Beneficiary]{Value: next, FetchedAt: current.FetchedAt, Dirty: true}
}

// InvalidateRoster drops the sponsor's roster.
func (c *Cache) InvalidateRoster(sponsor common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rosters, sponsor)
}

// Sponsorship returns the cached balance for key.
func (c *Cache) Sponsorship(key SponsorshipKey) (Entry[ledger.Sponsorship], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.sponsorships[key]
	return e, ok
}

// PutSponsorship stores a sponsorship balance.
func (c *Cache) PutSponsorship(s ledger.Sponsorship, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sponsorships[KeyOf(s)] = Entry[ledger.Sponsorship]{Value: s, FetchedAt: c.now(), Dirty: dirty}
}

// ReplaceSponsorships swaps every cached balance of sponsor for fresh reads.
func (c *Cache) ReplaceSponsorships(sponsor common.Address, fresh []ledger.Sponsorship) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.sponsorships {
		if key.Sponsor == sponsor {
			delete(c.sponsorships, key)
		}
	}
	now := c.now()
	for _, s := range fresh {
		c.sponsorships[KeyOf(s)] = Entry[ledger.Sponsorship]{Value: s, FetchedAt: now}
	}
}

// InvalidateSponsorship drops one balance.
func (c *Cache) InvalidateSponsorship(key SponsorshipKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sponsorships, key)
}

// MarkSponsorshipsDirty flags every cached balance held for mobile, whoever the sponsor.
// Redemptions change balances the merchant cannot attribute to a single sponsor.
func (c *Cache) MarkSponsorshipsDirty(mobile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.sponsorships {
		if key.Mobile == mobile {
			e.Dirty = true
			c.sponsorships[key] = e
		}
	}
}

// Sponsorships lists the sponsor's cached balances ordered by creation time.
func (c *Cache) Sponsorships(sponsor common.Address) []Entry[ledger.Sponsorship] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry[ledger.Sponsorship], 0)
	for key, e := range c.sponsorships {
		if key.Sponsor == sponsor {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value.CreatedAt.Equal(out[j].Value.CreatedAt) {
			return out[i].Value.Beneficiary < out[j].Value.Beneficiary
		}
		return out[i].Value.CreatedAt.Before(out[j].Value.CreatedAt)
	})
	return out
}

// Dirty lists the identities whose records need a reconciliation pass.
type Dirty struct {
	Merchants    []common.Address
	Rosters      []common.Address
	Sponsorships []common.Address
}

// Empty reports whether nothing is dirty.
func (d Dirty) Empty() bool {
	return len(d.Merchants) == 0 && len(d.Rosters) == 0 && len(d.Sponsorships) == 0
}

// DirtySet collects every dirty record's owner.
func (c *Cache) DirtySet() Dirty {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var d Dirty
	for addr, e := range c.merchants {
		if e.Dirty {
			d.Merchants = append(d.Merchants, addr)
		}
	}
	for addr, e := range c.rosters {
		if e.Dirty {
			d.Rosters = append(d.Rosters, addr)
		}
	}
	seen := make(map[common.Address]struct{})
	for key, e := range c.sponsorships {
		if !e.Dirty {
			continue
		}
		if _, ok := seen[key.Sponsor]; ok {
			continue
		}
		seen[key.Sponsor] = struct{}{}
		d.Sponsorships = append(d.Sponsorships, key.Sponsor)
	}
	return d
}

// Snapshot is a serialisable copy of the whole cache.
type Snapshot struct {
	Merchants    []Entry[ledger.Merchant]               `json:"merchants"`
	Rosters      map[string]Entry[[]ledger.Beneficiary] `json:"rosters"`
	Sponsorships []Entry[ledger.Sponsorship]            `json:"sponsorships"`
}

// Snapshot copies the cache contents.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Rosters: make(map[string]Entry[[]ledger.Beneficiary], len(c.rosters))}
	for _, e := range c.merchants {
		snap.Merchants = append(snap.Merchants, e)
	}
	for addr, e := range c.rosters {
		e.Value = append([]ledger.Beneficiary(nil), e.Value...)
		snap.Rosters[addr.Hex()] = e
	}
	for _, e := range c.sponsorships {
		snap.Sponsorships = append(snap.Sponsorships, e)
	}
	return snap
}

// Restore loads a snapshot. Restored entries are marked dirty: they are stale until reconciled.
func (c *Cache) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range snap.Merchants {
		e.Dirty = true
		c.merchants[e.Value.Address] = e
	}
	for hex, e := range snap.Rosters {
		if !common.IsHexAddress(hex) {
			continue
		}
		e.Dirty = true
		c.rosters[common.HexToAddress(hex)] = e
	}
	for _, e := range snap.Sponsorships {
		e.Dirty = true
		c.sponsorships[KeyOf(e.Value)] = e
	}
}
