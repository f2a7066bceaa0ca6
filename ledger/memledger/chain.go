// Package memledger is an in-memory, authoritative implementation of the ZepPay contract. It
// backs the daemon's dev mode and every orchestrator test: it enforces the same business rules
// as the deployed contract (15 second vouchers, single consumption, category and balance
// checks) and supports fault injection for the transport failures a real chain produces.
package memledger

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zeppay/ledger"
)

// OTPShape selects how getOtp answers.
type OTPShape int

const (
	// ShapeBare answers getOtp with the code only.
	ShapeBare OTPShape = iota
	// ShapeTuple answers getOtp with (code, expiryEpochSeconds).
	ShapeTuple
)

// Fault is a transport failure injected into the next matching calls.
type Fault int

const (
	// FaultDecline makes Submit fail with a RejectionError.
	FaultDecline Fault = iota
	// FaultSubmitNetwork makes Submit fail with a NetworkError before anything executes.
	FaultSubmitNetwork
	// FaultConfirmNetwork executes the write but makes AwaitConfirmation fail transiently.
	FaultConfirmNetwork
	// FaultQueryNetwork makes Query fail with a NetworkError.
	FaultQueryNetwork
)

// ContractAddress is the address the simulated contract is deployed at.
var ContractAddress = common.HexToAddress("0x21adB6b3E3d6d2AF60257Aae45A002b15B28d7eE")

type faultKey struct {
	name  string
	fault Fault
}

type voucherKey struct {
	merchant common.Address
	mobile   string
}

type voucher struct {
	amount    ledger.Amount
	code      string
	issuedAt  time.Time
	expiresAt time.Time
	consumed  bool
}

type txRecord struct {
	handle          ledger.TxHandle
	block           uint64
	err             error
	confirmFailures int
}

// Chain holds the whole simulated contract state.
type Chain struct {
	mu sync.Mutex

	now             func() time.Time
	shape           OTPShape
	codes           func() string
	revertOnMissing bool

	block        uint64
	nonce        uint64
	tokens       map[common.Address]ledger.Amount
	allowances   map[common.Address]ledger.Amount
	merchants    map[common.Address]ledger.Merchant
	rosters      map[common.Address][]ledger.Beneficiary
	sponsorships []*ledger.Sponsorship
	vouchers     map[voucherKey]*voucher
	txs          map[string]*txRecord
	faults       map[faultKey]int
}

// Option customises a Chain.
type Option func(*Chain)

// WithClock sets the chain's block clock.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOTPShape selects the getOtp answer shape.
func WithOTPShape(shape OTPShape) Option {
	return func(c *Chain) { c.shape = shape }
}

// WithCodeGenerator overrides the code generator (tests pin codes with it).
func WithCodeGenerator(gen func() string) Option {
	return func(c *Chain) {
		if gen != nil {
			c.codes = gen
		}
	}
}

// WithRevertOnMissingIndex makes beneficiaryAt revert past the end of the roster, the way a
// Solidity array access does, instead of answering with an empty string.
func WithRevertOnMissingIndex() Option {
	return func(c *Chain) { c.revertOnMissing = true }
}

// New constructs an empty chain.
func New(opts ...Option) *Chain {
	c := &Chain{
		now:        time.Now,
		shape:      ShapeBare,
		codes:      randomCode,
		tokens:     make(map[common.Address]ledger.Amount),
		allowances: make(map[common.Address]ledger.Amount),
		merchants:  make(map[common.Address]ledger.Merchant),
		rosters:    make(map[common.Address][]ledger.Beneficiary),
		vouchers:   make(map[voucherKey]*voucher),
		txs:        make(map[string]*txRecord),
		faults:     make(map[faultKey]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account binds a caller identity to the chain.
func (c *Chain) Account(addr common.Address) *Account {
	return &Account{chain: c, addr: addr}
}

// Mint credits stable tokens to addr.
func (c *Chain) Mint(addr common.Address, amount ledger.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.tokens[addr].Add(amount)
	if err != nil {
		panic(err)
	}
	c.tokens[addr] = next
}

// TokenBalance returns the stable token balance of addr.
func (c *Chain) TokenBalance(addr common.Address) ledger.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[addr]
}

// Allowance returns the outstanding allowance granted by owner to the contract.
func (c *Chain) Allowance(owner common.Address) ledger.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowances[owner]
}

// Sponsorships returns copies of every sponsorship for mobile.
func (c *Chain) Sponsorships(mobile string) []ledger.Sponsorship {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ledger.Sponsorship, 0)
	for _, s := range c.sponsorships {
		if s.Beneficiary == mobile {
			out = append(out, *s)
		}
	}
	return out
}

// Inject arms fault for the next count calls of name (an Operation or View).
func (c *Chain) Inject(name string, fault Fault, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[faultKey{name: name, fault: fault}] += count
}

func (c *Chain) takeFault(name string, fault Fault) bool {
	key := faultKey{name: name, fault: fault}
	if c.faults[key] <= 0 {
		return false
	}
	c.faults[key]--
	return true
}

func (c *Chain) nextHash() string {
	c.nonce++
	return fmt.Sprintf("0x%064x", c.nonce)
}

func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		panic(fmt.Sprintf("memledger: code entropy: %v", err))
	}
	return fmt.Sprintf("%d", 1000+n.Int64())
}

func (c *Chain) beneficiaryKnown(mobile string) bool {
	for _, roster := range c.rosters {
		for _, b := range roster {
			if b.Mobile == mobile {
				return true
			}
		}
	}
	return false
}

func (c *Chain) findSponsorship(sponsor common.Address, mobile string, category ledger.Category) *ledger.Sponsorship {
	for _, s := range c.sponsorships {
		if s.Sponsor == sponsor && s.Beneficiary == mobile && s.Category == category {
			return s
		}
	}
	return nil
}

func revert(op, msg string) error {
	return ledger.NewRevertError(op, msg)
}

func trimmed(s string) string { return strings.TrimSpace(s) }
