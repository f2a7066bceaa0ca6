package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Contract is the typed facade over a Ledger. It owns argument encoding for every operation
// in the ZepPay operation set so call sites never build raw argument lists themselves.
type Contract struct {
	ledger Ledger
	now    func() time.Time
}

// NewContract wraps a Ledger backend.
func NewContract(l Ledger) *Contract {
	return &Contract{ledger: l, now: time.Now}
}

// WithClock returns a copy of the contract that stamps OTP issuance with clock.
func (c *Contract) WithClock(clock func() time.Time) *Contract {
	cp := *c
	if clock != nil {
		cp.now = clock
	}
	return &cp
}

// Address returns the identity the contract acts as.
func (c *Contract) Address() common.Address {
	return c.ledger.Address()
}

// Submit forwards a raw write.
func (c *Contract) Submit(ctx context.Context, op Operation, args ...any) (TxHandle, error) {
	return c.ledger.Submit(ctx, op, args...)
}

// AwaitConfirmation forwards a confirmation wait.
func (c *Contract) AwaitConfirmation(ctx context.Context, h TxHandle) (*Receipt, error) {
	return c.ledger.AwaitConfirmation(ctx, h)
}

// AwaitConfirmationRetry waits for h, retrying only transient observation failures. The
// write itself is never re-submitted. attempts <= 1 means a single wait.
func (c *Contract) AwaitConfirmationRetry(ctx context.Context, h TxHandle, attempts int, backoff time.Duration) (*Receipt, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		receipt, err := c.ledger.AwaitConfirmation(ctx, h)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		var network *NetworkError
		if !errors.As(err, &network) {
			return nil, err
		}
		if i == attempts-1 {
			break
		}
		if err := sleep(ctx, backoff*time.Duration(i+1)); err != nil {
			return nil, &NetworkError{Op: string(h.Op), Stage: "confirm", Err: err}
		}
	}
	return nil, lastErr
}

// Execute submits a write and waits for its confirmation.
func (c *Contract) Execute(ctx context.Context, op Operation, args ...any) (*Receipt, error) {
	handle, err := c.ledger.Submit(ctx, op, args...)
	if err != nil {
		return nil, err
	}
	return c.ledger.AwaitConfirmation(ctx, handle)
}

// RegisterMerchant submits registerMerchant(businessName, category).
func (c *Contract) RegisterMerchant(ctx context.Context, businessName string, category Category) (TxHandle, error) {
	return c.ledger.Submit(ctx, OpRegisterMerchant, businessName, category)
}

// AddBeneficiary submits addBeneficiary(name, mobile).
func (c *Contract) AddBeneficiary(ctx context.Context, name, mobile string) (TxHandle, error) {
	return c.ledger.Submit(ctx, OpAddBeneficiary, name, mobile)
}

// GrantAllowance submits phase one of a sponsorship: the spending allowance.
func (c *Contract) GrantAllowance(ctx context.Context, amount Amount) (TxHandle, error) {
	return c.ledger.Submit(ctx, OpGrantAllowance, amount)
}

// CreateSponsorship submits phase two of a sponsorship.
func (c *Contract) CreateSponsorship(ctx context.Context, mobile string, amount Amount, category Category) (TxHandle, error) {
	return c.ledger.Submit(ctx, OpCreateSponsorship, mobile, amount, category)
}

// RequestPayment submits requestPayment(mobile, amount), which makes the ledger issue a code.
func (c *Contract) RequestPayment(ctx context.Context, mobile string, amount Amount) (TxHandle, error) {
	return c.ledger.Submit(ctx, OpRequestPayment, mobile, amount)
}

// ProcessPayment submits processPayment(mobile, amount, code).
func (c *Contract) ProcessPayment(ctx context.Context, mobile string, amount Amount, code string) (TxHandle, error) {
	return c.ledger.Submit(ctx, OpProcessPayment, mobile, amount, code)
}

// Merchant reads the merchants(address) view.
func (c *Contract) Merchant(ctx context.Context, addr common.Address) (Merchant, error) {
	values, err := c.ledger.Query(ctx, ViewMerchants, addr)
	if err != nil {
		return Merchant{}, err
	}
	if len(values) != 3 {
		return Merchant{}, fmt.Errorf("ledger: merchants returned %d values", len(values))
	}
	name, _ := values[0].(string)
	category, err := asCategory(values[1])
	if err != nil {
		return Merchant{}, err
	}
	registered, _ := values[2].(bool)
	return Merchant{Address: addr, BusinessName: name, Category: category, Registered: registered}, nil
}

// BeneficiaryAt reads the sponsor's beneficiary mobile at index. found is false when the
// ledger signals the end of the list, either with an empty value or a view revert.
func (c *Contract) BeneficiaryAt(ctx context.Context, sponsor common.Address, index int) (mobile string, found bool, err error) {
	values, err := c.ledger.Query(ctx, ViewBeneficiaryAt, sponsor, big.NewInt(int64(index)))
	if err != nil {
		var revert *RevertError
		if errors.As(err, &revert) {
			return "", false, nil
		}
		return "", false, err
	}
	if len(values) == 0 {
		return "", false, nil
	}
	mobile, _ = values[0].(string)
	mobile = strings.TrimSpace(mobile)
	return mobile, mobile != "", nil
}

// BeneficiaryDetails reads the beneficiary's name.
func (c *Contract) BeneficiaryDetails(ctx context.Context, sponsor common.Address, mobile string) (string, error) {
	values, err := c.ledger.Query(ctx, ViewBeneficiaryDetails, sponsor, mobile)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	name, _ := values[0].(string)
	return name, nil
}

// OTP reads and normalises the code issued for mobile by the calling merchant.
func (c *Contract) OTP(ctx context.Context, mobile string) (OTP, error) {
	issuedAt := c.now()
	values, err := c.ledger.Query(ctx, ViewOTP, mobile)
	if err != nil {
		return OTP{}, err
	}
	return DecodeOTP(values, issuedAt)
}

// Sponsorship reads the sponsorship held by sponsor for mobile under category.
func (c *Contract) Sponsorship(ctx context.Context, sponsor common.Address, mobile string, category Category) (Sponsorship, error) {
	values, err := c.ledger.Query(ctx, ViewSponsorship, sponsor, mobile, category)
	if err != nil {
		return Sponsorship{}, err
	}
	if len(values) != 3 {
		return Sponsorship{}, fmt.Errorf("ledger: getSponsorship returned %d values", len(values))
	}
	amount, err := asAmount(values[0])
	if err != nil {
		return Sponsorship{}, err
	}
	remaining, err := asAmount(values[1])
	if err != nil {
		return Sponsorship{}, err
	}
	s := Sponsorship{Sponsor: sponsor, Beneficiary: mobile, Category: category, Amount: amount, Remaining: remaining}
	if created, ok, err := epochSeconds(values[2]); err != nil {
		return Sponsorship{}, err
	} else if ok {
		s.CreatedAt = time.Unix(created, 0).UTC()
	}
	return s, nil
}

func asAmount(v any) (Amount, error) {
	switch a := v.(type) {
	case Amount:
		return a, nil
	case *big.Int:
		return AmountFromBig(a)
	default:
		return Amount{}, fmt.Errorf("ledger: unsupported amount type %T", v)
	}
}

func asCategory(v any) (Category, error) {
	var c Category
	switch raw := v.(type) {
	case Category:
		c = raw
	case uint8:
		c = Category(raw)
	case *big.Int:
		if raw == nil || !raw.IsUint64() || raw.Uint64() > 255 {
			return 0, fmt.Errorf("ledger: category out of range")
		}
		c = Category(raw.Uint64())
	default:
		return 0, fmt.Errorf("ledger: unsupported category type %T", v)
	}
	if !c.Valid() {
		return 0, fmt.Errorf("ledger: unknown category %d", uint8(c))
	}
	return c, nil
}

func sleep(ctx context.Context, d time.Duration) error {
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
