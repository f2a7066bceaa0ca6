package memledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zeppay/ledger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	sponsorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	merchantAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	otherAddr    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

const aliceMobile = "+911234567890"

func mustExec(t *testing.T, acct *Account, op ledger.Operation, args ...any) {
	t.Helper()
	ctx := context.Background()
	h, err := acct.Submit(ctx, op, args...)
	if err != nil {
		t.Fatalf("%s submit: %v", op, err)
	}
	if _, err := acct.AwaitConfirmation(ctx, h); err != nil {
		t.Fatalf("%s confirm: %v", op, err)
	}
}

func execErr(t *testing.T, acct *Account, op ledger.Operation, args ...any) error {
	t.Helper()
	ctx := context.Background()
	h, err := acct.Submit(ctx, op, args...)
	if err != nil {
		t.Fatalf("%s submit: %v", op, err)
	}
	_, err = acct.AwaitConfirmation(ctx, h)
	return err
}

func fundedChain(t *testing.T, clock *fakeClock, opts ...Option) *Chain {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithCodeGenerator(func() string { return "7421" })}, opts...)
	chain := New(opts...)
	chain.Mint(sponsorAddr, ledger.MustParseAmount("100"))
	sponsor := chain.Account(sponsorAddr)
	mustExec(t, sponsor, ledger.OpAddBeneficiary, "Alice", aliceMobile)
	mustExec(t, sponsor, ledger.OpGrantAllowance, ledger.MustParseAmount("50"))
	mustExec(t, sponsor, ledger.OpCreateSponsorship, aliceMobile, ledger.MustParseAmount("50"), ledger.Groceries)
	mustExec(t, chain.Account(merchantAddr), ledger.OpRegisterMerchant, "Fresh Mart", ledger.Groceries)
	return chain
}

func TestCreateSponsorshipMovesFunds(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)

	if got := chain.TokenBalance(sponsorAddr).String(); got != "50" {
		t.Fatalf("sponsor balance: got %s want 50", got)
	}
	if !chain.Allowance(sponsorAddr).IsZero() {
		t.Fatalf("allowance should be consumed, got %s", chain.Allowance(sponsorAddr))
	}
	sponsorships := chain.Sponsorships(aliceMobile)
	if len(sponsorships) != 1 {
		t.Fatalf("expected one sponsorship, got %d", len(sponsorships))
	}
	if sponsorships[0].Remaining.String() != "50" || sponsorships[0].Category != ledger.Groceries {
		t.Fatalf("unexpected sponsorship %+v", sponsorships[0])
	}
}

func TestCreateSponsorshipTopsUpExisting(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	sponsor := chain.Account(sponsorAddr)
	mustExec(t, sponsor, ledger.OpGrantAllowance, ledger.MustParseAmount("10"))
	mustExec(t, sponsor, ledger.OpCreateSponsorship, aliceMobile, ledger.MustParseAmount("10"), ledger.Groceries)

	sponsorships := chain.Sponsorships(aliceMobile)
	if len(sponsorships) != 1 {
		t.Fatalf("expected top-up of one sponsorship, got %d", len(sponsorships))
	}
	if sponsorships[0].Amount.String() != "60" || sponsorships[0].Remaining.String() != "60" {
		t.Fatalf("unexpected totals %+v", sponsorships[0])
	}
}

func TestCreateSponsorshipRevertsWithoutAllowance(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	err := execErr(t, chain.Account(sponsorAddr), ledger.OpCreateSponsorship, aliceMobile, ledger.MustParseAmount("5"), ledger.Groceries)
	if got := ledger.RevertReason(err); got != ledger.ReasonInsufficientAllowance {
		t.Fatalf("expected insufficient allowance, got %v (%v)", got, err)
	}
	if got := chain.TokenBalance(sponsorAddr).String(); got != "50" {
		t.Fatalf("balance must be untouched after revert, got %s", got)
	}
}

func TestCreateSponsorshipRequiresRosterEntry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	chain.Mint(otherAddr, ledger.MustParseAmount("10"))
	other := chain.Account(otherAddr)
	mustExec(t, other, ledger.OpGrantAllowance, ledger.MustParseAmount("10"))
	err := execErr(t, other, ledger.OpCreateSponsorship, aliceMobile, ledger.MustParseAmount("10"), ledger.Groceries)
	if got := ledger.RevertReason(err); got != ledger.ReasonUnknownBeneficiary {
		t.Fatalf("expected unknown beneficiary, got %v", got)
	}
}

func TestAddBeneficiaryRejectsDuplicateMobile(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	err := execErr(t, chain.Account(sponsorAddr), ledger.OpAddBeneficiary, "Alice Again", aliceMobile)
	if got := ledger.RevertReason(err); got != ledger.ReasonInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", got)
	}
}

func TestProcessPaymentLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	merchant := chain.Account(merchantAddr)
	amount := ledger.MustParseAmount("20")

	mustExec(t, merchant, ledger.OpRequestPayment, aliceMobile, amount)
	values, err := merchant.Query(context.Background(), ledger.ViewOTP, aliceMobile)
	if err != nil {
		t.Fatalf("getOtp: %v", err)
	}
	if len(values) != 1 || values[0] != "7421" {
		t.Fatalf("unexpected otp answer %v", values)
	}

	err = execErr(t, merchant, ledger.OpProcessPayment, aliceMobile, amount, "0000")
	if got := ledger.RevertReason(err); got != ledger.ReasonInvalidCode {
		t.Fatalf("expected invalid code, got %v", got)
	}

	mustExec(t, merchant, ledger.OpProcessPayment, aliceMobile, amount, "7421")
	if got := chain.Sponsorships(aliceMobile)[0].Remaining.String(); got != "30" {
		t.Fatalf("remaining: got %s want 30", got)
	}
	if got := chain.TokenBalance(merchantAddr).String(); got != "20" {
		t.Fatalf("merchant credit: got %s want 20", got)
	}

	err = execErr(t, merchant, ledger.OpProcessPayment, aliceMobile, amount, "7421")
	if got := ledger.RevertReason(err); got != ledger.ReasonAlreadyConsumed {
		t.Fatalf("expected already consumed, got %v", got)
	}
}

func TestProcessPaymentExpiryBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	merchant := chain.Account(merchantAddr)
	amount := ledger.MustParseAmount("5")

	mustExec(t, merchant, ledger.OpRequestPayment, aliceMobile, amount)
	clock.Advance(ledger.OTPTTL)
	err := execErr(t, merchant, ledger.OpProcessPayment, aliceMobile, amount, "7421")
	if got := ledger.RevertReason(err); got != ledger.ReasonExpired {
		t.Fatalf("expected expired exactly at the deadline, got %v", got)
	}

	mustExec(t, merchant, ledger.OpRequestPayment, aliceMobile, amount)
	clock.Advance(ledger.OTPTTL - time.Millisecond)
	mustExec(t, merchant, ledger.OpProcessPayment, aliceMobile, amount, "7421")
}

func TestProcessPaymentRejections(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	merchant := chain.Account(merchantAddr)

	if err := execErr(t, merchant, ledger.OpProcessPayment, aliceMobile, ledger.MustParseAmount("5"), "7421"); ledger.RevertReason(err) != ledger.ReasonNoPendingPayment {
		t.Fatalf("expected no pending payment, got %v", err)
	}

	mustExec(t, merchant, ledger.OpRequestPayment, aliceMobile, ledger.MustParseAmount("5"))
	if err := execErr(t, merchant, ledger.OpProcessPayment, aliceMobile, ledger.MustParseAmount("6"), "7421"); ledger.RevertReason(err) != ledger.ReasonAmountMismatch {
		t.Fatalf("expected amount mismatch, got %v", err)
	}

	pharmacy := chain.Account(otherAddr)
	mustExec(t, pharmacy, ledger.OpRegisterMerchant, "Corner Pharmacy", ledger.Healthcare)
	mustExec(t, pharmacy, ledger.OpRequestPayment, aliceMobile, ledger.MustParseAmount("5"))
	if err := execErr(t, pharmacy, ledger.OpProcessPayment, aliceMobile, ledger.MustParseAmount("5"), "7421"); ledger.RevertReason(err) != ledger.ReasonCategoryMismatch {
		t.Fatalf("expected category mismatch, got %v", err)
	}

	mustExec(t, merchant, ledger.OpRequestPayment, aliceMobile, ledger.MustParseAmount("51"))
	if err := execErr(t, merchant, ledger.OpProcessPayment, aliceMobile, ledger.MustParseAmount("51"), "7421"); ledger.RevertReason(err) != ledger.ReasonInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := chain.Sponsorships(aliceMobile)[0].Remaining.String(); got != "50" {
		t.Fatalf("reverted payments must not move funds, remaining %s", got)
	}
}

func TestRequestPaymentRequiresRegisteredMerchant(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	err := execErr(t, chain.Account(otherAddr), ledger.OpRequestPayment, aliceMobile, ledger.MustParseAmount("5"))
	if got := ledger.RevertReason(err); got != ledger.ReasonNotRegistered {
		t.Fatalf("expected merchant-not-registered, got %v", got)
	}
}

func TestTupleOTPShapeCarriesExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock, WithOTPShape(ShapeTuple))
	merchant := chain.Account(merchantAddr)
	mustExec(t, merchant, ledger.OpRequestPayment, aliceMobile, ledger.MustParseAmount("5"))
	values, err := merchant.Query(context.Background(), ledger.ViewOTP, aliceMobile)
	if err != nil {
		t.Fatalf("getOtp: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("expected tuple, got %v", values)
	}
	expiry, ok := values[1].(*big.Int)
	if !ok || expiry.Int64() != 1_700_000_015 {
		t.Fatalf("unexpected expiry %v", values[1])
	}
}

func TestBeneficiaryAtEndOfList(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	sponsor := chain.Account(sponsorAddr)
	values, err := sponsor.Query(context.Background(), ledger.ViewBeneficiaryAt, sponsorAddr, big.NewInt(1))
	if err != nil {
		t.Fatalf("beneficiaryAt: %v", err)
	}
	if values[0] != "" {
		t.Fatalf("expected empty sentinel, got %v", values)
	}

	strict := fundedChain(t, clock, WithRevertOnMissingIndex())
	_, err = strict.Account(sponsorAddr).Query(context.Background(), ledger.ViewBeneficiaryAt, sponsorAddr, big.NewInt(1))
	var revert *ledger.RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected revert past the end, got %v", err)
	}
}

func TestInjectedFaults(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	chain := fundedChain(t, clock)
	merchant := chain.Account(merchantAddr)
	ctx := context.Background()
	amount := ledger.MustParseAmount("5")

	chain.Inject(string(ledger.OpRequestPayment), FaultDecline, 1)
	_, err := merchant.Submit(ctx, ledger.OpRequestPayment, aliceMobile, amount)
	var rejection *ledger.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := merchant.Query(ctx, ledger.ViewOTP, aliceMobile); ledger.RevertReason(err) != ledger.ReasonNoPendingPayment {
		t.Fatalf("declined write must not issue a voucher, got %v", err)
	}

	chain.Inject(string(ledger.OpRequestPayment), FaultSubmitNetwork, 1)
	_, err = merchant.Submit(ctx, ledger.OpRequestPayment, aliceMobile, amount)
	var network *ledger.NetworkError
	if !errors.As(err, &network) || network.Stage != "submit" {
		t.Fatalf("expected submit network error, got %v", err)
	}

	chain.Inject(string(ledger.OpRequestPayment), FaultConfirmNetwork, 1)
	h, err := merchant.Submit(ctx, ledger.OpRequestPayment, aliceMobile, amount)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := merchant.AwaitConfirmation(ctx, h); !errors.As(err, &network) {
		t.Fatalf("expected transient confirm failure, got %v", err)
	}
	receipt, err := merchant.AwaitConfirmation(ctx, h)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if receipt.Hash != h.Hash {
		t.Fatalf("receipt hash mismatch")
	}

	chain.Inject(string(ledger.ViewMerchants), FaultQueryNetwork, 1)
	if _, err := merchant.Query(ctx, ledger.ViewMerchants, merchantAddr); !errors.As(err, &network) {
		t.Fatalf("expected query network error, got %v", err)
	}
}
