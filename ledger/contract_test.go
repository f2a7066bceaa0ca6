package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zeppay/ledger"
	"zeppay/ledger/memledger"
)

var (
	sponsorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	merchantAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func confirm(t *testing.T, c *ledger.Contract, h ledger.TxHandle, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.AwaitConfirmation(context.Background(), h); err != nil {
		t.Fatalf("confirm %s: %v", h.Op, err)
	}
}

func TestContractRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	chain := memledger.New(memledger.WithClock(clock), memledger.WithCodeGenerator(func() string { return "7421" }))
	chain.Mint(sponsorAddr, ledger.MustParseAmount("50"))
	ctx := context.Background()

	sponsor := ledger.NewContract(chain.Account(sponsorAddr)).WithClock(clock)
	h, err := sponsor.AddBeneficiary(ctx, "Alice", "+911234567890")
	confirm(t, sponsor, h, err)
	h, err = sponsor.GrantAllowance(ctx, ledger.MustParseAmount("50"))
	confirm(t, sponsor, h, err)
	h, err = sponsor.CreateSponsorship(ctx, "+911234567890", ledger.MustParseAmount("50"), ledger.Groceries)
	confirm(t, sponsor, h, err)

	mobile, found, err := sponsor.BeneficiaryAt(ctx, sponsorAddr, 0)
	if err != nil || !found || mobile != "+911234567890" {
		t.Fatalf("beneficiaryAt(0): %q %v %v", mobile, found, err)
	}
	if _, found, err := sponsor.BeneficiaryAt(ctx, sponsorAddr, 1); err != nil || found {
		t.Fatalf("beneficiaryAt(1) should signal end of list: %v %v", found, err)
	}
	name, err := sponsor.BeneficiaryDetails(ctx, sponsorAddr, "+911234567890")
	if err != nil || name != "Alice" {
		t.Fatalf("details: %q %v", name, err)
	}
	s, err := sponsor.Sponsorship(ctx, sponsorAddr, "+911234567890", ledger.Groceries)
	if err != nil {
		t.Fatalf("sponsorship: %v", err)
	}
	if !s.Exists() || s.Remaining.String() != "50" || !s.CreatedAt.Equal(now.UTC()) {
		t.Fatalf("unexpected sponsorship %+v", s)
	}
	missing, err := sponsor.Sponsorship(ctx, sponsorAddr, "+911234567890", ledger.Emergency)
	if err != nil || missing.Exists() {
		t.Fatalf("expected empty sponsorship, got %+v %v", missing, err)
	}

	merchant := ledger.NewContract(chain.Account(merchantAddr)).WithClock(clock)
	h, err = merchant.RegisterMerchant(ctx, "Fresh Mart", ledger.Groceries)
	confirm(t, merchant, h, err)
	m, err := merchant.Merchant(ctx, merchantAddr)
	if err != nil || !m.Registered || m.Category != ledger.Groceries || m.BusinessName != "Fresh Mart" {
		t.Fatalf("merchant: %+v %v", m, err)
	}

	h, err = merchant.RequestPayment(ctx, "+911234567890", ledger.MustParseAmount("20"))
	confirm(t, merchant, h, err)
	otp, err := merchant.OTP(ctx, "+911234567890")
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if otp.Code != "7421" || !otp.ExpiresAt.Equal(now.Add(ledger.OTPTTL)) {
		t.Fatalf("unexpected otp %+v", otp)
	}
	h, err = merchant.ProcessPayment(ctx, "+911234567890", ledger.MustParseAmount("20"), otp.Code)
	confirm(t, merchant, h, err)
}

func TestAwaitConfirmationRetryOnlyRetriesTransient(t *testing.T) {
	chain := memledger.New()
	ctx := context.Background()
	merchant := ledger.NewContract(chain.Account(merchantAddr))

	chain.Inject(string(ledger.OpRegisterMerchant), memledger.FaultConfirmNetwork, 1)
	h, err := merchant.RegisterMerchant(ctx, "Fresh Mart", ledger.Groceries)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := merchant.AwaitConfirmationRetry(ctx, h, 3, time.Millisecond); err != nil {
		t.Fatalf("retry should absorb one transient failure: %v", err)
	}

	h, err = merchant.RegisterMerchant(ctx, "", ledger.Groceries)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = merchant.AwaitConfirmationRetry(ctx, h, 3, time.Millisecond)
	var revert *ledger.RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("revert must surface without retry, got %v", err)
	}
}
