package memledger

import (
	"zeppay/ledger"
)

func (a *Account) registerMerchant(args []any) error {
	op := string(ledger.OpRegisterMerchant)
	name, err := argString(op, args, 0)
	if err != nil {
		return err
	}
	category, err := argCategory(op, args, 1)
	if err != nil {
		return err
	}
	if name == "" {
		return revert(op, "invalid-argument: business name required")
	}
	a.chain.merchants[a.addr] = ledger.Merchant{
		Address:      a.addr,
		BusinessName: name,
		Category:     category,
		Registered:   true,
	}
	return nil
}

func (a *Account) addBeneficiary(args []any) error {
	op := string(ledger.OpAddBeneficiary)
	name, err := argString(op, args, 0)
	if err != nil {
		return err
	}
	mobile, err := argString(op, args, 1)
	if err != nil {
		return err
	}
	if name == "" || mobile == "" {
		return revert(op, "invalid-argument: name and mobile required")
	}
	roster := a.chain.rosters[a.addr]
	for _, b := range roster {
		if b.Mobile == mobile {
			return revert(op, "invalid-argument: duplicate mobile number")
		}
	}
	a.chain.rosters[a.addr] = append(roster, ledger.Beneficiary{Name: name, Mobile: mobile})
	return nil
}

func (a *Account) grantAllowance(args []any) error {
	amount, err := argAmount(string(ledger.OpGrantAllowance), args, 0)
	if err != nil {
		return err
	}
	a.chain.allowances[a.addr] = amount
	return nil
}

func (a *Account) createSponsorship(args []any) error {
	op := string(ledger.OpCreateSponsorship)
	mobile, err := argString(op, args, 0)
	if err != nil {
		return err
	}
	amount, err := argAmount(op, args, 1)
	if err != nil {
		return err
	}
	category, err := argCategory(op, args, 2)
	if err != nil {
		return err
	}
	c := a.chain
	inRoster := false
	for _, b := range c.rosters[a.addr] {
		if b.Mobile == mobile {
			inRoster = true
			break
		}
	}
	if !inRoster {
		return revert(op, "Beneficiary not found")
	}
	if amount.IsZero() {
		return revert(op, "invalid-argument: amount must be positive")
	}
	allowance := c.allowances[a.addr]
	if allowance.Cmp(amount) < 0 {
		return revert(op, "ERC20: insufficient allowance")
	}
	balance := c.tokens[a.addr]
	if balance.Cmp(amount) < 0 {
		return revert(op, "ERC20: transfer amount exceeds balance")
	}

	// Every check passed; mutate.
	nextAllowance, _ := allowance.Sub(amount)
	nextBalance, _ := balance.Sub(amount)
	escrow, err := c.tokens[ContractAddress].Add(amount)
	if err != nil {
		return revert(op, "invalid-argument: "+err.Error())
	}
	if existing := c.findSponsorship(a.addr, mobile, category); existing != nil {
		total, err := existing.Amount.Add(amount)
		if err != nil {
			return revert(op, "invalid-argument: "+err.Error())
		}
		remaining, err := existing.Remaining.Add(amount)
		if err != nil {
			return revert(op, "invalid-argument: "+err.Error())
		}
		existing.Amount = total
		existing.Remaining = remaining
	} else {
		c.sponsorships = append(c.sponsorships, &ledger.Sponsorship{
			Sponsor:     a.addr,
			Beneficiary: mobile,
			Category:    category,
			Amount:      amount,
			Remaining:   amount,
			CreatedAt:   c.now().UTC(),
		})
	}
	c.allowances[a.addr] = nextAllowance
	c.tokens[a.addr] = nextBalance
	c.tokens[ContractAddress] = escrow
	return nil
}

func (a *Account) requestPayment(args []any) error {
	op := string(ledger.OpRequestPayment)
	mobile, err := argString(op, args, 0)
	if err != nil {
		return err
	}
	amount, err := argAmount(op, args, 1)
	if err != nil {
		return err
	}
	c := a.chain
	if !c.merchants[a.addr].Registered {
		return revert(op, "Merchant not registered")
	}
	if amount.IsZero() {
		return revert(op, "invalid-argument: amount must be positive")
	}
	if !c.beneficiaryKnown(mobile) {
		return revert(op, "Beneficiary not found")
	}
	now := c.now()
	c.vouchers[voucherKey{merchant: a.addr, mobile: mobile}] = &voucher{
		amount:    amount,
		code:      c.codes(),
		issuedAt:  now,
		expiresAt: now.Add(ledger.OTPTTL),
	}
	return nil
}

func (a *Account) processPayment(args []any) error {
	op := string(ledger.OpProcessPayment)
	mobile, err := argString(op, args, 0)
	if err != nil {
		return err
	}
	amount, err := argAmount(op, args, 1)
	if err != nil {
		return err
	}
	code, err := argString(op, args, 2)
	if err != nil {
		return err
	}
	c := a.chain
	merchant := c.merchants[a.addr]
	if !merchant.Registered {
		return revert(op, "Merchant not registered")
	}
	v, ok := c.vouchers[voucherKey{merchant: a.addr, mobile: mobile}]
	if !ok {
		return revert(op, "No pending payment")
	}
	if v.consumed {
		return revert(op, "OTP already used")
	}
	if !c.now().Before(v.expiresAt) {
		return revert(op, "OTP expired")
	}
	if v.code != code {
		return revert(op, "Invalid OTP")
	}
	if v.amount.Cmp(amount) != 0 {
		return revert(op, "Amount mismatch")
	}
	var target *ledger.Sponsorship
	for _, s := range c.sponsorships {
		if s.Beneficiary == mobile && s.Category == merchant.Category {
			target = s
			break
		}
	}
	if target == nil {
		return revert(op, "Category mismatch")
	}
	remaining, err := target.Remaining.Sub(amount)
	if err != nil {
		return revert(op, "Insufficient balance")
	}
	escrow, err := c.tokens[ContractAddress].Sub(amount)
	if err != nil {
		return revert(op, "Insufficient balance")
	}
	credited, err := c.tokens[a.addr].Add(amount)
	if err != nil {
		return revert(op, "invalid-argument: "+err.Error())
	}
	target.Remaining = remaining
	v.consumed = true
	c.tokens[ContractAddress] = escrow
	c.tokens[a.addr] = credited
	return nil
}
