package memledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"zeppay/ledger"
)

var errInjected = errors.New("memledger: injected transport failure")

// Account is a caller identity on a Chain and implements ledger.Ledger.
type Account struct {
	chain *Chain
	addr  common.Address
}

var _ ledger.Ledger = (*Account)(nil)

// Address returns the bound identity.
func (a *Account) Address() common.Address { return a.addr }

// Submit executes the write immediately (the simulated block is mined on broadcast) and
// records its outcome for AwaitConfirmation.
func (a *Account) Submit(ctx context.Context, op ledger.Operation, args ...any) (ledger.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return ledger.TxHandle{}, &ledger.NetworkError{Op: string(op), Stage: "submit", Err: err}
	}
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.takeFault(string(op), FaultDecline) {
		return ledger.TxHandle{}, &ledger.RejectionError{Op: op}
	}
	if c.takeFault(string(op), FaultSubmitNetwork) {
		return ledger.TxHandle{}, &ledger.NetworkError{Op: string(op), Stage: "submit", Err: errInjected}
	}

	c.block++
	handle := ledger.TxHandle{
		Hash:        c.nextHash(),
		Op:          op,
		From:        a.addr.Hex(),
		SubmittedAt: c.now(),
	}
	rec := &txRecord{handle: handle, block: c.block}
	rec.err = a.execute(op, args)
	if c.takeFault(string(op), FaultConfirmNetwork) {
		rec.confirmFailures = 1
	}
	c.txs[handle.Hash] = rec
	return handle, nil
}

// AwaitConfirmation returns the recorded outcome of a submitted write.
func (a *Account) AwaitConfirmation(ctx context.Context, h ledger.TxHandle) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.NetworkError{Op: string(h.Op), Stage: "confirm", Err: err}
	}
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.txs[h.Hash]
	if !ok {
		return nil, &ledger.NetworkError{Op: string(h.Op), Stage: "confirm", Err: fmt.Errorf("unknown transaction %s", h.Hash)}
	}
	if rec.confirmFailures > 0 {
		rec.confirmFailures--
		return nil, &ledger.NetworkError{Op: string(h.Op), Stage: "confirm", Err: errInjected}
	}
	if rec.err != nil {
		return nil, rec.err
	}
	return &ledger.Receipt{Hash: h.Hash, Op: h.Op, BlockNumber: rec.block, ConfirmedAt: c.now()}, nil
}

// Query answers a read-only view.
func (a *Account) Query(ctx context.Context, view ledger.View, args ...any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.NetworkError{Op: string(view), Stage: "query", Err: err}
	}
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.takeFault(string(view), FaultQueryNetwork) {
		return nil, &ledger.NetworkError{Op: string(view), Stage: "query", Err: errInjected}
	}
	switch view {
	case ledger.ViewMerchants:
		addr, err := argAddress(view, args, 0)
		if err != nil {
			return nil, err
		}
		m := c.merchants[addr]
		return []any{m.BusinessName, uint8(m.Category), m.Registered}, nil
	case ledger.ViewBeneficiaryAt:
		sponsor, err := argAddress(view, args, 0)
		if err != nil {
			return nil, err
		}
		index, err := argIndex(view, args, 1)
		if err != nil {
			return nil, err
		}
		roster := c.rosters[sponsor]
		if index < 0 || index >= len(roster) {
			if c.revertOnMissing {
				return nil, revert(string(view), "index out of bounds")
			}
			return []any{""}, nil
		}
		return []any{roster[index].Mobile}, nil
	case ledger.ViewBeneficiaryDetails:
		sponsor, err := argAddress(view, args, 0)
		if err != nil {
			return nil, err
		}
		mobile, err := argString(view, args, 1)
		if err != nil {
			return nil, err
		}
		for _, b := range c.rosters[sponsor] {
			if b.Mobile == mobile {
				return []any{b.Name}, nil
			}
		}
		return nil, revert(string(view), "Beneficiary not found")
	case ledger.ViewOTP:
		mobile, err := argString(view, args, 0)
		if err != nil {
			return nil, err
		}
		v, ok := c.vouchers[voucherKey{merchant: a.addr, mobile: mobile}]
		if !ok {
			return nil, revert(string(view), "No pending payment")
		}
		if c.shape == ShapeTuple {
			return []any{v.code, big.NewInt(v.expiresAt.Unix())}, nil
		}
		return []any{v.code}, nil
	case ledger.ViewSponsorship:
		sponsor, err := argAddress(view, args, 0)
		if err != nil {
			return nil, err
		}
		mobile, err := argString(view, args, 1)
		if err != nil {
			return nil, err
		}
		category, err := argCategory(view, args, 2)
		if err != nil {
			return nil, err
		}
		s := c.findSponsorship(sponsor, mobile, category)
		if s == nil {
			return []any{new(big.Int), new(big.Int), new(big.Int)}, nil
		}
		return []any{s.Amount.Big(), s.Remaining.Big(), big.NewInt(s.CreatedAt.Unix())}, nil
	default:
		return nil, revert(string(view), "invalid-argument: unknown view")
	}
}

// execute applies op under the chain lock. A returned error is a revert: state is untouched.
func (a *Account) execute(op ledger.Operation, args []any) error {
	switch op {
	case ledger.OpRegisterMerchant:
		return a.registerMerchant(args)
	case ledger.OpAddBeneficiary:
		return a.addBeneficiary(args)
	case ledger.OpGrantAllowance:
		return a.grantAllowance(args)
	case ledger.OpCreateSponsorship:
		return a.createSponsorship(args)
	case ledger.OpRequestPayment:
		return a.requestPayment(args)
	case ledger.OpProcessPayment:
		return a.processPayment(args)
	default:
		return revert(string(op), "invalid-argument: unknown operation")
	}
}

func argString(name any, args []any, i int) (string, error) {
	if i >= len(args) {
		return "", revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: missing argument %d", i))
	}
	s, ok := args[i].(string)
	if !ok {
		return "", revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: argument %d is %T", i, args[i]))
	}
	return trimmed(s), nil
}

func argAmount(name any, args []any, i int) (ledger.Amount, error) {
	if i >= len(args) {
		return ledger.Amount{}, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: missing argument %d", i))
	}
	switch v := args[i].(type) {
	case ledger.Amount:
		return v, nil
	case *big.Int:
		amount, err := ledger.AmountFromBig(v)
		if err != nil {
			return ledger.Amount{}, revert(fmt.Sprint(name), "invalid-argument: "+err.Error())
		}
		return amount, nil
	default:
		return ledger.Amount{}, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: argument %d is %T", i, args[i]))
	}
}

func argCategory(name any, args []any, i int) (ledger.Category, error) {
	if i >= len(args) {
		return 0, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: missing argument %d", i))
	}
	var c ledger.Category
	switch v := args[i].(type) {
	case ledger.Category:
		c = v
	case uint8:
		c = ledger.Category(v)
	default:
		return 0, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: argument %d is %T", i, args[i]))
	}
	if !c.Valid() {
		return 0, revert(fmt.Sprint(name), "invalid-argument: unknown category")
	}
	return c, nil
}

func argAddress(name any, args []any, i int) (common.Address, error) {
	if i >= len(args) {
		return common.Address{}, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: missing argument %d", i))
	}
	addr, ok := args[i].(common.Address)
	if !ok {
		return common.Address{}, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: argument %d is %T", i, args[i]))
	}
	return addr, nil
}

func argIndex(name any, args []any, i int) (int, error) {
	if i >= len(args) {
		return 0, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: missing argument %d", i))
	}
	switch v := args[i].(type) {
	case *big.Int:
		if v == nil || !v.IsInt64() {
			return 0, revert(fmt.Sprint(name), "invalid-argument: index out of range")
		}
		return int(v.Int64()), nil
	case int:
		return v, nil
	default:
		return 0, revert(fmt.Sprint(name), fmt.Sprintf("invalid-argument: argument %d is %T", i, args[i]))
	}
}
