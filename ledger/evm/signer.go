package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"zeppay/ledger"
)

// ErrDeclined is returned by approvers that refuse a request.
var ErrDeclined = errors.New("evm: signature request declined")

// Signer authorises transactions for one wallet identity.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// KeySigner signs with an in-process secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps a private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: gethcrypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the signing identity.
func (s *KeySigner) Address() common.Address { return s.addr }

// SignTx signs tx with the latest EIP-155 aware signer for chainID.
func (s *KeySigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}

// ApprovalRequest describes a write awaiting operator consent.
type ApprovalRequest struct {
	Op   ledger.Operation
	From common.Address
	To   common.Address
	Args []any
}

// Approver is consulted before every write is signed. Returning an error declines the write
// and nothing is broadcast.
type Approver func(ctx context.Context, req ApprovalRequest) error
