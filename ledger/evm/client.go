// Package evm implements the ledger interface against a deployed ZepPay contract through an
// Ethereum JSON-RPC endpoint.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"

	"zeppay/ledger"
)

// Backend is the subset of the Ethereum RPC used by the client. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Config wires a Client.
type Config struct {
	Backend  Backend
	Signer   Signer
	Contract common.Address
	Token    common.Address
	// ChainID is fetched from the backend on first use when nil.
	ChainID       *big.Int
	Confirmations uint64
	PollInterval  time.Duration
	// GasBufferPercent pads the estimate; zero means 20.
	GasBufferPercent uint64
	// ABI overrides the embedded ZepPay ABI.
	ABI      string
	Approver Approver
	// BreakerFailures consecutive transport failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *slog.Logger
}

type pendingCall struct {
	msg ethereum.CallMsg
}

// Client implements ledger.Ledger on an EVM chain.
type Client struct {
	backend       Backend
	signer        Signer
	contract      common.Address
	token         common.Address
	zeppay        abi.ABI
	erc20         abi.ABI
	confirmations uint64
	pollInterval  time.Duration
	gasBuffer     uint64
	approver      Approver
	breaker       *gobreaker.CircuitBreaker
	logger        *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
	pending map[common.Hash]pendingCall
}

var _ ledger.Ledger = (*Client)(nil)

// NewClient validates cfg and constructs a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("evm: backend required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("evm: signer required")
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("evm: contract address required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("evm: token address required")
	}
	rawABI := cfg.ABI
	if strings.TrimSpace(rawABI) == "" {
		rawABI = ZepPayABI
	}
	zeppay, err := parseABI(rawABI)
	if err != nil {
		return nil, err
	}
	erc20, err := parseABI(ERC20ABI)
	if err != nil {
		return nil, err
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	buffer := cfg.GasBufferPercent
	if buffer == 0 {
		buffer = 20
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		backend:       cfg.Backend,
		signer:        cfg.Signer,
		contract:      cfg.Contract,
		token:         cfg.Token,
		zeppay:        zeppay,
		erc20:         erc20,
		confirmations: cfg.Confirmations,
		pollInterval:  poll,
		gasBuffer:     buffer,
		approver:      cfg.Approver,
		logger:        logger,
		chainID:       cfg.ChainID,
		pending:       make(map[common.Hash]pendingCall),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "evm-rpc",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Reverts and missing receipts are answers, not transport trouble.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ethereum.NotFound) {
				return true
			}
			_, reverted := revertFrom("", err)
			return reverted
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("evm breaker state change", slog.String("breaker", name), slog.String("previous", from.String()), slog.String("state", to.String()))
		},
	})
	return c, nil
}

// Address returns the signing identity.
func (c *Client) Address() common.Address { return c.signer.Address() }

// Submit packs, approves, signs and broadcasts a write.
func (c *Client) Submit(ctx context.Context, op ledger.Operation, args ...any) (ledger.TxHandle, error) {
	to, data, err := c.packWrite(op, args)
	if err != nil {
		return ledger.TxHandle{}, err
	}
	from := c.signer.Address()
	if c.approver != nil {
		if err := c.approver(ctx, ApprovalRequest{Op: op, From: from, To: to, Args: args}); err != nil {
			return ledger.TxHandle{}, &ledger.RejectionError{Op: op, Err: err}
		}
	}
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return ledger.TxHandle{}, c.networkErr(string(op), "submit", err)
	}
	gas, err := call(c, func() (uint64, error) { return c.backend.EstimateGas(ctx, msg) })
	if err != nil {
		if revert, ok := revertFrom(string(op), err); ok {
			return ledger.TxHandle{}, revert
		}
		return ledger.TxHandle{}, c.networkErr(string(op), "submit", err)
	}
	gas += gas * c.gasBuffer / 100
	nonce, err := call(c, func() (uint64, error) { return c.backend.PendingNonceAt(ctx, from) })
	if err != nil {
		return ledger.TxHandle{}, c.networkErr(string(op), "submit", err)
	}
	gasPrice, err := call(c, func() (*big.Int, error) { return c.backend.SuggestGasPrice(ctx) })
	if err != nil {
		return ledger.TxHandle{}, c.networkErr(string(op), "submit", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx, chainID)
	if err != nil {
		return ledger.TxHandle{}, &ledger.RejectionError{Op: op, Err: err}
	}
	if _, err := call(c, func() (struct{}, error) { return struct{}{}, c.backend.SendTransaction(ctx, signed) }); err != nil {
		return ledger.TxHandle{}, c.networkErr(string(op), "submit", err)
	}
	c.mu.Lock()
	c.pending[signed.Hash()] = pendingCall{msg: msg}
	c.mu.Unlock()
	c.logger.Info("ledger write broadcast",
		slog.String("op", string(op)),
		slog.String("tx", signed.Hash().Hex()),
		slog.String("from", ledger.ShortAddress(from)),
		slog.Uint64("nonce", nonce))
	return ledger.TxHandle{
		Hash:        signed.Hash().Hex(),
		Op:          op,
		From:        from.Hex(),
		SubmittedAt: time.Now(),
	}, nil
}

// AwaitConfirmation polls for the receipt until it is mined at the configured depth. A failed
// receipt is replayed at its block to recover the revert reason.
func (c *Client) AwaitConfirmation(ctx context.Context, h ledger.TxHandle) (*ledger.Receipt, error) {
	hash := common.HexToHash(h.Hash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := call(c, func() (*gethtypes.Receipt, error) { return c.backend.TransactionReceipt(ctx, hash) })
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return nil, c.replay(ctx, h, receipt)
			}
			done, err := c.deepEnough(ctx, receipt)
			if err != nil {
				return nil, c.networkErr(string(h.Op), "confirm", err)
			}
			if done {
				c.mu.Lock()
				delete(c.pending, hash)
				c.mu.Unlock()
				return &ledger.Receipt{
					Hash:        h.Hash,
					Op:          h.Op,
					BlockNumber: receipt.BlockNumber.Uint64(),
					ConfirmedAt: time.Now(),
				}, nil
			}
		case err == nil, errors.Is(err, ethereum.NotFound):
		default:
			return nil, c.networkErr(string(h.Op), "confirm", err)
		}
		select {
		case <-ctx.Done():
			return nil, &ledger.NetworkError{Op: string(h.Op), Stage: "confirm", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Query packs and executes a read-only view against the latest block.
func (c *Client) Query(ctx context.Context, view ledger.View, args ...any) ([]any, error) {
	method := string(view)
	data, err := c.zeppay.Pack(method, encodeArgs(args)...)
	if err != nil {
		return nil, ledger.NewRevertError(method, "invalid-argument: "+err.Error())
	}
	msg := ethereum.CallMsg{From: c.signer.Address(), To: &c.contract, Data: data}
	out, err := call(c, func() ([]byte, error) { return c.backend.CallContract(ctx, msg, nil) })
	if err != nil {
		if revert, ok := revertFrom(method, err); ok {
			return nil, revert
		}
		return nil, c.networkErr(method, "query", err)
	}
	values, err := c.zeppay.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *Client) packWrite(op ledger.Operation, args []any) (common.Address, []byte, error) {
	if op == ledger.OpGrantAllowance {
		if len(args) != 1 {
			return common.Address{}, nil, ledger.NewRevertError(string(op), "invalid-argument: expected amount")
		}
		data, err := c.erc20.Pack("approve", c.contract, encodeArgs(args)[0])
		if err != nil {
			return common.Address{}, nil, ledger.NewRevertError(string(op), "invalid-argument: "+err.Error())
		}
		return c.token, data, nil
	}
	data, err := c.zeppay.Pack(string(op), encodeArgs(args)...)
	if err != nil {
		return common.Address{}, nil, ledger.NewRevertError(string(op), "invalid-argument: "+err.Error())
	}
	return c.contract, data, nil
}

func (c *Client) replay(ctx context.Context, h ledger.TxHandle, receipt *gethtypes.Receipt) error {
	hash := common.HexToHash(h.Hash)
	c.mu.Lock()
	pending, ok := c.pending[hash]
	delete(c.pending, hash)
	c.mu.Unlock()
	if !ok {
		return ledger.NewRevertError(string(h.Op), "")
	}
	_, err := c.backend.CallContract(ctx, pending.msg, receipt.BlockNumber)
	if err != nil {
		if revert, ok := revertFrom(string(h.Op), err); ok {
			return revert
		}
	}
	c.logger.Warn("reverted transaction replay gave no reason", slog.String("tx", h.Hash))
	return ledger.NewRevertError(string(h.Op), "")
}

func (c *Client) deepEnough(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if c.confirmations <= 1 {
		return true, nil
	}
	header, err := call(c, func() (*gethtypes.Header, error) { return c.backend.HeaderByNumber(ctx, nil) })
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(c.confirmations)) >= 0, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	id, err := call(c, func() (*big.Int, error) { return c.backend.ChainID(ctx) })
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) networkErr(op, stage string, err error) error {
	return &ledger.NetworkError{Op: op, Stage: stage, Err: err}
}

// call runs fn through the breaker. An open breaker surfaces as gobreaker.ErrOpenState.
func call[T any](c *Client, fn func() (T, error)) (T, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if v, ok := out.(T); ok {
			return v, err
		}
		return zero, err
	}
	return out.(T), nil
}

// revertFrom recognises an execution revert in an RPC error and recovers its reason string.
func revertFrom(op string, err error) (*ledger.RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if reason, unpackErr := abi.UnpackRevert(common.FromHex(hexData)); unpackErr == nil {
				return ledger.NewRevertError(op, reason), true
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return nil, false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
	return ledger.NewRevertError(op, reason), true
}
