package evm

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"zeppay/ledger"
)

var (
	contractAddr = common.HexToAddress("0x21adB6b3E3d6d2AF60257Aae45A002b15B28d7eE")
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

type revertDataError struct {
	data string
}

func (e revertDataError) Error() string          { return "execution reverted" }
func (e revertDataError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("string type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert: %v", err)
	}
	selector := gethcrypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

type fakeBackend struct {
	mu          sync.Mutex
	estimateErr error
	sendErr     error
	callOut     []byte
	callErr     error
	replayErr   error
	receipt     *gethtypes.Receipt
	head        int64
	sent        []*gethtypes.Transaction
	calls       []ethereum.CallMsg
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(8453), nil }

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(f.head)}, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if blockNumber != nil {
		return nil, f.replayErr
	}
	return f.callOut, f.callErr
}

func newTestClient(t *testing.T, backend *fakeBackend, mutate func(*Config)) *Client {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := Config{
		Backend:         backend,
		Signer:          NewKeySigner(key),
		Contract:        contractAddr,
		Token:           tokenAddr,
		PollInterval:    time.Millisecond,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestQueryUnpacksMerchantView(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend, nil)
	out, err := client.zeppay.Methods["merchants"].Outputs.Pack("Fresh Mart", uint8(ledger.Groceries), true)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	backend.callOut = out

	merchant, err := ledger.NewContract(client).Merchant(context.Background(), common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("merchant: %v", err)
	}
	if merchant.BusinessName != "Fresh Mart" || merchant.Category != ledger.Groceries || !merchant.Registered {
		t.Fatalf("unexpected merchant %+v", merchant)
	}
}

func TestQueryDecodesTupleOTP(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend, nil)
	out, err := client.zeppay.Methods["getOtp"].Outputs.Pack("7421", big.NewInt(1_700_000_015))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	backend.callOut = out

	otp, err := ledger.NewContract(client).OTP(context.Background(), "+911234567890")
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if otp.Code != "7421" || otp.ExpiresAt.Unix() != 1_700_000_015 || !otp.LedgerExpiry {
		t.Fatalf("unexpected otp %+v", otp)
	}
}

func TestQueryRevertIsClassified(t *testing.T) {
	backend := &fakeBackend{callErr: revertDataError{data: encodeRevert(t, "No pending payment")}}
	client := newTestClient(t, backend, nil)
	_, err := client.Query(context.Background(), ledger.ViewOTP, "+911234567890")
	if got := ledger.RevertReason(err); got != ledger.ReasonNoPendingPayment {
		t.Fatalf("expected no-pending-payment, got %v (%v)", got, err)
	}
}

func TestGrantAllowanceTargetsToken(t *testing.T) {
	backend := &fakeBackend{receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12)}, head: 12}
	client := newTestClient(t, backend, nil)
	ctx := context.Background()

	h, err := client.Submit(ctx, ledger.OpGrantAllowance, ledger.MustParseAmount("50"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.To() == nil || *tx.To() != tokenAddr {
		t.Fatalf("allowance must be sent to the token, got %v", tx.To())
	}
	if !bytes.Equal(tx.Data()[:4], client.erc20.Methods["approve"].ID) {
		t.Fatalf("expected approve selector")
	}
	if tx.Gas() != 60_000 {
		t.Fatalf("expected buffered gas 60000, got %d", tx.Gas())
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil || sender != client.Address() {
		t.Fatalf("tx not signed by client: %v %v", sender, err)
	}

	receipt, err := client.AwaitConfirmation(ctx, h)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if receipt.BlockNumber != 12 || receipt.Hash != h.Hash {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestSubmitEstimateRevertIsNotBroadcast(t *testing.T) {
	backend := &fakeBackend{estimateErr: errors.New("execution reverted: OTP expired")}
	client := newTestClient(t, backend, nil)
	_, err := client.Submit(context.Background(), ledger.OpProcessPayment, "+911234567890", ledger.MustParseAmount("20"), "7421")
	if got := ledger.RevertReason(err); got != ledger.ReasonExpired {
		t.Fatalf("expected expired revert, got %v (%v)", got, err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("reverting estimate must not broadcast")
	}
}

func TestApproverDeclineIsRejection(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend, func(cfg *Config) {
		cfg.Approver = func(ctx context.Context, req ApprovalRequest) error {
			if req.Op != ledger.OpRequestPayment {
				t.Errorf("unexpected op %s", req.Op)
			}
			return ErrDeclined
		}
	})
	_, err := client.Submit(context.Background(), ledger.OpRequestPayment, "+911234567890", ledger.MustParseAmount("20"))
	var rejection *ledger.RejectionError
	if !errors.As(err, &rejection) || !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("declined write must not broadcast")
	}
}

func TestFailedReceiptIsReplayedForReason(t *testing.T) {
	backend := &fakeBackend{
		receipt:   &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(7)},
		replayErr: revertDataError{data: encodeRevert(t, "OTP already used")},
	}
	client := newTestClient(t, backend, nil)
	ctx := context.Background()
	h, err := client.Submit(ctx, ledger.OpProcessPayment, "+911234567890", ledger.MustParseAmount("20"), "7421")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = client.AwaitConfirmation(ctx, h)
	if got := ledger.RevertReason(err); got != ledger.ReasonAlreadyConsumed {
		t.Fatalf("expected already-consumed, got %v (%v)", got, err)
	}
}

func TestAwaitConfirmationHonoursContext(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.AwaitConfirmation(ctx, ledger.TxHandle{Hash: common.Hash{1}.Hex(), Op: ledger.OpRequestPayment})
	var network *ledger.NetworkError
	if !errors.As(err, &network) || network.Stage != "confirm" {
		t.Fatalf("expected confirm network error, got %v", err)
	}
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	backend := &fakeBackend{callErr: errors.New("connection refused")}
	client := newTestClient(t, backend, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.Query(ctx, ledger.ViewMerchants, common.Address{}); !ledger.IsTransient(err) {
			t.Fatalf("attempt %d: expected transient error, got %v", i, err)
		}
	}
	calls := len(backend.calls)
	_, err := client.Query(ctx, ledger.ViewMerchants, common.Address{})
	if !ledger.IsTransient(err) {
		t.Fatalf("open breaker must surface as transient, got %v", err)
	}
	if len(backend.calls) != calls {
		t.Fatalf("open breaker must not reach the backend")
	}
}
