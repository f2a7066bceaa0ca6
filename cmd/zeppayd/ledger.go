package main

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"zeppay/cmd/internal/passphrase"
	"zeppay/config"
	"zeppay/crypto"
	"zeppay/ledger"
	"zeppay/ledger/evm"
	"zeppay/ledger/memledger"
)

// devIdentity is the memory-mode identity when neither an address nor a keystore is configured.
var devIdentity = common.HexToAddress("0x00000000000000000000000000000000000dE7e1")

type ledgerBackend struct {
	Ledger ledger.Ledger
	close  func()
}

func (b *ledgerBackend) Close() {
	if b.close != nil {
		b.close()
	}
}

func openLedger(cfg config.LedgerConfig, logger *slog.Logger) (*ledgerBackend, error) {
	switch cfg.Mode {
	case config.LedgerEVM:
		return openEVM(cfg, logger)
	default:
		return openMemory(cfg, logger)
	}
}

// openMemory runs the contract in-process. The identity is funded with DevFunds so the
// sponsor flow works out of the box.
func openMemory(cfg config.LedgerConfig, logger *slog.Logger) (*ledgerBackend, error) {
	identity, err := memoryIdentity(cfg.Keystore)
	if err != nil {
		return nil, err
	}
	shape := memledger.ShapeTuple
	if cfg.OTPShape == "bare" {
		shape = memledger.ShapeBare
	}
	chain := memledger.New(memledger.WithOTPShape(shape))
	if raw := strings.TrimSpace(cfg.DevFunds); raw != "" {
		funds, err := ledger.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("ledger dev_funds: %w", err)
		}
		chain.Mint(identity, funds)
		logger.Info("memory ledger funded", slog.String("identity", identity.Hex()), slog.String("amount", funds.String()))
	}
	logger.Warn("running against the in-memory ledger; state is lost on exit",
		slog.String("contract", memledger.ContractAddress.Hex()))
	return &ledgerBackend{Ledger: chain.Account(identity)}, nil
}

func memoryIdentity(ks config.KeystoreConfig) (common.Address, error) {
	if addr := strings.TrimSpace(ks.Address); addr != "" {
		return common.HexToAddress(addr), nil
	}
	if path := strings.TrimSpace(ks.Path); path != "" {
		addr, err := crypto.KeystoreAddress(path)
		if err != nil {
			return common.Address{}, fmt.Errorf("read keystore address: %w", err)
		}
		return addr, nil
	}
	return devIdentity, nil
}

func openEVM(cfg config.LedgerConfig, logger *slog.Logger) (*ledgerBackend, error) {
	source := passphrase.NewSource(cfg.Keystore.PassphraseEnv, "wallet")
	pass, err := source.Get()
	if err != nil {
		return nil, fmt.Errorf("keystore passphrase: %w", err)
	}
	key, err := crypto.LoadFromKeystore(cfg.Keystore.Path, pass)
	if err != nil {
		return nil, err
	}
	var rawABI string
	if path := strings.TrimSpace(cfg.ABIFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read abi: %w", err)
		}
		rawABI = string(contents)
	}
	rpc, err := evm.Dial(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	var approver evm.Approver
	if cfg.Approval {
		approver = newConsoleApprover(os.Stdin, os.Stderr)
	}
	client, err := evm.NewClient(evm.Config{
		Backend:          rpc,
		Signer:           evm.NewKeySigner(key),
		Contract:         common.HexToAddress(cfg.Contract),
		Token:            common.HexToAddress(cfg.Token),
		ChainID:          chainID,
		Confirmations:    cfg.Confirmations,
		PollInterval:     cfg.PollInterval.Duration,
		GasBufferPercent: cfg.GasBufferPercent,
		ABI:              rawABI,
		Approver:         approver,
		BreakerFailures:  cfg.Breaker.Failures,
		BreakerTimeout:   cfg.Breaker.Timeout.Duration,
		Logger:           logger,
	})
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return &ledgerBackend{Ledger: client, close: rpc.Close}, nil
}

// generateKeystore writes a fresh encrypted key to path.
func generateKeystore(path, passphraseEnv string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	pass, err := passphrase.NewSource(passphraseEnv, "new wallet").Confirm()
	if err != nil {
		return err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	addr, err := crypto.SaveToKeystore(path, key, pass)
	if err != nil {
		return err
	}
	fmt.Printf("keystore written to %s\naddress %s\n", path, addr.Hex())
	return nil
}
