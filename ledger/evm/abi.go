package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"zeppay/ledger"
)

// ZepPayABI describes the deployed ZepPay contract. getOtp answers with the (code, expiry)
// pair; deployments that return a bare string can pass their own ABI through Config.ABI.
const ZepPayABI = `[
 {"type":"function","name":"registerMerchant","stateMutability":"nonpayable","inputs":[{"name":"businessName","type":"string"},{"name":"category","type":"uint8"}],"outputs":[]},
 {"type":"function","name":"merchants","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"businessName","type":"string"},{"name":"category","type":"uint8"},{"name":"isRegistered","type":"bool"}]},
 {"type":"function","name":"addBeneficiary","stateMutability":"nonpayable","inputs":[{"name":"name","type":"string"},{"name":"mobileNumber","type":"string"}],"outputs":[]},
 {"type":"function","name":"beneficiaryAt","stateMutability":"view","inputs":[{"name":"sponsor","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"mobileNumber","type":"string"}]},
 {"type":"function","name":"getBeneficiaryDetails","stateMutability":"view","inputs":[{"name":"sponsor","type":"address"},{"name":"mobileNumber","type":"string"}],"outputs":[{"name":"name","type":"string"}]},
 {"type":"function","name":"createSponsorship","stateMutability":"nonpayable","inputs":[{"name":"beneficiary","type":"string"},{"name":"amount","type":"uint256"},{"name":"category","type":"uint8"}],"outputs":[]},
 {"type":"function","name":"requestPayment","stateMutability":"nonpayable","inputs":[{"name":"mobileNumber","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getOtp","stateMutability":"view","inputs":[{"name":"mobileNumber","type":"string"}],"outputs":[{"name":"otp","type":"string"},{"name":"expiry","type":"uint256"}]},
 {"type":"function","name":"processPayment","stateMutability":"nonpayable","inputs":[{"name":"mobileNumber","type":"string"},{"name":"amount","type":"uint256"},{"name":"otp","type":"string"}],"outputs":[]},
 {"type":"function","name":"getSponsorship","stateMutability":"view","inputs":[{"name":"sponsor","type":"address"},{"name":"beneficiary","type":"string"},{"name":"category","type":"uint8"}],"outputs":[{"name":"amount","type":"uint256"},{"name":"remainingBalance","type":"uint256"},{"name":"createdAt","type":"uint256"}]}
]`

// ERC20ABI is the subset of the stable token used for the allowance phase.
const ERC20ABI = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

func parseABI(raw string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("evm: parse abi: %w", err)
	}
	return parsed, nil
}

// encodeArgs converts ledger-native argument types into the Go types the abi packer expects.
func encodeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case ledger.Amount:
			out[i] = v.Big()
		case ledger.Category:
			out[i] = uint8(v)
		default:
			out[i] = arg
		}
	}
	return out
}
