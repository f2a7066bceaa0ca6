// Package notify delivers redemption codes to beneficiaries over an out-of-band channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zeppay/ledger"
	"zeppay/observability/logging"
)

// ErrInvalidRecipient is returned when the destination is not an E.164 number.
var ErrInvalidRecipient = errors.New("notify: recipient must be an E.164 number")

// Result reports the provider's answer.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Dispatcher sends one message to one recipient.
type Dispatcher interface {
	Send(ctx context.Context, to, body string) (Result, error)
}

// OTPMessage renders the code notification. The amount is shown with two decimals.
func OTPMessage(code string, amount ledger.Amount, merchantName string) string {
	merchant := strings.TrimSpace(merchantName)
	if merchant == "" {
		merchant = "the merchant"
	}
	return fmt.Sprintf("Your ZepPay payment code is: %s. Amount: $%s at %s. This code will expire in %d seconds.",
		code, amount.Fixed(), merchant, int(ledger.OTPTTL.Seconds()))
}

// LogDispatcher writes messages to the log instead of delivering them. It is the dev-mode
// channel; the message body is logged because it is the only way to see the code.
type LogDispatcher struct {
	Logger *slog.Logger
}

// Send logs the message.
func (d LogDispatcher) Send(ctx context.Context, to, body string) (Result, error) {
	if !ledger.ValidPhone(to) {
		return Result{Success: false, Message: ErrInvalidRecipient.Error()}, ErrInvalidRecipient
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification (log dispatcher)", logging.PhoneField("to", to), slog.String("body", body))
	return Result{Success: true, Message: "logged"}, nil
}

// FuncDispatcher adapts a callback to the Dispatcher interface.
type FuncDispatcher func(ctx context.Context, to, body string) (Result, error)

// Send delegates to the callback.
func (f FuncDispatcher) Send(ctx context.Context, to, body string) (Result, error) {
	if f == nil {
		return Result{Success: true}, nil
	}
	return f(ctx, to, body)
}
