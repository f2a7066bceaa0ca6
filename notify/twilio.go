package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"zeppay/ledger"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig configures the Twilio Messages API dispatcher.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is the sender number in E.164 form, without any channel prefix.
	From string
	// Channel is "whatsapp" (default) or "sms".
	Channel string
	BaseURL string
	Timeout time.Duration
	Retries int
	// RatePerSecond and Burst bound outbound sends; zero disables the limiter.
	RatePerSecond float64
	Burst         int
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Twilio delivers messages through the Twilio REST API.
type Twilio struct {
	client  *resty.Client
	cfg     TwilioConfig
	limiter *rate.Limiter
}

// NewTwilio validates cfg and constructs the dispatcher.
func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("notify: twilio account sid and auth token required")
	}
	if !ledger.ValidPhone(cfg.From) {
		return nil, fmt.Errorf("notify: twilio sender %q must be an E.164 number", cfg.From)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Channel)) {
	case "", "whatsapp":
		cfg.Channel = "whatsapp"
	case "sms":
		cfg.Channel = "sms"
	default:
		return nil, fmt.Errorf("notify: unsupported channel %q", cfg.Channel)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	t := &Twilio{client: client, cfg: cfg}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return t, nil
}

// Send posts body to the recipient. A provider rejection yields Success=false and an error.
func (t *Twilio) Send(ctx context.Context, to, body string) (Result, error) {
	to = strings.TrimSpace(to)
	if !ledger.ValidPhone(to) {
		return Result{Success: false, Message: ErrInvalidRecipient.Error()}, ErrInvalidRecipient
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return Result{Success: false, Message: err.Error()}, fmt.Errorf("notify: rate limit: %w", err)
		}
	}
	var sent twilioMessage
	var apiErr twilioError
	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   t.address(to),
			"From": t.address(t.cfg.From),
			"Body": body,
		}).
		SetResult(&sent).
		SetError(&apiErr).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", t.cfg.AccountSID))
	if err != nil {
		return Result{Success: false, Message: err.Error()}, fmt.Errorf("notify: twilio request: %w", err)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = resp.Status()
		}
		return Result{Success: false, Message: msg}, fmt.Errorf("notify: twilio status %d: %s", resp.StatusCode(), msg)
	}
	return Result{Success: true, Message: fmt.Sprintf("queued %s", sent.SID)}, nil
}

func (t *Twilio) address(number string) string {
	if t.cfg.Channel == "whatsapp" {
		return "whatsapp:" + number
	}
	return number
}
