// Package twiliowhatsapp delivers outgoing messages through the Twilio WhatsApp API. It is an
// alternative outbound transport to the direct whatsmeow connection; inbound envelopes still
// arrive through the device connection.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/transport"
	"github.com/BTreeMap/Courier/internal/whatsapp"
)

// Twilio error codes that mean the recipient cannot receive WhatsApp messages.
const (
	codeInvalidTo      = 21211
	codeNotWhatsApp    = 63003
	codeUnreachableTo  = 21614
	codeTooManyRequest = 20429
)

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender, in "whatsapp:+1234567890" form.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// messageCreator is the part of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string
}

// Compile-time check that Client implements transport.Transport.
var _ transport.Transport = (*Client)(nil)

// NewClient builds a client. Options left empty fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{api: rest.Api, fromWhats: cfg.FromWhats}, nil
}

// Send implements transport.Transport. Attachments are sent as blobstore references, the
// same text form the device connection uses.
func (c *Client) Send(ctx context.Context, to string, msg transport.OutgoingMessage) transport.SendResult {
	if to == "" {
		return transport.SendResult{Status: transport.StatusRejected, Err: models.ErrEmptyRecipient}
	}
	body := whatsapp.RenderBody(msg)
	if body == "" {
		return transport.SendResult{Status: transport.StatusRejected, Err: models.ErrEmptyMessage}
	}
	if err := ctx.Err(); err != nil {
		return transport.SendResult{Status: transport.StatusNetworkFailure, Err: err}
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		status := classifyError(err)
		slog.Error("Client.Send: Twilio send failed", "to", to, "status", status, "error", err)
		return transport.SendResult{Status: status, Err: fmt.Errorf("failed to send message to %s: %w", to, err)}
	}

	result := transport.SendResult{Status: transport.StatusSent, Timestamp: time.Now().UnixMilli()}
	if resp != nil && resp.Sid != nil {
		result.MessageID = *resp.Sid
	}
	slog.Debug("Client.Send: Twilio message sent", "to", to, "sid", result.MessageID)
	return result
}

// classifyError maps a Twilio failure to a transport status. Errors without a Twilio
// response body are treated as connectivity problems.
func classifyError(err error) transport.SendStatus {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return transport.StatusNetworkFailure
	}
	switch {
	case restErr.Code == codeInvalidTo, restErr.Code == codeNotWhatsApp, restErr.Code == codeUnreachableTo:
		return transport.StatusUnregistered
	case restErr.Code == codeTooManyRequest, restErr.Status == http.StatusTooManyRequests:
		return transport.StatusRateLimited
	case restErr.Status >= 500:
		return transport.StatusNetworkFailure
	default:
		return transport.StatusRejected
	}
}
