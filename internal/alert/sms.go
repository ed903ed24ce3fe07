package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// maxSMSBody keeps alerts within a few SMS segments.
const maxSMSBody = 480

// SMSSender sends one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// TwilioOpts holds configuration for the Twilio SMS client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioSMS sends SMS through the Twilio REST API.
type TwilioSMS struct {
	client *twilio.RestClient
	from   string
	logger *slog.Logger
}

// NewTwilioSMS creates a Twilio SMS client.
func NewTwilioSMS(opts TwilioOpts, logger *slog.Logger) (*TwilioSMS, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if opts.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return &TwilioSMS{client: client, from: opts.From, logger: logger}, nil
}

// SendSMS sends body to the given number.
func (c *TwilioSMS) SendSMS(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	c.logger.Debug("Twilio SMS sent", "to", to)
	return nil
}

// SMSSink texts events to a list of recipients.
type SMSSink struct {
	sender     SMSSender
	recipients []string
}

// NewSMSSink creates an SMSSink.
func NewSMSSink(sender SMSSender, recipients []string) *SMSSink {
	return &SMSSink{sender: sender, recipients: recipients}
}

func (s *SMSSink) Name() string { return "sms" }

func (s *SMSSink) Send(ctx context.Context, evt models.AlertEvent) error {
	body := format(evt)
	if len(body) > maxSMSBody {
		body = body[:maxSMSBody-3] + "..."
	}
	var firstErr error
	for _, to := range s.recipients {
		if err := s.sender.SendSMS(ctx, to, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
