package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-relay/pkg/models"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageCreator is the part of the Twilio REST API the WhatsApp sender uses.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type WhatsAppConfig struct {
	AccountSID string
	AuthToken  string
	// From is the Twilio WhatsApp number, with or without the whatsapp: prefix.
	From string
}

// WhatsAppSender delivers replies through Twilio's WhatsApp API.
type WhatsAppSender struct {
	api  MessageCreator
	from string
}

func NewWhatsAppSender(cfg WhatsAppConfig) (*WhatsAppSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, fmt.Errorf("twilio account sid, auth token and from number are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewWhatsAppSenderWithAPI(client.Api, cfg.From), nil
}

func NewWhatsAppSenderWithAPI(api MessageCreator, from string) *WhatsAppSender {
	return &WhatsAppSender{api: api, from: whatsappAddress(from)}
}

func (s *WhatsAppSender) Channel() models.Channel {
	return models.ChannelWhatsApp
}

func (s *WhatsAppSender) Send(ctx context.Context, destination, body string) Result {
	if strings.TrimSpace(destination) == "" {
		return Permanent(ErrInvalidDestination)
	}
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(s.from)
	params.SetTo(whatsappAddress(destination))
	params.SetBody(body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			return fromHTTPStatus(restErr.Status, fmt.Errorf("twilio %d: %w", restErr.Code, err))
		}
		return Transient(fmt.Errorf("twilio: %w", err))
	}

	var sid string
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	return Success(sid)
}

func whatsappAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "whatsapp:") {
		return addr
	}
	return "whatsapp:" + addr
}
