// Package twilio sends actions as WhatsApp messages through Twilio.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/chatflow/pkg/dispatcher"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var ErrUnsupportedMessageType = errors.New("message type not supported by twilio")

type Config struct {
	AccountSID string
	AuthToken  string
	// From is the sender, with or without the "whatsapp:" prefix.
	From string
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type Dispatcher struct {
	logger *slog.Logger
	api    messageCreator
	from   string
}

func NewDispatcher(logger *slog.Logger, config Config) (*Dispatcher, error) {
	if config.AccountSID == "" || config.AuthToken == "" {
		return nil, errors.New("twilio account SID and auth token must be provided")
	}

	if config.From == "" {
		return nil, errors.New("twilio sender number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})

	return newDispatcher(logger, client.Api, config.From), nil
}

func newDispatcher(logger *slog.Logger, api messageCreator, from string) *Dispatcher {
	return &Dispatcher{
		logger: logger.With("module", "twilio_dispatcher"),
		api:    api,
		from:   whatsappAddress(from),
	}
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}

	return "whatsapp:" + number
}

func (d *Dispatcher) Dispatch(ctx context.Context, action models.Action) models.DeliveryResult {
	if action.To == "" {
		return dispatcher.Failed(action, errors.New("action has no recipient phone number"))
	}

	params, err := d.params(action)
	if err != nil {
		return dispatcher.Failed(action, err)
	}

	message, err := d.api.CreateMessage(params)
	if err != nil {
		d.logger.ErrorContext(ctx, "Twilio CreateMessage failed", "action_id", action.ID, "to", action.To, "error", err)

		return dispatcher.Failed(action, fmt.Errorf("failed to send message to %s: %w", action.To, err))
	}

	var sid string
	if message != nil && message.Sid != nil {
		sid = *message.Sid
	}

	d.logger.DebugContext(ctx, "Twilio message sent", "action_id", action.ID, "sid", sid)

	return dispatcher.Sent(action, sid)
}

func (d *Dispatcher) params(action models.Action) (*twilioApi.CreateMessageParams, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(action.To))
	params.SetFrom(d.from)

	switch action.MessageType {
	case "", models.MessageTypeText:
		params.SetBody(action.Text())
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeDocument,
		models.MessageTypeAudio, models.MessageTypeSticker:
		url, _ := action.Content["url"].(string)
		if url == "" {
			url, _ = action.Content["link"].(string)
		}

		if url == "" {
			return nil, fmt.Errorf("%s message has no url", action.MessageType)
		}

		params.SetMediaUrl([]string{url})

		if caption, ok := action.Content["caption"].(string); ok {
			params.SetBody(caption)
		}
	case models.MessageTypeTemplate:
		sid, _ := action.Content["content_sid"].(string)
		if sid == "" {
			return nil, errors.New("template message has no content_sid")
		}

		params.SetContentSid(sid)

		if variables, ok := action.Content["content_variables"].(string); ok {
			params.SetContentVariables(variables)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessageType, action.MessageType)
	}

	return params, nil
}
