// Package whatsapp sends actions through the WhatsApp Business Cloud API.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/dispatcher"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
)

var ErrMissingRecipient = errors.New("action has no recipient phone number")

type Config struct {
	BaseURL       string        `validate:"omitempty,url"`
	APIVersion    string        `validate:"omitempty"`
	PhoneNumberID string        `validate:"required"`
	AccessToken   string        `validate:"required"`
	Timeout       time.Duration `validate:"gte=0"`
	MaxRetries    int           `validate:"gte=0,lte=10"`
}

type Dispatcher struct {
	logger *slog.Logger
	config Config
	client *resty.Client
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func NewDispatcher(logger *slog.Logger, config Config) (*Dispatcher, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid whatsapp config: %w", err)
	}

	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}

	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}

	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetAuthToken(config.AccessToken).
		SetTimeout(config.Timeout).
		SetRetryCount(config.MaxRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	return &Dispatcher{
		logger: logger.With("module", "whatsapp_dispatcher"),
		config: config,
		client: client,
	}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, action models.Action) models.DeliveryResult {
	if action.To == "" {
		return dispatcher.Failed(action, ErrMissingRecipient)
	}

	var (
		result  messageResponse
		failure errorResponse
	)

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(Payload(action)).
		SetResult(&result).
		SetError(&failure).
		Post(fmt.Sprintf("/%s/%s/messages", d.config.APIVersion, d.config.PhoneNumberID))
	if err != nil {
		d.logger.ErrorContext(ctx, "WhatsApp request failed", "action_id", action.ID, "error", err)

		return dispatcher.Failed(action, fmt.Errorf("whatsapp request failed: %w", err))
	}

	if resp.IsError() {
		message := failure.Error.Message
		if message == "" {
			message = resp.Status()
		}

		d.logger.WarnContext(ctx, "WhatsApp rejected message",
			"action_id", action.ID,
			"status", resp.StatusCode(),
			"code", failure.Error.Code,
			"error", message)

		return dispatcher.Failed(action, fmt.Errorf("whatsapp api %d: %s", resp.StatusCode(), message))
	}

	var providerID string
	if len(result.Messages) > 0 {
		providerID = result.Messages[0].ID
	}

	d.logger.DebugContext(ctx, "WhatsApp message sent", "action_id", action.ID, "provider_message_id", providerID)

	return dispatcher.Sent(action, providerID)
}

// Payload builds the Cloud API message body. Content is passed through as the
// object of the message type, except text, which becomes {"body": ...}, and
// contact, which the API names "contacts".
func Payload(action models.Action) map[string]any {
	messageType := action.MessageType
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                strings.TrimPrefix(action.To, "+"),
	}

	content := maps.Clone(action.Content)
	if content == nil {
		content = map[string]any{}
	}

	switch messageType {
	case models.MessageTypeText:
		text := map[string]any{"body": action.Text()}
		if preview, ok := content["preview_url"].(bool); ok {
			text["preview_url"] = preview
		}

		payload["type"] = "text"
		payload["text"] = text
	case models.MessageTypeContact:
		payload["type"] = "contacts"
		payload["contacts"] = content["contacts"]
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeDocument,
		models.MessageTypeAudio, models.MessageTypeSticker:
		if url, ok := content["url"]; ok {
			if _, has := content["link"]; !has {
				content["link"] = url
			}

			delete(content, "url")
		}

		payload["type"] = string(messageType)
		payload[string(messageType)] = content
	default:
		payload["type"] = string(messageType)
		payload[string(messageType)] = content
	}

	return payload
}
