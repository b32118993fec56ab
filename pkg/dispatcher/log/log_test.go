package log_dispatcher

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestDispatcher_Dispatch(t *testing.T) {
	var buf bytes.Buffer

	d := NewDispatcher(slog.New(slog.NewTextHandler(&buf, nil)))

	result := d.Dispatch(context.Background(), models.Action{
		ID:          "a-1",
		To:          "+5511999990000",
		MessageType: models.MessageTypeText,
		Content:     map[string]any{"text": "Hi Maria"},
	})

	assert.Equal(t, models.DeliveryStatusSent, result.Status)
	assert.Equal(t, "a-1", result.ActionID)
	assert.Equal(t, "log-a-1", result.ProviderMessageID)
	assert.Contains(t, buf.String(), "Hi Maria")
	assert.Contains(t, buf.String(), "module=log_dispatcher")
}
