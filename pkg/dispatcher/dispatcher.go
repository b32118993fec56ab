// Package dispatcher delivers the actions produced by flow execution.
package dispatcher

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
)

// Dispatcher sends one action to the contact. Failures are reported in the
// result, never returned as an error, and are not retried by the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, action models.Action) models.DeliveryResult
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, action models.Action) models.DeliveryResult

func (f Func) Dispatch(ctx context.Context, action models.Action) models.DeliveryResult {
	return f(ctx, action)
}

// DispatchAll sends actions in order. Every action is attempted even when an
// earlier one failed.
func DispatchAll(ctx context.Context, d Dispatcher, actions []models.Action) []models.DeliveryResult {
	if len(actions) == 0 {
		return nil
	}

	results := make([]models.DeliveryResult, 0, len(actions))

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			results = append(results, Failed(action, err))

			continue
		}

		result := d.Dispatch(ctx, action)
		if result.ActionID == "" {
			result.ActionID = action.ID
		}

		results = append(results, result)
	}

	return results
}

func Sent(action models.Action, providerMessageID string) models.DeliveryResult {
	return models.DeliveryResult{
		ActionID:          action.ID,
		Status:            models.DeliveryStatusSent,
		ProviderMessageID: providerMessageID,
	}
}

func Failed(action models.Action, err error) models.DeliveryResult {
	result := models.DeliveryResult{
		ActionID: action.ID,
		Status:   models.DeliveryStatusFailed,
	}

	if err != nil {
		result.Error = err.Error()
	}

	return result
}
