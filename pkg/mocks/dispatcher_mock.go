package mocks

import (
	"context"
	"sync"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockDispatcher is a mock implementation of dispatcher.Dispatcher interface.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, action models.Action) models.DeliveryResult {
	args := m.Called(ctx, action)

	return args.Get(0).(models.DeliveryResult)
}

// RecordingDispatcher accepts every action and keeps them in order.
type RecordingDispatcher struct {
	mu      sync.Mutex
	Actions []models.Action
	// Fail lists action node ids that are reported as failed.
	Fail map[string]bool
}

func (r *RecordingDispatcher) Dispatch(_ context.Context, action models.Action) models.DeliveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Actions = append(r.Actions, action)

	if r.Fail[action.NodeID] {
		return models.DeliveryResult{ActionID: action.ID, Status: models.DeliveryStatusFailed, Error: "rejected"}
	}

	return models.DeliveryResult{ActionID: action.ID, Status: models.DeliveryStatusSent, ProviderMessageID: "rec-" + action.ID}
}

// Texts returns the text of each recorded action.
func (r *RecordingDispatcher) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	texts := make([]string, 0, len(r.Actions))
	for _, action := range r.Actions {
		texts = append(texts, action.Text())
	}

	return texts
}
