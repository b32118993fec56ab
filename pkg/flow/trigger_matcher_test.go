package flow

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/mocks"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTriggerMatcher_HelloScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	contact := testutil.CreateTestContact()

	flow := testutil.CreateTestFlow([]models.Node{testutil.SendText("welcome", "Hi!", "")},
		testutil.WithTrigger(testutil.Contains("content.text", "hello")))
	require.NoError(t, store.SaveFlow(ctx, flow))

	matcher := NewTriggerMatcher(slog.Default(), store, store)

	matches, err := matcher.FindMatchingFlows(ctx, "tenant-1", testutil.TextMessage(contact, "Hello there"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, flow.ID, matches[0].Flow.ID)
	assert.Equal(t, "welcome", matches[0].EntryNodeID)

	matches, err = matcher.FindMatchingFlows(ctx, "tenant-1", testutil.TextMessage(contact, "goodbye"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTriggerMatcher_ReportsAllMatchesInDefinitionOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	contact := testutil.CreateTestContact()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	later := testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "x", "")},
		testutil.WithFlowID("flow-later"), testutil.CreatedAt(base.Add(time.Hour)))
	earlier := testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "x", "")},
		testutil.WithFlowID("flow-earlier"), testutil.CreatedAt(base))
	inactive := testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "x", "")},
		testutil.WithFlowID("flow-inactive"), testutil.Inactive())
	otherTenant := testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "x", "")},
		testutil.WithFlowID("flow-other"), testutil.WithTenant("tenant-2"))
	noMatch := testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "x", "")},
		testutil.WithFlowID("flow-nomatch"), testutil.WithTrigger(testutil.Contains("content.text", "refund")))

	for _, f := range []*models.Flow{later, earlier, inactive, otherTenant, noMatch} {
		createdAt := f.CreatedAt
		require.NoError(t, store.SaveFlow(ctx, f))
		require.Equal(t, createdAt, f.CreatedAt)
	}

	matcher := NewTriggerMatcher(slog.Default(), store, store)

	matches, err := matcher.FindMatchingFlows(ctx, "tenant-1", testutil.TextMessage(contact, "anything"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "flow-earlier", matches[0].Flow.ID)
	assert.Equal(t, "flow-later", matches[1].Flow.ID)
}

func TestTriggerMatcher_SkipsFlowsAlreadyRunningForContact(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	contact := testutil.CreateTestContact()

	flow := testutil.CreateTestFlow([]models.Node{testutil.WaitForReply("wait", 60, "", "")})
	require.NoError(t, store.SaveFlow(ctx, flow))

	result := newTestEngine().Start(flow, "", contact, testutil.TextMessage(contact, "hi"))
	_, err := store.CreateIfAbsent(ctx, result.Instance)
	require.NoError(t, err)

	matcher := NewTriggerMatcher(slog.Default(), store, store)

	matches, err := matcher.FindMatchingFlows(ctx, "tenant-1", testutil.TextMessage(contact, "hi again"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	other := testutil.CreateTestContact()
	other.ID = "contact-2"

	matches, err = matcher.FindMatchingFlows(ctx, "tenant-1", testutil.TextMessage(other, "hi"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestTriggerMatcher_StoreErrors(t *testing.T) {
	ctx := context.Background()
	contact := testutil.CreateTestContact()
	flow := testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "x", "")})

	flows := &mocks.MockFlowRepository{}
	instances := &mocks.MockInstanceRepository{}

	flows.On("ActiveFlows", mock.Anything, "tenant-1").Return([]*models.Flow{flow}, nil)
	instances.On("FindActive", mock.Anything, "tenant-1", contact.ID, flow.ID).Return(nil, errors.New("connection reset"))

	matcher := NewTriggerMatcher(slog.Default(), flows, instances)

	_, err := matcher.FindMatchingFlows(ctx, "tenant-1", testutil.TextMessage(contact, "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	failing := &mocks.MockFlowRepository{}
	failing.On("ActiveFlows", mock.Anything, "tenant-1").Return(nil, errors.New("db down"))

	_, err = NewTriggerMatcher(slog.Default(), failing, instances).FindMatchingFlows(ctx, "tenant-1", testutil.TextMessage(contact, "hi"))
	require.Error(t, err)

	flows.AssertExpectations(t)
	instances.AssertExpectations(t)
}
