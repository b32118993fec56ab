package services_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/flow"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/mocks"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/dukex/chatflow/pkg/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type automationFixture struct {
	store      *memory.Persistence
	dispatcher *mocks.RecordingDispatcher
	bus        *mocks.MockEventBus
	metrics    *metrics.Metrics
	now        time.Time
	automation *services.Automation
}

func newAutomationFixture(t *testing.T, opts ...services.AutomationOption) *automationFixture {
	t.Helper()

	f := &automationFixture{
		store:      memory.NewPersistence(),
		dispatcher: &mocks.RecordingDispatcher{},
		bus:        mocks.NewMockEventBus(),
		metrics:    metrics.New(),
		now:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	clock := func() time.Time { return f.now }
	engine := flow.NewEngine(quietLogger(), flow.WithClock(clock))

	opts = append([]services.AutomationOption{
		services.WithPublisher(f.bus),
		services.WithMetrics(f.metrics),
		services.WithClock(clock),
	}, opts...)

	f.automation = services.NewAutomation(quietLogger(), f.store, engine, f.dispatcher, opts...)

	return f
}

func (f *automationFixture) save(t *testing.T, flows ...*models.Flow) {
	t.Helper()

	for _, fl := range flows {
		require.NoError(t, f.store.SaveFlow(context.Background(), fl))
	}
}

func (f *automationFixture) published() []events.EventType {
	var types []events.EventType

	for _, call := range f.bus.Calls {
		if call.Method == "Publish" {
			types = append(types, call.Arguments.Get(2).(events.Event).GetType())
		}
	}

	return types
}

func qualificationFlow() *models.Flow {
	return testutil.CreateTestFlow([]models.Node{
		testutil.SendText("greet", "Hi {{ .contact.name }}, want a demo?", "wait"),
		testutil.WaitForReply("wait", 3600, "check", "reminder"),
		testutil.Condition("check", "booked", "bye", testutil.Contains("content.text", "yes")),
		testutil.SendText("booked", "Great, booking it", ""),
		testutil.SendText("bye", "No problem", ""),
		testutil.SendText("reminder", "Still there?", ""),
	}, testutil.WithFlowID("qualify"), testutil.WithTrigger(testutil.Contains("content.text", "pricing")))
}

func TestAutomation_StartAndResume(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	f.save(t, qualificationFlow())
	contact := testutil.CreateTestContact()

	results, err := f.automation.HandleInbound(ctx, testutil.TextMessage(contact, "what is the pricing?"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	started := results[0]
	assert.True(t, started.Suspended)
	assert.Equal(t, models.InstanceStatusWaitingForReply, started.Instance.Status)
	require.Len(t, started.Deliveries, 1)
	assert.Equal(t, models.DeliveryStatusSent, started.Deliveries[0].Status)
	assert.Equal(t, []string{"Hi Maria, want a demo?"}, f.dispatcher.Texts())

	results, err = f.automation.HandleInbound(ctx, testutil.TextMessage(contact, "yes please"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, started.Instance.ID, results[0].Instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, results[0].Instance.Status)
	assert.Equal(t, []string{"Hi Maria, want a demo?", "Great, booking it"}, f.dispatcher.Texts())

	stored, err := f.store.InstanceByID(ctx, started.Instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, stored.Status)

	active, err := f.automation.ActiveInstances(ctx, contact.TenantID, contact.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Equal(t, []events.EventType{
		events.InstanceStartedEvent,
		events.InstanceWaitingEvent,
		events.InstanceCompletedEvent,
	}, f.published())
}

func TestAutomation_IgnoredMessage(t *testing.T) {
	f := newAutomationFixture(t)
	f.save(t, qualificationFlow())

	results, err := f.automation.HandleInbound(context.Background(), testutil.TextMessage(testutil.CreateTestContact(), "hello"))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, f.dispatcher.Actions)
	assert.Empty(t, f.published())
}

func TestAutomation_InvalidMessage(t *testing.T) {
	f := newAutomationFixture(t)

	_, err := f.automation.HandleInbound(context.Background(), &models.InboundEvent{TenantID: "tenant-1"})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))

	_, err = f.automation.HandleInbound(context.Background(), nil)
	assert.True(t, services.IsValidationError(err))
}

func TestAutomation_MatchPolicy(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trigger := testutil.WithTrigger(testutil.Contains("content.text", "promo"))

	flows := func() []*models.Flow {
		return []*models.Flow{
			testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "second", "")},
				testutil.WithFlowID("later"), trigger, testutil.CreatedAt(base.Add(time.Hour))),
			testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "first", "")},
				testutil.WithFlowID("earlier"), trigger, testutil.CreatedAt(base)),
		}
	}

	t.Run("first starts the earliest defined flow", func(t *testing.T) {
		f := newAutomationFixture(t)
		f.save(t, flows()...)

		results, err := f.automation.HandleInbound(context.Background(), testutil.TextMessage(testutil.CreateTestContact(), "promo"))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "earlier", results[0].Instance.FlowID)
		assert.Equal(t, []string{"first"}, f.dispatcher.Texts())
	})

	t.Run("all starts every match in definition order", func(t *testing.T) {
		f := newAutomationFixture(t, services.WithMatchPolicy(services.MatchPolicyAll))
		f.save(t, flows()...)

		results, err := f.automation.HandleInbound(context.Background(), testutil.TextMessage(testutil.CreateTestContact(), "promo"))
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, []string{"first", "second"}, f.dispatcher.Texts())
	})
}

func TestAutomation_ReplyConsumedByWaitingInstance(t *testing.T) {
	other := testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "other flow", "")},
		testutil.WithFlowID("catch-all"), testutil.WithTrigger(testutil.Contains("content.text", "e")),
		testutil.CreatedAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	t.Run("does not trigger new flows", func(t *testing.T) {
		f := newAutomationFixture(t)
		f.save(t, qualificationFlow(), other)
		contact := testutil.CreateTestContact()

		_, err := f.automation.HandleInbound(context.Background(), testutil.TextMessage(contact, "pricing"))
		require.NoError(t, err)

		results, err := f.automation.HandleInbound(context.Background(), testutil.TextMessage(contact, "yes"))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "qualify", results[0].Instance.FlowID)
		assert.NotContains(t, f.dispatcher.Texts(), "other flow")
	})

	t.Run("triggers when enabled", func(t *testing.T) {
		f := newAutomationFixture(t, services.WithTriggerWhileWaiting(true))
		f.save(t, qualificationFlow(), other)
		contact := testutil.CreateTestContact()

		_, err := f.automation.HandleInbound(context.Background(), testutil.TextMessage(contact, "pricing"))
		require.NoError(t, err)

		results, err := f.automation.HandleInbound(context.Background(), testutil.TextMessage(contact, "yes"))
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Contains(t, f.dispatcher.Texts(), "other flow")
	})
}

func TestAutomation_HandleTimeout(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	f.save(t, qualificationFlow())

	results, err := f.automation.HandleInbound(ctx, testutil.TextMessage(testutil.CreateTestContact(), "pricing"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	id := results[0].Instance.ID

	result, err := f.automation.HandleTimeout(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.Noop, "timeout is not due yet")
	assert.Len(t, f.dispatcher.Actions, 1)

	f.now = f.now.Add(2 * time.Hour)

	result, err = f.automation.HandleTimeout(ctx, id)
	require.NoError(t, err)
	assert.False(t, result.Noop)
	assert.Equal(t, models.InstanceStatusCompleted, result.Instance.Status)
	assert.Equal(t, "Still there?", f.dispatcher.Texts()[1])

	result, err = f.automation.HandleTimeout(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.Noop)
	assert.Len(t, f.dispatcher.Actions, 2)

	_, err = f.automation.HandleTimeout(ctx, "missing")
	assert.True(t, persistence.IsInstanceNotFound(err))
}

func TestAutomation_DeactivatedFlowCancelsOnResume(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	qualify := qualificationFlow()
	f.save(t, qualify)
	contact := testutil.CreateTestContact()

	_, err := f.automation.HandleInbound(ctx, testutil.TextMessage(contact, "pricing"))
	require.NoError(t, err)

	qualify.Active = false
	f.save(t, qualify)

	results, err := f.automation.HandleInbound(ctx, testutil.TextMessage(contact, "yes"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.InstanceStatusFailed, results[0].Instance.Status)
	assert.Equal(t, models.FailureReasonCancelled, results[0].Instance.FailureReason)
	assert.Len(t, f.dispatcher.Actions, 1)
}

func TestAutomation_DanglingWaitNode(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	qualify := qualificationFlow()
	f.save(t, qualify)
	contact := testutil.CreateTestContact()

	_, err := f.automation.HandleInbound(ctx, testutil.TextMessage(contact, "pricing"))
	require.NoError(t, err)

	delete(qualify.Nodes, "wait")
	qualify.Nodes["greet"] = testutil.SendText("greet", "Hi", "")
	f.save(t, qualify)

	results, err := f.automation.HandleInbound(ctx, testutil.TextMessage(contact, "yes"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.FailureReasonDanglingReference, results[0].Instance.FailureReason)
	assert.Contains(t, f.published(), events.InstanceFailedEvent)
}

func TestAutomation_LostRaceSendsNothing(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMockPersistence()
	recorder := &mocks.RecordingDispatcher{}
	m := metrics.New()

	waitingAt := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	timeoutAt := waitingAt.Add(time.Hour)
	waiting := &models.Instance{
		ID:            "inst-1",
		TenantID:      "tenant-1",
		ContactID:     "contact-1",
		FlowID:        "qualify",
		Status:        models.InstanceStatusWaitingForReply,
		CurrentNodeID: "wait",
		WaitingSince:  &waitingAt,
		TimeoutAt:     &timeoutAt,
		Version:       3,
	}

	store.Instances.On("ActiveByContact", mock.Anything, "tenant-1", "contact-1").Return([]*models.Instance{waiting}, nil)
	store.Flows.On("FlowByID", mock.Anything, "qualify").Return(qualificationFlow(), nil)
	store.Instances.On("Save", mock.Anything, mock.Anything).
		Return(persistence.NewInstanceError("Save", "inst-1", persistence.ErrInstanceVersionConflict))
	store.Flows.On("ActiveFlows", mock.Anything, "tenant-1").Return([]*models.Flow{}, nil)

	automation := services.NewAutomation(quietLogger(), store, flow.NewEngine(quietLogger()), recorder, services.WithMetrics(m))

	results, err := automation.HandleInbound(ctx, testutil.TextMessage(testutil.CreateTestContact(), "yes"))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, recorder.Actions)

	count, err := promtestutil.GatherAndCount(m.Registry(), "chatflow_store_conflicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	store.Instances.AssertExpectations(t)
}

func TestAutomation_CancelInstance(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	f.save(t, qualificationFlow())

	results, err := f.automation.HandleInbound(ctx, testutil.TextMessage(testutil.CreateTestContact(), "pricing"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	id := results[0].Instance.ID

	_, err = f.automation.CancelInstance(ctx, "tenant-2", id)
	assert.True(t, services.IsNotFoundError(err))

	cancelled, err := f.automation.CancelInstance(ctx, "tenant-1", id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, cancelled.Status)
	assert.Equal(t, models.FailureReasonCancelled, cancelled.FailureReason)
	assert.Nil(t, cancelled.TimeoutAt)

	_, err = f.automation.CancelInstance(ctx, "tenant-1", id)
	assert.True(t, services.IsConflictError(err))

	due, err := f.store.DueForTimeout(ctx, f.now.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestParseMatchPolicy(t *testing.T) {
	policy, err := services.ParseMatchPolicy("")
	require.NoError(t, err)
	assert.Equal(t, services.MatchPolicyFirst, policy)

	policy, err = services.ParseMatchPolicy(" ALL ")
	require.NoError(t, err)
	assert.Equal(t, services.MatchPolicyAll, policy)

	_, err = services.ParseMatchPolicy("random")
	assert.True(t, services.IsValidationError(err))
}

func welcomeFlow() *models.Flow {
	return testutil.CreateTestFlow([]models.Node{testutil.SendText("welcome", "Welcome!", "")},
		testutil.WithFlowID("welcome"), testutil.WithTrigger(testutil.Contains("content.text", "hello")))
}

func TestAutomation_RedeliveredMessageSendsOnce(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	f.save(t, welcomeFlow())
	message := testutil.TextMessage(testutil.CreateTestContact(), "hello")

	results, err := f.automation.HandleInbound(ctx, message)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.InstanceStatusCompleted, results[0].Instance.Status)
	assert.Equal(t, results[0].Instance.ID, results[0].Actions[0].InstanceID)

	results, err = f.automation.HandleInbound(ctx, message)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, []string{"Welcome!"}, f.dispatcher.Texts())

	count, err := promtestutil.GatherAndCount(f.metrics.Registry(), "chatflow_store_conflicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A different message is a new trigger.
	_, err = f.automation.HandleInbound(ctx, testutil.TextMessage(message.Contact, "hello again"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Welcome!", "Welcome!"}, f.dispatcher.Texts())
}

func TestAutomation_ConcurrentDuplicateDeliveriesSendOnce(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	f.save(t, welcomeFlow())
	message := testutil.TextMessage(testutil.CreateTestContact(), "hello")

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := f.automation.HandleInbound(ctx, message)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, []string{"Welcome!"}, f.dispatcher.Texts())
}

func TestAutomation_RedeliveredTriggerDoesNotResumeItsOwnWait(t *testing.T) {
	ctx := context.Background()
	f := newAutomationFixture(t)
	f.save(t, qualificationFlow())
	message := testutil.TextMessage(testutil.CreateTestContact(), "pricing please")

	_, err := f.automation.HandleInbound(ctx, message)
	require.NoError(t, err)

	results, err := f.automation.HandleInbound(ctx, message)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, []string{"Hi Maria, want a demo?"}, f.dispatcher.Texts())

	active, err := f.automation.ActiveInstances(ctx, message.TenantID, message.ContactID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.InstanceStatusWaitingForReply, active[0].Status)
	assert.Equal(t, "wait", active[0].CurrentNodeID)
}

func TestAutomation_RedeliveryAfterPartialStartSkipsCommittedFlows(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trigger := testutil.WithTrigger(testutil.Contains("content.text", "promo"))

	f := newAutomationFixture(t)
	f.save(t,
		testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "first", "")},
			testutil.WithFlowID("earlier"), trigger, testutil.CreatedAt(base)),
		testutil.CreateTestFlow([]models.Node{testutil.SendText("a", "second", "")},
			testutil.WithFlowID("later"), trigger, testutil.CreatedAt(base.Add(time.Hour))),
	)

	message := testutil.TextMessage(testutil.CreateTestContact(), "promo")

	// The first delivery only got as far as the earliest flow.
	_, err := f.automation.HandleInbound(ctx, message)
	require.NoError(t, err)

	clock := func() time.Time { return f.now }
	retry := services.NewAutomation(quietLogger(), f.store, flow.NewEngine(quietLogger(), flow.WithClock(clock)), f.dispatcher,
		services.WithPublisher(f.bus),
		services.WithClock(clock),
		services.WithMatchPolicy(services.MatchPolicyAll))

	results, err := retry.HandleInbound(ctx, message)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "later", results[0].Instance.FlowID)
	assert.Equal(t, []string{"first", "second"}, f.dispatcher.Texts())
}
