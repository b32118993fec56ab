package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/chatflow/pkg/mocks"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/dukex/chatflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlowsService() (*services.Flows, *memory.Persistence) {
	store := memory.NewPersistence()

	return services.NewFlows(quietLogger(), store.FlowRepository()), store
}

func TestFlows_CreateAssignsIDAndVersion(t *testing.T) {
	ctx := context.Background()
	svc, store := newFlowsService()

	f := qualificationFlow()
	f.ID = ""
	f.Version = 0

	created, warnings, err := svc.Create(ctx, "tenant-9", f)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, "tenant-9", created.TenantID)

	stored, err := store.FlowByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-9", stored.TenantID)

	_, _, err = svc.Create(ctx, "tenant-9", stored)
	assert.True(t, services.IsConflictError(err))
}

func TestFlows_CreateRejectsInvalidDefinition(t *testing.T) {
	svc, _ := newFlowsService()

	f := testutil.CreateTestFlow([]models.Node{testutil.SendText("greet", "hi", "nowhere")})

	_, _, err := svc.Create(context.Background(), "tenant-1", f)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))

	var validationErr *services.FlowValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.NotEmpty(t, validationErr.Report.ErrorMessages())

	short := testutil.CreateTestFlow([]models.Node{testutil.SendText("greet", "hi", "")})
	short.Name = "ab"

	_, _, err = svc.Create(context.Background(), "tenant-1", short)
	assert.True(t, services.IsValidationError(err))
}

func TestFlows_CycleIsAWarning(t *testing.T) {
	svc, _ := newFlowsService()

	f := testutil.CreateTestFlow([]models.Node{
		testutil.SendText("ask", "Still there?", "wait"),
		testutil.WaitForReply("wait", 60, "", "ask"),
	})

	created, warnings, err := svc.Create(context.Background(), "tenant-1", f)
	require.NoError(t, err)
	assert.NotNil(t, created)
	assert.NotEmpty(t, warnings)
}

func TestFlows_UpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFlowsService()

	created, _, err := svc.Create(ctx, "tenant-1", qualificationFlow())
	require.NoError(t, err)

	createdAt := created.CreatedAt

	changed := qualificationFlow()
	changed.Name = "Renamed flow"

	updated, _, err := svc.Update(ctx, "tenant-1", created.ID, changed)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Renamed flow", updated.Name)
	assert.True(t, createdAt.Equal(updated.CreatedAt))

	_, _, err = svc.Update(ctx, "tenant-2", created.ID, qualificationFlow())
	assert.True(t, services.IsNotFoundError(err))
}

func TestFlows_TenantScoping(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFlowsService()

	created, _, err := svc.Create(ctx, "tenant-1", qualificationFlow())
	require.NoError(t, err)

	_, err = svc.Get(ctx, "tenant-2", created.ID)
	assert.True(t, services.IsNotFoundError(err))

	assert.True(t, services.IsNotFoundError(svc.Delete(ctx, "tenant-2", created.ID)))

	flows, err := svc.List(ctx, "tenant-2")
	require.NoError(t, err)
	assert.Empty(t, flows)

	flows, err = svc.List(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	_, err = svc.List(ctx, " ")
	assert.True(t, services.IsValidationError(err))

	require.NoError(t, svc.Delete(ctx, "tenant-1", created.ID))

	_, err = svc.Get(ctx, "tenant-1", created.ID)
	assert.True(t, services.IsNotFoundError(err))
}

func TestFlows_SetActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFlowsService()

	created, _, err := svc.Create(ctx, "tenant-1", qualificationFlow())
	require.NoError(t, err)
	require.True(t, created.Active)

	deactivated, err := svc.SetActive(ctx, "tenant-1", created.ID, false)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)
	assert.Equal(t, 2, deactivated.Version)

	same, err := svc.SetActive(ctx, "tenant-1", created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, same.Version)

	activated, err := svc.SetActive(ctx, "tenant-1", created.ID, true)
	require.NoError(t, err)
	assert.True(t, activated.Active)
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()

	msg, ok := services.HealthCheck(ctx, memory.NewPersistence())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", msg)

	_, ok = services.HealthCheck(ctx, nil)
	assert.False(t, ok)

	broken := mocks.NewMockPersistence()
	broken.On("HealthCheck", ctx).Return(errors.New("connection refused"))

	msg, ok = services.HealthCheck(ctx, broken)
	assert.False(t, ok)
	assert.Contains(t, msg, "connection refused")
}

func TestServiceError(t *testing.T) {
	err := services.NewValidationError("Create", "EMPTY_NAME", "name is required", services.ErrInvalidRequest)

	assert.Equal(t, "Create: name is required", err.Error())
	assert.True(t, errors.Is(err, services.ErrInvalidRequest))
	assert.True(t, services.IsValidationError(err))
	assert.False(t, services.IsConflictError(err))

}
