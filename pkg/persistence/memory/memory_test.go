package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstance(id string, status models.InstanceStatus) *models.Instance {
	return &models.Instance{
		ID:        id,
		TenantID:  "tenant-1",
		ContactID: "contact-1",
		FlowID:    "flow-1",
		Status:    status,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateIfAbsent_RejectsSecondActiveInstance(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	created, err := p.CreateIfAbsent(ctx, newInstance("i-1", models.InstanceStatusWaitingForReply))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	existing, err := p.CreateIfAbsent(ctx, newInstance("i-2", models.InstanceStatusRunning))
	require.ErrorIs(t, err, persistence.ErrInstanceAlreadyExists)
	assert.Equal(t, "i-1", existing.ID)

	_, err = p.InstanceByID(ctx, "i-2")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestCreateIfAbsent_ConcurrentCreatesOneWinner(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)

	for i := range 20 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			inst := newInstance(string(rune('a'+i)), models.InstanceStatusWaitingForReply)

			_, err := p.CreateIfAbsent(ctx, inst)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestCreateIfAbsent_TerminalInstancesDoNotHoldTheSlot(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	_, err := p.CreateIfAbsent(ctx, newInstance("i-1", models.InstanceStatusCompleted))
	require.NoError(t, err)

	found, err := p.FindActive(ctx, "tenant-1", "contact-1", "flow-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = p.CreateIfAbsent(ctx, newInstance("i-2", models.InstanceStatusWaitingForReply))
	require.NoError(t, err)
}

func TestSave_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	created, err := p.CreateIfAbsent(ctx, newInstance("i-1", models.InstanceStatusWaitingForReply))
	require.NoError(t, err)

	first := created.Clone()
	stale := created.Clone()

	first.Status = models.InstanceStatusCompleted
	require.NoError(t, p.Save(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	stale.Status = models.InstanceStatusFailed
	err = p.Save(ctx, stale)
	require.ErrorIs(t, err, persistence.ErrInstanceVersionConflict)

	stored, err := p.InstanceByID(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, stored.Status)

	found, err := p.FindActive(ctx, "tenant-1", "contact-1", "flow-1")
	require.NoError(t, err)
	assert.Nil(t, found, "completed instance releases the slot")

	err = p.Save(ctx, newInstance("unknown", models.InstanceStatusRunning))
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestDueForTimeout(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{-2 * time.Minute, -time.Minute, 0, time.Minute} {
		inst := newInstance(string(rune('a'+i)), models.InstanceStatusWaitingForReply)
		inst.FlowID = inst.ID
		timeoutAt := now.Add(offset)
		inst.TimeoutAt = &timeoutAt

		_, err := p.CreateIfAbsent(ctx, inst)
		require.NoError(t, err)
	}

	due, err := p.DueForTimeout(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{due[0].ID, due[1].ID, due[2].ID})

	limited, err := p.DueForTimeout(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFlows(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	active := &models.Flow{ID: "f-1", TenantID: "tenant-1", Active: true}
	inactive := &models.Flow{ID: "f-2", TenantID: "tenant-1"}
	other := &models.Flow{ID: "f-3", TenantID: "tenant-2", Active: true}

	for _, f := range []*models.Flow{active, inactive, other} {
		require.NoError(t, p.SaveFlow(ctx, f))
		assert.False(t, f.CreatedAt.IsZero())
	}

	flows, err := p.ActiveFlows(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "f-1", flows[0].ID)

	all, err := p.Flows(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, p.DeleteFlow(ctx, "f-1"))

	_, err = p.FlowByID(ctx, "f-1")
	require.ErrorIs(t, err, persistence.ErrFlowNotFound)
	require.ErrorIs(t, p.DeleteFlow(ctx, "f-1"), persistence.ErrFlowNotFound)
}

func TestCreateIfAbsent_RejectsReusedID(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	_, err := p.CreateIfAbsent(ctx, newInstance("i-1", models.InstanceStatusCompleted))
	require.NoError(t, err)

	existing, err := p.CreateIfAbsent(ctx, newInstance("i-1", models.InstanceStatusWaitingForReply))
	require.ErrorIs(t, err, persistence.ErrInstanceAlreadyExists)
	assert.Equal(t, models.InstanceStatusCompleted, existing.Status)

	found, err := p.FindActive(ctx, "tenant-1", "contact-1", "flow-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}
