package redis

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, opts ...Option) (*InstanceStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewInstanceStore(client, logger, opts...), mr
}

func waiting(id, flowID string, timeoutAt time.Time) *models.Instance {
	since := timeoutAt.Add(-time.Minute)

	return &models.Instance{
		ID:            id,
		TenantID:      "tenant-1",
		ContactID:     "contact-1",
		FlowID:        flowID,
		Status:        models.InstanceStatusWaitingForReply,
		CurrentNodeID: "wait",
		WaitingSince:  &since,
		TimeoutAt:     &timeoutAt,
		CreatedAt:     since,
		UpdatedAt:     since,
	}
}

func TestInstanceStore_CreateIfAbsent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	timeoutAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	created, err := store.CreateIfAbsent(ctx, waiting("i-1", "flow-1", timeoutAt))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	existing, err := store.CreateIfAbsent(ctx, waiting("i-2", "flow-1", timeoutAt))
	require.ErrorIs(t, err, persistence.ErrInstanceAlreadyExists)
	assert.Equal(t, "i-1", existing.ID)

	_, err = store.CreateIfAbsent(ctx, waiting("i-3", "flow-2", timeoutAt))
	require.NoError(t, err)

	found, err := store.FindActive(ctx, "tenant-1", "contact-1", "flow-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "i-1", found.ID)

	active, err := store.ActiveByContact(ctx, "tenant-1", "contact-1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	_, err = store.InstanceByID(ctx, "i-2")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestInstanceStore_ConcurrentCreateHasOneWinner(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			instance := waiting("race-"+string(rune('a'+i)), "flow-1", time.Now().Add(time.Minute))
			if _, err := store.CreateIfAbsent(ctx, instance); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestInstanceStore_SaveReleasesSlot(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	timeoutAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	created, err := store.CreateIfAbsent(ctx, waiting("i-1", "flow-1", timeoutAt))
	require.NoError(t, err)

	stale := created.Clone()

	completedAt := timeoutAt.Add(time.Second)
	created.Status = models.InstanceStatusCompleted
	created.WaitingSince = nil
	created.TimeoutAt = nil
	created.CompletedAt = &completedAt

	require.NoError(t, store.Save(ctx, created))
	assert.Equal(t, int64(2), created.Version)

	require.ErrorIs(t, store.Save(ctx, stale), persistence.ErrInstanceVersionConflict)

	found, err := store.FindActive(ctx, "tenant-1", "contact-1", "flow-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	active, err := store.ActiveByContact(ctx, "tenant-1", "contact-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	due, err := store.DueForTimeout(ctx, timeoutAt.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = store.CreateIfAbsent(ctx, waiting("i-2", "flow-1", timeoutAt))
	require.NoError(t, err)

	missing := waiting("nope", "flow-9", timeoutAt)
	require.ErrorIs(t, store.Save(ctx, missing), persistence.ErrInstanceNotFound)
}

func TestInstanceStore_DueForTimeout(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, flowID := range []string{"flow-1", "flow-2", "flow-3"} {
		_, err := store.CreateIfAbsent(ctx, waiting("i-"+flowID, flowID, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	due, err := store.DueForTimeout(ctx, base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "i-flow-1", due[0].ID)
	assert.Equal(t, "i-flow-2", due[1].ID)

	due, err = store.DueForTimeout(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestInstanceStore_TerminalTTL(t *testing.T) {
	store, mr := setupStore(t, WithTerminalTTL(time.Hour), WithPrefix("test"))
	ctx := context.Background()

	created, err := store.CreateIfAbsent(ctx, waiting("i-1", "flow-1", time.Now().Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:instance:i-1"))

	created.Status = models.InstanceStatusFailed
	created.FailureReason = models.FailureReasonCancelled
	created.TimeoutAt = nil
	require.NoError(t, store.Save(ctx, created))

	mr.FastForward(2 * time.Hour)

	_, err = store.InstanceByID(ctx, "i-1")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestInstanceStore_HealthCheck(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.HealthCheck(ctx))

	mr.Close()

	assert.Error(t, store.HealthCheck(ctx))
}

func TestInstanceStore_CreateIfAbsentRejectsReusedID(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	timeoutAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	done := waiting("i-1", "flow-1", timeoutAt)
	done.Status = models.InstanceStatusCompleted
	done.WaitingSince = nil
	done.TimeoutAt = nil

	_, err := store.CreateIfAbsent(ctx, done)
	require.NoError(t, err)

	existing, err := store.CreateIfAbsent(ctx, waiting("i-1", "flow-1", timeoutAt))
	require.ErrorIs(t, err, persistence.ErrInstanceAlreadyExists)
	require.NotNil(t, existing)
	assert.Equal(t, models.InstanceStatusCompleted, existing.Status)

	found, err := store.FindActive(ctx, "tenant-1", "contact-1", "flow-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}
