// Package persistence provides the storage abstraction for flows and execution instances.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/chatflow/pkg/models"
)

// FlowRepository stores flow definitions.
type FlowRepository interface {
	// ActiveFlows returns the tenant's active flows in definition order.
	ActiveFlows(ctx context.Context, tenantID string) ([]*models.Flow, error)
	// FlowByID returns ErrFlowNotFound when the flow does not exist.
	FlowByID(ctx context.Context, id string) (*models.Flow, error)
	Flows(ctx context.Context, tenantID string) ([]*models.Flow, error)
	SaveFlow(ctx context.Context, flow *models.Flow) error
	DeleteFlow(ctx context.Context, id string) error
}

// InstanceRepository stores execution instances.
//
// At most one active instance exists per (tenant, contact, flow). CreateIfAbsent
// enforces it atomically and Save guards updates with a compare-and-swap on
// Instance.Version.
type InstanceRepository interface {
	// FindActive returns nil, nil when the contact has no active instance of the flow.
	FindActive(ctx context.Context, tenantID, contactID, flowID string) (*models.Instance, error)
	ActiveByContact(ctx context.Context, tenantID, contactID string) ([]*models.Instance, error)
	// CreateIfAbsent stores instance unless an active one already holds its key
	// or an instance with the same ID exists, in which case that instance and
	// ErrInstanceAlreadyExists are returned.
	CreateIfAbsent(ctx context.Context, instance *models.Instance) (*models.Instance, error)
	// Save persists instance when its Version matches the stored one and
	// increments Version. A stale write returns ErrInstanceVersionConflict.
	Save(ctx context.Context, instance *models.Instance) error
	InstanceByID(ctx context.Context, id string) (*models.Instance, error)
	// DueForTimeout returns waiting instances whose TimeoutAt is at or before now.
	DueForTimeout(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error)
}

// Persistence bundles the repositories of one backend.
type Persistence interface {
	FlowRepository() FlowRepository
	InstanceRepository() InstanceRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ActiveKey is the uniqueness key of active instances.
func ActiveKey(tenantID, contactID, flowID string) string {
	return tenantID + "/" + contactID + "/" + flowID
}
