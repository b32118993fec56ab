// Package memory provides an in-process persistence backend for tests and the simulator.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// Persistence keeps flows and instances in maps guarded by a single mutex.
type Persistence struct {
	mu        sync.RWMutex
	flows     map[string]*models.Flow
	instances map[string]*models.Instance
	active    map[string]string
}

func NewPersistence() *Persistence {
	return &Persistence{
		flows:     make(map[string]*models.Flow),
		instances: make(map[string]*models.Instance),
		active:    make(map[string]string),
	}
}

func (p *Persistence) FlowRepository() persistence.FlowRepository {
	return p
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return p
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) ActiveFlows(_ context.Context, tenantID string) ([]*models.Flow, error) {
	return p.listFlows(tenantID, true), nil
}

func (p *Persistence) Flows(_ context.Context, tenantID string) ([]*models.Flow, error) {
	return p.listFlows(tenantID, false), nil
}

func (p *Persistence) listFlows(tenantID string, activeOnly bool) []*models.Flow {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flows := make([]*models.Flow, 0)

	for _, flow := range p.flows {
		if flow.TenantID != tenantID || (activeOnly && !flow.Active) {
			continue
		}

		c := *flow
		flows = append(flows, &c)
	}

	models.SortFlows(flows)

	return flows
}

func (p *Persistence) FlowByID(_ context.Context, id string) (*models.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flow, ok := p.flows[id]
	if !ok {
		return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
	}

	c := *flow

	return &c, nil
}

func (p *Persistence) SaveFlow(_ context.Context, flow *models.Flow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	c := *flow
	p.flows[flow.ID] = &c

	return nil
}

func (p *Persistence) DeleteFlow(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.flows[id]; !ok {
		return persistence.NewFlowError("DeleteFlow", id, persistence.ErrFlowNotFound)
	}

	delete(p.flows, id)

	return nil
}

func (p *Persistence) FindActive(_ context.Context, tenantID, contactID, flowID string) (*models.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.activeLocked(persistence.ActiveKey(tenantID, contactID, flowID)).Clone(), nil
}

func (p *Persistence) activeLocked(key string) *models.Instance {
	id, ok := p.active[key]
	if !ok {
		return nil
	}

	instance := p.instances[id]
	if !instance.IsActive() {
		return nil
	}

	return instance
}

func (p *Persistence) ActiveByContact(_ context.Context, tenantID, contactID string) ([]*models.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	instances := make([]*models.Instance, 0)

	for _, instance := range p.instances {
		if instance.TenantID == tenantID && instance.ContactID == contactID && instance.IsActive() {
			instances = append(instances, instance.Clone())
		}
	}

	models.SortInstances(instances)

	return instances, nil
}

func (p *Persistence) CreateIfAbsent(_ context.Context, instance *models.Instance) (*models.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := persistence.ActiveKey(instance.TenantID, instance.ContactID, instance.FlowID)

	if existing := p.activeLocked(key); existing != nil {
		return existing.Clone(), persistence.ErrInstanceAlreadyExists
	}

	if stored, ok := p.instances[instance.ID]; ok {
		return stored.Clone(), persistence.ErrInstanceAlreadyExists
	}

	instance.Version = 1
	p.instances[instance.ID] = instance.Clone()

	if instance.IsActive() {
		p.active[key] = instance.ID
	}

	return instance.Clone(), nil
}

func (p *Persistence) Save(_ context.Context, instance *models.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.instances[instance.ID]
	if !ok {
		return persistence.NewInstanceError("Save", instance.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Version != instance.Version {
		return persistence.NewInstanceError("Save", instance.ID, persistence.ErrInstanceVersionConflict)
	}

	instance.Version++
	p.instances[instance.ID] = instance.Clone()

	key := persistence.ActiveKey(instance.TenantID, instance.ContactID, instance.FlowID)
	if !instance.IsActive() && p.active[key] == instance.ID {
		delete(p.active, key)
	}

	return nil
}

func (p *Persistence) InstanceByID(_ context.Context, id string) (*models.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	instance, ok := p.instances[id]
	if !ok {
		return nil, persistence.NewInstanceError("InstanceByID", id, persistence.ErrInstanceNotFound)
	}

	return instance.Clone(), nil
}

func (p *Persistence) DueForTimeout(_ context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	due := make([]*models.Instance, 0)

	for _, instance := range p.instances {
		if instance.IsWaiting() && instance.TimeoutAt != nil && !instance.TimeoutAt.After(now) {
			due = append(due, instance.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].TimeoutAt.Equal(*due[j].TimeoutAt) {
			return due[i].TimeoutAt.Before(*due[j].TimeoutAt)
		}

		return due[i].ID < due[j].ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}
