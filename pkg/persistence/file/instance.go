package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// InstanceRepository handles execution instance file operations.
type InstanceRepository struct {
	root string
	mu   *sync.Mutex
}

func (ir *InstanceRepository) dir() string {
	return filepath.Join(ir.root, "instances")
}

func (ir *InstanceRepository) read(id string) (*models.Instance, error) {
	body, err := os.ReadFile(filepath.Join(ir.dir(), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewInstanceError("InstanceByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to fetch instance %s: %w", id, err)
	}

	var instance models.Instance

	err = json.Unmarshal(body, &instance)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance %s: %w", id, err)
	}

	return &instance, nil
}

func (ir *InstanceRepository) write(instance *models.Instance) error {
	err := os.MkdirAll(ir.dir(), 0750)
	if err != nil {
		return fmt.Errorf("failed to create instances directory: %w", err)
	}

	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", instance.ID, err)
	}

	err = writeFileAtomic(filepath.Join(ir.dir(), instance.ID+".json"), data)
	if err != nil {
		return fmt.Errorf("failed to write instance %s: %w", instance.ID, err)
	}

	return nil
}

func (ir *InstanceRepository) scan(keep func(*models.Instance) bool) ([]*models.Instance, error) {
	entries, err := os.ReadDir(ir.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Instance{}, nil
		}

		return nil, fmt.Errorf("failed to list instance files: %w", err)
	}

	instances := make([]*models.Instance, 0)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		instance, err := ir.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}

		if keep(instance) {
			instances = append(instances, instance)
		}
	}

	return instances, nil
}

func (ir *InstanceRepository) findActive(tenantID, contactID, flowID string) (*models.Instance, error) {
	found, err := ir.scan(func(i *models.Instance) bool {
		return i.IsActive() && i.TenantID == tenantID && i.ContactID == contactID && i.FlowID == flowID
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}

	return found[0], nil
}

func (ir *InstanceRepository) FindActive(_ context.Context, tenantID, contactID, flowID string) (*models.Instance, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	return ir.findActive(tenantID, contactID, flowID)
}

func (ir *InstanceRepository) ActiveByContact(_ context.Context, tenantID, contactID string) ([]*models.Instance, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	instances, err := ir.scan(func(i *models.Instance) bool {
		return i.IsActive() && i.TenantID == tenantID && i.ContactID == contactID
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(instances, func(a, b int) bool {
		return instances[a].CreatedAt.Before(instances[b].CreatedAt)
	})

	return instances, nil
}

func (ir *InstanceRepository) CreateIfAbsent(_ context.Context, instance *models.Instance) (*models.Instance, error) {
	err := validateID("instance", instance.ID)
	if err != nil {
		return nil, persistence.NewInstanceError("CreateIfAbsent", instance.ID, err)
	}

	ir.mu.Lock()
	defer ir.mu.Unlock()

	existing, err := ir.findActive(instance.TenantID, instance.ContactID, instance.FlowID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		return existing, persistence.ErrInstanceAlreadyExists
	}

	stored, err := ir.read(instance.ID)
	if err == nil {
		return stored, persistence.ErrInstanceAlreadyExists
	}

	if !persistence.IsInstanceNotFound(err) {
		return nil, err
	}

	instance.Version = 1

	err = ir.write(instance)
	if err != nil {
		return nil, err
	}

	return instance.Clone(), nil
}

func (ir *InstanceRepository) Save(_ context.Context, instance *models.Instance) error {
	err := validateID("instance", instance.ID)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, err)
	}

	ir.mu.Lock()
	defer ir.mu.Unlock()

	stored, err := ir.read(instance.ID)
	if err != nil {
		return err
	}

	if stored.Version != instance.Version {
		return persistence.NewInstanceError("Save", instance.ID, persistence.ErrInstanceVersionConflict)
	}

	instance.Version++

	err = ir.write(instance)
	if err != nil {
		instance.Version--

		return err
	}

	return nil
}

func (ir *InstanceRepository) InstanceByID(_ context.Context, id string) (*models.Instance, error) {
	err := validateID("instance", id)
	if err != nil {
		return nil, persistence.NewInstanceError("InstanceByID", id, err)
	}

	ir.mu.Lock()
	defer ir.mu.Unlock()

	return ir.read(id)
}

func (ir *InstanceRepository) DueForTimeout(_ context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	due, err := ir.scan(func(i *models.Instance) bool {
		return i.IsWaiting() && i.TimeoutAt != nil && !i.TimeoutAt.After(now)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(a, b int) bool {
		return due[a].TimeoutAt.Before(*due[b].TimeoutAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}
