package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"gopkg.in/yaml.v3"
)

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	root string
	mu   *sync.Mutex
}

func (fr *FlowRepository) dir() string {
	return filepath.Join(fr.root, "flows")
}

// LoadFlowFile decodes a flow definition from a .json, .yaml or .yml file.
func LoadFlowFile(path string) (*models.Flow, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	var flow models.Flow

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(body, &flow)
	default:
		err = json.Unmarshal(body, &flow)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow file %s: %w", path, err)
	}

	if flow.ID == "" {
		flow.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &flow, nil
}

func (fr *FlowRepository) all() ([]*models.Flow, error) {
	entries, err := os.ReadDir(fr.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Flow{}, nil
		}

		return nil, fmt.Errorf("failed to list flow files: %w", err)
	}

	flows := make([]*models.Flow, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		flow, err := LoadFlowFile(filepath.Join(fr.dir(), entry.Name()))
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	models.SortFlows(flows)

	return flows, nil
}

func (fr *FlowRepository) filter(tenantID string, activeOnly bool) ([]*models.Flow, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	all, err := fr.all()
	if err != nil {
		return nil, err
	}

	flows := make([]*models.Flow, 0, len(all))

	for _, flow := range all {
		if flow.TenantID == tenantID && (!activeOnly || flow.Active) {
			flows = append(flows, flow)
		}
	}

	return flows, nil
}

func (fr *FlowRepository) ActiveFlows(_ context.Context, tenantID string) ([]*models.Flow, error) {
	return fr.filter(tenantID, true)
}

func (fr *FlowRepository) Flows(_ context.Context, tenantID string) ([]*models.Flow, error) {
	return fr.filter(tenantID, false)
}

// FlowByID retrieves a flow by its ID from the file system.
func (fr *FlowRepository) FlowByID(_ context.Context, id string) (*models.Flow, error) {
	err := validateID("flow", id)
	if err != nil {
		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(fr.dir(), id+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		return LoadFlowFile(path)
	}

	return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
}

// SaveFlow saves a flow to the file system as JSON.
func (fr *FlowRepository) SaveFlow(_ context.Context, flow *models.Flow) error {
	err := validateID("flow", flow.ID)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", flow.ID, err)
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	err = os.MkdirAll(fr.dir(), 0750)
	if err != nil {
		return fmt.Errorf("failed to create flows directory: %w", err)
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	data, err := json.MarshalIndent(flow, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
	}

	err = writeFileAtomic(filepath.Join(fr.dir(), flow.ID+".json"), data)
	if err != nil {
		return fmt.Errorf("failed to write flow %s: %w", flow.ID, err)
	}

	return nil
}

// DeleteFlow removes every file holding the flow.
func (fr *FlowRepository) DeleteFlow(_ context.Context, id string) error {
	err := validateID("flow", id)
	if err != nil {
		return persistence.NewFlowError("DeleteFlow", id, err)
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	removed := false

	for _, ext := range []string{".json", ".yaml", ".yml"} {
		err := os.Remove(filepath.Join(fr.dir(), id+ext))
		if err == nil {
			removed = true

			continue
		}

		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete flow %s: %w", id, err)
		}
	}

	if !removed {
		return persistence.NewFlowError("DeleteFlow", id, persistence.ErrFlowNotFound)
	}

	return nil
}

// writeFileAtomic writes to a temporary file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	err := os.WriteFile(tmp, data, 0600)
	if err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
