// Package file provides file-based persistence for flows and execution instances.
//
// Flows live in <root>/flows as JSON; hand-written YAML definitions
// (*.yaml, *.yml) in the same directory are loaded too. Instances live in
// <root>/instances. Writes are serialized by an in-process lock, so a root
// must not be shared by several processes.
package file

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/dukex/chatflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	mu           *sync.Mutex
	flowRepo     *FlowRepository
	instanceRepo *InstanceRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	mu := &sync.Mutex{}

	return &Persistence{
		root:         cleanRoot,
		mu:           mu,
		flowRepo:     &FlowRepository{root: cleanRoot, mu: mu},
		instanceRepo: &InstanceRepository{root: cleanRoot, mu: mu},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) FlowRepository() persistence.FlowRepository {
	return fp.flowRepo
}

func (fp *Persistence) InstanceRepository() persistence.InstanceRepository {
	return fp.instanceRepo
}

// validateID validates that an id is safe to use as a file name.
func validateID(kind, id string) error {
	if id == "" {
		return errors.New(kind + " ID cannot be empty")
	}

	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New(kind + " ID contains invalid characters")
	}

	return nil
}
