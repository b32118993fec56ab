// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/file"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/persistence/postgresql"
	"github.com/dukex/chatflow/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "memory", "postgres", "postgresql"}

// NewPersistence opens the flow store named by databaseURL. When redisURL is
// set, instances are kept in Redis instead.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, redisURL string) (persistence.Persistence, error) {
	var (
		base persistence.Persistence
		err  error
	)

	switch parsePersistenceProvider(databaseURL) {
	case "memory":
		base = memory.NewPersistence()
	case "postgres", "postgresql":
		base, err = postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}
	default:
		base = file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}

	if redisURL == "" {
		return base, nil
	}

	instances, err := redis.Open(ctx, logger, redisURL)
	if err != nil {
		return nil, errors.Join(err, base.Close(ctx))
	}

	return &splitPersistence{Persistence: base, instances: instances}, nil
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

type instanceStore interface {
	persistence.InstanceRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// splitPersistence serves flows from one backend and instances from another.
type splitPersistence struct {
	persistence.Persistence

	instances instanceStore
}

func (p *splitPersistence) InstanceRepository() persistence.InstanceRepository {
	return p.instances
}

func (p *splitPersistence) HealthCheck(ctx context.Context) error {
	if err := p.Persistence.HealthCheck(ctx); err != nil {
		return err
	}

	if err := p.instances.HealthCheck(ctx); err != nil {
		return fmt.Errorf("instance store: %w", err)
	}

	return nil
}

func (p *splitPersistence) Close(ctx context.Context) error {
	return errors.Join(p.instances.Close(ctx), p.Persistence.Close(ctx))
}
