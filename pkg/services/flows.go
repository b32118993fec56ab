package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/flow"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Flows manages a tenant's flow definitions. Every save runs the validator;
// definition errors reject the save and warnings are returned to the caller.
type Flows struct {
	logger    *slog.Logger
	repo      persistence.FlowRepository
	validator *validator.Validate
	now       func() time.Time
}

func NewFlows(logger *slog.Logger, repo persistence.FlowRepository) *Flows {
	return &Flows{
		logger:    logger.With("module", "flows_service"),
		repo:      repo,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Flows) List(ctx context.Context, tenantID string) ([]*models.Flow, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, NewValidationError("List", "EMPTY_TENANT", "tenant id cannot be empty", ErrInvalidRequest)
	}

	flows, err := s.repo.Flows(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	return flows, nil
}

// Get returns ErrFlowNotFound for flows of other tenants.
func (s *Flows) Get(ctx context.Context, tenantID, id string) (*models.Flow, error) {
	f, err := s.repo.FlowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if f.TenantID != tenantID {
		return nil, persistence.NewFlowError("Get", id, ErrFlowNotFound)
	}

	return f, nil
}

// Validate checks a definition without saving it.
func (s *Flows) Validate(f *models.Flow) flow.ValidationReport {
	report := flow.Validate(f)

	if f != nil {
		if err := s.validator.Struct(f); err != nil {
			var fieldErrors validator.ValidationErrors
			if errors.As(err, &fieldErrors) {
				for _, fe := range fieldErrors {
					report.Errors = append(report.Errors,
						fmt.Errorf("%w: field %s failed on %s", ErrInvalidFlow, fe.Namespace(), fe.Tag()))
				}
			} else {
				report.Errors = append(report.Errors, err)
			}
		}
	}

	return report
}

// Create stores a new flow at version 1. An empty id is assigned a uuid.
func (s *Flows) Create(ctx context.Context, tenantID string, f *models.Flow) (*models.Flow, []string, error) {
	if f == nil {
		return nil, nil, ErrInvalidRequest
	}

	f.TenantID = tenantID

	if f.ID == "" {
		f.ID = uuid.New().String()
	} else if _, err := s.repo.FlowByID(ctx, f.ID); err == nil {
		return nil, nil, persistence.NewFlowError("Create", f.ID, ErrFlowExists)
	} else if !persistence.IsFlowNotFound(err) {
		return nil, nil, fmt.Errorf("failed to check flow: %w", err)
	}

	report := s.Validate(f)
	if !report.Valid() {
		return nil, report.Warnings, &FlowValidationError{Report: report}
	}

	now := s.now()
	f.Version = 1
	f.CreatedAt = now
	f.UpdatedAt = now

	if err := s.repo.SaveFlow(ctx, f); err != nil {
		return nil, nil, fmt.Errorf("failed to save flow: %w", err)
	}

	s.logger.InfoContext(ctx, "Flow created", "flow_id", f.ID, "tenant_id", tenantID, "warnings", len(report.Warnings))

	return f, report.Warnings, nil
}

// Update replaces the definition and bumps the version. Instances already
// running keep walking the new definition; a waiting node that disappeared
// fails them with dangling_reference on resume.
func (s *Flows) Update(ctx context.Context, tenantID, id string, f *models.Flow) (*models.Flow, []string, error) {
	if f == nil {
		return nil, nil, ErrInvalidRequest
	}

	existing, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}

	f.ID = id
	f.TenantID = tenantID

	report := s.Validate(f)
	if !report.Valid() {
		return nil, report.Warnings, &FlowValidationError{Report: report}
	}

	f.Version = existing.Version + 1
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = s.now()

	if err := s.repo.SaveFlow(ctx, f); err != nil {
		return nil, nil, fmt.Errorf("failed to save flow: %w", err)
	}

	s.logger.InfoContext(ctx, "Flow updated", "flow_id", id, "version", f.Version)

	return f, report.Warnings, nil
}

// SetActive toggles the flow. Deactivating lets waiting instances be
// cancelled the next time they resume.
func (s *Flows) SetActive(ctx context.Context, tenantID, id string, active bool) (*models.Flow, error) {
	f, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if f.Active == active {
		return f, nil
	}

	if active {
		if report := flow.Validate(f); !report.Valid() {
			return nil, &FlowValidationError{Report: report}
		}
	}

	f.Active = active
	f.Version++
	f.UpdatedAt = s.now()

	if err := s.repo.SaveFlow(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	s.logger.InfoContext(ctx, "Flow activation changed", "flow_id", id, "active", active)

	return f, nil
}

func (s *Flows) Delete(ctx context.Context, tenantID, id string) error {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return err
	}

	if err := s.repo.DeleteFlow(ctx, id); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Flow deleted", "flow_id", id)

	return nil
}

// HealthCheck reports whether the flow store answers.
func HealthCheck(ctx context.Context, p persistence.Persistence) (string, bool) {
	if p == nil {
		return "Persistence layer not initialized", false
	}

	if err := p.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}
