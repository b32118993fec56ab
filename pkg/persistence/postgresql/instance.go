package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

const instanceColumns = `
			id
		  , tenant_id
		  , contact_id
		  , flow_id
		  , flow_version
		  , status
		  , current_node_id
		  , waiting_since
		  , timeout_at
		  , variables
		  , last_inbound
		  , failure_reason
		  , error
		  , version
		  , created_at
		  , updated_at
		  , completed_at`

// InstanceRepository handles execution instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		instance      models.Instance
		waitingSince  sql.NullTime
		timeoutAt     sql.NullTime
		completedAt   sql.NullTime
		variablesJSON []byte
		inboundJSON   []byte
	)

	err := row.Scan(
		&instance.ID,
		&instance.TenantID,
		&instance.ContactID,
		&instance.FlowID,
		&instance.FlowVersion,
		&instance.Status,
		&instance.CurrentNodeID,
		&waitingSince,
		&timeoutAt,
		&variablesJSON,
		&inboundJSON,
		&instance.FailureReason,
		&instance.Error,
		&instance.Version,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.WaitingSince = nullTime(waitingSince)
	instance.TimeoutAt = nullTime(timeoutAt)
	instance.CompletedAt = nullTime(completedAt)

	err = json.Unmarshal(variablesJSON, &instance.Variables)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables of instance %s: %w", instance.ID, err)
	}

	if len(inboundJSON) > 0 {
		err = json.Unmarshal(inboundJSON, &instance.LastInbound)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal last inbound of instance %s: %w", instance.ID, err)
		}
	}

	return &instance, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time.UTC()

	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}

func instanceArgs(instance *models.Instance) ([]any, error) {
	variables := instance.Variables
	if variables == nil {
		variables = map[string]any{}
	}

	variablesJSON, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	var inbound any

	if instance.LastInbound != nil {
		inboundJSON, err := json.Marshal(instance.LastInbound)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal last inbound: %w", err)
		}

		inbound = inboundJSON
	}

	return []any{
		instance.ID,
		instance.TenantID,
		instance.ContactID,
		instance.FlowID,
		instance.FlowVersion,
		instance.Status,
		instance.CurrentNodeID,
		timeArg(instance.WaitingSince),
		timeArg(instance.TimeoutAt),
		variablesJSON,
		inbound,
		instance.FailureReason,
		instance.Error,
		instance.Version,
		instance.CreatedAt,
		instance.UpdatedAt,
		timeArg(instance.CompletedAt),
	}, nil
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.Instance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func (r *InstanceRepository) FindActive(ctx context.Context, tenantID, contactID, flowID string) (*models.Instance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+instanceColumns+`
		FROM flow_instances
		WHERE tenant_id = $1 AND contact_id = $2 AND flow_id = $3
		  AND status IN ('running', 'waiting_for_reply')`, tenantID, contactID, flowID)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) ActiveByContact(ctx context.Context, tenantID, contactID string) ([]*models.Instance, error) {
	return r.query(ctx, `SELECT`+instanceColumns+`
		FROM flow_instances
		WHERE tenant_id = $1 AND contact_id = $2
		  AND status IN ('running', 'waiting_for_reply')
		ORDER BY created_at, id`, tenantID, contactID)
}

// CreateIfAbsent inserts the instance unless the partial unique index on
// active instances already holds its key.
func (r *InstanceRepository) CreateIfAbsent(ctx context.Context, instance *models.Instance) (*models.Instance, error) {
	instance.Version = 1

	args, err := instanceArgs(instance)
	if err != nil {
		return nil, err
	}

	// The NOT EXISTS guard covers terminal inserts, which the partial index ignores.
	query := `
		INSERT INTO flow_instances (` + instanceColumns + `)
		SELECT $1::varchar, $2::varchar, $3::varchar, $4::varchar, $5::integer, $6::varchar, $7::varchar,
			$8::timestamptz, $9::timestamptz, $10::jsonb, $11::jsonb, $12::varchar, $13::text,
			$14::bigint, $15::timestamptz, $16::timestamptz, $17::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM flow_instances
			WHERE tenant_id = $2 AND contact_id = $3 AND flow_id = $4
			  AND status IN ('running', 'waiting_for_reply')
		)
		ON CONFLICT DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance %s: %w", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		existing, err := r.FindActive(ctx, instance.TenantID, instance.ContactID, instance.FlowID)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			// The primary key rejected a reused id.
			existing, err = r.InstanceByID(ctx, instance.ID)
			if err != nil {
				return nil, err
			}
		}

		return existing, persistence.ErrInstanceAlreadyExists
	}

	return instance.Clone(), nil
}

// Save updates the instance when its version matches and bumps the version.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.Instance) error {
	args, err := instanceArgs(instance)
	if err != nil {
		return err
	}

	query := `
		UPDATE flow_instances SET
			tenant_id = $2,
			contact_id = $3,
			flow_id = $4,
			flow_version = $5,
			status = $6,
			current_node_id = $7,
			waiting_since = $8,
			timeout_at = $9,
			variables = $10,
			last_inbound = $11,
			failure_reason = $12,
			error = $13,
			version = $14 + 1,
			created_at = $15,
			updated_at = $16,
			completed_at = $17
		WHERE id = $1 AND version = $14
	`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM flow_instances WHERE id = $1)", instance.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check instance %s: %w", instance.ID, err)
		}

		if !exists {
			return persistence.NewInstanceError("Save", instance.ID, persistence.ErrInstanceNotFound)
		}

		return persistence.NewInstanceError("Save", instance.ID, persistence.ErrInstanceVersionConflict)
	}

	instance.Version++

	return nil
}

func (r *InstanceRepository) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+instanceColumns+`
		FROM flow_instances
		WHERE id = $1`, id)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("InstanceByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	if limit <= 0 {
		limit = 1000
	}

	return r.query(ctx, `SELECT`+instanceColumns+`
		FROM flow_instances
		WHERE status = 'waiting_for_reply' AND timeout_at <= $1
		ORDER BY timeout_at, id
		LIMIT $2`, now, limit)
}
