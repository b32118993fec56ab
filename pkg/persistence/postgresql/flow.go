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

const flowColumns = `
			id
		  , tenant_id
		  , name
		  , description
		  , version
		  , active
		  , trigger_clauses
		  , nodes
		  , entry_node_id
		  , created_at
		  , updated_at`

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow        models.Flow
		triggerJSON []byte
		nodesJSON   []byte
	)

	err := row.Scan(
		&flow.ID,
		&flow.TenantID,
		&flow.Name,
		&flow.Description,
		&flow.Version,
		&flow.Active,
		&triggerJSON,
		&nodesJSON,
		&flow.EntryNodeID,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(triggerJSON, &flow.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger of flow %s: %w", flow.ID, err)
	}

	err = json.Unmarshal(nodesJSON, &flow.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes of flow %s: %w", flow.ID, err)
	}

	return &flow, nil
}

func (r *FlowRepository) query(ctx context.Context, query string, args ...any) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

// ActiveFlows returns the tenant's active flows in definition order.
func (r *FlowRepository) ActiveFlows(ctx context.Context, tenantID string) ([]*models.Flow, error) {
	return r.query(ctx, `SELECT`+flowColumns+`
		FROM flows
		WHERE tenant_id = $1 AND active
		ORDER BY created_at, id`, tenantID)
}

func (r *FlowRepository) Flows(ctx context.Context, tenantID string) ([]*models.Flow, error) {
	return r.query(ctx, `SELECT`+flowColumns+`
		FROM flows
		WHERE tenant_id = $1
		ORDER BY created_at, id`, tenantID)
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+flowColumns+`
		FROM flows
		WHERE id = $1`, id)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

// SaveFlow upserts a flow.
func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	trigger := flow.Trigger
	if trigger == nil {
		trigger = []models.Clause{}
	}

	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	query := `
		INSERT INTO flows (id, tenant_id, name, description, version, active, trigger_clauses, nodes, entry_node_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			active = EXCLUDED.active,
			trigger_clauses = EXCLUDED.trigger_clauses,
			nodes = EXCLUDED.nodes,
			entry_node_id = EXCLUDED.entry_node_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		flow.ID,
		flow.TenantID,
		flow.Name,
		flow.Description,
		flow.Version,
		flow.Active,
		triggerJSON,
		nodesJSON,
		flow.EntryNodeID,
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) DeleteFlow(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM flows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewFlowError("DeleteFlow", id, persistence.ErrFlowNotFound)
	}

	return nil
}
