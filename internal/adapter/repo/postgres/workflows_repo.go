package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/botfleet/orchestrator/internal/domain"
)

// WorkflowRepo stores workflow definitions. It also serves as the
// scheduler's workflow resolver.
type WorkflowRepo struct{ Pool PgxPool }

// NewWorkflowRepo constructs a WorkflowRepo with the given pool.
func NewWorkflowRepo(p PgxPool) *WorkflowRepo { return &WorkflowRepo{Pool: p} }

// Save inserts or updates a workflow, bumping version on update.
func (r *WorkflowRepo) Save(ctx domain.Context, w domain.Workflow) (string, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	q := `INSERT INTO workflows (id, name, definition, version, created_at, updated_at)
		VALUES ($1, $2, $3, 1, now(), now())
		ON CONFLICT (id) DO UPDATE SET
		  name = EXCLUDED.name,
		  definition = EXCLUDED.definition,
		  version = workflows.version + 1,
		  updated_at = now()`
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, q, w.ID, w.Name, []byte(w.Definition))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=workflows.save: %w", err)
	}
	return w.ID, nil
}

// Get loads one workflow.
func (r *WorkflowRepo) Get(ctx domain.Context, id string) (domain.Workflow, error) {
	var w domain.Workflow
	err := withRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx,
			`SELECT id, name, definition, version, created_at, updated_at FROM workflows WHERE id = $1`, id)
		err := row.Scan(&w.ID, &w.Name, &w.Definition, &w.Version, &w.CreatedAt, &w.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("op=workflows.get: %w", err)
	}
	return w, nil
}

// List returns all workflows, newest first.
func (r *WorkflowRepo) List(ctx domain.Context, limit, offset int) ([]domain.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Workflow
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx,
			`SELECT id, name, definition, version, created_at, updated_at FROM workflows
			ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var w domain.Workflow
			if err := rows.Scan(&w.ID, &w.Name, &w.Definition, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
				return err
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=workflows.list: %w", err)
	}
	return out, nil
}

// Delete removes a workflow.
func (r *WorkflowRepo) Delete(ctx domain.Context, id string) error {
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=workflows.delete: %w", err)
	}
	return nil
}

// Resolve implements the scheduler's workflow lookup.
func (r *WorkflowRepo) Resolve(ctx context.Context, workflowID string) (string, json.RawMessage, error) {
	w, err := r.Get(ctx, workflowID)
	if err != nil {
		return "", nil, err
	}
	return w.Name, w.Definition, nil
}
