package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) SaveWorkflow(ctx context.Context, w *domain.WorkflowState) error {
	stages, err := json.Marshal(w.Stages)
	if err != nil {
		return fmt.Errorf("marshaling stages: %w", err)
	}
	wfErrors := w.Errors
	if wfErrors == nil {
		wfErrors = []domain.WorkflowError{}
	}
	errs, err := json.Marshal(wfErrors)
	if err != nil {
		return fmt.Errorf("marshaling errors: %w", err)
	}
	terms, err := json.Marshal(w.Terms)
	if err != nil {
		return fmt.Errorf("marshaling terms: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (assignment_id, current_stage, stages, errors, terms, blocked_by, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (assignment_id) DO UPDATE SET
			current_stage = EXCLUDED.current_stage,
			stages = EXCLUDED.stages,
			errors = EXCLUDED.errors,
			terms = EXCLUDED.terms,
			blocked_by = EXCLUDED.blocked_by,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`, w.AssignmentID, w.CurrentStage, stages, errs, terms, w.BlockedBy, w.StartedAt, w.CompletedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting workflow: %w", err)
	}
	return nil
}

const workflowColumns = `assignment_id, current_stage, stages, errors, terms, blocked_by, started_at, completed_at, updated_at`

func scanWorkflow(row pgx.Row) (*domain.WorkflowState, error) {
	var (
		w                   domain.WorkflowState
		stages, errs, terms []byte
		completedAt         *time.Time
	)
	err := row.Scan(&w.AssignmentID, &w.CurrentStage, &stages, &errs, &terms, &w.BlockedBy, &w.StartedAt, &completedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.CompletedAt = completedAt
	if err := json.Unmarshal(stages, &w.Stages); err != nil {
		return nil, fmt.Errorf("decoding stages: %w", err)
	}
	if err := json.Unmarshal(errs, &w.Errors); err != nil {
		return nil, fmt.Errorf("decoding errors: %w", err)
	}
	if err := json.Unmarshal(terms, &w.Terms); err != nil {
		return nil, fmt.Errorf("decoding terms: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, assignmentID string) (*domain.WorkflowState, error) {
	w, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE assignment_id = $1`, assignmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying workflow: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]domain.WorkflowState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("querying workflows: %w", err)
	}
	defer rows.Close()

	workflows := []domain.WorkflowState{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		workflows = append(workflows, *w)
	}
	return workflows, rows.Err()
}
