package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
)

const workflowColumns = `id, type, signer_address, input, state, current_step, attempt_count,
	       error_code, stall_reason, result, pending_tx_hash, last_reconciled_at,
	       leased_by, lease_expires_at, created_at, updated_at`

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a WorkflowStore backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) WorkflowStore {
	return &postgresStore{pool: pool}
}

// Create inserts a new workflow in CREATED state.
func (s *postgresStore) Create(ctx context.Context, w *models.Workflow) error {
	query := `
		INSERT INTO workflows (id, type, signer_address, input, state, current_step)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.State == "" {
		w.State = models.WorkflowCreated
	}

	return s.pool.QueryRow(ctx, query,
		w.ID,
		string(w.Type),
		string(w.SignerAddress),
		w.Input,
		string(w.State),
		w.CurrentStep,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
}

// Get retrieves a workflow by id.
func (s *postgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	return s.scanWorkflow(s.pool.QueryRow(ctx, query, id))
}

// UpdateState applies a lifecycle transition. The transition is validated
// against the row's current state inside a single UPDATE so concurrent
// writers cannot race a terminal workflow back to life.
func (s *postgresStore) UpdateState(ctx context.Context, id uuid.UUID, newState models.WorkflowState, upd Update) error {
	var resultJSON []byte
	if upd.Result != nil {
		b, err := json.Marshal(upd.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = b
	}

	query := `
		UPDATE workflows SET
			state = $2,
			current_step = COALESCE($3, current_step),
			attempt_count = COALESCE($4, attempt_count),
			error_code = COALESCE($5, error_code),
			stall_reason = COALESCE($6, stall_reason),
			result = COALESCE($7, result),
			pending_tx_hash = COALESCE($8, pending_tx_hash),
			last_reconciled_at = COALESCE($9, last_reconciled_at),
			updated_at = now()
		WHERE id = $1
		  AND state NOT IN ('COMPLETED', 'FAILED')
		  AND (
			(state = 'CREATED' AND $2 = 'RUNNING') OR
			(state = 'RUNNING' AND $2 IN ('RUNNING', 'STALLED', 'COMPLETED', 'FAILED')) OR
			(state = 'STALLED' AND $2 = 'RUNNING')
		  )`

	var pendingTx *string
	if upd.PendingTxHash != nil {
		v := string(*upd.PendingTxHash)
		pendingTx = &v
	}

	tag, err := s.pool.Exec(ctx, query,
		id,
		string(newState),
		upd.CurrentStep,
		upd.AttemptCount,
		upd.ErrorCode,
		upd.StallReason,
		resultJSON,
		pendingTx,
		upd.LastReconciledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.classifyNoRows(ctx, id, newState)
	}
	return nil
}

// classifyNoRows distinguishes missing, terminal, and illegal-transition
// causes after a guarded UPDATE matched nothing.
func (s *postgresStore) classifyNoRows(ctx context.Context, id uuid.UUID, newState models.WorkflowState) error {
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.State.Terminal() {
		return ErrTerminal
	}
	if !validTransition(w.State, newState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, newState)
	}
	return ErrNotFound
}

// ListByState lists workflows in the given state, oldest first.
func (s *postgresStore) ListByState(ctx context.Context, state models.WorkflowState) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE state = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanWorkflows(rows)
}

// List returns a filtered, paginated page of workflows plus the total count.
func (s *postgresStore) List(ctx context.Context, f Filter) ([]*models.Workflow, int64, error) {
	where := " WHERE 1=1"
	args := []any{}
	n := 0
	if f.State != nil {
		n++
		where += fmt.Sprintf(" AND state = $%d", n)
		args = append(args, string(*f.State))
	}
	if f.Type != nil {
		n++
		where += fmt.Sprintf(" AND type = $%d", n)
		args = append(args, string(*f.Type))
	}
	if f.Signer != nil {
		n++
		where += fmt.Sprintf(" AND signer_address = $%d", n)
		args = append(args, string(*f.Signer))
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM workflows"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list, err := s.scanWorkflows(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ListStuck returns non-terminal workflows not updated since olderThan.
func (s *postgresStore) ListStuck(ctx context.Context, olderThan time.Time) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE state NOT IN ('COMPLETED', 'FAILED') AND updated_at < $1
		ORDER BY updated_at`
	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanWorkflows(rows)
}

// CountActive counts workflows that have not reached a terminal state.
func (s *postgresStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflows WHERE state NOT IN ('COMPLETED', 'FAILED')`,
	).Scan(&count)
	return count, err
}

// CountActiveByType counts active workflows of one type.
func (s *postgresStore) CountActiveByType(ctx context.Context, t guard.WorkflowType) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflows WHERE type = $1 AND state NOT IN ('COMPLETED', 'FAILED')`,
		string(t),
	).Scan(&count)
	return count, err
}

// CountActiveBySigner counts active workflows bound to one signer.
func (s *postgresStore) CountActiveBySigner(ctx context.Context, signer guard.SignerAddress) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflows WHERE signer_address = $1 AND state NOT IN ('COMPLETED', 'FAILED')`,
		string(signer),
	).Scan(&count)
	return count, err
}

// SaveStep upserts a step record.
func (s *postgresStore) SaveStep(ctx context.Context, st *models.Step) error {
	query := `
		INSERT INTO workflow_steps (workflow_id, step_name, state, attempt, last_error, output, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id, step_name) DO UPDATE SET
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			last_error = EXCLUDED.last_error,
			output = EXCLUDED.output,
			started_at = COALESCE(workflow_steps.started_at, EXCLUDED.started_at),
			completed_at = EXCLUDED.completed_at`

	_, err := s.pool.Exec(ctx, query,
		st.WorkflowID,
		st.Name,
		string(st.State),
		st.Attempt,
		st.LastError,
		st.Output,
		st.StartedAt,
		st.CompletedAt,
	)
	return err
}

// GetSteps returns all step records for a workflow.
func (s *postgresStore) GetSteps(ctx context.Context, workflowID uuid.UUID) ([]*models.Step, error) {
	query := `
		SELECT workflow_id, step_name, state, attempt, last_error, output, started_at, completed_at
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY started_at NULLS LAST`

	rows, err := s.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		st := &models.Step{}
		var state string
		if err := rows.Scan(&st.WorkflowID, &st.Name, &state, &st.Attempt,
			&st.LastError, &st.Output, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, err
		}
		st.State = models.StepState(state)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// StampReconciled records a reconciliation timestamp without touching state.
// Terminal workflows are immutable, reconciliation stamps included.
func (s *postgresStore) StampReconciled(ctx context.Context, id uuid.UUID, ts time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET last_reconciled_at = $2, updated_at = now()
		 WHERE id = $1 AND state NOT IN ('COMPLETED', 'FAILED')`,
		id, ts,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		w, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if w.State.Terminal() {
			return ErrTerminal
		}
		return ErrNotFound
	}
	return nil
}

// ClaimRunnable leases runnable workflows with SKIP LOCKED so concurrent
// engine instances partition the queue without collisions.
func (s *postgresStore) ClaimRunnable(ctx context.Context, owner string, leaseTTL time.Duration, limit int) ([]*models.Workflow, error) {
	query := `
		WITH claimed AS (
			SELECT id FROM workflows
			WHERE state IN ('CREATED', 'RUNNING')
			  AND (leased_by = '' OR lease_expires_at IS NULL OR lease_expires_at < now())
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workflows w SET
			leased_by = $1,
			lease_expires_at = now() + $2,
			updated_at = now()
		FROM claimed c
		WHERE w.id = c.id
		RETURNING w.id, w.type, w.signer_address, w.input, w.state, w.current_step, w.attempt_count,
			w.error_code, w.stall_reason, w.result, w.pending_tx_hash, w.last_reconciled_at,
			w.leased_by, w.lease_expires_at, w.created_at, w.updated_at`

	rows, err := s.pool.Query(ctx, query, owner, leaseTTL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanWorkflows(rows)
}

// ExtendLease refreshes a lease held by owner.
func (s *postgresStore) ExtendLease(ctx context.Context, id uuid.UUID, owner string, leaseTTL time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET lease_expires_at = now() + $3, updated_at = now()
		 WHERE id = $1 AND leased_by = $2`,
		id, owner, leaseTTL,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease clears a lease held by owner.
func (s *postgresStore) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflows SET leased_by = '', lease_expires_at = NULL, updated_at = now()
		 WHERE id = $1 AND leased_by = $2`,
		id, owner,
	)
	return err
}

func (s *postgresStore) scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	w := &models.Workflow{}
	var typ, signer, state, pendingTx string
	var resultJSON []byte
	err := row.Scan(
		&w.ID, &typ, &signer, &w.Input, &state, &w.CurrentStep, &w.AttemptCount,
		&w.ErrorCode, &w.StallReason, &resultJSON, &pendingTx, &w.LastReconciledAt,
		&w.LeasedBy, &w.LeaseExpiresAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Type = guard.WorkflowType(typ)
	w.SignerAddress = guard.SignerAddress(signer)
	w.State = models.WorkflowState(state)
	w.PendingTxHash = guard.TxHash(pendingTx)
	if len(resultJSON) > 0 {
		w.Result = &models.WorkflowResult{}
		if err := json.Unmarshal(resultJSON, w.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return w, nil
}

func (s *postgresStore) scanWorkflows(rows pgx.Rows) ([]*models.Workflow, error) {
	var list []*models.Workflow
	for rows.Next() {
		w, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}
