package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shimimasa/game-asset-manager/internal/domain"
)

// ExecutionRepositoryPG implements domain.ExecutionRepository.
type ExecutionRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewExecutionRepository creates an execution repository backed by PostgreSQL.
func NewExecutionRepository(pool *pgxpool.Pool) *ExecutionRepositoryPG {
	return &ExecutionRepositoryPG{pool: pool}
}

const executionColumns = `id, prompt_id, user_id, status, parameters, result, error_message, asset_id, created_at, completed_at`

// Create inserts a new execution record.
func (r *ExecutionRepositoryPG) Create(ctx context.Context, exec *domain.Execution) error {
	params, err := json.Marshal(exec.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	query := `
INSERT INTO executions (id, prompt_id, user_id, status, parameters)
VALUES ($1, $2, $3, $4, $5);
`
	_, err = r.pool.Exec(ctx, query, exec.ID, exec.PromptID, exec.UserID, exec.Status, params)
	return err
}

// GetByID fetches an execution regardless of owner. Used by the worker,
// which acts on jobs it was handed, not on user requests.
func (r *ExecutionRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetForUser fetches an execution owned by the given user.
func (r *ExecutionRepositoryPG) GetForUser(ctx context.Context, id, userID string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1 AND user_id = $2;`
	return r.scanOne(r.pool.QueryRow(ctx, query, id, userID))
}

// List returns the user's executions, newest first, with the total count for
// the filter.
func (r *ExecutionRepositoryPG) List(ctx context.Context, userID string, filter domain.ExecutionFilter, page domain.Page) ([]domain.Execution, int, error) {
	page = page.Normalize()
	where := `WHERE user_id = $1 AND ($2 = '' OR prompt_id = $2) AND ($3 = '' OR status = $3)`

	var total int
	countQuery := `SELECT COUNT(*) FROM executions ` + where + `;`
	if err := r.pool.QueryRow(ctx, countQuery, userID, filter.PromptID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
SELECT ` + executionColumns + `
FROM executions ` + where + `
ORDER BY created_at DESC
LIMIT $4 OFFSET $5;
`
	rows, err := r.pool.Query(ctx, query, userID, filter.PromptID, string(filter.Status), page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		exec, err := r.scanOne(rows)
		if err != nil {
			return nil, 0, err
		}
		executions = append(executions, *exec)
	}
	return executions, total, rows.Err()
}

// TransitionStatus conditionally moves an execution to a new status. The
// write applies only when the current status is one of the allowed source
// states; the returned bool reports whether a row changed. Terminal targets
// stamp completed_at. This conditional form is what makes a worker
// completion racing a cancellation safe: terminal wins, the loser's write
// affects zero rows.
func (r *ExecutionRepositoryPG) TransitionStatus(ctx context.Context, id string, from []domain.ExecutionStatus, to domain.ExecutionStatus, errMsg string, result *domain.ExecutionResult) (bool, error) {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("encode result: %w", err)
		}
	}

	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
UPDATE executions
SET status = $2,
    error_message = COALESCE(NULLIF($3, ''), error_message),
    result = COALESCE($4, result),
    completed_at = CASE WHEN $5 THEN NOW() ELSE completed_at END
WHERE id = $1 AND status = ANY($6);
`
	tag, err := r.pool.Exec(ctx, query, id, to, errMsg, nullableBytes(resultJSON), to.Terminal(), allowed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Complete marks a PROCESSING execution COMPLETED and links the produced
// asset in the same conditional statement. A completed row therefore always
// carries its asset reference; losing the race to a cancellation affects
// zero rows and leaves the terminal state untouched.
func (r *ExecutionRepositoryPG) Complete(ctx context.Context, id string, result *domain.ExecutionResult, assetID string) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	query := `
UPDATE executions
SET status = $2, result = $3, asset_id = $4, completed_at = NOW()
WHERE id = $1 AND status = $5;
`
	tag, err := r.pool.Exec(ctx, query, id, domain.ExecutionStatusCompleted, resultJSON, assetID, domain.ExecutionStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountTerminalByPrompt reports completed and failed execution counts for a
// prompt, used for the success-rate aggregate.
func (r *ExecutionRepositoryPG) CountTerminalByPrompt(ctx context.Context, promptID string) (int, int, error) {
	query := `
SELECT
    COUNT(*) FILTER (WHERE status = $2),
    COUNT(*) FILTER (WHERE status = $3)
FROM executions
WHERE prompt_id = $1;
`
	var completed, failed int
	err := r.pool.QueryRow(ctx, query, promptID, domain.ExecutionStatusCompleted, domain.ExecutionStatusFailed).Scan(&completed, &failed)
	return completed, failed, err
}

// FailAbandoned fails non-terminal executions older than the threshold that
// no longer have a live queue job behind them. Covers jobs lost to pruning
// or manual queue surgery; everything else is recovered through job
// redelivery.
func (r *ExecutionRepositoryPG) FailAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
UPDATE executions e
SET status = $1, error_message = 'Generation timed out', completed_at = NOW()
WHERE e.status = ANY($2)
  AND e.created_at < NOW() - ($3 * INTERVAL '1 millisecond')
  AND NOT EXISTS (
      SELECT 1 FROM queue_jobs q
      WHERE q.execution_id = e.id AND q.state IN ('waiting', 'active')
  );
`
	active := []string{string(domain.ExecutionStatusPending), string(domain.ExecutionStatusProcessing)}
	tag, err := r.pool.Exec(ctx, query, domain.ExecutionStatusFailed, active, olderThan.Milliseconds())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ExecutionRepositoryPG) scanOne(row rowScanner) (*domain.Execution, error) {
	var (
		exec       domain.Execution
		params     []byte
		resultJSON []byte
		assetID    *string
	)
	if err := row.Scan(
		&exec.ID,
		&exec.PromptID,
		&exec.UserID,
		&exec.Status,
		&params,
		&resultJSON,
		&exec.ErrorMessage,
		&assetID,
		&exec.CreatedAt,
		&exec.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &exec.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		exec.Result = &domain.ExecutionResult{}
		if err := json.Unmarshal(resultJSON, exec.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if assetID != nil {
		exec.AssetID = *assetID
	}
	return &exec, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
