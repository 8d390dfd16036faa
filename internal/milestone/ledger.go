package milestone

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/database"
	"github.com/contestlabs/indexer/internal/model"
)

// Execution is one row of the milestone ledger.
type Execution struct {
	IdempotencyKey    string            `json:"idempotencyKey"`
	JobID             string            `json:"jobId,omitempty"`
	ContestID         string            `json:"contestId"`
	ChainID           uint64            `json:"chainId"`
	Milestone         model.Milestone   `json:"milestone"`
	SourceTxHash      string            `json:"sourceTxHash"`
	SourceLogIndex    uint32            `json:"sourceLogIndex"`
	SourceBlockNumber model.BlockNumber `json:"sourceBlockNumber"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
	Status            Status            `json:"status"`
	Attempts          int               `json:"attempts"`
	LastError         string            `json:"lastError,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Ledger reads and writes milestone_executions. Methods take a DBTX so the
// processor can run them inside its job transaction.
type Ledger struct{}

const executionColumns = `
	idempotency_key, COALESCE(job_id, ''), contest_id, chain_id, milestone,
	source_tx_hash, source_log_index, source_block_number, payload, status,
	attempts, COALESCE(last_error ->> 'message', ''), completed_at, created_at, updated_at`

func scanExecution(row *sql.Row) (*Execution, error) {
	var (
		e        Execution
		blockRaw string
		status   string
	)
	err := row.Scan(&e.IdempotencyKey, &e.JobID, &e.ContestID, &e.ChainID, &e.Milestone,
		&e.SourceTxHash, &e.SourceLogIndex, &blockRaw, &e.Payload, &status, &e.Attempts,
		&e.LastError, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	block, err := model.ParseBlockNumber(blockRaw)
	if err != nil {
		return nil, fmt.Errorf("stored block number: %w", err)
	}
	e.SourceBlockNumber = block
	return &e, nil
}

// Upsert inserts the execution row for the key if absent and returns the
// current row either way. The insert races safely: the unique key turns a
// concurrent duplicate into a read.
func (Ledger) Upsert(ctx context.Context, q database.DBTX, key, jobID string, p model.MilestonePayload) (*Execution, error) {
	payload := []byte("{}")
	if p.Payload != nil {
		var err error
		if payload, err = json.Marshal(p.Payload); err != nil {
			return nil, apperr.Wrap(apperr.KindInputInvalid, err, "marshal milestone payload")
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO milestone_executions
			(idempotency_key, job_id, contest_id, chain_id, milestone,
			 source_tx_hash, source_log_index, source_block_number, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, jobID, p.ContestID, p.ChainID, string(p.Milestone),
		p.SourceTxHash, p.SourceLogIndex, p.SourceBlockNumber.String(), payload)
	if err != nil {
		return nil, fmt.Errorf("upsert execution: %w", err)
	}

	return Ledger{}.Get(ctx, q, key)
}

// Get loads one execution by idempotency key.
func (Ledger) Get(ctx context.Context, q database.DBTX, key string) (*Execution, error) {
	row := q.QueryRowContext(ctx,
		`SELECT`+executionColumns+` FROM milestone_executions WHERE idempotency_key = $1`, key)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperr.E(apperr.KindNotFound, "milestone execution %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// GetBySource loads an execution by its identifying source event, used by
// the manual retry endpoint.
func (Ledger) GetBySource(ctx context.Context, q database.DBTX, contestID string, chainID uint64, milestone model.Milestone, txHash string, logIndex uint32) (*Execution, error) {
	row := q.QueryRowContext(ctx, `
		SELECT`+executionColumns+`
		FROM milestone_executions
		WHERE contest_id = $1 AND chain_id = $2 AND milestone = $3
			AND source_tx_hash = $4 AND source_log_index = $5`,
		contestID, chainID, string(milestone), txHash, logIndex)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperr.E(apperr.KindNotFound,
			"milestone %s for %s#%d not found", milestone, txHash, logIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution by source: %w", err)
	}
	return e, nil
}

// Transition moves the execution to next after validating the edge against
// the stored status.
func (Ledger) Transition(ctx context.Context, q database.DBTX, key string, next Status, attempts int, lastError string) error {
	cur, err := Ledger{}.Get(ctx, q, key)
	if err != nil {
		return err
	}
	if err := CheckTransition(cur.Status, next); err != nil {
		return err
	}

	var errJSON any
	if lastError != "" {
		raw, _ := json.Marshal(map[string]string{"message": lastError})
		errJSON = raw
	}

	var completed any
	if next == StatusSucceeded {
		completed = time.Now().UTC()
	}

	_, err = q.ExecContext(ctx, `
		UPDATE milestone_executions
		SET status = $2, attempts = $3, last_error = $4, completed_at = $5, updated_at = now()
		WHERE idempotency_key = $1`,
		key, string(next), attempts, errJSON, completed)
	if err != nil {
		return fmt.Errorf("transition execution: %w", err)
	}
	return nil
}

// ListNeedsAttention returns executions stuck in needs_attention, newest
// first, for the status surface.
func (Ledger) ListNeedsAttention(ctx context.Context, db *sql.DB, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT`+executionColumns+`
		FROM milestone_executions
		WHERE status = 'needs_attention'
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list needs_attention: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e        Execution
			blockRaw string
			status   string
		)
		err := rows.Scan(&e.IdempotencyKey, &e.JobID, &e.ContestID, &e.ChainID, &e.Milestone,
			&e.SourceTxHash, &e.SourceLogIndex, &blockRaw, &e.Payload, &status, &e.Attempts,
			&e.LastError, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Status = Status(status)
		block, err := model.ParseBlockNumber(blockRaw)
		if err != nil {
			return nil, fmt.Errorf("stored block number: %w", err)
		}
		e.SourceBlockNumber = block
		out = append(out, e)
	}
	return out, rows.Err()
}
