package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/database"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/queue"
)

// Ledger statuses.
const (
	StatusPendingReview  = "pending_review"
	StatusResolved       = "resolved"
	StatusNeedsAttention = "needs_attention"
)

// ReportPayload is the reconciliation job body the replay engine enqueues.
type ReportPayload struct {
	ReportID    string                `json:"reportId"`
	ContestID   string                `json:"contestId"`
	ChainID     uint64                `json:"chainId"`
	FromBlock   model.BlockNumber     `json:"fromBlock"`
	ToBlock     model.BlockNumber     `json:"toBlock"`
	GeneratedAt time.Time             `json:"generatedAt"`
	Actor       string                `json:"actor,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Baseline    []model.EventEnvelope `json:"baseline"`
	Replayed    []model.EventEnvelope `json:"replayed"`
}

// Processor consumes indexer.reconcile jobs and maintains the report ledger.
type Processor struct {
	db     *sql.DB
	queue  *queue.Queue
	logger *log.Logger
}

func NewProcessor(db *sql.DB, q *queue.Queue) *Processor {
	return &Processor{
		db:     db,
		queue:  q,
		logger: log.New(log.Writer(), "[RECONCILE] ", log.LstdFlags),
	}
}

// Handle implements the queue handler for indexer.reconcile.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload ReportPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("%w: decode reconciliation payload: %v", queue.ErrNoRetry, err)
	}
	if payload.ReportID == "" || payload.ContestID == "" {
		return fmt.Errorf("%w: reconciliation payload missing report or contest id", queue.ErrNoRetry)
	}

	key := model.ReportIdempotencyKey(payload.ReportID, payload.ContestID, payload.ChainID)

	skipped := false
	err := database.WithTransaction(ctx, p.db, func(tx *sql.Tx) error {
		inserted, status, err := p.upsertLedger(ctx, tx, key, job.ID, payload)
		if err != nil {
			return err
		}
		if !inserted && status != StatusPendingReview {
			// A previous delivery already settled this report.
			skipped = true
			return nil
		}

		discrepancies := Diff(payload.Baseline, payload.Replayed)
		if len(payload.Baseline) == 0 {
			// No prior state to contradict: the replay established the
			// baseline and there is nothing to review.
			discrepancies = nil
		}

		notifications, err := p.stageNotifications(ctx, tx, payload, discrepancies)
		if err != nil {
			return err
		}

		final := StatusResolved
		if len(discrepancies) > 0 {
			final = StatusNeedsAttention
		}
		return p.finalize(ctx, tx, key, final, job.Attempts+1, discrepancies, notifications)
	})
	if err != nil {
		p.recordFailure(ctx, key, job, err)
		return err
	}

	if skipped {
		p.queue.RecordOutcome(queue.QueueReconcile, "skipped")
		p.logger.Printf("report %s already processed, skipping", payload.ReportID)
		return nil
	}
	p.logger.Printf("report %s for %s@%d reconciled (%d baseline, %d replayed)",
		payload.ReportID, payload.ContestID, payload.ChainID,
		len(payload.Baseline), len(payload.Replayed))
	return nil
}

// upsertLedger inserts the pending_review row if absent. Returns whether a
// new row was created and the current status.
func (p *Processor) upsertLedger(ctx context.Context, tx *sql.Tx, key, jobID string, payload ReportPayload) (bool, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, "", fmt.Errorf("encode report payload: %w", err)
	}
	actor, err := json.Marshal(map[string]string{"actor": payload.Actor, "reason": payload.Reason})
	if err != nil {
		return false, "", fmt.Errorf("encode actor context: %w", err)
	}
	generatedAt := payload.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reconciliation_report_ledgers
			(idempotency_key, report_id, job_id, contest_id, chain_id,
			 range_from_block, range_to_block, generated_at, status, payload, actor_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending_review', $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, payload.ReportID, jobID, payload.ContestID, payload.ChainID,
		payload.FromBlock.String(), payload.ToBlock.String(), generatedAt, body, actor)
	if err != nil {
		return false, "", fmt.Errorf("upsert report ledger: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, StatusPendingReview, nil
	}

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM reconciliation_report_ledgers WHERE idempotency_key = $1`, key).
		Scan(&status)
	if err == sql.ErrNoRows {
		return false, "", apperr.E(apperr.KindConflict, "report ledger %s vanished mid-upsert", key)
	}
	if err != nil {
		return false, "", fmt.Errorf("read report ledger: %w", err)
	}
	return false, status, nil
}

// notificationRecord is what the ledger stores about each dispatch.
type notificationRecord struct {
	Channel  string `json:"channel"`
	Target   string `json:"target"`
	Template string `json:"template"`
}

// stageNotifications writes outbox rows for the report outcome and returns
// what was staged. A clean report notifies nobody.
func (p *Processor) stageNotifications(ctx context.Context, tx *sql.Tx, payload ReportPayload, discrepancies []Discrepancy) ([]notificationRecord, error) {
	if len(discrepancies) == 0 {
		return nil, nil
	}

	note, err := json.Marshal(map[string]any{
		"reportId":      payload.ReportID,
		"fromBlock":     payload.FromBlock,
		"toBlock":       payload.ToBlock,
		"discrepancies": len(discrepancies),
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification payload: %w", err)
	}

	record := notificationRecord{
		Channel:  "broadcast",
		Target:   "contest-ops",
		Template: "reconciliation_discrepancies",
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO indexer_notifications (id, channel, target, template, payload, contest_id, chain_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), record.Channel, record.Target, record.Template,
		note, payload.ContestID, payload.ChainID)
	if err != nil {
		return nil, fmt.Errorf("stage notification: %w", err)
	}
	return []notificationRecord{record}, nil
}

func (p *Processor) finalize(ctx context.Context, tx *sql.Tx, key, status string, attempts int, discrepancies []Discrepancy, notifications []notificationRecord) error {
	if discrepancies == nil {
		discrepancies = []Discrepancy{}
	}
	if notifications == nil {
		notifications = []notificationRecord{}
	}
	diffJSON, err := json.Marshal(discrepancies)
	if err != nil {
		return fmt.Errorf("encode discrepancies: %w", err)
	}
	noteJSON, err := json.Marshal(notifications)
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reconciliation_report_ledgers
		SET status = $2, attempts = $3, differences = $4, notifications = $5,
			last_error = NULL, completed_at = now(), updated_at = now()
		WHERE idempotency_key = $1`,
		key, status, attempts, diffJSON, noteJSON)
	if err != nil {
		return fmt.Errorf("finalize report ledger: %w", err)
	}
	return nil
}

// recordFailure stamps the attempt on the ledger outside the rolled-back
// transaction. Best effort.
func (p *Processor) recordFailure(ctx context.Context, key string, job *queue.Job, cause error) {
	errJSON, _ := json.Marshal(map[string]string{"message": cause.Error()})
	_, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_report_ledgers
		SET attempts = $2, last_error = $3, updated_at = now()
		WHERE idempotency_key = $1 AND status = 'pending_review'`,
		key, job.Attempts+1, errJSON)
	if err != nil {
		p.logger.Printf("record failure for %s: %v", key, err)
	}
}
