package milestone

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
	"github.com/contestlabs/indexer/internal/validation"
)

const pausedRetryDelay = 30 * time.Second

// phaseByMilestone maps the applied milestone to the contest phase it
// establishes.
var phaseByMilestone = map[model.Milestone]string{
	model.MilestoneSettled:         "settled",
	model.MilestoneRewardReady:     "reward_distribution",
	model.MilestoneRedemptionReady: "redemption_open",
}

// ModeChecker reports the processing mode for a contest. The control plane
// provides the live implementation.
type ModeChecker interface {
	Mode(contestID string, chainID uint64) string
}

// Processor consumes milestone jobs. Exactly-once side effects come from
// the execution ledger: the upsert by idempotency key plus the status
// machine make redelivery harmless.
type Processor struct {
	db        *sql.DB
	ledger    Ledger
	validator *validation.Client
	modes     ModeChecker
	queue     *queue.Queue
	logger    *log.Logger
}

func NewProcessor(db *sql.DB, validator *validation.Client, modes ModeChecker, q *queue.Queue) *Processor {
	return &Processor{
		db:        db,
		validator: validator,
		modes:     modes,
		queue:     q,
		logger:    log.New(log.Writer(), "[MILESTONE] ", log.LstdFlags),
	}
}

// Dispatch enqueues a milestone job. The dedupe key is the idempotency key,
// so repeat dispatch of the same on-chain outcome is a noop; the singleton
// key serializes jobs per contest.
func (p *Processor) DispatchMilestone(ctx context.Context, payload model.MilestonePayload) error {
	_, err := p.queue.Publish(ctx, queue.QueueMilestone, payload, queue.PublishOptions{
		DedupeKey:    payload.IdempotencyKey(),
		SingletonKey: fmt.Sprintf("%s@%d", payload.ContestID, payload.ChainID),
	})
	return err
}

// Handle implements the queue handler for indexer.milestone.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := p.parse(ctx, job.Data)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInputInvalid {
			// Schema failures never heal on retry.
			return fmt.Errorf("%w: %w", queue.ErrNoRetry, err)
		}
		// Validator outage or other transient failure: the payload may be
		// perfectly valid, let the queue retry.
		return err
	}

	key := payload.IdempotencyKey()

	if p.modes != nil && p.modes.Mode(payload.ContestID, payload.ChainID) == string(model.StreamPaused) {
		p.logger.Printf("contest %s@%d paused, deferring milestone %s",
			payload.ContestID, payload.ChainID, payload.Milestone)
		return queue.Defer(pausedRetryDelay)
	}

	outcome, err := p.execute(ctx, job, key, payload)
	if err != nil {
		return err
	}
	if outcome == "skipped" {
		p.queue.RecordOutcome(queue.QueueMilestone, "skipped")
		p.logger.Printf("milestone %s already applied for %s@%d, skipping",
			payload.Milestone, payload.ContestID, payload.ChainID)
	}
	return nil
}

// parse validates against the external schema and decodes the payload. Local
// field checks stay permissive: unknown fields pass through untouched.
func (p *Processor) parse(ctx context.Context, data json.RawMessage) (model.MilestonePayload, error) {
	if err := p.validator.Validate(ctx, "milestone", data); err != nil {
		return model.MilestonePayload{}, err
	}

	var payload model.MilestonePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return model.MilestonePayload{}, apperr.Wrap(apperr.KindInputInvalid, err, "decode milestone payload")
	}
	if payload.ContestID == "" {
		return model.MilestonePayload{}, apperr.E(apperr.KindInputInvalid, "milestone payload missing contestId")
	}
	if _, err := model.ParseMilestone(string(payload.Milestone)); err != nil {
		return model.MilestonePayload{}, apperr.Wrap(apperr.KindInputInvalid, err, "milestone payload")
	}
	return payload, nil
}

// execute claims the attempt in the ledger, then applies the side effects.
// The claim commits on its own before any side effect runs: a side-effect
// rollback cannot erase the execution row, so the failure transition always
// has a row to land on. Returns "applied" or "skipped".
func (p *Processor) execute(ctx context.Context, job *queue.Job, key string, payload model.MilestonePayload) (string, error) {
	outcome := "applied"
	var attempts int

	claimErr := database.WithTransaction(ctx, p.db, func(tx *sql.Tx) error {
		exec, err := p.ledger.Upsert(ctx, tx, key, job.ID, payload)
		if err != nil {
			return err
		}
		if exec.Status == StatusSucceeded {
			outcome = "skipped"
			return nil
		}

		working := StatusInProgress
		if exec.Attempts > 0 {
			working = StatusRetrying
		}
		attempts = exec.Attempts + 1
		return p.ledger.Transition(ctx, tx, key, working, attempts, "")
	})
	if claimErr != nil {
		p.recordFailure(ctx, key, job, claimErr)
		return "", claimErr
	}
	if outcome == "skipped" {
		return outcome, nil
	}

	txErr := database.WithTransaction(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.applySideEffects(ctx, tx, payload); err != nil {
			return err
		}
		return p.ledger.Transition(ctx, tx, key, StatusSucceeded, attempts, "")
	})
	if txErr != nil {
		// Side effects rolled back; the committed claim row records the
		// attempt and the failure transition below its outcome.
		p.recordFailure(ctx, key, job, txErr)
		return "", txErr
	}
	return outcome, nil
}

// applySideEffects updates the contest state and stages notifications in the
// same transaction as the ledger row. The notification dispatcher drains the
// staged rows after commit.
func (p *Processor) applySideEffects(ctx context.Context, tx *sql.Tx, payload model.MilestonePayload) error {
	phase := phaseByMilestone[payload.Milestone]

	_, err := tx.ExecContext(ctx, `
		INSERT INTO contest_states (contest_id, chain_id, phase, source_tx_hash, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (contest_id, chain_id)
		DO UPDATE SET phase = EXCLUDED.phase, source_tx_hash = EXCLUDED.source_tx_hash, updated_at = now()`,
		payload.ContestID, payload.ChainID, phase, payload.SourceTxHash)
	if err != nil {
		return fmt.Errorf("update contest state: %w", err)
	}

	note, err := json.Marshal(map[string]any{
		"milestone":   payload.Milestone,
		"sourceTx":    payload.SourceTxHash,
		"blockNumber": payload.SourceBlockNumber,
	})
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO indexer_notifications (id, channel, target, template, payload, contest_id, chain_id)
		VALUES ($1, 'broadcast', 'contest-ops', $2, $3, $4, $5)`,
		uuid.NewString(), "milestone_"+string(payload.Milestone), note,
		payload.ContestID, payload.ChainID)
	if err != nil {
		return fmt.Errorf("stage notification: %w", err)
	}
	return nil
}

// recordFailure persists the attempt outcome after a rollback: retrying when
// budget remains, needs_attention when exhausted. Best effort; the queue
// keeps its own retry state regardless.
func (p *Processor) recordFailure(ctx context.Context, key string, job *queue.Job, cause error) {
	next := StatusRetrying
	if job.Attempts+1 >= job.RetryLimit || apperr.KindOf(cause) == apperr.KindOrderViolation {
		next = StatusNeedsAttention
	}

	err := database.WithTransaction(ctx, p.db, func(tx *sql.Tx) error {
		return p.ledger.Transition(ctx, tx, key, next, job.Attempts+1, cause.Error())
	})
	if err != nil {
		p.logger.Printf("record failure for %s: %v", key, err)
	}
}
