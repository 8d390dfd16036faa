package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/events"
	"github.com/contestlabs/indexer/internal/milestone"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/queue"
	"github.com/contestlabs/indexer/internal/registry"
	"github.com/contestlabs/indexer/internal/replay"
)

// HealthResetter clears failure tracking when an operator resumes a stream.
type HealthResetter interface {
	Reset(key model.StreamKey)
}

// RetryRequest identifies the milestone execution to re-run.
type RetryRequest struct {
	ContestID      string          `json:"contestId"`
	ChainID        uint64          `json:"chainId"`
	Milestone      model.Milestone `json:"milestone"`
	SourceTxHash   string          `json:"sourceTxHash"`
	SourceLogIndex uint32          `json:"sourceLogIndex"`
	Actor          string          `json:"actor"`
	Reason         string          `json:"reason,omitempty"`
}

// Service executes control-plane operations. Every operation lands an audit
// row; state changes also go to the event bus for the live stream feed.
type Service struct {
	db       *sql.DB
	registry *registry.Registry
	modes    *ModeRegistry
	ledger   milestone.Ledger
	queue    *queue.Queue
	replays  *replay.Engine
	health   HealthResetter
	bus      *events.Bus
	logger   *log.Logger
}

func NewService(db *sql.DB, reg *registry.Registry, modes *ModeRegistry, q *queue.Queue, replays *replay.Engine, health HealthResetter, bus *events.Bus) *Service {
	return &Service{
		db:       db,
		registry: reg,
		modes:    modes,
		queue:    q,
		replays:  replays,
		health:   health,
		bus:      bus,
		logger:   log.New(log.Writer(), "[CONTROL] ", log.LstdFlags),
	}
}

// Modes exposes the registry for wiring the milestone processor.
func (s *Service) Modes() *ModeRegistry { return s.modes }

// Pause stops the stream's live loop and defers its milestone jobs.
func (s *Service) Pause(ctx context.Context, contestID string, chainID uint64, actor, reason string) error {
	key := model.StreamKey{ContestID: contestID, ChainID: chainID}
	if err := s.registry.SetState(ctx, key, model.StreamPaused); err != nil {
		return err
	}
	if err := s.modes.SetMode(contestID, chainID, ModePaused); err != nil {
		return err
	}
	s.publishState(key, model.StreamPaused, reason)
	s.audit(ctx, actor, "pause", contestID, chainID, reason, nil)
	s.logger.Printf("stream %s paused by %s: %s", key, actor, reason)
	return nil
}

// Resume returns the stream to live processing and clears failure tracking.
func (s *Service) Resume(ctx context.Context, contestID string, chainID uint64, actor, reason string) error {
	key := model.StreamKey{ContestID: contestID, ChainID: chainID}
	if err := s.registry.SetState(ctx, key, model.StreamLive); err != nil {
		return err
	}
	if err := s.modes.SetMode(contestID, chainID, ModeLive); err != nil {
		return err
	}
	if s.health != nil {
		s.health.Reset(key)
	}
	s.publishState(key, model.StreamLive, reason)
	s.audit(ctx, actor, "resume", contestID, chainID, reason, nil)
	s.logger.Printf("stream %s resumed by %s", key, actor)
	return nil
}

// Retry re-enqueues a delivered milestone whose execution needs attention.
// The operation is idempotent: the ledger transition is a self-loop on
// repeat calls and the job dedupe key swallows the duplicate publish.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (string, error) {
	exec, err := s.ledger.GetBySource(ctx, s.db, req.ContestID, req.ChainID,
		req.Milestone, req.SourceTxHash, req.SourceLogIndex)
	if err != nil {
		return "", err
	}

	if err := s.ledger.Transition(ctx, s.db, exec.IdempotencyKey,
		milestone.StatusRetrying, exec.Attempts, "manual retry by "+req.Actor); err != nil {
		return "", err
	}

	payload := model.MilestonePayload{
		ContestID:         exec.ContestID,
		ChainID:           exec.ChainID,
		Milestone:         exec.Milestone,
		SourceTxHash:      exec.SourceTxHash,
		SourceLogIndex:    exec.SourceLogIndex,
		SourceBlockNumber: exec.SourceBlockNumber,
	}
	if len(exec.Payload) > 0 {
		if err := json.Unmarshal(exec.Payload, &payload.Payload); err != nil {
			return "", apperr.Wrap(apperr.KindInternal, err, "stored milestone payload")
		}
	}

	jobID, err := s.queue.Publish(ctx, queue.QueueMilestone, payload, queue.PublishOptions{
		// Distinct from the original dispatch key so the retry is not
		// swallowed by the completed job's dedupe row; stable per attempt
		// so double-submitting the form stays one job.
		DedupeKey:    fmt.Sprintf("%s:retry:%d", exec.IdempotencyKey, exec.Attempts),
		SingletonKey: fmt.Sprintf("%s@%d", exec.ContestID, exec.ChainID),
	})
	if err != nil {
		return "", err
	}

	s.audit(ctx, req.Actor, "milestone_retry", req.ContestID, req.ChainID, req.Reason, map[string]any{
		"milestone":      req.Milestone,
		"sourceTxHash":   req.SourceTxHash,
		"sourceLogIndex": req.SourceLogIndex,
		"idempotencyKey": exec.IdempotencyKey,
	})
	s.logger.Printf("milestone %s for %s@%d re-enqueued by %s",
		req.Milestone, req.ContestID, req.ChainID, req.Actor)
	return jobID, nil
}

// ChangeMode flips the milestone processing mode for a contest.
func (s *Service) ChangeMode(ctx context.Context, contestID string, chainID uint64, mode, actor, reason string) (string, error) {
	if err := s.modes.SetMode(contestID, chainID, mode); err != nil {
		return "", err
	}
	s.audit(ctx, actor, "mode_change", contestID, chainID, reason, map[string]any{"mode": mode})
	s.logger.Printf("contest %s@%d mode set to %s by %s", contestID, chainID, mode, actor)
	return mode, nil
}

// ScheduleReplay validates and runs a bounded replay.
func (s *Service) ScheduleReplay(ctx context.Context, contestID string, chainID uint64, from, to model.BlockNumber, reason, actor string) (*replay.Result, error) {
	res, err := s.replays.Replay(ctx, contestID, chainID, from, to, reason, actor)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "replay", contestID, chainID, reason, map[string]any{
		"fromBlock": from,
		"toBlock":   to,
		"reportId":  res.ReportID,
	})
	return res, nil
}

// AuditEntry is one recorded control-plane operation.
type AuditEntry struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	ContestID string          `json:"contestId,omitempty"`
	ChainID   uint64          `json:"chainId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AuditTrail returns recent audit entries, newest first.
func (s *Service) AuditTrail(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, COALESCE(contest_id, ''), COALESCE(chain_id, 0),
			COALESCE(reason, ''), detail, created_at
		FROM indexer_audit_log
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ContestID, &e.ChainID,
			&e.Reason, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Service) publishState(key model.StreamKey, state model.StreamState, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TypeStreamState, map[string]any{
		"contestId": key.ContestID,
		"chainId":   key.ChainID,
		"state":     string(state),
		"reason":    reason,
	})
}

// audit records the operation. Failures are logged, not surfaced: an audit
// write must never fail the operation it describes.
func (s *Service) audit(ctx context.Context, actor, action, contestID string, chainID uint64, reason string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		s.logger.Printf("audit %s: encode detail: %v", action, err)
		return
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO indexer_audit_log (id, actor, action, contest_id, chain_id, reason, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), actor, action, contestID, chainID, reason, detailJSON)
	if err != nil {
		s.logger.Printf("audit %s: %v", action, err)
	}
}
