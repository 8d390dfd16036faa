// Package replay re-pulls a bounded block range for one stream and hands the
// result to reconciliation. The live cursor never moves during a replay.
package replay

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/events"
	"github.com/contestlabs/indexer/internal/gateway"
	"github.com/contestlabs/indexer/internal/ingest"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/queue"
	"github.com/contestlabs/indexer/internal/reconcile"
	"github.com/contestlabs/indexer/internal/registry"
)

const pageLimit = 200

// Result reports a scheduled replay back to the caller.
type Result struct {
	JobID     string            `json:"jobId"`
	ReportID  string            `json:"reportId"`
	FromBlock model.BlockNumber `json:"fromBlock"`
	ToBlock   model.BlockNumber `json:"toBlock"`
	Replayed  int               `json:"replayed"`
	Baseline  int               `json:"baseline"`
}

// Engine executes replays: pull the range, persist idempotently without
// touching the cursor, then enqueue one reconciliation job comparing the
// replayed envelopes against the pre-replay baseline.
type Engine struct {
	gateway  ingest.Puller
	writer   *ingest.Writer
	registry *registry.Registry
	queue    *queue.Queue
	bus      *events.Bus
	logger   *log.Logger
}

func NewEngine(gw ingest.Puller, writer *ingest.Writer, reg *registry.Registry, q *queue.Queue, bus *events.Bus) *Engine {
	return &Engine{
		gateway:  gw,
		writer:   writer,
		registry: reg,
		queue:    q,
		bus:      bus,
		logger:   log.New(log.Writer(), "[REPLAY] ", log.LstdFlags),
	}
}

// Replay runs one bounded replay. The baseline snapshot is taken before any
// replayed row lands, so reconciliation sees what the live path had actually
// persisted.
func (e *Engine) Replay(ctx context.Context, contestID string, chainID uint64, from, to model.BlockNumber, reason, actor string) (*Result, error) {
	if from > to {
		return nil, apperr.E(apperr.KindInputInvalid,
			"fromBlock %s is beyond toBlock %s", from.String(), to.String())
	}

	stream, err := e.registry.Get(contestID, chainID)
	if err != nil {
		return nil, err
	}

	baseline, err := e.writer.EventsInRange(ctx, stream, from, to)
	if err != nil {
		return nil, err
	}

	replayed, err := e.pullRange(ctx, stream, from, to)
	if err != nil {
		return nil, err
	}

	if len(replayed) > 0 {
		if _, err := e.writer.WriteBatch(ctx, ingest.WriteRequest{
			Stream: stream,
			Events: replayed,
		}); err != nil {
			return nil, err
		}
	}

	reportID := uuid.NewString()
	payload := reconcile.ReportPayload{
		ReportID:    reportID,
		ContestID:   contestID,
		ChainID:     chainID,
		FromBlock:   from,
		ToBlock:     to,
		GeneratedAt: time.Now().UTC(),
		Actor:       actor,
		Reason:      reason,
		Baseline:    baseline,
		Replayed:    replayed,
	}
	jobID, err := e.queue.Publish(ctx, queue.QueueReconcile, payload, queue.PublishOptions{
		DedupeKey: model.ReportIdempotencyKey(reportID, contestID, chainID),
	})
	if err != nil {
		return nil, err
	}

	if e.bus != nil {
		e.bus.Publish(events.TypeReplayScheduled, map[string]any{
			"contestId": contestID,
			"chainId":   chainID,
			"fromBlock": from,
			"toBlock":   to,
			"reportId":  reportID,
			"actor":     actor,
		})
	}

	e.logger.Printf("stream %s: replay [%s, %s] pulled %d events (%d baseline), report %s",
		stream.Key(), from.String(), to.String(), len(replayed), len(baseline), reportID)

	return &Result{
		JobID:     jobID,
		ReportID:  reportID,
		FromBlock: from,
		ToBlock:   to,
		Replayed:  len(replayed),
		Baseline:  len(baseline),
	}, nil
}

// pullRange pages through the bounded range. The first page carries no
// cursor; later pages resume after the last returned event.
func (e *Engine) pullRange(ctx context.Context, stream *model.IngestionStream, from, to model.BlockNumber) ([]model.EventEnvelope, error) {
	var (
		out    []model.EventEnvelope
		cursor *model.Cursor
	)

	for {
		res, err := e.gateway.PullEvents(ctx, gateway.PullRequest{
			Stream:    stream,
			Cursor:    cursor,
			FromBlock: &from,
			ToBlock:   &to,
			Limit:     pageLimit,
		})
		if err != nil {
			return nil, err
		}

		page := res.Events[:0:0]
		for _, ev := range res.Events {
			if ev.BlockNumber < from || ev.BlockNumber > to {
				continue
			}
			page = append(page, ev)
		}
		out = append(out, page...)

		if len(res.Events) < pageLimit || len(page) == 0 {
			return out, nil
		}
		last := page[len(page)-1].Cursor()
		cursor = &last
	}
}
