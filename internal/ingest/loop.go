package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/contestlabs/indexer/internal/events"
	"github.com/contestlabs/indexer/internal/gateway"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/telemetry"
)

// Puller is the slice of the chain gateway the loop needs.
type Puller interface {
	PullEvents(ctx context.Context, req gateway.PullRequest) (*gateway.PullResult, error)
}

// MilestoneDispatcher enqueues milestone jobs derived from applied events.
// The queue package provides the production implementation.
type MilestoneDispatcher interface {
	DispatchMilestone(ctx context.Context, payload model.MilestonePayload) error
}

// TickResult summarizes one completed tick for logging and tests.
type TickResult struct {
	Pulled     int
	Inserted   int
	Dispatched int
	NextCursor model.Cursor
	LagBlocks  uint64
}

// Loop runs one ingestion tick per stream: read cursor, pull, write,
// dispatch milestones, report telemetry. The scheduler owns cadence and
// backoff; the loop owns the tick itself.
type Loop struct {
	gateway    Puller
	writer     *Writer
	dispatcher MilestoneDispatcher
	metrics    *telemetry.Metrics
	bus        *events.Bus
	logger     *log.Logger
}

func NewLoop(gw Puller, writer *Writer, dispatcher MilestoneDispatcher, metrics *telemetry.Metrics, bus *events.Bus) *Loop {
	return &Loop{
		gateway:    gw,
		writer:     writer,
		dispatcher: dispatcher,
		metrics:    metrics,
		bus:        bus,
		logger:     log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Tick executes one ingestion pass for the stream. Errors propagate to the
// scheduler, which applies backoff; the tick itself never retries.
func (l *Loop) Tick(ctx context.Context, stream *model.IngestionStream) (TickResult, error) {
	started := time.Now()

	cursor, err := l.writer.ReadCursor(ctx, stream)
	if err != nil {
		return TickResult{}, err
	}

	req := gateway.PullRequest{Stream: stream, Cursor: cursor}
	if cursor == nil {
		// First tick for this stream: an inclusive block bound, not a
		// cursor. A synthetic cursor at the origin would exclude the
		// event at (startBlock, log index 0).
		from := stream.StartBlock
		req.FromBlock = &from
	}

	pull, err := l.gateway.PullEvents(ctx, req)
	if err != nil {
		return TickResult{}, err
	}

	write, err := l.writer.WriteBatch(ctx, WriteRequest{
		Stream:        stream,
		Events:        pull.Events,
		AdvanceCursor: true,
	})
	if err != nil {
		return TickResult{}, err
	}

	result := TickResult{
		Pulled:   len(pull.Events),
		Inserted: write.Inserted,
	}
	if pull.NextCursor != nil {
		result.NextCursor = *pull.NextCursor
	}

	for _, ev := range pull.Events {
		milestone, ok := model.MilestoneForEvent(ev.Type)
		if !ok {
			continue
		}
		payload := model.MilestonePayload{
			ContestID:         stream.ContestID,
			ChainID:           ev.ChainID,
			Milestone:         milestone,
			SourceTxHash:      ev.TxHash,
			SourceLogIndex:    ev.LogIndex,
			SourceBlockNumber: ev.BlockNumber,
			Payload:           ev.Payload,
		}
		if err := l.dispatcher.DispatchMilestone(ctx, payload); err != nil {
			return result, err
		}
		result.Dispatched++
	}

	if pull.NextCursor != nil && pull.LatestBlock.BlockNumber > pull.NextCursor.BlockNumber {
		result.LagBlocks = uint64(pull.LatestBlock.BlockNumber - pull.NextCursor.BlockNumber)
	}

	if l.metrics != nil {
		l.metrics.ObserveBatch(stream.ChainID, len(pull.Events), time.Since(started))
		l.metrics.SetLag(stream.ContestID, stream.ChainID, result.LagBlocks)
	}

	if l.bus != nil && write.Inserted > 0 {
		l.bus.Publish(events.TypeEnvelopeApplied, map[string]any{
			"contestId": stream.ContestID,
			"chainId":   stream.ChainID,
			"inserted":  write.Inserted,
			"cursor":    result.NextCursor.String(),
		})
	}

	if write.Inserted > 0 {
		l.logger.Printf("stream %s: applied %d/%d events, cursor %s, lag %d blocks",
			stream.Key(), write.Inserted, len(pull.Events), result.NextCursor, result.LagBlocks)
	}
	return result, nil
}

// Endpoint extracts the endpoint id from a gateway failure, empty when the
// error came from elsewhere in the tick.
func Endpoint(err error) string {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Endpoint
	}
	return ""
}
