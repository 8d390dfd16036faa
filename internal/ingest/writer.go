// Package ingest contains the transactional event writer, the per-stream
// live loop and its scheduler, and the stream health tracker.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/database"
	"github.com/contestlabs/indexer/internal/model"
)

// WriteStatus reports what a batch write did.
type WriteStatus string

const (
	WriteApplied WriteStatus = "applied"
	WriteNoop    WriteStatus = "noop"
)

// WriteRequest is one batch destined for a stream.
type WriteRequest struct {
	Stream *model.IngestionStream
	Events []model.EventEnvelope

	// AdvanceCursor is false during replay: events are inserted
	// idempotently but the live cursor must not move.
	AdvanceCursor bool

	// Replay marks an explicit reorg write, the only path allowed to
	// regress the cursor. The regression is recorded, not silent.
	Replay bool
}

// WriteResult reports the outcome and the stored cursor after the write.
type WriteResult struct {
	Status         WriteStatus `json:"status"`
	Inserted       int         `json:"inserted"`
	CursorHeight   model.BlockNumber
	CursorLogIndex uint32
	CursorHash     string
}

// Writer persists event batches and cursor advances atomically. Every applied
// event and its cursor advance commit in the same transaction; a failure
// rolls back both.
type Writer struct {
	db     *sql.DB
	logger *log.Logger
}

// NewWriter builds the writer on the shared pool.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{
		db:     db,
		logger: log.New(log.Writer(), "[WRITER] ", log.LstdFlags),
	}
}

// WriteBatch inserts the batch in order and, when requested, advances the
// stream cursor to the last event. Duplicate events by (chainId, txHash,
// logIndex) are per-row noops. A cursor write at or below the stored cursor
// is a noop; same-block lower-index writes are logged at INFO because reorg
// replays legitimately reinsert earlier indices.
func (w *Writer) WriteBatch(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if req.Stream == nil {
		return WriteResult{}, apperr.E(apperr.KindInputInvalid, "write batch: nil stream")
	}
	for _, ev := range req.Events {
		if err := ev.Validate(); err != nil {
			return WriteResult{}, apperr.Wrap(apperr.KindInputInvalid, err, "write batch: invalid envelope")
		}
	}

	result := WriteResult{Status: WriteNoop}
	if len(req.Events) == 0 && !req.Replay {
		return result, nil
	}

	err := database.WithTransaction(ctx, w.db, func(tx *sql.Tx) error {
		for _, ev := range req.Events {
			inserted, err := insertEvent(ctx, tx, req.Stream, ev)
			if err != nil {
				return err
			}
			if inserted {
				result.Inserted++
			}
		}

		if !req.AdvanceCursor || len(req.Events) == 0 {
			cur, hash, err := readCursor(ctx, tx, req.Stream, false)
			if err != nil {
				return err
			}
			if cur != nil {
				result.CursorHeight = cur.BlockNumber
				result.CursorLogIndex = cur.LogIndex
				result.CursorHash = hash
			}
			return nil
		}

		last := req.Events[len(req.Events)-1]
		advanced, err := w.advanceCursor(ctx, tx, req.Stream, last.Cursor(), last.DerivedAt.BlockHash, req.Replay)
		if err != nil {
			return err
		}

		cur, hash, err := readCursor(ctx, tx, req.Stream, false)
		if err != nil {
			return err
		}
		if cur != nil {
			result.CursorHeight = cur.BlockNumber
			result.CursorLogIndex = cur.LogIndex
			result.CursorHash = hash
		}
		if advanced || result.Inserted > 0 {
			result.Status = WriteApplied
		}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}

	if result.Inserted > 0 && !req.AdvanceCursor {
		result.Status = WriteApplied
	}
	return result, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, stream *model.IngestionStream, ev model.EventEnvelope) (bool, error) {
	payload := []byte("{}")
	if ev.Payload != nil {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return false, apperr.Wrap(apperr.KindInputInvalid, err, "marshal payload")
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ingestion_events
			(contest_id, chain_id, tx_hash, log_index, event_type, block_number, payload, reorg_flag, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`,
		stream.ContestID, stream.ChainID, ev.TxHash, ev.LogIndex,
		string(ev.Type), ev.BlockNumber.String(), payload, ev.ReorgFlag, ev.DerivedAt.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert event %s#%d: %w", ev.TxHash, ev.LogIndex, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// advanceCursor moves the stored cursor to target if target is greater, or
// unconditionally on replay. Returns whether the stored value changed.
func (w *Writer) advanceCursor(ctx context.Context, tx *sql.Tx, stream *model.IngestionStream, target model.Cursor, hash string, replay bool) (bool, error) {
	stored, _, err := readCursor(ctx, tx, stream, true)
	if err != nil {
		return false, err
	}

	if stored == nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ingestion_cursors
				(contest_id, chain_id, contract_address, cursor_height, cursor_log_index, cursor_hash, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			stream.ContestID, stream.ChainID, stream.Addresses.Registrar,
			target.BlockNumber.String(), target.LogIndex, hash)
		if err != nil {
			return false, fmt.Errorf("insert cursor: %w", err)
		}
		return true, nil
	}

	if !replay && target.Compare(*stored) <= 0 {
		if target.BlockNumber == stored.BlockNumber && target.LogIndex < stored.LogIndex {
			w.logger.Printf("INFO stream %s@%d: cursor write %s below stored %s within same block, noop",
				stream.ContestID, stream.ChainID, target, stored)
		}
		return false, nil
	}

	if replay && target.Less(*stored) {
		w.logger.Printf("stream %s@%d: reorg cursor regression %s -> %s",
			stream.ContestID, stream.ChainID, stored, target)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ingestion_cursors
		SET cursor_height = $1, cursor_log_index = $2, cursor_hash = $3, updated_at = now()
		WHERE chain_id = $4 AND contract_address = $5`,
		target.BlockNumber.String(), target.LogIndex, hash,
		stream.ChainID, stream.Addresses.Registrar)
	if err != nil {
		return false, fmt.Errorf("update cursor: %w", err)
	}
	return true, nil
}

func readCursor(ctx context.Context, q database.DBTX, stream *model.IngestionStream, forUpdate bool) (*model.Cursor, string, error) {
	query := `
		SELECT cursor_height, cursor_log_index, COALESCE(cursor_hash, '')
		FROM ingestion_cursors
		WHERE chain_id = $1 AND contract_address = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		heightRaw string
		logIndex  uint32
		hash      string
	)
	err := q.QueryRowContext(ctx, query, stream.ChainID, stream.Addresses.Registrar).
		Scan(&heightRaw, &logIndex, &hash)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read cursor: %w", err)
	}

	height, err := model.ParseBlockNumber(heightRaw)
	if err != nil {
		return nil, "", fmt.Errorf("stored cursor height: %w", err)
	}
	return &model.Cursor{BlockNumber: height, LogIndex: logIndex}, hash, nil
}

// ReadCursor returns the persisted cursor for a stream, nil when none exists.
func (w *Writer) ReadCursor(ctx context.Context, stream *model.IngestionStream) (*model.Cursor, error) {
	cur, _, err := readCursor(ctx, w.db, stream, false)
	return cur, err
}

// EventsInRange returns the persisted envelopes for a stream within the
// inclusive block range, in cursor order. Replay uses this as the baseline.
func (w *Writer) EventsInRange(ctx context.Context, stream *model.IngestionStream, from, to model.BlockNumber) ([]model.EventEnvelope, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT tx_hash, log_index, event_type, block_number, payload, reorg_flag, occurred_at
		FROM ingestion_events
		WHERE contest_id = $1 AND chain_id = $2 AND block_number >= $3 AND block_number <= $4
		ORDER BY block_number, log_index`,
		stream.ContestID, stream.ChainID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("events in range: %w", err)
	}
	defer rows.Close()

	var out []model.EventEnvelope
	for rows.Next() {
		var (
			ev       model.EventEnvelope
			typeRaw  string
			blockRaw string
			payload  []byte
		)
		if err := rows.Scan(&ev.TxHash, &ev.LogIndex, &typeRaw, &blockRaw, &payload, &ev.ReorgFlag, &ev.DerivedAt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ChainID = stream.ChainID
		ev.Type = model.EventType(typeRaw)
		block, err := model.ParseBlockNumber(blockRaw)
		if err != nil {
			return nil, fmt.Errorf("stored block number: %w", err)
		}
		ev.BlockNumber = block
		ev.DerivedAt.BlockNumber = block
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("stored payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
