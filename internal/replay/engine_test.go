package replay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/gateway"
	"github.com/contestlabs/indexer/internal/ingest"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/queue"
	"github.com/contestlabs/indexer/internal/registry"
)

type fakePuller struct {
	result *gateway.PullResult
	err    error
	gotReq gateway.PullRequest
}

func (f *fakePuller) PullEvents(_ context.Context, req gateway.PullRequest) (*gateway.PullResult, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func streamRows() *sqlmock.Rows {
	meta, _ := json.Marshal(map[string]string{})
	return sqlmock.NewRows([]string{
		"contest_id", "chain_id", "registrar_address", "vault_address",
		"rewards_address", "start_block", "state", "metadata", "updated_at",
	}).AddRow("contest-1", 8453, "0xregistrar", "", "", "100", "live", meta, time.Now())
}

func replayEnvelope(block model.BlockNumber, logIndex uint32, suffix byte) model.EventEnvelope {
	hash := []byte("0x0000000000000000000000000000000000000000000000000000000000000000")
	hash[len(hash)-1] = suffix
	return model.EventEnvelope{
		Type:        model.EventSettlement,
		ChainID:     8453,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      string(hash),
		DerivedAt:   model.BlockRef{BlockNumber: block, Timestamp: time.Unix(1700000000, 0)},
	}
}

func newTestEngine(t *testing.T, puller ingest.Puller) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	mock.ExpectQuery(`SELECT contest_id, chain_id, registrar_address`).
		WillReturnRows(streamRows())
	require.NoError(t, reg.Reload(context.Background()))

	return NewEngine(puller, ingest.NewWriter(db), reg, queue.New(db, nil), nil), mock
}

func TestReplayInvalidRangeRejected(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePuller{})

	_, err := engine.Replay(context.Background(), "contest-1", 8453, 120, 100, "test", "ops")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInputInvalid, apperr.KindOf(err))
}

func TestReplayUnknownStreamNotFound(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePuller{})

	_, err := engine.Replay(context.Background(), "missing", 8453, 100, 120, "test", "ops")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestReplaySchedulesReconciliation(t *testing.T) {
	ev := replayEnvelope(110, 0, 'a')
	puller := &fakePuller{result: &gateway.PullResult{Events: []model.EventEnvelope{ev}}}
	engine, mock := newTestEngine(t, puller)

	// Baseline snapshot read before any write.
	mock.ExpectQuery(`SELECT tx_hash, log_index, event_type`).
		WillReturnRows(sqlmock.NewRows([]string{"tx_hash", "log_index", "event_type", "block_number", "payload", "reorg_flag", "occurred_at"}))
	// Replayed rows land without a cursor update.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(sqlmock.NewRows([]string{"cursor_height", "cursor_log_index", "cursor_hash"}).
			AddRow("120", 3, "0xhash"))
	mock.ExpectCommit()
	// One reconciliation job.
	mock.ExpectExec(`INSERT INTO indexer_jobs`).WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := engine.Replay(context.Background(), "contest-1", 8453, 100, 120, "suspected reorg", "ops")
	require.NoError(t, err)

	assert.NotEmpty(t, res.JobID)
	assert.NotEmpty(t, res.ReportID)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, res.Baseline)

	// The gateway was asked for the bounded range, not the live cursor.
	require.NotNil(t, puller.gotReq.FromBlock)
	require.NotNil(t, puller.gotReq.ToBlock)
	assert.Equal(t, model.BlockNumber(100), *puller.gotReq.FromBlock)
	assert.Equal(t, model.BlockNumber(120), *puller.gotReq.ToBlock)
	assert.Nil(t, puller.gotReq.Cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayDropsEventsOutsideRange(t *testing.T) {
	inRange := replayEnvelope(110, 0, 'a')
	outside := replayEnvelope(130, 0, 'b')
	puller := &fakePuller{result: &gateway.PullResult{Events: []model.EventEnvelope{inRange, outside}}}
	engine, mock := newTestEngine(t, puller)

	mock.ExpectQuery(`SELECT tx_hash, log_index, event_type`).
		WillReturnRows(sqlmock.NewRows([]string{"tx_hash", "log_index", "event_type", "block_number", "payload", "reorg_flag", "occurred_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(sqlmock.NewRows([]string{"cursor_height", "cursor_log_index", "cursor_hash"}))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO indexer_jobs`).WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := engine.Replay(context.Background(), "contest-1", 8453, 100, 120, "test", "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
}
