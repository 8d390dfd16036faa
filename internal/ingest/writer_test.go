package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestlabs/indexer/internal/model"
)

func testStream() *model.IngestionStream {
	return &model.IngestionStream{
		ContestID:  "contest-1",
		ChainID:    8453,
		Addresses:  model.StreamAddresses{Registrar: "0xregistrar"},
		StartBlock: 100,
		State:      model.StreamLive,
	}
}

func testEnvelope(block model.BlockNumber, logIndex uint32, suffix byte) model.EventEnvelope {
	hash := []byte("0x0000000000000000000000000000000000000000000000000000000000000000")
	hash[len(hash)-1] = suffix
	return model.EventEnvelope{
		Type:        model.EventSettlement,
		ChainID:     8453,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      string(hash),
		Payload:     map[string]any{"winner": "0xabc"},
		DerivedAt: model.BlockRef{
			BlockNumber: block,
			BlockHash:   "0xblockhash",
			Timestamp:   time.Unix(1700000000, 0).UTC(),
		},
	}
}

func cursorRows(height string, logIndex uint32, hash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"cursor_height", "cursor_log_index", "cursor_hash"}).
		AddRow(height, logIndex, hash)
}

func TestWriteBatchFirstWriteInsertsCursor(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index, .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"cursor_height", "cursor_log_index", "cursor_hash"}))
	mock.ExpectExec(`INSERT INTO ingestion_cursors`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectCommit()

	w := NewWriter(db)
	res, err := w.WriteBatch(context.Background(), WriteRequest{
		Stream:        testStream(),
		Events:        []model.EventEnvelope{testEnvelope(119, 7, 'a'), testEnvelope(120, 3, 'b')},
		AdvanceCursor: true,
	})
	require.NoError(t, err)
	assert.Equal(t, WriteApplied, res.Status)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, model.BlockNumber(120), res.CursorHeight)
	assert.Equal(t, uint32(3), res.CursorLogIndex)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchDuplicateRunIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// Same batch replayed: every insert conflicts away, cursor already at
	// the batch tail.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index, .+ FOR UPDATE`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectCommit()

	w := NewWriter(db)
	res, err := w.WriteBatch(context.Background(), WriteRequest{
		Stream:        testStream(),
		Events:        []model.EventEnvelope{testEnvelope(120, 3, 'b')},
		AdvanceCursor: true,
	})
	require.NoError(t, err)
	assert.Equal(t, WriteNoop, res.Status)
	assert.Equal(t, 0, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchCursorNeverRegresses(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// Event at 110#0 arrives while the cursor sits at 120#3. The row is new
	// and inserted, but no cursor UPDATE may be issued.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index, .+ FOR UPDATE`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectCommit()

	w := NewWriter(db)
	res, err := w.WriteBatch(context.Background(), WriteRequest{
		Stream:        testStream(),
		Events:        []model.EventEnvelope{testEnvelope(110, 0, 'c')},
		AdvanceCursor: true,
	})
	require.NoError(t, err)
	assert.Equal(t, WriteApplied, res.Status) // row landed, cursor held
	assert.Equal(t, model.BlockNumber(120), res.CursorHeight)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchReplayAllowsRegression(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index, .+ FOR UPDATE`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectExec(`UPDATE ingestion_cursors`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(cursorRows("110", 0, "0xblockhash"))
	mock.ExpectCommit()

	w := NewWriter(db)
	res, err := w.WriteBatch(context.Background(), WriteRequest{
		Stream:        testStream(),
		Events:        []model.EventEnvelope{testEnvelope(110, 0, 'd')},
		AdvanceCursor: true,
		Replay:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, WriteApplied, res.Status)
	assert.Equal(t, model.BlockNumber(110), res.CursorHeight)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchReplayDoesNotMoveLiveCursor(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// advanceCursor=false is the replay ingest path: rows insert, cursor
	// untouched.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectCommit()

	w := NewWriter(db)
	res, err := w.WriteBatch(context.Background(), WriteRequest{
		Stream: testStream(),
		Events: []model.EventEnvelope{testEnvelope(112, 1, 'e')},
	})
	require.NoError(t, err)
	assert.Equal(t, WriteApplied, res.Status)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, model.BlockNumber(120), res.CursorHeight)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchNilPayloadStoresEmptyObject(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	ev := testEnvelope(112, 1, '1')
	ev.Payload = nil

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingestion_events`).
		WithArgs("contest-1", uint64(8453), ev.TxHash, uint32(1), "settlement",
			"112", []byte(`{}`), false, ev.DerivedAt.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT cursor_height, cursor_log_index`).
		WillReturnRows(cursorRows("120", 3, "0xblockhash"))
	mock.ExpectCommit()

	w := NewWriter(db)
	res, err := w.WriteBatch(context.Background(), WriteRequest{
		Stream: testStream(),
		Events: []model.EventEnvelope{ev},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRejectsInvalidEnvelope(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	bad := testEnvelope(120, 3, 'f')
	bad.TxHash = "not-a-hash"

	w := NewWriter(db)
	_, err = w.WriteBatch(context.Background(), WriteRequest{
		Stream:        testStream(),
		Events:        []model.EventEnvelope{bad},
		AdvanceCursor: true,
	})
	require.Error(t, err)
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	w := NewWriter(db)
	res, err := w.WriteBatch(context.Background(), WriteRequest{
		Stream:        testStream(),
		AdvanceCursor: true,
	})
	require.NoError(t, err)
	assert.Equal(t, WriteNoop, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsInRange(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"tx_hash", "log_index", "event_type", "block_number", "payload", "reorg_flag", "occurred_at"}).
		AddRow("0xaaa", 2, "settlement", "115", []byte(`{"winner":"0xabc"}`), false, time.Unix(1700000000, 0)).
		AddRow("0xbbb", 0, "reward", "118", []byte(`{}`), false, time.Unix(1700000100, 0))
	mock.ExpectQuery(`SELECT tx_hash, log_index, event_type`).
		WithArgs("contest-1", 8453, "110", "120").
		WillReturnRows(rows)

	w := NewWriter(db)
	events, err := w.EventsInRange(context.Background(), testStream(), 110, 120)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.BlockNumber(115), events[0].BlockNumber)
	assert.Equal(t, model.EventSettlement, events[0].Type)
	assert.Equal(t, "0xabc", events[0].Payload["winner"])
	assert.Equal(t, model.EventReward, events[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}
