package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/queue"
)

func newTestProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProcessor(db, queue.New(db, nil)), mock
}

func reportJob(t *testing.T, payload ReportPayload) *queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{
		ID:         "job-1",
		Name:       queue.QueueReconcile,
		Data:       data,
		RetryLimit: 5,
		CreatedOn:  time.Now(),
	}
}

func testReport(baseline, replayed []model.EventEnvelope) ReportPayload {
	return ReportPayload{
		ReportID:    "report-1",
		ContestID:   "contest-1",
		ChainID:     8453,
		FromBlock:   100,
		ToBlock:     120,
		GeneratedAt: time.Unix(1700000000, 0).UTC(),
		Actor:       "ops@example.com",
		Reason:      "suspected reorg",
		Baseline:    baseline,
		Replayed:    replayed,
	}
}

func TestHandleCleanReportResolves(t *testing.T) {
	p, mock := newTestProcessor(t)

	events := []model.EventEnvelope{envelope("0xaaa", 0, 110, nil)}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reconciliation_report_ledgers`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reconciliation_report_ledgers`).
		WithArgs(sqlmock.AnyArg(), StatusResolved, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Handle(context.Background(), reportJob(t, testReport(events, events)))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAbsentBaselineResolvesWithZeroDiscrepancies(t *testing.T) {
	p, mock := newTestProcessor(t)

	replayed := []model.EventEnvelope{envelope("0xaaa", 0, 110, nil)}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reconciliation_report_ledgers`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reconciliation_report_ledgers`).
		WithArgs(sqlmock.AnyArg(), StatusResolved, 1, []byte("[]"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Handle(context.Background(), reportJob(t, testReport(nil, replayed)))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleDiscrepanciesNeedAttention(t *testing.T) {
	p, mock := newTestProcessor(t)

	baseline := []model.EventEnvelope{
		envelope("0xaaa", 0, 110, nil),
		envelope("0xbbb", 1, 111, nil),
	}
	replayed := baseline[:1]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reconciliation_report_ledgers`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO indexer_notifications`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reconciliation_report_ledgers`).
		WithArgs(sqlmock.AnyArg(), StatusNeedsAttention, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Handle(context.Background(), reportJob(t, testReport(baseline, replayed)))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAlreadyProcessedReportIsSkipped(t *testing.T) {
	p, mock := newTestProcessor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reconciliation_report_ledgers`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM reconciliation_report_ledgers`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusResolved))
	mock.ExpectCommit()

	err := p.Handle(context.Background(), reportJob(t, testReport(nil, nil)))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleMalformedPayloadFailsPermanently(t *testing.T) {
	p, _ := newTestProcessor(t)

	job := &queue.Job{ID: "job-1", Name: queue.QueueReconcile, Data: json.RawMessage(`{"reportId":""}`), RetryLimit: 5}
	err := p.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrNoRetry))
}

func TestHandleTransientFailureRetries(t *testing.T) {
	p, mock := newTestProcessor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reconciliation_report_ledgers`).
		WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()
	mock.ExpectExec(`UPDATE reconciliation_report_ledgers`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.Handle(context.Background(), reportJob(t, testReport(nil, nil)))
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrNoRetry))
	assert.NoError(t, mock.ExpectationsWereMet())
}
