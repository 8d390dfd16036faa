// Package queue is a durable Postgres-backed job queue. Jobs survive
// restarts, workers fetch with SKIP LOCKED so replicas never double-claim,
// and delivery is at-least-once: consumers enforce exactly-once side effects
// with idempotency keys.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/contestlabs/indexer/internal/telemetry"
)

// Queue names used by the indexer.
const (
	QueueMilestone = "indexer.milestone"
	QueueReconcile = "indexer.reconcile"
)

// Job states.
const (
	StateCreated   = "created"
	StateActive    = "active"
	StateRetry     = "retry"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	defaultRetryLimit = 5
	defaultRetryDelay = 15 * time.Second
	maxRetryDelay     = 15 * time.Minute
	fetchInterval     = 2 * time.Second
	purgeInterval     = time.Hour
	reclaimInterval   = time.Minute

	// A job active longer than this lost its worker to a crash; the
	// reclaimer returns it to the queue.
	activeTimeout = 15 * time.Minute

	// Completed and failed rows are kept long enough to honor the 24h
	// deduplication window before the janitor removes them.
	retention = 48 * time.Hour
)

// ErrNoRetry wraps handler errors that must not be retried; the job moves
// straight to failed.
var ErrNoRetry = errors.New("permanent job failure")

// DeferError reschedules the job without consuming a retry. The job keeps
// its row, so dedupe keys stay in force while it waits.
type DeferError struct {
	Delay time.Duration
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("job deferred for %s", e.Delay)
}

// Defer builds the handler return value that postpones redelivery.
func Defer(delay time.Duration) error {
	return &DeferError{Delay: delay}
}

// uniqueViolation is the Postgres error code raised by the partial unique
// indexes guarding dedupe and singleton keys.
const uniqueViolation = "23505"

// Job is one delivered unit of work.
type Job struct {
	ID           string
	Name         string
	Data         json.RawMessage
	Attempts     int // completed delivery attempts before this one
	RetryLimit   int
	CreatedOn    time.Time
	SingletonKey string
	DedupeKey    string
}

// Handler processes one job. Returning an error retries the job with
// backoff unless the error wraps ErrNoRetry.
type Handler func(ctx context.Context, job *Job) error

// PublishOptions tune a single publish.
type PublishOptions struct {
	// DedupeKey makes repeat publishes within the retention window noops.
	DedupeKey string
	// SingletonKey allows at most one queued job with the key. One active
	// job may coexist with one queued, so keyed work serializes instead of
	// dropping.
	SingletonKey string
	// StartAfter delays the first delivery.
	StartAfter time.Time
	Priority   int
	RetryLimit int
}

type worker struct {
	name        string
	handler     Handler
	concurrency int
	retryDelay  time.Duration
}

// WorkerOptions tune a registered worker.
type WorkerOptions struct {
	Concurrency int
	RetryDelay  time.Duration
}

// Queue is the shared queue handle: publishers and workers use the same
// instance and the same database.
type Queue struct {
	db      *sql.DB
	metrics *telemetry.Metrics
	logger  *log.Logger

	mu          sync.Mutex
	workers     []worker
	lastSuccess map[string]time.Time
	lastError   map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *sql.DB, metrics *telemetry.Metrics) *Queue {
	return &Queue{
		db:          db,
		metrics:     metrics,
		logger:      log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		lastSuccess: make(map[string]time.Time),
		lastError:   make(map[string]string),
	}
}

// Publish enqueues a job. A dedupe or singleton collision is a noop and
// returns an empty id. The returned id otherwise identifies the new job.
func (q *Queue) Publish(ctx context.Context, name string, payload any, opts PublishOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}
	startAfter := opts.StartAfter
	if startAfter.IsZero() {
		startAfter = time.Now()
	}

	id := uuid.NewString()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO indexer_jobs
			(id, name, data, priority, state, retrylimit, nextiteration, singleton_key, dedupe_key)
		VALUES ($1, $2, $3, $4, 'created', $5, $6, NULLIF($7, ''), NULLIF($8, ''))`,
		id, name, data, opts.Priority, retryLimit, startAfter, opts.SingletonKey, opts.DedupeKey)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// Duplicate publish within the dedupe window, or a non-terminal
			// singleton already queued. Either way the work is covered.
			return "", nil
		}
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	return id, nil
}

// RegisterWorker attaches a handler to a queue. Call before Start.
func (q *Queue) RegisterWorker(name string, handler Handler, opts WorkerOptions) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	q.mu.Lock()
	q.workers = append(q.workers, worker{
		name:        name,
		handler:     handler,
		concurrency: opts.Concurrency,
		retryDelay:  opts.RetryDelay,
	})
	q.mu.Unlock()
}

// Start launches all registered workers plus the janitor. Stop drains them.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.mu.Lock()
	workers := make([]worker, len(q.workers))
	copy(workers, q.workers)
	q.mu.Unlock()

	for _, w := range workers {
		for i := 0; i < w.concurrency; i++ {
			q.wg.Add(1)
			go q.runWorker(runCtx, w)
		}
		q.logger.Printf("queue %s: %d workers started", w.name, w.concurrency)
	}

	q.wg.Add(1)
	go q.runJanitor(runCtx)

	q.wg.Add(1)
	go q.runReclaimer(runCtx)
}

// Stop cancels workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Printf("all workers drained")
}

func (q *Queue) runWorker(ctx context.Context, w worker) {
	defer q.wg.Done()

	ticker := time.NewTicker(fetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain the backlog before sleeping again.
		for {
			job, err := q.fetch(ctx, w.name)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Printf("queue %s: fetch failed: %v", w.name, err)
				}
				break
			}
			if job == nil {
				break
			}
			q.process(ctx, w, job)
		}
	}
}

// fetch claims the next due job, nil when the queue is empty.
func (q *Queue) fetch(ctx context.Context, name string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE indexer_jobs
		SET state = 'active', startedon = now()
		WHERE id = (
			SELECT j.id FROM indexer_jobs j
			WHERE j.name = $1 AND j.state IN ('created', 'retry') AND j.nextiteration <= now()
				AND (j.singleton_key IS NULL OR NOT EXISTS (
					SELECT 1 FROM indexer_jobs a
					WHERE a.name = j.name AND a.singleton_key = j.singleton_key AND a.state = 'active'
				))
			ORDER BY j.priority DESC, j.createdon
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, data, retrycount, retrylimit, createdon,
			COALESCE(singleton_key, ''), COALESCE(dedupe_key, '')`,
		name)

	job := &Job{Name: name}
	err := row.Scan(&job.ID, &job.Data, &job.Attempts, &job.RetryLimit,
		&job.CreatedOn, &job.SingletonKey, &job.DedupeKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) process(ctx context.Context, w worker, job *Job) {
	started := time.Now()
	err := w.handler(ctx, job)
	elapsed := time.Since(started)

	// State updates must land even when shutdown cancels ctx mid-job;
	// otherwise the row stays active until the reclaimer times it out.
	dbCtx := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := q.complete(dbCtx, job); cerr != nil {
			q.logger.Printf("queue %s: complete %s failed: %v", w.name, job.ID, cerr)
			return
		}
		q.recordOutcome(w.name, "success", elapsed, "")
		return
	}

	var deferErr *DeferError
	if errors.As(err, &deferErr) {
		if derr := q.deferJob(dbCtx, job, deferErr.Delay); derr != nil {
			q.logger.Printf("queue %s: defer %s failed: %v", w.name, job.ID, derr)
			return
		}
		if q.metrics != nil {
			q.metrics.RecordJob(w.name, "deferred", elapsed)
		}
		return
	}

	q.fail(dbCtx, w, job, err, elapsed)
}

// deferJob puts the job back in line after a delay, retry budget untouched.
// The row re-enters as 'retry' so it cannot trip the singleton guard on
// queued jobs.
func (q *Queue) deferJob(ctx context.Context, job *Job, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE indexer_jobs
		SET state = 'retry', startedon = NULL, nextiteration = now() + $2 * interval '1 second'
		WHERE id = $1`, job.ID, int(delay.Seconds()))
	return err
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE indexer_jobs
		SET state = 'completed', completedon = now(), last_error = NULL
		WHERE id = $1`, job.ID)
	return err
}

// fail moves the job to retry with exponential backoff, or to failed when
// the error is permanent or the retry budget is spent.
func (q *Queue) fail(ctx context.Context, w worker, job *Job, jobErr error, elapsed time.Duration) {
	attempt := job.Attempts + 1
	permanent := errors.Is(jobErr, ErrNoRetry) || attempt >= job.RetryLimit

	if permanent {
		_, err := q.db.ExecContext(ctx, `
			UPDATE indexer_jobs
			SET state = 'failed', completedon = now(), retrycount = $2, last_error = $3
			WHERE id = $1`, job.ID, attempt, jobErr.Error())
		if err != nil {
			q.logger.Printf("queue %s: mark failed %s: %v", w.name, job.ID, err)
		}
		q.logger.Printf("queue %s: job %s failed permanently after %d attempts: %v",
			w.name, job.ID, attempt, jobErr)
		q.recordOutcome(w.name, "failure", elapsed, jobErr.Error())
		return
	}

	delay := retryDelay(w.retryDelay, attempt)
	_, err := q.db.ExecContext(ctx, `
		UPDATE indexer_jobs
		SET state = 'retry', retrycount = $2, nextiteration = now() + $3 * interval '1 second', last_error = $4
		WHERE id = $1`, job.ID, attempt, int(delay.Seconds()), jobErr.Error())
	if err != nil {
		q.logger.Printf("queue %s: schedule retry %s: %v", w.name, job.ID, err)
		return
	}
	if q.metrics != nil {
		q.metrics.RecordRetry(w.name, "handler_error")
	}
	q.logger.Printf("queue %s: job %s attempt %d/%d failed, retry in %s: %v",
		w.name, job.ID, attempt, job.RetryLimit, delay, jobErr)
}

// retryDelay is base × 2^(attempt−1), capped.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func (q *Queue) recordOutcome(name, outcome string, elapsed time.Duration, lastErr string) {
	if q.metrics != nil {
		q.metrics.RecordJob(name, outcome, elapsed)
	}
	q.mu.Lock()
	if outcome == "success" {
		q.lastSuccess[name] = time.Now().UTC()
		q.lastError[name] = ""
	} else {
		q.lastError[name] = lastErr
	}
	q.mu.Unlock()
}

// RecordOutcome lets handlers report terminal outcomes the queue cannot see
// on its own, such as skipped or deferred jobs.
func (q *Queue) RecordOutcome(name, outcome string) {
	if q.metrics != nil {
		q.metrics.RecordJob(name, outcome, 0)
	}
}

// Stats implements telemetry.QueueStats: pending (due now), delayed
// (scheduled later), failed.
func (q *Queue) Stats(name string) (pending, delayed, failed int, err error) {
	row := q.db.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE state IN ('created', 'retry', 'active') AND nextiteration <= now()),
			COUNT(*) FILTER (WHERE state IN ('created', 'retry') AND nextiteration > now()),
			COUNT(*) FILTER (WHERE state = 'failed')
		FROM indexer_jobs WHERE name = $1`, name)
	err = row.Scan(&pending, &delayed, &failed)
	return
}

// LastSuccess implements telemetry.QueueStats.
func (q *Queue) LastSuccess(name string) (time.Time, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSuccess[name], q.lastError[name]
}

// UpdateDepthMetrics pushes current per-state depth into the gauges.
func (q *Queue) UpdateDepthMetrics(names []string) {
	if q.metrics == nil {
		return
	}
	for _, name := range names {
		pending, delayed, failed, err := q.Stats(name)
		if err != nil {
			continue
		}
		q.metrics.QueueDepth.WithLabelValues(name, "pending").Set(float64(pending))
		q.metrics.QueueDepth.WithLabelValues(name, "delayed").Set(float64(delayed))
		q.metrics.QueueDepth.WithLabelValues(name, "failed").Set(float64(failed))
	}
}

// runReclaimer returns orphaned active jobs to the queue. A crash between
// fetch and completion leaves the row active, and an active row blocks every
// later job sharing its singleton key; timing it back to retry restores
// at-least-once delivery across restarts. Runs once immediately so a restart
// recovers without waiting out the first interval.
func (q *Queue) runReclaimer(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	q.reclaimStale(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		q.reclaimStale(ctx)
	}
}

// reclaimStale requeues active jobs whose worker went away. The retry budget
// is untouched: the attempt never reported an outcome, and consumers dedupe
// by idempotency key if the work did land before the crash.
func (q *Queue) reclaimStale(ctx context.Context) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE indexer_jobs
		SET state = 'retry', startedon = NULL, nextiteration = now()
		WHERE state = 'active' AND startedon < now() - $1 * interval '1 second'`,
		int(activeTimeout.Seconds()))
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Printf("reclaimer: %v", err)
		}
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Printf("reclaimer: requeued %d orphaned active jobs", n)
	}
}

// runJanitor purges terminal jobs past retention so dedupe keys free up and
// the table stays bounded.
func (q *Queue) runJanitor(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := q.db.ExecContext(ctx, `
			DELETE FROM indexer_jobs
			WHERE state IN ('completed', 'failed') AND completedon < now() - $1 * interval '1 second'`,
			int(retention.Seconds()))
		if err != nil {
			q.logger.Printf("janitor: purge failed: %v", err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			q.logger.Printf("janitor: purged %d terminal jobs", n)
		}
	}
}
