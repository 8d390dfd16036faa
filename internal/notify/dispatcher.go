package notify

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/contestlabs/indexer/internal/telemetry"
)

const (
	sweepInterval = 5 * time.Second
	sweepBatch    = 50
	maxAttempts   = 3
)

// Dispatcher drains the notification outbox with a small worker pool. Rows
// stay undispatched on failure and are retried on later sweeps, so delivery
// is at-least-once per channel set.
type Dispatcher struct {
	db       *sql.DB
	channels []Channel
	metrics  *telemetry.Metrics
	logger   *log.Logger

	jobs   chan Notification
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewDispatcher(db *sql.DB, metrics *telemetry.Metrics, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		db:       db,
		channels: channels,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		jobs:     make(chan Notification, 256),
	}
}

// Start launches the sweeper and the delivery workers.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}
	d.wg.Add(1)
	go d.sweep(runCtx)
}

// Stop halts sweeping and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Printf("dispatcher drained")
}

func (d *Dispatcher) sweep(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, err := d.fetchPending(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Printf("sweep failed: %v", err)
			}
			continue
		}
		for _, n := range batch {
			select {
			case d.jobs <- n:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) fetchPending(ctx context.Context) ([]Notification, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, channel, target, template, payload,
			COALESCE(contest_id, ''), COALESCE(chain_id, 0), created_at
		FROM indexer_notifications
		WHERE dispatched = FALSE
		ORDER BY created_at
		LIMIT $1`, sweepBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Channel, &n.Target, &n.Template,
			&n.Payload, &n.ContestID, &n.ChainID, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.jobs:
			d.deliver(ctx, n)
		}
	}
}

// deliver sends to every channel, retrying each a few times inline. The row
// is marked dispatched only when all channels accepted it; otherwise the
// next sweep picks it up again.
func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	allOK := true
	for _, ch := range d.channels {
		if err := d.sendWithRetry(ctx, ch, n); err != nil {
			d.logger.Printf("notification %s via %s failed: %v", n.ID, ch.Name(), err)
			d.record(ch.Name(), "failure")
			allOK = false
			continue
		}
		d.record(ch.Name(), "success")
	}
	if !allOK {
		return
	}

	_, err := d.db.ExecContext(ctx,
		`UPDATE indexer_notifications SET dispatched = TRUE WHERE id = $1`, n.ID)
	if err != nil {
		d.logger.Printf("mark dispatched %s: %v", n.ID, err)
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, n Notification) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = ch.Send(ctx, n); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt*attempt) * time.Second):
		}
	}
	return err
}

func (d *Dispatcher) record(channel, outcome string) {
	if d.metrics != nil {
		d.metrics.NotificationsDispatched.WithLabelValues(channel, outcome).Inc()
	}
}
