package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/contestlabs/indexer/internal/events"
	"github.com/contestlabs/indexer/internal/gateway"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/registry"
)

const maxBackoff = 5 * time.Minute

// Scheduler runs the live loop for every live stream. Streams tick in
// parallel; a single stream never overlaps its own ticks. Failed ticks back
// off exponentially up to maxBackoff.
type Scheduler struct {
	loop     *Loop
	registry *registry.Registry
	health   *HealthTracker
	bus      *events.Bus
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	runners map[model.StreamKey]context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(loop *Loop, reg *registry.Registry, health *HealthTracker, bus *events.Bus, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		loop:     loop,
		registry: reg,
		health:   health,
		bus:      bus,
		interval: pollInterval,
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		runners:  make(map[model.StreamKey]context.CancelFunc),
	}
}

// Run starts runners for the current registry snapshot and reconciles them
// whenever the registry reloads. Blocks until ctx is cancelled, then drains
// in-flight ticks.
func (s *Scheduler) Run(ctx context.Context) {
	updates := make(chan []*model.IngestionStream, 4)
	s.registry.Subscribe(func(streams []*model.IngestionStream) {
		select {
		case updates <- streams:
		default:
			// A reconcile is already queued; the next snapshot supersedes it.
		}
	})

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.logger.Printf("all stream runners drained")
			return
		case streams := <-updates:
			s.reconcile(ctx, streams)
		}
	}
}

// reconcile starts runners for new live streams and cancels runners for
// streams that left the live state or disappeared.
func (s *Scheduler) reconcile(ctx context.Context, streams []*model.IngestionStream) {
	want := make(map[model.StreamKey]*model.IngestionStream)
	for _, st := range streams {
		if st.State == model.StreamLive {
			want[st.Key()] = st
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, cancel := range s.runners {
		if _, ok := want[key]; !ok {
			cancel()
			delete(s.runners, key)
			s.logger.Printf("stream %s: runner stopped", key)
		}
	}

	for key, st := range want {
		if _, ok := s.runners[key]; ok {
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		s.runners[key] = cancel
		s.wg.Add(1)
		go s.runStream(runCtx, st)
		s.logger.Printf("stream %s: runner started", key)
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cancel := range s.runners {
		cancel()
		delete(s.runners, key)
	}
}

// runStream ticks one stream until cancelled. Each iteration re-reads the
// stream from the registry so state and address changes apply without a
// restart.
func (s *Scheduler) runStream(ctx context.Context, stream *model.IngestionStream) {
	defer s.wg.Done()

	key := stream.Key()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		current, err := s.registry.Get(key.ContestID, key.ChainID)
		if err != nil || current.State != model.StreamLive {
			return
		}

		_, tickErr := s.loop.Tick(ctx, current)
		if tickErr == nil {
			next := time.Now().Add(s.interval)
			s.health.RecordSuccess(key, next)
			timer.Reset(s.interval)
			continue
		}

		if errors.Is(tickErr, context.Canceled) {
			return
		}

		streak := s.health.RecordFailure(key, Endpoint(tickErr), tickErr)
		if isFatal(tickErr) {
			s.logger.Printf("stream %s: fatal tick error, stopping runner: %v", key, tickErr)
			s.pause(key, tickErr)
			return
		}

		delay := backoff(s.interval, streak)
		s.logger.Printf("stream %s: tick failed (streak %d), next attempt in %s: %v",
			key, streak, delay, tickErr)
		timer.Reset(delay)
	}
}

func (s *Scheduler) pause(key model.StreamKey, cause error) {
	if err := s.registry.SetState(context.Background(), key, model.StreamPaused); err != nil {
		s.logger.Printf("stream %s: pause after fatal error failed: %v", key, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeStreamState, map[string]any{
			"contestId": key.ContestID,
			"chainId":   key.ChainID,
			"state":     string(model.StreamPaused),
			"cause":     cause.Error(),
		})
	}
}

func isFatal(err error) bool {
	var gerr *gateway.Error
	return errors.As(err, &gerr) && gerr.Fatal
}

// backoff computes the failure delay: pollInterval doubled per consecutive
// failure, capped at maxBackoff.
func backoff(interval time.Duration, streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	d := interval
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
