package ingest

import (
	"log"
	"sync"
	"time"

	"github.com/contestlabs/indexer/internal/model"
)

// PauseFunc is invoked when a stream crosses the failure threshold. The
// control plane wires it to a registry state change.
type PauseFunc func(key model.StreamKey, reason string)

// StreamHealth is the tracked state of one stream.
type StreamHealth struct {
	Key           model.StreamKey `json:"key"`
	ErrorStreak   int             `json:"errorStreak"`
	TotalFailures int             `json:"totalFailures"`
	LastEndpoint  string          `json:"lastEndpoint,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	LastSuccessAt time.Time       `json:"lastSuccessAt,omitzero"`
	NextPollAt    time.Time       `json:"nextPollAt,omitzero"`
}

// HealthTracker counts consecutive failures per stream and pauses a stream
// once failures across endpoints reach the threshold. The endpoint pool
// handles per-endpoint failover on its own shorter fuse.
type HealthTracker struct {
	threshold int
	onPause   PauseFunc
	logger    *log.Logger

	mu      sync.Mutex
	streams map[model.StreamKey]*StreamHealth
}

func NewHealthTracker(threshold int, onPause PauseFunc) *HealthTracker {
	return &HealthTracker{
		threshold: threshold,
		onPause:   onPause,
		logger:    log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
		streams:   make(map[model.StreamKey]*StreamHealth),
	}
}

func (t *HealthTracker) get(key model.StreamKey) *StreamHealth {
	h, ok := t.streams[key]
	if !ok {
		h = &StreamHealth{Key: key}
		t.streams[key] = h
	}
	return h
}

// RecordSuccess resets the streak and sets the next scheduled poll.
func (t *HealthTracker) RecordSuccess(key model.StreamKey, nextPollAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.get(key)
	h.ErrorStreak = 0
	h.TotalFailures = 0
	h.LastError = ""
	h.LastSuccessAt = time.Now().UTC()
	h.NextPollAt = nextPollAt
}

// RecordFailure bumps the streak and returns it. Crossing the threshold
// fires the pause callback once; the streak keeps counting so the caller can
// still compute backoff for a stream the operator chooses to resume.
func (t *HealthTracker) RecordFailure(key model.StreamKey, endpoint string, err error) int {
	t.mu.Lock()
	h := t.get(key)
	h.ErrorStreak++
	h.TotalFailures++
	h.LastEndpoint = endpoint
	if err != nil {
		h.LastError = err.Error()
	}
	streak := h.ErrorStreak
	total := h.TotalFailures
	lastErr := h.LastError
	t.mu.Unlock()

	if total == t.threshold && t.onPause != nil {
		t.logger.Printf("stream %s: %d consecutive failures, pausing (last endpoint %s)", key, total, endpoint)
		t.onPause(key, lastErr)
	}
	return streak
}

// Streak returns the current consecutive-failure count for a stream.
func (t *HealthTracker) Streak(key model.StreamKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(key).ErrorStreak
}

// Reset clears tracked state for a stream, used on manual resume.
func (t *HealthTracker) Reset(key model.StreamKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, key)
}

// Snapshot returns a copy of all tracked streams for the status surface.
func (t *HealthTracker) Snapshot() []StreamHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StreamHealth, 0, len(t.streams))
	for _, h := range t.streams {
		out = append(out, *h)
	}
	return out
}
