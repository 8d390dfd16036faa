// Package control is the operator surface: pause/resume, manual milestone
// retries, processing-mode changes and replay scheduling, all audited.
package control

import (
	"sync"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/model"
)

// Processing modes consulted by the milestone processor.
const (
	ModeLive   = "live"
	ModePaused = "paused"
)

// ModeRegistry holds the per-contest processing mode in memory. Contests
// default to live; the mode is operational state, deliberately not
// persisted, so a restart always resumes processing.
type ModeRegistry struct {
	mu    sync.RWMutex
	modes map[model.StreamKey]string
}

func NewModeRegistry() *ModeRegistry {
	return &ModeRegistry{modes: make(map[model.StreamKey]string)}
}

// Mode implements milestone.ModeChecker.
func (r *ModeRegistry) Mode(contestID string, chainID uint64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.modes[model.StreamKey{ContestID: contestID, ChainID: chainID}]; ok {
		return m
	}
	return ModeLive
}

// SetMode validates and records the mode for a contest.
func (r *ModeRegistry) SetMode(contestID string, chainID uint64, mode string) error {
	if mode != ModeLive && mode != ModePaused {
		return apperr.E(apperr.KindInputInvalid, "unknown processing mode %q", mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := model.StreamKey{ContestID: contestID, ChainID: chainID}
	if mode == ModeLive {
		delete(r.modes, key)
		return nil
	}
	r.modes[key] = mode
	return nil
}

// Paused lists the keys currently not in live mode, for the health surface.
func (r *ModeRegistry) Paused() []model.StreamKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.StreamKey, 0, len(r.modes))
	for k := range r.modes {
		out = append(out, k)
	}
	return out
}
