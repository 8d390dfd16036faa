// Package registry tracks the set of active ingestion streams. The snapshot
// is loaded from the indexer_streams table and swapped atomically on reload;
// readers always see a consistent set.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/model"
)

// Listener receives the full stream snapshot on subscribe and after every
// reload.
type Listener func(streams []*model.IngestionStream)

// Registry owns the stream set. Streams are read-often / write-rare: reload
// swaps the whole snapshot, the control plane flips individual states.
type Registry struct {
	db     *sql.DB
	logger *log.Logger

	mu         sync.RWMutex
	streams    map[model.StreamKey]*model.IngestionStream
	listeners  []Listener
	lastLoaded time.Time
}

// New creates an empty registry; call Reload to populate it.
func New(db *sql.DB) *Registry {
	return &Registry{
		db:      db,
		logger:  log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
		streams: make(map[model.StreamKey]*model.IngestionStream),
	}
}

const loadQuery = `
	SELECT contest_id, chain_id, registrar_address,
	       COALESCE(vault_address, ''), COALESCE(rewards_address, ''),
	       start_block, state, metadata, updated_at
	FROM indexer_streams`

// Reload replaces the snapshot from the database. On failure the previous
// snapshot stays intact; the error is returned for the caller to log.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, loadQuery)
	if err != nil {
		return fmt.Errorf("load streams: %w", err)
	}
	defer rows.Close()

	next := make(map[model.StreamKey]*model.IngestionStream)
	for rows.Next() {
		var (
			s        model.IngestionStream
			startRaw string
			stateRaw string
			metaRaw  []byte
		)
		if err := rows.Scan(&s.ContestID, &s.ChainID, &s.Addresses.Registrar,
			&s.Addresses.Vault, &s.Addresses.Rewards,
			&startRaw, &stateRaw, &metaRaw, &s.UpdatedAt); err != nil {
			return fmt.Errorf("scan stream: %w", err)
		}
		start, err := model.ParseBlockNumber(startRaw)
		if err != nil {
			return fmt.Errorf("stream %s@%d start block: %w", s.ContestID, s.ChainID, err)
		}
		s.StartBlock = start
		s.State = model.StreamState(stateRaw)
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &s.Metadata); err != nil {
				r.logger.Printf("WARN stream %s@%d: bad metadata, ignoring: %v", s.ContestID, s.ChainID, err)
			}
		}
		next[s.Key()] = &s
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load streams: %w", err)
	}

	r.mu.Lock()
	r.streams = next
	r.lastLoaded = time.Now()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	snapshot := r.List()
	for _, l := range listeners {
		l(snapshot)
	}
	return nil
}

// EnsureFresh reloads when the snapshot is older than maxAge. Load failures
// keep the last snapshot and are logged, not fatal.
func (r *Registry) EnsureFresh(ctx context.Context, maxAge time.Duration) {
	r.mu.RLock()
	stale := time.Since(r.lastLoaded) > maxAge
	r.mu.RUnlock()
	if !stale {
		return
	}
	if err := r.Reload(ctx); err != nil {
		r.logger.Printf("ERROR reload failed, keeping last snapshot: %v", err)
	}
}

// List returns the streams sorted by key. Entries are copies: callers hold
// them across requests while SetState mutates the snapshot under the lock.
func (r *Registry) List() []*model.IngestionStream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.IngestionStream, 0, len(r.streams))
	for _, s := range r.streams {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContestID != out[j].ContestID {
			return out[i].ContestID < out[j].ContestID
		}
		return out[i].ChainID < out[j].ChainID
	})
	return out
}

// Get looks up one stream.
func (r *Registry) Get(contestID string, chainID uint64) (*model.IngestionStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[model.StreamKey{ContestID: contestID, ChainID: chainID}]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "stream %s@%d not tracked", contestID, chainID)
	}
	cp := *s
	return &cp, nil
}

// Subscribe registers a listener and immediately delivers the current
// snapshot.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	l(r.List())
}

// SetState persists a stream state change and updates the snapshot in place.
func (r *Registry) SetState(ctx context.Context, key model.StreamKey, state model.StreamState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE indexer_streams SET state = $1, updated_at = now() WHERE contest_id = $2 AND chain_id = $3`,
		string(state), key.ContestID, key.ChainID)
	if err != nil {
		return fmt.Errorf("set stream state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.E(apperr.KindNotFound, "stream %s not tracked", key)
	}

	r.mu.Lock()
	if s, ok := r.streams[key]; ok {
		s.State = state
		s.UpdatedAt = time.Now()
	}
	r.mu.Unlock()

	r.logger.Printf("stream %s -> %s", key, state)
	return nil
}
