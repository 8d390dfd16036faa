// Package rpcpool manages the per-chain RPC endpoint pools: one active
// endpoint per chain per call, failure streak tracking, cooldown and
// automatic failover to the next-priority endpoint.
package rpcpool

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/contestlabs/indexer/internal/config"
)

// ErrNoEndpointAvailable is returned when no endpoint on a chain qualifies.
var ErrNoEndpointAvailable = errors.New("no endpoint available")

// Recorder receives pool events for telemetry. Implemented by the telemetry
// package; a nil Recorder disables recording.
type Recorder interface {
	RPCFailure(chainID uint64, reason string)
	RPCSwitch(chainID uint64, from, to string)
}

// Selection is the endpoint chosen for one call.
type Selection struct {
	EndpointID string
	URL        string
	Degraded   bool // all endpoints cooling, nearest-expiry one returned
}

// SwitchRecord captures one failover for the status surface.
type SwitchRecord struct {
	ChainID uint64    `json:"chainId"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// EndpointStatus is the telemetry snapshot of one endpoint.
type EndpointStatus struct {
	ChainID       uint64     `json:"chainId"`
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Priority      int        `json:"priority"`
	Enabled       bool       `json:"enabled"`
	Active        bool       `json:"active"`
	FailCount     int        `json:"failCount"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
}

type endpoint struct {
	id            string
	url           string
	priority      int
	enabled       bool
	failThreshold int
	cooldown      time.Duration

	failCount     int
	lastSuccessAt time.Time
	cooldownUntil time.Time
}

type chainPool struct {
	chainID   uint64
	label     string
	endpoints []*endpoint // sorted by (priority, id); immutable after load
	activeID  string
}

// Manager holds every chain's pool. Counters and cooldowns mutate under the
// mutex; the endpoint lists are immutable after construction.
type Manager struct {
	mu       sync.Mutex
	pools    map[uint64]*chainPool
	switches []SwitchRecord
	recorder Recorder
	logger   *log.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder attaches a telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds the pools from configuration. Per-endpoint overrides fall
// back to the global failure threshold and cooldown.
func NewManager(chains []config.ChainRPCConfig, failureThreshold int, cooldown time.Duration, opts ...Option) *Manager {
	m := &Manager{
		pools:  make(map[uint64]*chainPool, len(chains)),
		logger: log.New(log.Writer(), "[RPC-POOL] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, chain := range chains {
		pool := &chainPool{chainID: chain.ChainID, label: chain.Label}
		for _, ec := range chain.Endpoints {
			ep := &endpoint{
				id:            ec.ID,
				url:           ec.URL,
				priority:      ec.Priority,
				enabled:       ec.IsEnabled(),
				failThreshold: ec.MaxConsecutiveFailures,
				cooldown:      time.Duration(ec.CooldownMs) * time.Millisecond,
			}
			if ep.failThreshold <= 0 {
				ep.failThreshold = failureThreshold
			}
			if ep.cooldown <= 0 {
				ep.cooldown = cooldown
			}
			pool.endpoints = append(pool.endpoints, ep)
		}
		sort.Slice(pool.endpoints, func(i, j int) bool {
			a, b := pool.endpoints[i], pool.endpoints[j]
			if a.priority != b.priority {
				return a.priority < b.priority
			}
			return a.id < b.id
		})
		m.pools[chain.ChainID] = pool
	}

	return m
}

// SelectEndpoint returns the enabled endpoint with the lowest priority whose
// cooldown has expired. When every endpoint is cooling, the one closest to
// cooldown expiry is returned as a degraded success path. Fails with
// ErrNoEndpointAvailable when nothing qualifies at all.
func (m *Manager) SelectEndpoint(chainID uint64) (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[chainID]
	if !ok {
		return Selection{}, fmt.Errorf("chain %d: %w", chainID, ErrNoEndpointAvailable)
	}

	now := m.now()
	for _, ep := range pool.endpoints {
		if !ep.enabled {
			continue
		}
		if ep.cooldownUntil.After(now) {
			continue
		}
		pool.activeID = ep.id
		return Selection{EndpointID: ep.id, URL: ep.url}, nil
	}

	// All enabled endpoints are cooling: pick the nearest expiry.
	var best *endpoint
	for _, ep := range pool.endpoints {
		if !ep.enabled {
			continue
		}
		if best == nil || ep.cooldownUntil.Before(best.cooldownUntil) {
			best = ep
		}
	}
	if best == nil {
		return Selection{}, fmt.Errorf("chain %d: %w", chainID, ErrNoEndpointAvailable)
	}

	m.logger.Printf("WARN chain %d: all endpoints cooling, using %s (cooldown ends %s)",
		chainID, best.id, best.cooldownUntil.Format(time.RFC3339))
	pool.activeID = best.id
	return Selection{EndpointID: best.id, URL: best.url, Degraded: true}, nil
}

// ReportSuccess clears the failure streak for an endpoint.
func (m *Manager) ReportSuccess(chainID uint64, endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := m.find(chainID, endpointID)
	if ep == nil {
		return
	}
	ep.failCount = 0
	ep.lastSuccessAt = m.now()
	ep.cooldownUntil = time.Time{}
}

// ReportFailure increments the endpoint's failure streak. Crossing the
// threshold places the endpoint in cooldown and records a switch to the
// next-priority endpoint.
func (m *Manager) ReportFailure(chainID uint64, endpointID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool := m.pools[chainID]
	ep := m.find(chainID, endpointID)
	if pool == nil || ep == nil {
		return
	}

	ep.failCount++
	if m.recorder != nil {
		m.recorder.RPCFailure(chainID, reason)
	}

	if ep.failCount < ep.failThreshold {
		return
	}

	now := m.now()
	ep.cooldownUntil = now.Add(ep.cooldown)
	ep.failCount = 0

	next := m.nextEligible(pool, now)
	to := ""
	if next != nil {
		to = next.id
		pool.activeID = next.id
	}

	rec := SwitchRecord{ChainID: chainID, From: endpointID, To: to, Reason: reason, At: now}
	m.switches = append(m.switches, rec)
	if len(m.switches) > 100 {
		m.switches = m.switches[len(m.switches)-100:]
	}
	if m.recorder != nil {
		m.recorder.RPCSwitch(chainID, endpointID, to)
	}
	m.logger.Printf("chain %d: endpoint %s cooling until %s, switching to %q (reason: %s)",
		chainID, endpointID, ep.cooldownUntil.Format(time.RFC3339), to, reason)
}

func (m *Manager) nextEligible(pool *chainPool, now time.Time) *endpoint {
	for _, ep := range pool.endpoints {
		if ep.enabled && !ep.cooldownUntil.After(now) {
			return ep
		}
	}
	return nil
}

func (m *Manager) find(chainID uint64, endpointID string) *endpoint {
	pool := m.pools[chainID]
	if pool == nil {
		return nil
	}
	for _, ep := range pool.endpoints {
		if ep.id == endpointID {
			return ep
		}
	}
	return nil
}

// Switches returns the recent failover records, newest last.
func (m *Manager) Switches() []SwitchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SwitchRecord, len(m.switches))
	copy(out, m.switches)
	return out
}

// Snapshot returns the endpoint set for telemetry.
func (m *Manager) Snapshot() []EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EndpointStatus
	for _, pool := range m.pools {
		for _, ep := range pool.endpoints {
			st := EndpointStatus{
				ChainID:   pool.chainID,
				ID:        ep.id,
				URL:       ep.url,
				Priority:  ep.priority,
				Enabled:   ep.enabled,
				Active:    pool.activeID == ep.id,
				FailCount: ep.failCount,
			}
			if !ep.lastSuccessAt.IsZero() {
				t := ep.lastSuccessAt
				st.LastSuccessAt = &t
			}
			if !ep.cooldownUntil.IsZero() {
				t := ep.cooldownUntil
				st.CooldownUntil = &t
			}
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}
