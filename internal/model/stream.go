package model

import (
	"fmt"
	"time"
)

// StreamState is the ingestion state of a tracked contest.
type StreamState string

const (
	StreamLive   StreamState = "live"
	StreamReplay StreamState = "replay"
	StreamPaused StreamState = "paused"
)

/// StreamKey identifies a stream: one contest on one chain.
type StreamKey struct {
	ContestID string
	ChainID   uint64
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s@%d", k.ContestID, k.ChainID)
}

// StreamAddresses holds the contract addresses the gateway filters on.
// Registrar is required; the others are optional per deployment.
type StreamAddresses struct {
	Registrar string `json:"registrar"`
	Vault     string `json:"vault,omitempty"`
	Rewards   string `json:"rewards,omitempty"`
}

// IngestionStream is one tracked contest on a chain, as loaded by the
// registry. The live loop borrows streams; only the registry and the control
// plane mutate state.
type IngestionStream struct {
	ContestID  string            `json:"contestId"`
	ChainID    uint64            `json:"chainId"`
	Addresses  StreamAddresses   `json:"addresses"`
	StartBlock BlockNumber       `json:"startBlock"`
	State      StreamState       `json:"state"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Key returns the stream's primary key.
func (s *IngestionStream) Key() StreamKey {
	return StreamKey{ContestID: s.ContestID, ChainID: s.ChainID}
}
