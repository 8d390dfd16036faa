// Package model holds the canonical data shapes shared across the indexer:
// event envelopes, cursors, streams and milestone payloads. The package is
// pure data — no I/O, no business logic beyond comparisons and key hashing.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// EventType classifies one on-chain contest log.
type EventType string

const (
	EventRegistration EventType = "registration"
	EventRebalance    EventType = "rebalance"
	EventSettlement   EventType = "settlement"
	EventReward       EventType = "reward"
	EventRedemption   EventType = "redemption"
	EventDeployment   EventType = "deployment"
)

var eventTypes = map[EventType]bool{
	EventRegistration: true,
	EventRebalance:    true,
	EventSettlement:   true,
	EventReward:       true,
	EventRedemption:   true,
	EventDeployment:   true,
}

// ParseEventType validates a wire-format event type.
func ParseEventType(s string) (EventType, error) {
	et := EventType(s)
	if !eventTypes[et] {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return et, nil
}

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidTxHash reports whether s is a 32-byte 0x-prefixed hex hash.
func ValidTxHash(s string) bool {
	return txHashRe.MatchString(s)
}

// BlockRef pins an envelope to the block it was derived from, so a later
// reorg check can compare hashes.
type BlockRef struct {
	BlockNumber BlockNumber `json:"blockNumber"`
	BlockHash   string      `json:"blockHash"`
	Timestamp   time.Time   `json:"timestamp"`
}

// EventEnvelope is one log observed on chain. Envelopes are immutable once
// produced by the gateway; within a stream (blockNumber, logIndex) is unique,
// and (chainId, txHash, logIndex) is unique globally.
type EventEnvelope struct {
	Type        EventType      `json:"type"`
	ChainID     uint64         `json:"chainId"`
	BlockNumber BlockNumber    `json:"blockNumber"`
	LogIndex    uint32         `json:"logIndex"`
	TxHash      string         `json:"txHash"`
	Payload     map[string]any `json:"payload,omitempty"`
	ReorgFlag   bool           `json:"reorgFlag,omitempty"`
	DerivedAt   BlockRef       `json:"derivedAt"`
}

// Cursor returns the envelope's position on its stream.
func (e EventEnvelope) Cursor() Cursor {
	return Cursor{BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}

// Same reports envelope identity: (chainId, txHash, logIndex).
func (e EventEnvelope) Same(other EventEnvelope) bool {
	return e.ChainID == other.ChainID && e.TxHash == other.TxHash && e.LogIndex == other.LogIndex
}

// Validate checks the fields the writer relies on.
func (e EventEnvelope) Validate() error {
	if _, err := ParseEventType(string(e.Type)); err != nil {
		return err
	}
	if !ValidTxHash(e.TxHash) {
		return fmt.Errorf("invalid tx hash %q", e.TxHash)
	}
	return nil
}
