package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Milestone names a business-visible outcome derived from an on-chain event.
type Milestone string

const (
	MilestoneSettled         Milestone = "settled"
	MilestoneRewardReady     Milestone = "reward_ready"
	MilestoneRedemptionReady Milestone = "redemption_ready"
)

var milestoneByEvent = map[EventType]Milestone{
	EventSettlement: MilestoneSettled,
	EventReward:     MilestoneRewardReady,
	EventRedemption: MilestoneRedemptionReady,
}

// MilestoneForEvent returns the milestone an event type maps to, if any.
func MilestoneForEvent(et EventType) (Milestone, bool) {
	m, ok := milestoneByEvent[et]
	return m, ok
}

// ParseMilestone validates a wire-format milestone name.
func ParseMilestone(s string) (Milestone, error) {
	switch m := Milestone(s); m {
	case MilestoneSettled, MilestoneRewardReady, MilestoneRedemptionReady:
		return m, nil
	default:
		return "", fmt.Errorf("unknown milestone %q", s)
	}
}

// MilestonePayload is the job payload published for each milestone-bearing
// envelope. Source block numbers string-encode on the wire like every other
// block height.
type MilestonePayload struct {
	ContestID         string         `json:"contestId"`
	ChainID           uint64         `json:"chainId"`
	Milestone         Milestone      `json:"milestone"`
	SourceTxHash      string         `json:"sourceTxHash"`
	SourceLogIndex    uint32         `json:"sourceLogIndex"`
	SourceBlockNumber BlockNumber    `json:"sourceBlockNumber"`
	Payload           map[string]any `json:"payload,omitempty"`
}

// milestonePayloadWire mirrors MilestonePayload for decoding, plus the nested
// sourceEvent object older publishers emit in place of the flat fields.
type milestonePayloadWire struct {
	ContestID         string         `json:"contestId"`
	ChainID           uint64         `json:"chainId"`
	Milestone         Milestone      `json:"milestone"`
	SourceTxHash      string         `json:"sourceTxHash"`
	SourceLogIndex    uint32         `json:"sourceLogIndex"`
	SourceBlockNumber BlockNumber    `json:"sourceBlockNumber"`
	Payload           map[string]any `json:"payload"`
	SourceEvent       *struct {
		TxHash      string      `json:"txHash"`
		LogIndex    uint32      `json:"logIndex"`
		BlockNumber BlockNumber `json:"blockNumber"`
	} `json:"sourceEvent"`
}

// UnmarshalJSON accepts both payload shapes: flat source fields, or a nested
// sourceEvent object. Flat fields win when both are present.
func (p *MilestonePayload) UnmarshalJSON(data []byte) error {
	var w milestonePayloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*p = MilestonePayload{
		ContestID:         w.ContestID,
		ChainID:           w.ChainID,
		Milestone:         w.Milestone,
		SourceTxHash:      w.SourceTxHash,
		SourceLogIndex:    w.SourceLogIndex,
		SourceBlockNumber: w.SourceBlockNumber,
		Payload:           w.Payload,
	}
	if w.SourceEvent != nil {
		if p.SourceTxHash == "" {
			p.SourceTxHash = w.SourceEvent.TxHash
			p.SourceLogIndex = w.SourceEvent.LogIndex
		}
		if p.SourceBlockNumber == 0 {
			p.SourceBlockNumber = w.SourceEvent.BlockNumber
		}
	}
	return nil
}

// IdempotencyKey derives the stable key that scopes a milestone job's effect:
// keccak256 over the identifying fields, 0x-hex encoded. Two deliveries of
// the same on-chain outcome always hash to the same key.
func (p MilestonePayload) IdempotencyKey() string {
	return MilestoneIdempotencyKey(p.ContestID, p.ChainID, p.Milestone, p.SourceTxHash, p.SourceLogIndex)
}

// MilestoneIdempotencyKey hashes the identifying fields of a milestone effect.
func MilestoneIdempotencyKey(contestID string, chainID uint64, milestone Milestone, txHash string, logIndex uint32) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s\x00%d", contestID, chainID, milestone, txHash, logIndex)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// ReportIdempotencyKey hashes the identifying fields of a reconciliation
// report effect.
func ReportIdempotencyKey(reportID, contestID string, chainID uint64) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s\x00%s\x00%d", reportID, contestID, chainID)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
