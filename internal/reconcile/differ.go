// Package reconcile compares replayed event ranges against what was
// persisted and files a reviewed report ledger for every divergence.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/contestlabs/indexer/internal/model"
)

// Discrepancy types.
const (
	DiscrepancyMissingEvent    = "missing_event"
	DiscrepancyPayloadMismatch = "payload_mismatch"
)

// Discrepancy is one divergence between the baseline and the replayed range.
type Discrepancy struct {
	Type        string            `json:"type"`
	TxHash      string            `json:"txHash"`
	LogIndex    uint32            `json:"logIndex"`
	BlockNumber model.BlockNumber `json:"blockNumber"`
	// Side names where the event was found for missing_event: "baseline"
	// or "replayed".
	Side   string `json:"side,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type eventKey struct {
	txHash   string
	logIndex uint32
}

// Diff computes the symmetric difference between the persisted baseline and
// the replayed envelopes over (txHash, logIndex, payload). An event present
// on one side only is missing_event; present on both with differing payloads
// is payload_mismatch. Results are ordered by cursor.
func Diff(baseline, replayed []model.EventEnvelope) []Discrepancy {
	base := indexByKey(baseline)
	replay := indexByKey(replayed)

	var out []Discrepancy

	for key, ev := range base {
		other, ok := replay[key]
		if !ok {
			out = append(out, Discrepancy{
				Type:        DiscrepancyMissingEvent,
				TxHash:      ev.TxHash,
				LogIndex:    ev.LogIndex,
				BlockNumber: ev.BlockNumber,
				Side:        "baseline",
				Detail:      "persisted event absent from replayed range",
			})
			continue
		}
		if !payloadEqual(ev.Payload, other.Payload) {
			out = append(out, Discrepancy{
				Type:        DiscrepancyPayloadMismatch,
				TxHash:      ev.TxHash,
				LogIndex:    ev.LogIndex,
				BlockNumber: ev.BlockNumber,
				Detail:      fmt.Sprintf("payload differs for %s event", ev.Type),
			})
		}
	}

	for key, ev := range replay {
		if _, ok := base[key]; ok {
			continue
		}
		out = append(out, Discrepancy{
			Type:        DiscrepancyMissingEvent,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
			BlockNumber: ev.BlockNumber,
			Side:        "replayed",
			Detail:      "replayed event was never persisted",
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		if out[i].LogIndex != out[j].LogIndex {
			return out[i].LogIndex < out[j].LogIndex
		}
		return out[i].TxHash < out[j].TxHash
	})
	return out
}

func indexByKey(events []model.EventEnvelope) map[eventKey]model.EventEnvelope {
	m := make(map[eventKey]model.EventEnvelope, len(events))
	for _, ev := range events {
		m[eventKey{txHash: ev.TxHash, logIndex: ev.LogIndex}] = ev
	}
	return m
}

// payloadEqual compares payloads structurally via canonical JSON, so map
// ordering and number representation do not produce false mismatches.
func payloadEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
