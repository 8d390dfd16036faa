package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestlabs/indexer/internal/model"
)

func envelope(txHash string, logIndex uint32, block model.BlockNumber, payload map[string]any) model.EventEnvelope {
	return model.EventEnvelope{
		Type:        model.EventSettlement,
		ChainID:     8453,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      txHash,
		Payload:     payload,
	}
}

func TestDiffIdenticalSetsIsEmpty(t *testing.T) {
	events := []model.EventEnvelope{
		envelope("0xaaa", 0, 100, map[string]any{"winner": "0x1"}),
		envelope("0xbbb", 1, 100, map[string]any{"winner": "0x2"}),
	}
	assert.Empty(t, Diff(events, events))
}

func TestDiffMissingFromReplay(t *testing.T) {
	baseline := []model.EventEnvelope{
		envelope("0xaaa", 0, 100, nil),
		envelope("0xbbb", 1, 101, nil),
	}
	replayed := baseline[:1]

	diffs := Diff(baseline, replayed)
	require.Len(t, diffs, 1)
	assert.Equal(t, DiscrepancyMissingEvent, diffs[0].Type)
	assert.Equal(t, "0xbbb", diffs[0].TxHash)
	assert.Equal(t, "baseline", diffs[0].Side)
}

func TestDiffExtraInReplay(t *testing.T) {
	baseline := []model.EventEnvelope{envelope("0xaaa", 0, 100, nil)}
	replayed := []model.EventEnvelope{
		envelope("0xaaa", 0, 100, nil),
		envelope("0xccc", 2, 102, nil),
	}

	diffs := Diff(baseline, replayed)
	require.Len(t, diffs, 1)
	assert.Equal(t, DiscrepancyMissingEvent, diffs[0].Type)
	assert.Equal(t, "replayed", diffs[0].Side)
}

func TestDiffPayloadMismatch(t *testing.T) {
	baseline := []model.EventEnvelope{envelope("0xaaa", 0, 100, map[string]any{"winner": "0x1"})}
	replayed := []model.EventEnvelope{envelope("0xaaa", 0, 100, map[string]any{"winner": "0x2"})}

	diffs := Diff(baseline, replayed)
	require.Len(t, diffs, 1)
	assert.Equal(t, DiscrepancyPayloadMismatch, diffs[0].Type)
	assert.Equal(t, "0xaaa", diffs[0].TxHash)
}

func TestDiffPayloadKeyOrderIrrelevant(t *testing.T) {
	baseline := []model.EventEnvelope{
		envelope("0xaaa", 0, 100, map[string]any{"a": 1.0, "b": 2.0}),
	}
	replayed := []model.EventEnvelope{
		envelope("0xaaa", 0, 100, map[string]any{"b": 2.0, "a": 1.0}),
	}
	assert.Empty(t, Diff(baseline, replayed))
}

func TestDiffNilAndEmptyPayloadEqual(t *testing.T) {
	baseline := []model.EventEnvelope{envelope("0xaaa", 0, 100, nil)}
	replayed := []model.EventEnvelope{envelope("0xaaa", 0, 100, map[string]any{})}
	assert.Empty(t, Diff(baseline, replayed))
}

func TestDiffOrderedByCursor(t *testing.T) {
	baseline := []model.EventEnvelope{
		envelope("0xddd", 1, 103, nil),
		envelope("0xaaa", 0, 100, nil),
	}
	diffs := Diff(baseline, nil)
	require.Len(t, diffs, 2)
	assert.Equal(t, model.BlockNumber(100), diffs[0].BlockNumber)
	assert.Equal(t, model.BlockNumber(103), diffs[1].BlockNumber)
}
