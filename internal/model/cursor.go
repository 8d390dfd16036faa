package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// BlockNumber is a 64-bit unsigned block height. It serializes to a decimal
// string on JSON boundaries so heights above 2^53 survive JavaScript clients.
type BlockNumber uint64

func (b BlockNumber) String() string {
	return strconv.FormatUint(uint64(b), 10)
}

func (b BlockNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *BlockNumber) UnmarshalJSON(data []byte) error {
	// Accept both "123" and 123; the legacy gateway emitted bare numbers.
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("block number: expected numeric string, got %s", data)
		}
		*b = BlockNumber(n)
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("block number %q: %w", s, err)
	}
	*b = BlockNumber(n)
	return nil
}

// ParseBlockNumber parses a decimal block height from a request parameter.
func ParseBlockNumber(s string) (BlockNumber, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("block number %q: %w", s, err)
	}
	return BlockNumber(n), nil
}

// Cursor marks progress on a stream as the pair (blockNumber, logIndex).
// Cursors are compared lexicographically and, outside of explicit replay,
// only ever move forward.
type Cursor struct {
	BlockNumber BlockNumber `json:"blockNumber"`
	LogIndex    uint32      `json:"logIndex"`
}

// Compare returns -1, 0 or 1 ordering c against other.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.BlockNumber < other.BlockNumber:
		return -1
	case c.BlockNumber > other.BlockNumber:
		return 1
	case c.LogIndex < other.LogIndex:
		return -1
	case c.LogIndex > other.LogIndex:
		return 1
	default:
		return 0
	}
}

func (c Cursor) Less(other Cursor) bool  { return c.Compare(other) < 0 }
func (c Cursor) Equal(other Cursor) bool { return c.Compare(other) == 0 }

func (c Cursor) String() string {
	return fmt.Sprintf("%d#%d", uint64(c.BlockNumber), c.LogIndex)
}
