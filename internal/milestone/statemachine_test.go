package milestone

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/contestlabs/indexer/internal/apperr"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusPending, true},
		{StatusPending, StatusNeedsAttention, true},
		{StatusPending, StatusSucceeded, false},
		{StatusPending, StatusRetrying, false},

		{StatusInProgress, StatusSucceeded, true},
		{StatusInProgress, StatusRetrying, true},
		{StatusInProgress, StatusNeedsAttention, true},
		{StatusInProgress, StatusPending, false},

		{StatusRetrying, StatusInProgress, true},
		{StatusRetrying, StatusSucceeded, true},
		{StatusRetrying, StatusPending, false},

		{StatusNeedsAttention, StatusRetrying, true},
		{StatusNeedsAttention, StatusInProgress, true},
		{StatusNeedsAttention, StatusSucceeded, false},

		{StatusSucceeded, StatusSucceeded, true},
		{StatusSucceeded, StatusInProgress, false},
		{StatusSucceeded, StatusRetrying, false},
		{StatusSucceeded, StatusNeedsAttention, false},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCheckTransitionKind(t *testing.T) {
	err := CheckTransition(StatusSucceeded, StatusInProgress)
	assert.Equal(t, apperr.KindOrderViolation, apperr.KindOf(err))
	assert.NoError(t, CheckTransition(StatusPending, StatusInProgress))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.False(t, StatusNeedsAttention.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}
