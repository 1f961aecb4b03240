package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusWaitingForWorker, StatusDelayedProcessing, true},
		{StatusWaitingForWorker, StatusProcessing, false},
		{StatusWaitingForWorker, StatusApproved, false},
		{StatusDelayedProcessing, StatusProcessing, true},
		{StatusProcessing, StatusApproved, true},
		{StatusProcessing, StatusRetryingInsufficientBalance, true},
		{StatusProcessing, StatusSentToDeadLetterQueue, false},
		{StatusRetrying, StatusSentToDeadLetterQueue, true},
		{StatusRetrying, StatusDelayedProcessing, true},
		{StatusSentToDeadLetterQueue, StatusRetrying, true},
		{StatusSentToDeadLetterQueue, StatusDelayedProcessing, false},
		{StatusApproved, StatusRetrying, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("sent_to_dead_letter_queue")
	assert.NoError(t, err)
	assert.Equal(t, StatusSentToDeadLetterQueue, s)

	_, err = ParseStatus("lost")
	assert.Error(t, err)
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusProcessing.IsActive())
	assert.False(t, StatusWaitingForWorker.IsActive())
	assert.True(t, StatusWaitingForWorker.IsPending())
	assert.True(t, StatusRetryingInsufficientBalance.IsRetry())
	assert.True(t, StatusApproved.IsTerminal())
	assert.False(t, StatusSentToDeadLetterQueue.IsTerminal())
}
