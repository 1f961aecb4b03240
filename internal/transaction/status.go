package transaction

import "fmt"

// Status is the lifecycle position of a transaction.
type Status string

const (
	StatusWaitingForWorker            Status = "waiting_for_worker"
	StatusDelayedProcessing           Status = "delayed_processing"
	StatusProcessing                  Status = "processing"
	StatusApproved                    Status = "approved"
	StatusRetrying                    Status = "retrying"
	StatusRetryingInsufficientBalance Status = "retrying_insufficient_balance"
	StatusSentToDeadLetterQueue       Status = "sent_to_dead_letter_queue"
)

// transitions lists every allowed status move. A move into the same active
// status covers broker redelivery after a worker died mid-attempt.
var transitions = map[Status][]Status{
	StatusWaitingForWorker: {
		StatusDelayedProcessing, StatusRetrying, StatusRetryingInsufficientBalance,
	},
	StatusDelayedProcessing: {
		StatusDelayedProcessing, StatusProcessing, StatusRetrying,
	},
	StatusProcessing: {
		StatusDelayedProcessing, StatusApproved, StatusRetrying, StatusRetryingInsufficientBalance,
	},
	StatusRetrying: {
		StatusDelayedProcessing, StatusRetrying, StatusRetryingInsufficientBalance, StatusSentToDeadLetterQueue,
	},
	StatusRetryingInsufficientBalance: {
		StatusDelayedProcessing, StatusRetrying, StatusRetryingInsufficientBalance, StatusSentToDeadLetterQueue,
	},
	StatusSentToDeadLetterQueue: {
		StatusRetrying, StatusRetryingInsufficientBalance,
	},
	StatusApproved: nil,
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("unknown transaction status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether the transition table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether a worker currently holds the transaction mid-attempt.
func (s Status) IsActive() bool {
	return s == StatusDelayedProcessing || s == StatusProcessing
}

// IsPending reports whether the transaction still waits for, or is in, its current attempt.
func (s Status) IsPending() bool {
	return s == StatusWaitingForWorker || s.IsActive()
}

// IsRetry reports whether the status schedules another attempt.
func (s Status) IsRetry() bool {
	return s == StatusRetrying || s == StatusRetryingInsufficientBalance
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved
}
