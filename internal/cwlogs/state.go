package cwlogs

import (
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// State tracks a single query run:
// Unvalidated -> Submitted -> Polling -> {Completed | Failed | TimedOut}.
type State int

const (
	StateUnvalidated State = iota
	StateSubmitted
	StatePolling
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateUnvalidated:
		return "unvalidated"
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// transition maps a store-reported status onto the next state. Cancelled
// and Timeout are store-terminal failures just like Failed; everything
// else keeps the loop polling.
func transition(status types.QueryStatus) State {
	switch status {
	case types.QueryStatusComplete:
		return StateCompleted
	case types.QueryStatusFailed, types.QueryStatusCancelled, types.QueryStatusTimeout:
		return StateFailed
	default:
		return StatePolling
	}
}
