// Package execution defines the runtime entities of the engine: statuses and
// their aggregation, the static plan graph, and plan/node execution records.
package execution

// Status is the lifecycle state of a plan execution or node execution.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusPaused              Status = "PAUSED"
	StatusWaiting             Status = "WAITING"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusSuccess             Status = "SUCCESS"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
	StatusFailed              Status = "FAILED"
	StatusErrored             Status = "ERRORED"
	StatusAborted             Status = "ABORTED"
	StatusExpired             Status = "EXPIRED"
	StatusRejected            Status = "REJECTED"
	StatusSkipped             Status = "SKIPPED"
)

// precedence orders statuses for aggregation. Higher wins.
var precedence = map[Status]int{
	StatusSkipped:             0,
	StatusSuccess:             1,
	StatusIgnoreFailed:        2,
	StatusRejected:            3,
	StatusFailed:              4,
	StatusExpired:             5,
	StatusErrored:             6,
	StatusAborted:             7,
	StatusQueued:              8,
	StatusAsyncWaiting:        9,
	StatusRunning:             10,
	StatusDiscontinuing:       11,
	StatusWaiting:             12,
	StatusPaused:              13,
	StatusInterventionWaiting: 14,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := precedence[s]
	return ok
}

// IsFinal reports whether s is terminal.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusIgnoreFailed, StatusFailed, StatusErrored,
		StatusAborted, StatusExpired, StatusRejected, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is a failure class that advisers act on.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusErrored, StatusExpired:
		return true
	default:
		return false
	}
}

// IsPositive reports whether s lets downstream nodes continue.
func (s Status) IsPositive() bool {
	switch s {
	case StatusSuccess, StatusIgnoreFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsActive reports whether work is queued or in flight.
func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAsyncWaiting, StatusDiscontinuing:
		return true
	default:
		return false
	}
}

// IsSuspended reports whether s waits on an external signal.
func (s Status) IsSuspended() bool {
	switch s {
	case StatusInterventionWaiting, StatusPaused, StatusWaiting:
		return true
	default:
		return false
	}
}

// Aggregate reduces child statuses into the parent's status. The reduction is
// a max over a fixed precedence so the result is independent of order:
// suspended children dominate, then active ones, then failures, and a set of
// only successful or skipped children collapses to SUCCESS. Unknown statuses
// are ignored and an empty set is SUCCESS.
func Aggregate(statuses ...Status) Status {
	result := StatusSuccess
	best := -1
	for _, s := range statuses {
		rank, ok := precedence[s]
		if !ok {
			continue
		}
		if rank > best {
			best = rank
			result = s
		}
	}
	if result == StatusSkipped {
		return StatusSuccess
	}
	return result
}

var transitions = map[Status][]Status{
	StatusQueued: {
		StatusRunning, StatusDiscontinuing, StatusAborted, StatusErrored, StatusExpired, StatusSkipped,
	},
	StatusRunning: {
		StatusAsyncWaiting, StatusInterventionWaiting, StatusPaused, StatusWaiting, StatusDiscontinuing,
		StatusSuccess, StatusIgnoreFailed, StatusFailed, StatusErrored, StatusAborted, StatusExpired,
		StatusRejected, StatusSkipped,
	},
	StatusAsyncWaiting: {
		StatusRunning, StatusInterventionWaiting, StatusDiscontinuing,
		StatusSuccess, StatusIgnoreFailed, StatusFailed, StatusErrored, StatusAborted, StatusExpired, StatusSkipped,
	},
	StatusPaused: {
		StatusRunning, StatusDiscontinuing,
		StatusSuccess, StatusFailed, StatusErrored, StatusAborted, StatusExpired,
	},
	StatusWaiting: {
		StatusRunning, StatusDiscontinuing,
		StatusSuccess, StatusFailed, StatusErrored, StatusAborted, StatusExpired,
	},
	StatusInterventionWaiting: {
		StatusRunning, StatusDiscontinuing,
		StatusSuccess, StatusIgnoreFailed, StatusFailed, StatusErrored, StatusAborted, StatusExpired,
	},
	StatusDiscontinuing: {
		StatusAborted, StatusErrored,
	},
	// Failed statuses stay open so an adviser or an operator can resolve them.
	StatusFailed:  {StatusInterventionWaiting, StatusIgnoreFailed, StatusSuccess, StatusAborted},
	StatusErrored: {StatusInterventionWaiting, StatusIgnoreFailed, StatusSuccess, StatusAborted},
	StatusExpired: {StatusInterventionWaiting, StatusIgnoreFailed, StatusSuccess, StatusAborted},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom lists every status that may transition into to.
func AllowedFrom(to Status) []Status {
	var out []Status
	for _, from := range orderedStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// NonFinalStatuses lists the statuses that still need work or a signal.
func NonFinalStatuses() []Status {
	var out []Status
	for _, s := range orderedStatuses {
		if !s.IsFinal() {
			out = append(out, s)
		}
	}
	return out
}

var orderedStatuses = []Status{
	StatusQueued, StatusRunning, StatusAsyncWaiting, StatusInterventionWaiting, StatusPaused,
	StatusWaiting, StatusDiscontinuing, StatusSuccess, StatusIgnoreFailed, StatusFailed,
	StatusErrored, StatusAborted, StatusExpired, StatusRejected, StatusSkipped,
}
