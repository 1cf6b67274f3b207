// Package lifecycle is the single authority for evaluation status
// transitions. It encodes the allowed-transition table, the precedence order
// used to fold out-of-order event arrivals, and the terminal stickiness rule.
// The projector, the dispatcher, and the task worker all consult it; nothing
// else decides state.
package lifecycle

import "github.com/fairyhunter13/ai-code-evaluator/internal/domain"

// Outcome classifies the decision for an incoming event.
type Outcome string

const (
	// OutcomeApplied means the event advances the record to Next.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the event is stale (precedence already reached) and
	// is logged without changing the record.
	OutcomeNoop Outcome = "noop"
	// OutcomeConflict means the event contradicts a sticky terminal state
	// and must be logged as an anomaly.
	OutcomeConflict Outcome = "conflict"
)

// Decision is the result of evaluating one event against the current state.
type Decision struct {
	Next    domain.Status
	Outcome Outcome
	Reason  string
}

// precedence orders states so that the highest-reached state wins regardless
// of event arrival order. All terminal states share the top rank; the first
// terminal to arrive sticks.
var precedence = map[domain.Status]int{
	domain.StatusSubmitted:    0,
	domain.StatusQueued:       1,
	domain.StatusProvisioning: 2,
	domain.StatusRunning:      3,
	domain.StatusCompleted:    4,
	domain.StatusFailed:       4,
	domain.StatusTimeout:      4,
	domain.StatusCancelled:    4,
}

// statusFor maps event kinds onto the state they assert. Retry and DLQ events
// do not assert forward progress: a retry re-queues, a DLQ entry fails.
var statusFor = map[domain.EventKind]domain.Status{
	domain.EventSubmitted:      domain.StatusSubmitted,
	domain.EventQueued:         domain.StatusQueued,
	domain.EventProvisioning:   domain.StatusProvisioning,
	domain.EventRunning:        domain.StatusRunning,
	domain.EventCompleted:      domain.StatusCompleted,
	domain.EventFailed:         domain.StatusFailed,
	domain.EventTimeout:        domain.StatusTimeout,
	domain.EventCancelled:      domain.StatusCancelled,
	domain.EventRetryScheduled: domain.StatusQueued,
	domain.EventDLQ:            domain.StatusFailed,
}

// Next decides what an incoming event does to the observed state.
//
// Rules, in order:
//  1. Terminal states are sticky: any event against a terminal record is a
//     conflict (later terminals) or a noop (stale non-terminals), never a
//     transition.
//  2. Otherwise the precedence rule applies: the event is applied iff the
//     state it asserts ranks strictly higher than the current one, except
//     retry_scheduled which re-asserts queued in place (attempt bump).
func Next(current domain.Status, kind domain.EventKind) Decision {
	asserted, ok := statusFor[kind]
	if !ok {
		return Decision{Next: current, Outcome: OutcomeConflict, Reason: "unknown event kind"}
	}

	if current.Terminal() {
		if asserted.Terminal() {
			return Decision{Next: current, Outcome: OutcomeConflict, Reason: "terminal state is sticky"}
		}
		return Decision{Next: current, Outcome: OutcomeNoop, Reason: "non-terminal event after terminal state"}
	}

	// retry_scheduled: queued → queued with attempt bump; valid only while
	// the evaluation is still at or before queued precedence.
	if kind == domain.EventRetryScheduled {
		if precedence[current] <= precedence[domain.StatusQueued] {
			return Decision{Next: domain.StatusQueued, Outcome: OutcomeApplied}
		}
		return Decision{Next: current, Outcome: OutcomeNoop, Reason: "retry after progress past queued"}
	}

	if precedence[asserted] > precedence[current] {
		return Decision{Next: asserted, Outcome: OutcomeApplied}
	}
	return Decision{Next: current, Outcome: OutcomeNoop, Reason: "stale event below reached precedence"}
}

// Reduce folds a sequence of event kinds into the final status, starting from
// submitted. Used by tests and reconciliation sweeps.
func Reduce(kinds []domain.EventKind) domain.Status {
	state := domain.StatusSubmitted
	for _, k := range kinds {
		d := Next(state, k)
		if d.Outcome == OutcomeApplied {
			state = d.Next
		}
	}
	return state
}

// AllowedEdge reports whether the classic transition table in the platform
// contract lists current→next as a direct edge. The precedence rule in Next
// subsumes it for out-of-order delivery; this is used by the storage layer to
// reject invalid direct PUTs.
func AllowedEdge(current, next domain.Status) bool {
	switch current {
	case domain.StatusSubmitted:
		return next == domain.StatusQueued
	case domain.StatusQueued:
		return next == domain.StatusQueued || // retry bump
			next == domain.StatusProvisioning || next == domain.StatusCancelled
	case domain.StatusProvisioning:
		return next == domain.StatusRunning || next == domain.StatusFailed || next == domain.StatusCancelled
	case domain.StatusRunning:
		return next == domain.StatusCompleted || next == domain.StatusFailed ||
			next == domain.StatusTimeout || next == domain.StatusCancelled
	}
	return false
}
