package domain

import "time"

// EventKind enumerates lifecycle event types carried on the bus and stored
// in the append-only event log.
type EventKind string

const (
	EventSubmitted      EventKind = "submitted"
	EventQueued         EventKind = "queued"
	EventProvisioning   EventKind = "provisioning"
	EventRunning        EventKind = "running"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventTimeout        EventKind = "timeout"
	EventCancelled      EventKind = "cancelled"
	EventRetryScheduled EventKind = "retry_scheduled"
	EventDLQ            EventKind = "dlq"
)

// Terminal reports whether the kind ends the evaluation lifecycle.
func (k EventKind) Terminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventTimeout, EventCancelled:
		return true
	}
	return false
}

// Channel names. One pub/sub channel per event kind; messages are small
// (< 4 KiB) and carry identifiers plus timestamps, never code or output.
const (
	ChannelSubmitted = "evaluation:submitted"
	ChannelQueued    = "evaluation:queued"
	ChannelRunning   = "evaluation:running"
	ChannelCompleted = "evaluation:completed"
	ChannelFailed    = "evaluation:failed"
	ChannelTimeout   = "evaluation:timeout"
	ChannelCancelled = "evaluation:cancelled"
	ChannelRetry     = "evaluation:retry"
	ChannelDLQ       = "evaluation:dlq"
)

// ChannelFor returns the bus channel carrying events of the given kind.
// Provisioning shares the queued channel: it is an intermediate hop that the
// projector folds through the same precedence rules.
func ChannelFor(kind EventKind) string {
	switch kind {
	case EventSubmitted:
		return ChannelSubmitted
	case EventQueued, EventProvisioning:
		return ChannelQueued
	case EventRunning:
		return ChannelRunning
	case EventCompleted:
		return ChannelCompleted
	case EventFailed:
		return ChannelFailed
	case EventTimeout:
		return ChannelTimeout
	case EventCancelled:
		return ChannelCancelled
	case EventRetryScheduled:
		return ChannelRetry
	case EventDLQ:
		return ChannelDLQ
	}
	return ChannelFailed
}

// AllChannels lists every lifecycle channel, in precedence order, for
// subscribers that consume the full stream (the projector).
func AllChannels() []string {
	return []string{
		ChannelSubmitted, ChannelQueued, ChannelRunning,
		ChannelCompleted, ChannelFailed, ChannelTimeout, ChannelCancelled,
		ChannelRetry, ChannelDLQ,
	}
}

// TransitionEventID derives the deterministic idempotency key for a lifecycle
// transition. Redelivered tasks re-emit the same EventID, so the log and the
// bus collapse duplicates to one entry per eval_id and kind.
func TransitionEventID(evalID string, kind EventKind) string {
	return evalID + ":" + string(kind)
}

// EvaluationEvent is the immutable lifecycle record. EventID doubles as the
// idempotency key: appending the same event twice leaves one log entry.
type EvaluationEvent struct {
	EventID  string            `json:"event_id"`
	EvalID   string            `json:"eval_id"`
	Kind     EventKind         `json:"kind"`
	At       time.Time         `json:"at"`
	Producer string            `json:"producer"`
	Payload  map[string]string `json:"payload,omitempty"`
	// Anomaly marks events that arrived against the monotonicity rules and
	// were logged without being applied to the record.
	Anomaly bool `json:"anomaly,omitempty"`
}
