// Package domain holds the shared contracts for the evaluation platform:
// status and event-kind enums, channel names, numeric limits, entities, and
// the ports implemented by adapters. Every service depends on this package;
// status and channel string literals anywhere else are defects.
package domain

import (
	"context"
	"time"
)

// Status enumerates the evaluation lifecycle states.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusQueued, StatusProvisioning, StatusRunning,
		StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Priority orders queue drain preference. Not a strict broker priority:
// consumers drain high before normal before low with a fairness step.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Language enumerates supported runtimes. The set is extensible through the
// runtime manifest; python is the initial entry.
type Language string

const (
	LanguagePython Language = "python"
)

// Resources are the requested execution resources, bounded by platform maxima.
type Resources struct {
	CPUMillis int `json:"cpu_millis"`
	MemoryMiB int `json:"memory_mib"`
}

// Evaluation is the unit of work: one submission of untrusted code together
// with its execution parameters and captured outcome. The record is
// exclusively owned by the storage service; all other components hold
// transient projections.
type Evaluation struct {
	EvalID           string
	Code             string
	Language         Language
	ImageTag         string
	TimeoutSeconds   int
	Priority         Priority
	Resources        Resources
	Status           Status
	SubmittedAt      time.Time
	StartedAt        *time.Time
	TerminatedAt     *time.Time
	OutputPreview    *string
	OutputLocation   *string
	ExitCode         *int
	ErrorKind        *ErrorKind
	ExecutorIdentity *string
	DeletedAt        *time.Time
}

// EvaluationPatch carries the whitelisted mutable fields of an evaluation.
// Nil fields are left untouched. Status changes go through a check-and-set
// against ExpectStatus and are validated by the lifecycle rules.
type EvaluationPatch struct {
	Status           *Status
	ExpectStatus     *Status
	StartedAt        *time.Time
	TerminatedAt     *time.Time
	Output           *string
	OutputLocation   *string
	ExitCode         *int
	ErrorKind        *ErrorKind
	ExecutorIdentity *string
	ImageTag         *string
}

// ListFilter narrows ListEvaluations results.
type ListFilter struct {
	Status         *Status
	Language       *Language
	Since          *time.Time
	IncludeDeleted bool
}

// Page is the pagination envelope shared by list endpoints.
type Page struct {
	Items   []Evaluation
	HasMore bool
}

// BulkResult is the per-item outcome of a BulkCreate call.
type BulkResult struct {
	EvalID string    `json:"eval_id"`
	Status Status    `json:"status,omitempty"`
	Error  ErrorKind `json:"error,omitempty"`
}

// Statistics summarises the stored evaluations.
type Statistics struct {
	CountsByStatus     map[Status]int64 `json:"counts_by_status"`
	Last24hSubmissions int64            `json:"last_24h_submissions"`
	AvgQueueSeconds    float64          `json:"avg_queue_seconds"`
	AvgRunSeconds      float64          `json:"avg_run_seconds"`
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
