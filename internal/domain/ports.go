package domain

import "time"

// EvaluationTaskPayload travels through the task queue from the submission
// API to the evaluation worker. Attempt counts ride along so redeliveries and
// retries stay observable end to end.
type EvaluationTaskPayload struct {
	EvalID         string    `json:"eval_id"`
	Language       Language  `json:"language"`
	Code           string    `json:"code"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Priority       Priority  `json:"priority"`
	Resources      Resources `json:"resources"`
	Attempt        int       `json:"attempt"`
	NotBefore      time.Time `json:"not_before,omitzero"`
	RequestID      string    `json:"request_id,omitempty"`
}

// DLQEntry carries a task that exhausted its retries, with full context for
// later inspection or requeueing.
type DLQEntry struct {
	EvalID       string                `json:"eval_id"`
	Payload      EvaluationTaskPayload `json:"payload"`
	Attempts     []AttemptRecord       `json:"attempts"`
	FinalError   ErrorKind             `json:"final_error"`
	MovedToDLQAt time.Time             `json:"moved_to_dlq_at"`
}

// AttemptRecord documents one failed delivery attempt.
type AttemptRecord struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Error   string    `json:"error"`
}

// Repositories (ports)

// EvaluationRepository persists the canonical evaluation records.
type EvaluationRepository interface {
	Create(ctx Context, e Evaluation) error
	Get(ctx Context, evalID string) (Evaluation, error)
	// UpdateCAS applies the patch only while the stored status equals
	// patch.ExpectStatus (when set); it returns ErrConflict on a lost race
	// and ErrInvalidTransition on terminal→non-terminal attempts.
	UpdateCAS(ctx Context, evalID string, patch EvaluationPatch) error
	List(ctx Context, f ListFilter, limit, offset int) (Page, error)
	Running(ctx Context) ([]Evaluation, error)
	Statistics(ctx Context) (Statistics, error)
	SoftDelete(ctx Context, evalID string) error
	Restore(ctx Context, evalID string) error
}

// EventRepository persists the append-only lifecycle log.
type EventRepository interface {
	// Append is idempotent on EventID.
	Append(ctx Context, ev EvaluationEvent) error
	ListByEval(ctx Context, evalID string, limit, offset int) ([]EvaluationEvent, error)
}

// BlobStore offloads outputs larger than the inline threshold.
type BlobStore interface {
	Put(ctx Context, key string, data []byte) (location string, err error)
	Get(ctx Context, key string) ([]byte, error)
}

// RecordCache fronts evaluation reads. Terminal records are cacheable without
// TTL; non-terminal entries must expire within two seconds.
type RecordCache interface {
	Get(ctx Context, evalID string) (Evaluation, bool)
	Set(ctx Context, e Evaluation)
	Invalidate(ctx Context, evalID string)
}

// Event bus

// EventPublisher publishes lifecycle events at-least-once.
type EventPublisher interface {
	Publish(ctx Context, ev EvaluationEvent) error
}

// EventSubscriber delivers events from the named channels until ctx ends.
// Handlers must be idempotent: redelivery is expected.
type EventSubscriber interface {
	Subscribe(ctx Context, channels []string, handle func(Context, EvaluationEvent) error) error
}

// Task queue

// TaskQueue enqueues evaluation tasks into the priority class of the payload.
type TaskQueue interface {
	Enqueue(ctx Context, payload EvaluationTaskPayload) error
}

// TaskRevoker marks tasks cancelled before or during processing. A task not
// yet claimed is skipped at claim time; a claimed task is aborted
// cooperatively by the worker between suspension points.
type TaskRevoker interface {
	Revoke(ctx Context, evalID string) error
	Revoked(ctx Context, evalID string) (bool, error)
}

// Dispatcher

// ExecutionMetadata reports provisioning facts callers may need to assert on,
// most importantly whether the sandbox runtime was available.
type ExecutionMetadata struct {
	ExecutorIdentity string `json:"executor_identity"`
	ImageTag         string `json:"image_tag"`
	Sandboxed        bool   `json:"sandboxed"`
	SandboxFallback  bool   `json:"sandbox_fallback"`
	NetworkPolicyOn  bool   `json:"network_policy_enforced"`
}

// ExecutionStatus is the dispatcher's transient view of one workload.
type ExecutionStatus struct {
	EvalID       string
	Status       Status
	ExitCode     *int
	Stdout       *string
	Stderr       *string
	ErrorKind    *ErrorKind
	StartedAt    *time.Time
	TerminatedAt *time.Time
}

// Dispatcher provisions isolated workloads and watches them to termination.
type Dispatcher interface {
	// Execute creates exactly one workload for the evaluation and returns as
	// soon as provisioning is underway; the watch continues asynchronously.
	// Re-executing an eval_id with an unfinished workload is a no-op.
	Execute(ctx Context, payload EvaluationTaskPayload) (ExecutionMetadata, error)
	// Status reports the dispatcher's current view of the workload.
	Status(ctx Context, evalID string) (ExecutionStatus, error)
	// Cancel deletes the workload; the terminal event follows from the watch.
	Cancel(ctx Context, evalID string) error
}

// PendingMarker closes the submit-then-poll race: a short-TTL marker written
// at enqueue lets reads distinguish "not yet in storage" from "unknown".
type PendingMarker interface {
	Mark(ctx Context, evalID string) error
	Pending(ctx Context, evalID string) (bool, error)
}
