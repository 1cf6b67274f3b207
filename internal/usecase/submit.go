package usecase

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// SubmitRequest is the validated submission input. EvalID is optional; the
// service mints one when absent.
type SubmitRequest struct {
	EvalID         string
	Code           string
	Language       domain.Language
	TimeoutSeconds int
	Priority       domain.Priority
	Resources      domain.Resources
	AllowNullBytes bool
	RequestID      string
}

// SubmitService accepts code submissions: it validates, persists the record,
// marks the pending window, enqueues the task, and announces the lifecycle
// start on the bus.
type SubmitService struct {
	Storage *StorageService
	Queue   domain.TaskQueue
	Bus     domain.EventPublisher
	Pending domain.PendingMarker

	MaxCodeSizeBytes      int
	MaxTimeoutSeconds     int
	DefaultTimeoutSeconds int

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSubmitService constructs a SubmitService with platform default limits.
func NewSubmitService(storage *StorageService, queue domain.TaskQueue, bus domain.EventPublisher, pending domain.PendingMarker) *SubmitService {
	return &SubmitService{
		Storage:               storage,
		Queue:                 queue,
		Bus:                   bus,
		Pending:               pending,
		MaxCodeSizeBytes:      domain.MaxCodeSizeBytes,
		MaxTimeoutSeconds:     domain.MaxTimeoutSeconds,
		DefaultTimeoutSeconds: domain.DefaultTimeoutSeconds,
		entropy:               ulid.Monotonic(rand.Reader, 0),
	}
}

// Submit runs the full submission flow and returns the stored record. A
// duplicate eval_id returns the existing record without a second enqueue.
func (s *SubmitService) Submit(ctx domain.Context, req SubmitRequest) (domain.Evaluation, error) {
	if err := s.validate(&req); err != nil {
		return domain.Evaluation{}, err
	}
	if req.EvalID == "" {
		req.EvalID = s.mintID()
	}

	e := domain.Evaluation{
		EvalID:         req.EvalID,
		Code:           req.Code,
		Language:       req.Language,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		Resources:      req.Resources,
		Status:         domain.StatusSubmitted,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := s.Storage.Create(ctx, e); err != nil {
		if existing, getErr := s.Storage.Get(ctx, req.EvalID); getErr == nil {
			slog.Info("duplicate submission, returning existing record",
				slog.String("eval_id", req.EvalID), slog.String("status", string(existing.Status)))
			return existing, nil
		}
		return domain.Evaluation{}, fmt.Errorf("op=submit: %w", err)
	}

	if s.Pending != nil {
		if err := s.Pending.Mark(ctx, e.EvalID); err != nil {
			slog.Warn("pending marker not written", slog.String("eval_id", e.EvalID), slog.Any("error", err))
		}
	}

	payload := domain.EvaluationTaskPayload{
		EvalID:         e.EvalID,
		Language:       e.Language,
		Code:           e.Code,
		TimeoutSeconds: e.TimeoutSeconds,
		Priority:       e.Priority,
		Resources:      e.Resources,
		Attempt:        1,
		RequestID:      req.RequestID,
	}
	if err := s.Queue.Enqueue(ctx, payload); err != nil {
		kind := domain.KindBrokerUnavailable
		failed := domain.StatusFailed
		_ = s.Storage.Update(ctx, e.EvalID, domain.EvaluationPatch{
			Status:    &failed,
			ErrorKind: &kind,
		})
		return domain.Evaluation{}, fmt.Errorf("op=submit: %w", err)
	}

	s.announce(ctx, e.EvalID, domain.EventSubmitted)
	s.announce(ctx, e.EvalID, domain.EventQueued)

	e.Status = domain.StatusQueued
	return e, nil
}

// BulkSubmit runs Submit per item and reports per-item outcomes; one bad
// item never blocks the rest.
func (s *SubmitService) BulkSubmit(ctx domain.Context, reqs []SubmitRequest) []domain.BulkResult {
	results := make([]domain.BulkResult, 0, len(reqs))
	for _, req := range reqs {
		e, err := s.Submit(ctx, req)
		if err != nil {
			results = append(results, domain.BulkResult{
				EvalID: req.EvalID,
				Error:  domain.KindOf(err),
			})
			continue
		}
		results = append(results, domain.BulkResult{EvalID: e.EvalID, Status: e.Status})
	}
	return results
}

func (s *SubmitService) validate(req *SubmitRequest) error {
	if req.Code == "" {
		return fmt.Errorf("op=submit.validate: code required: %w", domain.ErrInvalidRequest)
	}
	if len(req.Code) > s.MaxCodeSizeBytes {
		return fmt.Errorf("op=submit.validate: code %d bytes exceeds %d: %w",
			len(req.Code), s.MaxCodeSizeBytes, domain.ErrPayloadTooLarge)
	}
	if !req.AllowNullBytes && strings.ContainsRune(req.Code, 0) {
		return fmt.Errorf("op=submit.validate: null byte in code: %w", domain.ErrInvalidRequest)
	}
	if req.Language != domain.LanguagePython {
		return fmt.Errorf("op=submit.validate: language %q: %w", req.Language, domain.ErrInvalidRequest)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = s.DefaultTimeoutSeconds
	}
	if req.TimeoutSeconds < 1 || req.TimeoutSeconds > s.MaxTimeoutSeconds {
		return fmt.Errorf("op=submit.validate: timeout_seconds %d outside [1,%d]: %w",
			req.TimeoutSeconds, s.MaxTimeoutSeconds, domain.ErrInvalidRequest)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("op=submit.validate: priority %q: %w", req.Priority, domain.ErrInvalidRequest)
	}
	if req.Resources.CPUMillis < 0 || req.Resources.CPUMillis > domain.MaxCPUMillis ||
		req.Resources.MemoryMiB < 0 || req.Resources.MemoryMiB > domain.MaxMemoryMiB {
		return fmt.Errorf("op=submit.validate: resources out of bounds: %w", domain.ErrInvalidRequest)
	}
	if req.EvalID != "" && !sanitizeID(req.EvalID) {
		return fmt.Errorf("op=submit.validate: eval_id not url-safe: %w", domain.ErrInvalidRequest)
	}
	return nil
}

func (s *SubmitService) mintID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), s.entropy).String()
}

// announce publishes a lifecycle event with a deterministic idempotency key.
// Publish failures are logged, not returned: the projector recovers missed
// transitions from the worker's later events and the stale sweeper.
func (s *SubmitService) announce(ctx domain.Context, evalID string, kind domain.EventKind) {
	if s.Bus == nil {
		return
	}
	ev := domain.EvaluationEvent{
		EventID:  domain.TransitionEventID(evalID, kind),
		EvalID:   evalID,
		Kind:     kind,
		At:       time.Now().UTC(),
		Producer: "submission-api",
	}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("lifecycle event not published",
			slog.String("eval_id", evalID), slog.String("kind", string(kind)), slog.Any("error", err))
	}
}
