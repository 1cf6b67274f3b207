// Package worker contains the evaluation task handler: it claims tasks from
// the queue, holds an executor slot, drives the dispatcher to a terminal
// state, and persists the outcome. Status changes flow through the event bus
// to the projection worker; this package never writes a status column.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/usecase"
)

// ExecutorPool is the slice of the slot pool the worker needs.
type ExecutorPool interface {
	Acquire(ctx context.Context, evalID string) (bool, error)
	Release(ctx context.Context, evalID string) error
}

// Worker processes one evaluation task per Handle call.
type Worker struct {
	Storage    *usecase.StorageService
	Dispatcher domain.Dispatcher
	Bus        domain.EventPublisher
	Revoker    domain.TaskRevoker
	Slots      ExecutorPool

	PollInterval time.Duration
	PollGrace    time.Duration
}

// New constructs a Worker with the platform poll cadence.
func New(storage *usecase.StorageService, dispatcher domain.Dispatcher, bus domain.EventPublisher, revoker domain.TaskRevoker, slots ExecutorPool) *Worker {
	return &Worker{
		Storage:      storage,
		Dispatcher:   dispatcher,
		Bus:          bus,
		Revoker:      revoker,
		Slots:        slots,
		PollInterval: 10 * time.Second,
		PollGrace:    60 * time.Second,
	}
}

// Handle is the queue handler for one claimed task. Returning a retryable
// error hands the task to the retry manager; returning nil acknowledges it.
func (w *Worker) Handle(ctx context.Context, payload domain.EvaluationTaskPayload) error {
	evalID := payload.EvalID
	log := slog.With(slog.String("eval_id", evalID), slog.Int("attempt", payload.Attempt))

	if revoked, _ := w.Revoker.Revoked(ctx, evalID); revoked {
		log.Info("task revoked before provisioning")
		w.finalizeCancelled(ctx, evalID, nil)
		return nil
	}

	ok, err := w.Slots.Acquire(ctx, evalID)
	if err != nil {
		return fmt.Errorf("op=worker.handle: slot acquire: %w: %w", domain.ErrStorageUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("op=worker.handle: executor pool saturated: %w", domain.ErrQuotaExceeded)
	}

	w.announce(ctx, evalID, domain.EventProvisioning, nil)

	meta, err := w.Dispatcher.Execute(ctx, payload)
	if err != nil {
		w.release(ctx, evalID)
		if domain.Retryable(err) {
			return fmt.Errorf("op=worker.handle: %w", err)
		}
		log.Error("dispatch failed terminally", slog.Any("error", err))
		kind := domain.KindOf(err)
		w.persist(ctx, evalID, domain.EvaluationPatch{ErrorKind: &kind})
		w.announce(ctx, evalID, domain.EventFailed, map[string]string{"error_kind": string(kind)})
		return nil
	}

	w.persist(ctx, evalID, domain.EvaluationPatch{
		ExecutorIdentity: &meta.ExecutorIdentity,
		ImageTag:         &meta.ImageTag,
	})
	log.Info("evaluation dispatched",
		slog.String("executor", meta.ExecutorIdentity),
		slog.Bool("sandboxed", meta.Sandboxed))

	observability.StartEvaluation()
	started := time.Now()
	status, err := w.watch(ctx, payload)
	observability.FinishEvaluation(string(status), started)
	if err != nil {
		// slot stays held; the lease TTL reclaims it if we never come back
		return err
	}
	w.release(ctx, evalID)
	return nil
}

// watch polls the dispatcher until the workload terminates, the task is
// revoked, or the poll budget runs out. It returns the terminal status it
// settled on, or an error when the context ended mid-flight.
func (w *Worker) watch(ctx context.Context, payload domain.EvaluationTaskPayload) (domain.Status, error) {
	evalID := payload.EvalID
	deadline := time.Now().Add(time.Duration(payload.TimeoutSeconds)*time.Second + w.PollGrace)
	runningAnnounced := false

	for {
		if revoked, _ := w.Revoker.Revoked(ctx, evalID); revoked {
			_ = w.Dispatcher.Cancel(ctx, evalID)
			st := w.lastStatus(ctx, evalID)
			w.finalizeCancelled(ctx, evalID, st)
			return domain.StatusCancelled, nil
		}

		st, err := w.Dispatcher.Status(ctx, evalID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// workload deleted under us: treat as external cancellation
			slog.Warn("workload disappeared before terminal state", slog.String("eval_id", evalID))
			w.finalizeCancelled(ctx, evalID, nil)
			return domain.StatusCancelled, nil
		case err != nil:
			slog.Warn("dispatcher status poll failed", slog.String("eval_id", evalID), slog.Any("error", err))
		default:
			if st.Status == domain.StatusRunning && !runningAnnounced {
				runningAnnounced = true
				pl := map[string]string{}
				if st.StartedAt != nil {
					pl["started_at"] = st.StartedAt.UTC().Format(time.RFC3339Nano)
				}
				w.announce(ctx, evalID, domain.EventRunning, pl)
				if st.StartedAt != nil {
					w.persist(ctx, evalID, domain.EvaluationPatch{StartedAt: st.StartedAt})
				}
			}
			if st.Status.Terminal() {
				w.finalize(ctx, evalID, st)
				return st.Status, nil
			}
		}

		if time.Now().After(deadline) {
			slog.Warn("poll budget exhausted, forcing timeout", slog.String("eval_id", evalID))
			_ = w.Dispatcher.Cancel(ctx, evalID)
			kind := domain.KindExecutionTimeout
			now := time.Now().UTC()
			w.persist(ctx, evalID, domain.EvaluationPatch{ErrorKind: &kind, TerminatedAt: &now})
			w.announce(ctx, evalID, domain.EventTimeout, map[string]string{"error_kind": string(kind)})
			return domain.StatusTimeout, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.PollInterval):
		}
	}
}

// finalize persists the captured outcome and announces the terminal event.
func (w *Worker) finalize(ctx context.Context, evalID string, st domain.ExecutionStatus) {
	patch := domain.EvaluationPatch{
		StartedAt:    st.StartedAt,
		TerminatedAt: st.TerminatedAt,
		ExitCode:     st.ExitCode,
		ErrorKind:    st.ErrorKind,
		Output:       st.Stdout,
	}
	w.persist(ctx, evalID, patch)

	pl := map[string]string{}
	if st.ExitCode != nil {
		pl["exit_code"] = strconv.Itoa(*st.ExitCode)
	}
	if st.ErrorKind != nil {
		pl["error_kind"] = string(*st.ErrorKind)
	}
	if st.TerminatedAt != nil {
		pl["terminated_at"] = st.TerminatedAt.UTC().Format(time.RFC3339Nano)
	}
	w.announce(ctx, evalID, kindForStatus(st.Status), pl)
}

func (w *Worker) finalizeCancelled(ctx context.Context, evalID string, st *domain.ExecutionStatus) {
	kind := domain.KindCancelled
	now := time.Now().UTC()
	patch := domain.EvaluationPatch{ErrorKind: &kind, TerminatedAt: &now}
	if st != nil {
		// keep whatever the workload managed to produce before deletion
		patch.Output = st.Stdout
		patch.ExitCode = st.ExitCode
		patch.StartedAt = st.StartedAt
	}
	w.persist(ctx, evalID, patch)
	w.announce(ctx, evalID, domain.EventCancelled, map[string]string{"error_kind": string(kind)})
}

// lastStatus best-effort reads the workload state before deletion so a
// cancellation can preserve captured output.
func (w *Worker) lastStatus(ctx context.Context, evalID string) *domain.ExecutionStatus {
	st, err := w.Dispatcher.Status(ctx, evalID)
	if err != nil {
		return nil
	}
	return &st
}

func (w *Worker) persist(ctx context.Context, evalID string, patch domain.EvaluationPatch) {
	if err := w.Storage.Update(ctx, evalID, patch); err != nil {
		slog.Error("outcome not persisted", slog.String("eval_id", evalID), slog.Any("error", err))
	}
}

func (w *Worker) release(ctx context.Context, evalID string) {
	if err := w.Slots.Release(ctx, evalID); err != nil {
		slog.Warn("slot release failed, lease TTL will reclaim",
			slog.String("eval_id", evalID), slog.Any("error", err))
	}
}

func (w *Worker) announce(ctx context.Context, evalID string, kind domain.EventKind, payload map[string]string) {
	ev := domain.EvaluationEvent{
		EventID:  domain.TransitionEventID(evalID, kind),
		EvalID:   evalID,
		Kind:     kind,
		At:       time.Now().UTC(),
		Producer: "task-worker",
		Payload:  payload,
	}
	if err := w.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("lifecycle event not published",
			slog.String("eval_id", evalID), slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

func kindForStatus(s domain.Status) domain.EventKind {
	switch s {
	case domain.StatusCompleted:
		return domain.EventCompleted
	case domain.StatusTimeout:
		return domain.EventTimeout
	case domain.StatusCancelled:
		return domain.EventCancelled
	default:
		return domain.EventFailed
	}
}
