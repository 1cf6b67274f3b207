package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// CancelService cancels evaluations cooperatively: the task is revoked so an
// unclaimed delivery is skipped, the workload (if any) is deleted, and the
// terminal cancelled event follows from whichever side observed the work.
type CancelService struct {
	Storage    *StorageService
	Revoker    domain.TaskRevoker
	Dispatcher domain.Dispatcher
	Bus        domain.EventPublisher
}

// NewCancelService constructs a CancelService. Dispatcher may be nil on
// deployments where the API process holds no cluster credentials; revocation
// then still stops unclaimed and claimed tasks.
func NewCancelService(storage *StorageService, revoker domain.TaskRevoker, dispatcher domain.Dispatcher, bus domain.EventPublisher) *CancelService {
	return &CancelService{Storage: storage, Revoker: revoker, Dispatcher: dispatcher, Bus: bus}
}

// Cancel requests cancellation and returns the status the evaluation had at
// the time of the call. Cancelling a terminal evaluation is a no-op, not an
// error; cancelling an unknown one is ErrNotFound.
func (c *CancelService) Cancel(ctx domain.Context, evalID string) (domain.Status, error) {
	e, err := c.Storage.Get(ctx, evalID)
	if err != nil {
		return "", err
	}
	if e.Status.Terminal() {
		return e.Status, nil
	}

	if err := c.Revoker.Revoke(ctx, evalID); err != nil {
		return "", fmt.Errorf("op=cancel: %w", err)
	}

	if c.Dispatcher != nil {
		if err := c.Dispatcher.Cancel(ctx, evalID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("workload delete failed, revocation still holds",
				slog.String("eval_id", evalID), slog.Any("error", err))
		}
	}

	// Before any worker claimed the task there is no watcher to emit the
	// terminal event, so the canceller emits it. Past queued, the worker's
	// revocation check owns the terminal event.
	if e.Status == domain.StatusSubmitted || e.Status == domain.StatusQueued {
		ev := domain.EvaluationEvent{
			EventID:  domain.TransitionEventID(evalID, domain.EventCancelled),
			EvalID:   evalID,
			Kind:     domain.EventCancelled,
			At:       time.Now().UTC(),
			Producer: "submission-api",
		}
		if c.Bus != nil {
			if err := c.Bus.Publish(ctx, ev); err != nil {
				slog.Warn("cancelled event not published",
					slog.String("eval_id", evalID), slog.Any("error", err))
			}
		}
	}

	slog.Info("cancellation requested",
		slog.String("eval_id", evalID), slog.String("status", string(e.Status)))
	return e.Status, nil
}
