package usecase

import (
	"errors"
	"log/slog"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// GetResult distinguishes a stored record from the submit-then-poll window
// where the record is enqueued but not yet materialised.
type GetResult struct {
	Evaluation domain.Evaluation
	Pending    bool
}

// QueryService serves reads: single records (pending-aware), listings, the
// event log, and statistics.
type QueryService struct {
	Storage *StorageService
	Pending domain.PendingMarker
}

// NewQueryService constructs a QueryService.
func NewQueryService(storage *StorageService, pending domain.PendingMarker) *QueryService {
	return &QueryService{Storage: storage, Pending: pending}
}

// Get loads an evaluation. When storage has no record but the pending marker
// is live, the evaluation is reported as pending (queued, not yet stored)
// instead of not found.
func (q *QueryService) Get(ctx domain.Context, evalID string) (GetResult, error) {
	e, err := q.Storage.Get(ctx, evalID)
	if err == nil {
		return GetResult{Evaluation: e}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return GetResult{}, err
	}
	if q.Pending != nil {
		pending, perr := q.Pending.Pending(ctx, evalID)
		if perr != nil {
			slog.Warn("pending marker lookup failed", slog.String("eval_id", evalID), slog.Any("error", perr))
		}
		if pending {
			return GetResult{
				Evaluation: domain.Evaluation{EvalID: evalID, Status: domain.StatusQueued},
				Pending:    true,
			}, nil
		}
	}
	return GetResult{}, err
}

// List pages evaluations, clamping the limit to the platform maximum.
func (q *QueryService) List(ctx domain.Context, f domain.ListFilter, limit, offset int) (domain.Page, error) {
	if limit <= 0 || limit > domain.MaxListLimit {
		limit = domain.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return q.Storage.List(ctx, f, limit, offset)
}

// Events lists the append-only log for one evaluation.
func (q *QueryService) Events(ctx domain.Context, evalID string, limit, offset int) ([]domain.EvaluationEvent, error) {
	return q.Storage.EventsByEval(ctx, evalID, limit, offset)
}

// Running lists in-flight evaluations.
func (q *QueryService) Running(ctx domain.Context) ([]domain.Evaluation, error) {
	return q.Storage.Running(ctx)
}

// Statistics summarises stored evaluations.
func (q *QueryService) Statistics(ctx domain.Context) (domain.Statistics, error) {
	return q.Storage.Statistics(ctx)
}

// Output returns the full captured output for a terminated evaluation.
func (q *QueryService) Output(ctx domain.Context, evalID string) (string, error) {
	return q.Storage.FullOutput(ctx, evalID)
}
