package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/usecase"
)

// StaleSweeper fails evaluations stuck in provisioning or running past their
// poll budget. This covers workers that died mid-watch: the record would
// otherwise stay in-flight forever while the workload is long gone.
type StaleSweeper struct {
	storage    *usecase.StorageService
	dispatcher domain.Dispatcher
	bus        domain.EventPublisher

	grace    time.Duration
	interval time.Duration
}

// NewStaleSweeper constructs a sweeper. Zero durations fall back to a one
// minute grace on top of each record's timeout and a one minute sweep cadence.
func NewStaleSweeper(storage *usecase.StorageService, dispatcher domain.Dispatcher, bus domain.EventPublisher, grace, interval time.Duration) *StaleSweeper {
	if storage == nil {
		return nil
	}
	if grace <= 0 {
		grace = time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleSweeper{
		storage:    storage,
		dispatcher: dispatcher,
		bus:        bus,
		grace:      grace,
		interval:   interval,
	}
}

// Run sweeps until ctx ends.
func (s *StaleSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale evaluation sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans in-flight evaluations and fails the ones past budget whose
// workload the dispatcher no longer reports.
func (s *StaleSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("worker.sweeper")
	ctx, span := tracer.Start(ctx, "StaleSweeper.SweepOnce")
	defer span.End()

	running, err := s.storage.Running(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale sweep failed to list in-flight evaluations", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("evaluations.in_flight", len(running)))

	now := time.Now().UTC()
	swept := 0
	for _, e := range running {
		// queued work waits in the broker for a worker slot; that wait is
		// backlog, not execution, so the timeout clock has not started
		if e.Status == domain.StatusSubmitted || e.Status == domain.StatusQueued {
			continue
		}
		budget := time.Duration(e.TimeoutSeconds)*time.Second + s.grace
		anchor := e.SubmittedAt
		if e.StartedAt != nil {
			anchor = *e.StartedAt
		}
		if now.Sub(anchor) < budget {
			continue
		}
		if s.dispatcherStillOwns(ctx, e.EvalID) {
			continue
		}
		s.failStale(ctx, e)
		swept++
	}
	span.SetAttributes(attribute.Int("evaluations.swept", swept))
}

// dispatcherStillOwns reports whether a live watch could still finish the
// evaluation; the sweeper only takes over orphaned records.
func (s *StaleSweeper) dispatcherStillOwns(ctx context.Context, evalID string) bool {
	if s.dispatcher == nil {
		return false
	}
	st, err := s.dispatcher.Status(ctx, evalID)
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if err != nil {
		// cluster unreachable: do not guess, try again next sweep
		return true
	}
	return !st.Status.Terminal()
}

func (s *StaleSweeper) failStale(ctx context.Context, e domain.Evaluation) {
	kind := domain.KindExecutionTimeout
	now := time.Now().UTC()
	if err := s.storage.Update(ctx, e.EvalID, domain.EvaluationPatch{
		ErrorKind:    &kind,
		TerminatedAt: &now,
	}); err != nil {
		slog.Error("stale sweep update failed", slog.String("eval_id", e.EvalID), slog.Any("error", err))
		return
	}
	ev := domain.EvaluationEvent{
		EventID:  domain.TransitionEventID(e.EvalID, domain.EventTimeout),
		EvalID:   e.EvalID,
		Kind:     domain.EventTimeout,
		At:       now,
		Producer: "stale-sweeper",
		Payload:  map[string]string{"error_kind": string(kind)},
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, ev); err != nil {
			slog.Warn("stale timeout event not published", slog.String("eval_id", e.EvalID), slog.Any("error", err))
		}
	}
	slog.Warn("stale evaluation timed out by sweeper",
		slog.String("eval_id", e.EvalID), slog.String("status", string(e.Status)))
}
