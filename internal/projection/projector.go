// Package projection materialises the canonical evaluation record from the
// lifecycle event stream. It is the sole author of status changes: producers
// only publish events, and this worker folds them through the transition
// rules so arrival order never corrupts the record.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/lifecycle"
)

// Projector subscribes to every lifecycle channel and applies events to
// storage. Handlers are idempotent: events carry deterministic IDs and the
// log append absorbs duplicates.
type Projector struct {
	Repo       domain.EvaluationRepository
	Events     domain.EventRepository
	Cache      domain.RecordCache
	Subscriber domain.EventSubscriber
}

// New constructs a Projector. Cache may be nil.
func New(repo domain.EvaluationRepository, events domain.EventRepository, cache domain.RecordCache, sub domain.EventSubscriber) *Projector {
	return &Projector{Repo: repo, Events: events, Cache: cache, Subscriber: sub}
}

// Run consumes the full event stream until ctx ends.
func (p *Projector) Run(ctx context.Context) error {
	return p.Subscriber.Subscribe(ctx, domain.AllChannels(), p.Handle)
}

// Handle applies one event: decide via the transition rules, patch the record
// on applied, and always append to the log. Conflicting events (a second
// terminal against a sticky terminal record) are logged as anomalies.
func (p *Projector) Handle(ctx domain.Context, ev domain.EvaluationEvent) error {
	rec, err := p.Repo.Get(ctx, ev.EvalID)
	if errors.Is(err, domain.ErrNotFound) {
		rec, err = p.materialise(ctx, ev)
	}
	if err != nil {
		return fmt.Errorf("op=projection.handle: %w", err)
	}

	decision := lifecycle.Next(rec.Status, ev.Kind)
	anomaly := decision.Outcome != lifecycle.OutcomeApplied
	if anomaly {
		observability.AnomaliesTotal.WithLabelValues(string(ev.Kind)).Inc()
		slog.Warn("event not applied, logged as anomaly",
			slog.String("eval_id", ev.EvalID),
			slog.String("kind", string(ev.Kind)),
			slog.String("status", string(rec.Status)),
			slog.String("outcome", string(decision.Outcome)),
			slog.String("reason", decision.Reason))
	} else {
		if err := p.apply(ctx, rec, decision.Next, ev); err != nil {
			return fmt.Errorf("op=projection.handle: %w", err)
		}
		observability.TransitionsTotal.WithLabelValues(string(rec.Status), string(decision.Next)).Inc()
	}

	ev.Anomaly = anomaly
	if err := p.Events.Append(ctx, ev); err != nil {
		return fmt.Errorf("op=projection.handle: %w", err)
	}
	return nil
}

// materialise creates the record for an event that outran the submission
// write. Submitted events carry enough to create the full skeleton; any other
// kind creates a minimal one so the projection never drops data.
func (p *Projector) materialise(ctx domain.Context, ev domain.EvaluationEvent) (domain.Evaluation, error) {
	rec := domain.Evaluation{
		EvalID:      ev.EvalID,
		Language:    domain.LanguagePython,
		Status:      domain.StatusSubmitted,
		SubmittedAt: ev.At.UTC(),
	}
	if err := p.Repo.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// submission write won the race after our read
			return p.Repo.Get(ctx, ev.EvalID)
		}
		return domain.Evaluation{}, err
	}
	slog.Info("record materialised from event stream",
		slog.String("eval_id", ev.EvalID), slog.String("kind", string(ev.Kind)))
	return rec, nil
}

// apply patches the record with a check-and-set on the status observed at
// decision time. A lost race re-reads and re-decides, bounded to three
// rounds; beyond that the redelivered event settles it.
func (p *Projector) apply(ctx domain.Context, rec domain.Evaluation, next domain.Status, ev domain.EvaluationEvent) error {
	for round := 0; round < 3; round++ {
		patch := buildPatch(rec.Status, next, ev)
		err := p.Repo.UpdateCAS(ctx, rec.EvalID, patch)
		if err == nil {
			if p.Cache != nil {
				p.Cache.Invalidate(ctx, rec.EvalID)
			}
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		rec, err = p.Repo.Get(ctx, rec.EvalID)
		if err != nil {
			return err
		}
		decision := lifecycle.Next(rec.Status, ev.Kind)
		if decision.Outcome != lifecycle.OutcomeApplied {
			// another writer got the record past this event already
			return nil
		}
		next = decision.Next
	}
	return fmt.Errorf("op=projection.apply: cas retries exhausted: %w", domain.ErrConflict)
}

// buildPatch projects the event payload onto record columns.
func buildPatch(current, next domain.Status, ev domain.EvaluationEvent) domain.EvaluationPatch {
	expect := current
	patch := domain.EvaluationPatch{Status: &next, ExpectStatus: &expect}

	if v, ok := ev.Payload["started_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t = t.UTC()
			patch.StartedAt = &t
		}
	}
	if v, ok := ev.Payload["terminated_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t = t.UTC()
			patch.TerminatedAt = &t
		}
	}
	if v, ok := ev.Payload["exit_code"]; ok {
		if code, err := strconv.Atoi(v); err == nil {
			patch.ExitCode = &code
		}
	}
	if v, ok := ev.Payload["error_kind"]; ok {
		kind := domain.ErrorKind(v)
		patch.ErrorKind = &kind
	}
	if next.Terminal() && patch.TerminatedAt == nil {
		t := ev.At.UTC()
		patch.TerminatedAt = &t
	}
	return patch
}
