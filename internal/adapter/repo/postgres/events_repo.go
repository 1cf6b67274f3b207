package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// EventRepo persists the append-only lifecycle event log.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append stores one lifecycle event. The insert is idempotent on event_id:
// redelivered events land on ON CONFLICT DO NOTHING and report success.
func (r *EventRepo) Append(ctx domain.Context, ev domain.EvaluationEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluation_events"),
	)
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	q := `INSERT INTO evaluation_events (event_id, eval_id, kind, at, producer, payload, anomaly)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (event_id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, ev.EventID, ev.EvalID, ev.Kind, ev.At.UTC(), ev.Producer, payload, ev.Anomaly)
	if err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	return nil
}

// ListByEval returns the event log for one evaluation in arrival order, with
// event_id as a stable tiebreak for identical timestamps.
func (r *EventRepo) ListByEval(ctx domain.Context, evalID string, limit, offset int) ([]domain.EvaluationEvent, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListByEval")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluation_events"),
	)
	if limit <= 0 || limit > domain.MaxListLimit {
		limit = domain.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT event_id, eval_id, kind, at, producer, payload, anomaly
		FROM evaluation_events WHERE eval_id=$1
		ORDER BY at ASC, event_id ASC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, evalID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()

	var out []domain.EvaluationEvent
	for rows.Next() {
		var ev domain.EvaluationEvent
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.EvalID, &ev.Kind, &ev.At, &ev.Producer, &payload, &ev.Anomaly); err != nil {
			return nil, fmt.Errorf("op=event.list: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("op=event.list: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	return out, nil
}
