package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// EvaluationRepo persists canonical evaluation records using a minimal pgx pool.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

const evalColumns = `eval_id, code, language, image_tag, timeout_seconds, priority,
	cpu_millis, memory_mib, status, submitted_at, started_at, terminated_at,
	output_preview, output_location, exit_code, error_kind, executor_identity, deleted_at`

// Create inserts a new evaluation. A duplicate eval_id maps to ErrConflict so
// callers can treat resubmission as idempotent.
func (r *EvaluationRepo) Create(ctx domain.Context, e domain.Evaluation) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluations"),
	)
	q := `INSERT INTO evaluations (` + evalColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err := r.Pool.Exec(ctx, q,
		e.EvalID, e.Code, e.Language, e.ImageTag, e.TimeoutSeconds, e.Priority,
		e.Resources.CPUMillis, e.Resources.MemoryMiB, e.Status, e.SubmittedAt.UTC(),
		e.StartedAt, e.TerminatedAt, e.OutputPreview, e.OutputLocation,
		e.ExitCode, e.ErrorKind, e.ExecutorIdentity, e.DeletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=evaluation.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=evaluation.create: %w", err)
	}
	return nil
}

// Get loads an evaluation by id, excluding soft-deleted records.
func (r *EvaluationRepo) Get(ctx domain.Context, evalID string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluations"),
	)
	q := `SELECT ` + evalColumns + ` FROM evaluations WHERE eval_id=$1 AND deleted_at IS NULL`
	row := r.Pool.QueryRow(ctx, q, evalID)
	e, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Evaluation{}, fmt.Errorf("op=evaluation.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.get: %w", err)
	}
	return e, nil
}

// UpdateCAS applies the patch while the stored status still matches
// patch.ExpectStatus. A zero-row update is disambiguated by re-reading the
// record: missing maps to ErrNotFound, a terminal record being pushed
// elsewhere maps to ErrInvalidTransition, anything else is a lost race.
func (r *EvaluationRepo) UpdateCAS(ctx domain.Context, evalID string, patch domain.EvaluationPatch) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.UpdateCAS")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "evaluations"),
	)

	sets := make([]string, 0, 8)
	args := []any{evalID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.StartedAt != nil {
		add("started_at", patch.StartedAt.UTC())
	}
	if patch.TerminatedAt != nil {
		add("terminated_at", patch.TerminatedAt.UTC())
	}
	if patch.Output != nil {
		add("output_preview", *patch.Output)
	}
	if patch.OutputLocation != nil {
		add("output_location", *patch.OutputLocation)
	}
	if patch.ExitCode != nil {
		add("exit_code", *patch.ExitCode)
	}
	if patch.ErrorKind != nil {
		add("error_kind", *patch.ErrorKind)
	}
	if patch.ExecutorIdentity != nil {
		add("executor_identity", *patch.ExecutorIdentity)
	}
	if patch.ImageTag != nil {
		add("image_tag", *patch.ImageTag)
	}
	if len(sets) == 0 {
		return nil
	}

	q := `UPDATE evaluations SET ` + strings.Join(sets, ", ") +
		` WHERE eval_id=$1 AND deleted_at IS NULL`
	if patch.ExpectStatus != nil {
		args = append(args, *patch.ExpectStatus)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=evaluation.update_cas: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	cur, err := r.Get(ctx, evalID)
	if err != nil {
		return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrNotFound)
	}
	if patch.Status != nil && cur.Status.Terminal() && *patch.Status != cur.Status {
		return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrInvalidTransition)
	}
	return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrConflict)
}

// List returns a page of evaluations matching the filter, newest first. One
// extra row is fetched to compute HasMore without a count query.
func (r *EvaluationRepo) List(ctx domain.Context, f domain.ListFilter, limit, offset int) (domain.Page, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluations"),
	)
	if limit <= 0 || limit > domain.MaxListLimit {
		limit = domain.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	where := []string{"1=1"}
	args := []any{}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Language != nil {
		args = append(args, *f.Language)
		where = append(where, fmt.Sprintf("language=$%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, f.Since.UTC())
		where = append(where, fmt.Sprintf("submitted_at >= $%d", len(args)))
	}
	args = append(args, limit+1)
	limArg := len(args)
	args = append(args, offset)
	offArg := len(args)

	q := `SELECT ` + evalColumns + ` FROM evaluations WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY submitted_at DESC, eval_id DESC LIMIT $%d OFFSET $%d`, limArg, offArg)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return domain.Page{}, fmt.Errorf("op=evaluation.list: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Evaluation, 0, limit)
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return domain.Page{}, fmt.Errorf("op=evaluation.list: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return domain.Page{}, fmt.Errorf("op=evaluation.list: %w", err)
	}
	page := domain.Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	return page, nil
}

// Running returns in-flight evaluations: queued, provisioning, or running.
func (r *EvaluationRepo) Running(ctx domain.Context) ([]domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Running")
	defer span.End()
	q := `SELECT ` + evalColumns + ` FROM evaluations
		WHERE status IN ($1,$2,$3) AND deleted_at IS NULL
		ORDER BY submitted_at ASC`
	rows, err := r.Pool.Query(ctx, q, domain.StatusQueued, domain.StatusProvisioning, domain.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("op=evaluation.running: %w", err)
	}
	defer rows.Close()
	var out []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=evaluation.running: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=evaluation.running: %w", err)
	}
	return out, nil
}

// Statistics aggregates stored evaluations into platform-wide counters.
func (r *EvaluationRepo) Statistics(ctx domain.Context) (domain.Statistics, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Statistics")
	defer span.End()

	stats := domain.Statistics{CountsByStatus: map[domain.Status]int64{}}
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM evaluations WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return domain.Statistics{}, fmt.Errorf("op=evaluation.statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return domain.Statistics{}, fmt.Errorf("op=evaluation.statistics: %w", err)
		}
		stats.CountsByStatus[s] = n
	}
	if err := rows.Err(); err != nil {
		return domain.Statistics{}, fmt.Errorf("op=evaluation.statistics: %w", err)
	}

	row := r.Pool.QueryRow(ctx, `SELECT
		COUNT(*) FILTER (WHERE submitted_at >= NOW() - INTERVAL '24 hours'),
		COALESCE(AVG(EXTRACT(EPOCH FROM (started_at - submitted_at))) FILTER (WHERE started_at IS NOT NULL), 0),
		COALESCE(AVG(EXTRACT(EPOCH FROM (terminated_at - started_at))) FILTER (WHERE terminated_at IS NOT NULL AND started_at IS NOT NULL), 0)
		FROM evaluations WHERE deleted_at IS NULL`)
	if err := row.Scan(&stats.Last24hSubmissions, &stats.AvgQueueSeconds, &stats.AvgRunSeconds); err != nil {
		return domain.Statistics{}, fmt.Errorf("op=evaluation.statistics: %w", err)
	}
	return stats, nil
}

// SoftDelete hides an evaluation from reads. Deleting twice is a no-op.
func (r *EvaluationRepo) SoftDelete(ctx domain.Context, evalID string) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.SoftDelete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE evaluations SET deleted_at=$2 WHERE eval_id=$1 AND deleted_at IS NULL`,
		evalID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=evaluation.soft_delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := r.Pool.QueryRow(ctx, `SELECT 1 FROM evaluations WHERE eval_id=$1`, evalID)
		var one int
		if err := row.Scan(&one); err != nil {
			return fmt.Errorf("op=evaluation.soft_delete: %w", domain.ErrNotFound)
		}
	}
	return nil
}

// Restore undoes a soft delete.
func (r *EvaluationRepo) Restore(ctx domain.Context, evalID string) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Restore")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE evaluations SET deleted_at=NULL WHERE eval_id=$1 AND deleted_at IS NOT NULL`,
		evalID)
	if err != nil {
		return fmt.Errorf("op=evaluation.restore: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := r.Pool.QueryRow(ctx, `SELECT 1 FROM evaluations WHERE eval_id=$1`, evalID)
		var one int
		if err := row.Scan(&one); err != nil {
			return fmt.Errorf("op=evaluation.restore: %w", domain.ErrNotFound)
		}
	}
	return nil
}

func scanEvaluation(row pgx.Row) (domain.Evaluation, error) {
	var e domain.Evaluation
	err := row.Scan(&e.EvalID, &e.Code, &e.Language, &e.ImageTag, &e.TimeoutSeconds,
		&e.Priority, &e.Resources.CPUMillis, &e.Resources.MemoryMiB, &e.Status,
		&e.SubmittedAt, &e.StartedAt, &e.TerminatedAt, &e.OutputPreview,
		&e.OutputLocation, &e.ExitCode, &e.ErrorKind, &e.ExecutorIdentity, &e.DeletedAt)
	return e, err
}
