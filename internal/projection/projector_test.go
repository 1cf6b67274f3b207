package projection

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

type repoStub struct {
	mu      sync.Mutex
	records map[string]domain.Evaluation
	// casFailures injects N lost races before updates succeed
	casFailures int
}

func newRepoStub() *repoStub { return &repoStub{records: map[string]domain.Evaluation{}} }

func (r *repoStub) Create(_ domain.Context, e domain.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[e.EvalID]; ok {
		return fmt.Errorf("op=evaluation.create: %w", domain.ErrConflict)
	}
	r.records[e.EvalID] = e
	return nil
}

func (r *repoStub) Get(_ domain.Context, evalID string) (domain.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[evalID]
	if !ok {
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.get: %w", domain.ErrNotFound)
	}
	return e, nil
}

func (r *repoStub) UpdateCAS(_ domain.Context, evalID string, patch domain.EvaluationPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.casFailures > 0 {
		r.casFailures--
		return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrConflict)
	}
	e, ok := r.records[evalID]
	if !ok {
		return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrNotFound)
	}
	if patch.ExpectStatus != nil && e.Status != *patch.ExpectStatus {
		return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrConflict)
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		e.StartedAt = patch.StartedAt
	}
	if patch.TerminatedAt != nil {
		e.TerminatedAt = patch.TerminatedAt
	}
	if patch.ExitCode != nil {
		e.ExitCode = patch.ExitCode
	}
	if patch.ErrorKind != nil {
		e.ErrorKind = patch.ErrorKind
	}
	r.records[evalID] = e
	return nil
}

func (r *repoStub) List(_ domain.Context, _ domain.ListFilter, _, _ int) (domain.Page, error) {
	return domain.Page{}, nil
}
func (r *repoStub) Running(_ domain.Context) ([]domain.Evaluation, error) { return nil, nil }
func (r *repoStub) Statistics(_ domain.Context) (domain.Statistics, error) {
	return domain.Statistics{}, nil
}
func (r *repoStub) SoftDelete(_ domain.Context, _ string) error { return nil }
func (r *repoStub) Restore(_ domain.Context, _ string) error    { return nil }

type eventsStub struct {
	mu     sync.Mutex
	events []domain.EvaluationEvent
}

func (s *eventsStub) Append(_ domain.Context, ev domain.EvaluationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.EventID == ev.EventID {
			return nil
		}
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *eventsStub) ListByEval(_ domain.Context, evalID string, _, _ int) ([]domain.EvaluationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvaluationEvent
	for _, e := range s.events {
		if e.EvalID == evalID {
			out = append(out, e)
		}
	}
	return out, nil
}

func event(evalID string, kind domain.EventKind, payload map[string]string) domain.EvaluationEvent {
	return domain.EvaluationEvent{
		EventID:  domain.TransitionEventID(evalID, kind),
		EvalID:   evalID,
		Kind:     kind,
		At:       time.Now().UTC(),
		Producer: "test",
		Payload:  payload,
	}
}

func TestHandle_OrderedLifecycleMaterialisesRecord(t *testing.T) {
	repo := newRepoStub()
	events := &eventsStub{}
	p := New(repo, events, nil, nil)
	ctx := context.Background()

	for _, kind := range []domain.EventKind{
		domain.EventSubmitted, domain.EventQueued, domain.EventProvisioning,
		domain.EventRunning, domain.EventCompleted,
	} {
		require.NoError(t, p.Handle(ctx, event("01HZXPROJ", kind, nil)))
	}

	rec := repo.records["01HZXPROJ"]
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.TerminatedAt)
	assert.Len(t, events.events, 5)
	for _, ev := range events.events {
		assert.False(t, ev.Anomaly)
	}
}

func TestHandle_OutOfOrderTerminalWinsAndStaleIsAnomaly(t *testing.T) {
	repo := newRepoStub()
	events := &eventsStub{}
	p := New(repo, events, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, event("01HZXOOO", domain.EventSubmitted, nil)))
	require.NoError(t, p.Handle(ctx, event("01HZXOOO", domain.EventCompleted, map[string]string{"exit_code": "0"})))
	require.NoError(t, p.Handle(ctx, event("01HZXOOO", domain.EventRunning, nil)))

	rec := repo.records["01HZXOOO"]
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)

	require.Len(t, events.events, 3)
	assert.False(t, events.events[1].Anomaly, "completed applied")
	assert.True(t, events.events[2].Anomaly, "running after terminal logged as anomaly")
}

func TestHandle_SecondTerminalIsConflictAnomaly(t *testing.T) {
	repo := newRepoStub()
	events := &eventsStub{}
	p := New(repo, events, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, event("01HZXTERM", domain.EventSubmitted, nil)))
	require.NoError(t, p.Handle(ctx, event("01HZXTERM", domain.EventCompleted, nil)))
	require.NoError(t, p.Handle(ctx, event("01HZXTERM", domain.EventFailed, nil)))

	assert.Equal(t, domain.StatusCompleted, repo.records["01HZXTERM"].Status, "first terminal sticks")
	assert.True(t, events.events[2].Anomaly)
}

func TestHandle_EventBeforeRecordMaterialisesSkeleton(t *testing.T) {
	repo := newRepoStub()
	events := &eventsStub{}
	p := New(repo, events, nil, nil)

	require.NoError(t, p.Handle(context.Background(),
		event("01HZXRACE", domain.EventRunning, map[string]string{"started_at": "2026-08-24T10:00:00Z"})))

	rec, ok := repo.records["01HZXRACE"]
	require.True(t, ok)
	assert.Equal(t, domain.StatusRunning, rec.Status)
	require.NotNil(t, rec.StartedAt)
}

func TestHandle_RedeliveredEventLeavesOneLogEntry(t *testing.T) {
	repo := newRepoStub()
	events := &eventsStub{}
	p := New(repo, events, nil, nil)
	ctx := context.Background()

	ev := event("01HZXDUP", domain.EventSubmitted, nil)
	require.NoError(t, p.Handle(ctx, ev))
	require.NoError(t, p.Handle(ctx, ev))
	assert.Len(t, events.events, 1)
}

func TestHandle_LostCASRaceRereadsAndSettles(t *testing.T) {
	repo := newRepoStub()
	events := &eventsStub{}
	p := New(repo, events, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, event("01HZXCAS", domain.EventSubmitted, nil)))
	repo.casFailures = 1
	require.NoError(t, p.Handle(ctx, event("01HZXCAS", domain.EventQueued, nil)))
	assert.Equal(t, domain.StatusQueued, repo.records["01HZXCAS"].Status)
}

func TestHandle_TerminalWithoutTimestampUsesEventTime(t *testing.T) {
	repo := newRepoStub()
	p := New(repo, &eventsStub{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, event("01HZXTS", domain.EventSubmitted, nil)))
	ev := event("01HZXTS", domain.EventTimeout, map[string]string{"error_kind": "execution_timeout"})
	require.NoError(t, p.Handle(ctx, ev))

	rec := repo.records["01HZXTS"]
	require.NotNil(t, rec.TerminatedAt)
	assert.Equal(t, ev.At, *rec.TerminatedAt)
	require.NotNil(t, rec.ErrorKind)
	assert.Equal(t, domain.KindExecutionTimeout, *rec.ErrorKind)
}
