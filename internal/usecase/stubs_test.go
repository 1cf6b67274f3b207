package usecase

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

type repoStub struct {
	mu      sync.Mutex
	records map[string]domain.Evaluation
	patches []domain.EvaluationPatch

	createErr error
	updateErr error
}

func newRepoStub() *repoStub {
	return &repoStub{records: map[string]domain.Evaluation{}}
}

func (r *repoStub) Create(_ domain.Context, e domain.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
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
	if r.updateErr != nil {
		return r.updateErr
	}
	e, ok := r.records[evalID]
	if !ok {
		return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrNotFound)
	}
	if patch.ExpectStatus != nil && e.Status != *patch.ExpectStatus {
		return fmt.Errorf("op=evaluation.update_cas: %w", domain.ErrConflict)
	}
	r.patches = append(r.patches, patch)
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.Output != nil {
		e.OutputPreview = patch.Output
	}
	if patch.OutputLocation != nil {
		e.OutputLocation = patch.OutputLocation
	}
	if patch.ExitCode != nil {
		e.ExitCode = patch.ExitCode
	}
	if patch.ErrorKind != nil {
		e.ErrorKind = patch.ErrorKind
	}
	if patch.StartedAt != nil {
		e.StartedAt = patch.StartedAt
	}
	if patch.TerminatedAt != nil {
		e.TerminatedAt = patch.TerminatedAt
	}
	if patch.ExecutorIdentity != nil {
		e.ExecutorIdentity = patch.ExecutorIdentity
	}
	r.records[evalID] = e
	return nil
}

func (r *repoStub) List(_ domain.Context, _ domain.ListFilter, limit, _ int) (domain.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]domain.Evaluation, 0, len(r.records))
	for _, e := range r.records {
		items = append(items, e)
	}
	if len(items) > limit {
		items = items[:limit]
		return domain.Page{Items: items, HasMore: true}, nil
	}
	return domain.Page{Items: items}, nil
}

func (r *repoStub) Running(_ domain.Context) ([]domain.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Evaluation
	for _, e := range r.records {
		switch e.Status {
		case domain.StatusQueued, domain.StatusProvisioning, domain.StatusRunning:
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *repoStub) Statistics(_ domain.Context) (domain.Statistics, error) {
	return domain.Statistics{CountsByStatus: map[domain.Status]int64{}}, nil
}

func (r *repoStub) SoftDelete(_ domain.Context, evalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, evalID)
	return nil
}

func (r *repoStub) Restore(_ domain.Context, _ string) error { return nil }

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

type blobStub struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newBlobStub() *blobStub { return &blobStub{data: map[string][]byte{}} }

func (b *blobStub) Put(_ domain.Context, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.data[key] = data
	return "s3://outputs/" + key, nil
}

func (b *blobStub) Get(_ domain.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("op=blob.get: %w", domain.ErrNotFound)
	}
	return d, nil
}

type queueStub struct {
	mu       sync.Mutex
	payloads []domain.EvaluationTaskPayload
	err      error
}

func (q *queueStub) Enqueue(_ domain.Context, p domain.EvaluationTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.payloads = append(q.payloads, p)
	return nil
}

type busStub struct {
	mu     sync.Mutex
	events []domain.EvaluationEvent
	err    error
}

func (b *busStub) Publish(_ domain.Context, ev domain.EvaluationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *busStub) kinds() []domain.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventKind, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Kind)
	}
	return out
}

type pendingStub struct {
	mu     sync.Mutex
	marked map[string]bool
}

func newPendingStub() *pendingStub { return &pendingStub{marked: map[string]bool{}} }

func (p *pendingStub) Mark(_ domain.Context, evalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marked[evalID] = true
	return nil
}

func (p *pendingStub) Pending(_ domain.Context, evalID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marked[evalID], nil
}

type revokerStub struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newRevokerStub() *revokerStub { return &revokerStub{revoked: map[string]bool{}} }

func (r *revokerStub) Revoke(_ domain.Context, evalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[evalID] = true
	return nil
}

func (r *revokerStub) Revoked(_ domain.Context, evalID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revoked[evalID], nil
}

type dispatcherStub struct {
	mu        sync.Mutex
	executed  []string
	cancelled []string
	status    domain.ExecutionStatus
	statusErr error
	execErr   error
}

func (d *dispatcherStub) Execute(_ domain.Context, p domain.EvaluationTaskPayload) (domain.ExecutionMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.execErr != nil {
		return domain.ExecutionMetadata{}, d.execErr
	}
	d.executed = append(d.executed, p.EvalID)
	return domain.ExecutionMetadata{ExecutorIdentity: "eval-" + p.EvalID, ImageTag: "img:1", Sandboxed: true}, nil
}

func (d *dispatcherStub) Status(_ domain.Context, evalID string) (domain.ExecutionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statusErr != nil {
		return domain.ExecutionStatus{}, d.statusErr
	}
	st := d.status
	st.EvalID = evalID
	return st, nil
}

func (d *dispatcherStub) Cancel(_ domain.Context, evalID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, evalID)
	return nil
}
