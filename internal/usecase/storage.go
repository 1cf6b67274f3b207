// Package usecase contains the application services sitting between the HTTP
// adapter and the ports: submission, querying, cancellation, and the storage
// logic that owns the canonical evaluation record.
package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/lifecycle"
	"github.com/fairyhunter13/ai-code-evaluator/pkg/preview"
)

// StorageService owns reads and writes of the canonical evaluation record:
// check-and-set updates, the large-output offload policy, the read-through
// cache, and the append-only event log.
type StorageService struct {
	Repo   domain.EvaluationRepository
	Events domain.EventRepository
	Blobs  domain.BlobStore
	Cache  domain.RecordCache

	BlobThresholdBytes int
	PreviewBytes       int
}

// NewStorageService constructs a StorageService. Cache and Blobs may be nil;
// the service then skips caching and stores every output inline.
func NewStorageService(repo domain.EvaluationRepository, events domain.EventRepository, blobs domain.BlobStore, cache domain.RecordCache) *StorageService {
	return &StorageService{
		Repo:               repo,
		Events:             events,
		Blobs:              blobs,
		Cache:              cache,
		BlobThresholdBytes: domain.BlobThresholdBytes,
		PreviewBytes:       domain.PreviewBytes,
	}
}

// OutputKey is the deterministic blob key for an evaluation's full output.
func OutputKey(evalID string) string { return evalID + "/output" }

// Create persists a new evaluation record. Duplicate eval_ids surface as
// ErrConflict; the caller decides whether that is an idempotent replay.
func (s *StorageService) Create(ctx domain.Context, e domain.Evaluation) error {
	if err := s.Repo.Create(ctx, e); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, e)
	}
	return nil
}

// Get reads an evaluation through the cache.
func (s *StorageService) Get(ctx domain.Context, evalID string) (domain.Evaluation, error) {
	if s.Cache != nil {
		if e, ok := s.Cache.Get(ctx, evalID); ok {
			return e, nil
		}
	}
	e, err := s.Repo.Get(ctx, evalID)
	if err != nil {
		return domain.Evaluation{}, err
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, e)
	}
	return e, nil
}

// Update applies a patch to the record. patch.Output carries the FULL
// captured output; the service derives the stored preview and decides on
// blob offload. Status changes are validated against the transition table
// and executed as a check-and-set on the current status, so concurrent
// writers cannot regress a terminal record.
func (s *StorageService) Update(ctx domain.Context, evalID string, patch domain.EvaluationPatch) error {
	if patch.Status != nil {
		cur, err := s.Repo.Get(ctx, evalID)
		if err != nil {
			return err
		}
		if cur.Status == *patch.Status {
			// already there: strip the status change, keep the field patch
			patch.Status = nil
			patch.ExpectStatus = nil
		} else {
			if !lifecycle.AllowedEdge(cur.Status, *patch.Status) {
				return fmt.Errorf("op=storage.update: %s to %s: %w",
					cur.Status, *patch.Status, domain.ErrInvalidTransition)
			}
			expect := cur.Status
			patch.ExpectStatus = &expect
		}
	}

	if patch.Output != nil {
		full := *patch.Output
		if full == "" {
			// empty stream stays null: absence of output is information
			patch.Output = nil
		} else {
			if len(full) > s.BlobThresholdBytes && s.Blobs != nil {
				location, err := s.Blobs.Put(ctx, OutputKey(evalID), []byte(full))
				if err != nil {
					return fmt.Errorf("op=storage.update: %w", err)
				}
				patch.OutputLocation = &location
				observability.BlobOffloadsTotal.Inc()
			}
			p := preview.Truncate(full, s.PreviewBytes)
			patch.Output = &p
		}
	}

	if err := s.Repo.UpdateCAS(ctx, evalID, patch); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, evalID)
	}
	return nil
}

// FullOutput returns the complete captured output, following the blob
// location when the output was offloaded.
func (s *StorageService) FullOutput(ctx domain.Context, evalID string) (string, error) {
	e, err := s.Get(ctx, evalID)
	if err != nil {
		return "", err
	}
	if e.OutputLocation == nil {
		if e.OutputPreview == nil {
			return "", nil
		}
		return *e.OutputPreview, nil
	}
	if s.Blobs == nil {
		return "", fmt.Errorf("op=storage.full_output: %w", domain.ErrStorageUnavailable)
	}
	data, err := s.Blobs.Get(ctx, OutputKey(evalID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AppendEvent appends to the per-evaluation log; duplicates on event_id are
// absorbed silently.
func (s *StorageService) AppendEvent(ctx domain.Context, ev domain.EvaluationEvent) error {
	return s.Events.Append(ctx, ev)
}

// EventsByEval lists the log in append order.
func (s *StorageService) EventsByEval(ctx domain.Context, evalID string, limit, offset int) ([]domain.EvaluationEvent, error) {
	if limit <= 0 {
		limit = domain.MaxListLimit
	}
	return s.Events.ListByEval(ctx, evalID, limit, offset)
}

// List pages through evaluations matching the filter.
func (s *StorageService) List(ctx domain.Context, f domain.ListFilter, limit, offset int) (domain.Page, error) {
	return s.Repo.List(ctx, f, limit, offset)
}

// Running lists evaluations that are queued, provisioning, or running.
func (s *StorageService) Running(ctx domain.Context) ([]domain.Evaluation, error) {
	return s.Repo.Running(ctx)
}

// Statistics summarises stored evaluations.
func (s *StorageService) Statistics(ctx domain.Context) (domain.Statistics, error) {
	return s.Repo.Statistics(ctx)
}

// SoftDelete hides the record from listings until restored.
func (s *StorageService) SoftDelete(ctx domain.Context, evalID string) error {
	if err := s.Repo.SoftDelete(ctx, evalID); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, evalID)
	}
	return nil
}

// Restore undoes a soft delete.
func (s *StorageService) Restore(ctx domain.Context, evalID string) error {
	if err := s.Repo.Restore(ctx, evalID); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, evalID)
	}
	return nil
}

// sanitizeID keeps eval_ids URL- and label-safe.
func sanitizeID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return !strings.HasPrefix(id, "-")
}
