package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/usecase"
)

// Server bundles the usecase services behind the HTTP surface.
type Server struct {
	Submit  *usecase.SubmitService
	Query   *usecase.QueryService
	Cancel  *usecase.CancelService
	Storage *usecase.StorageService

	// MaxBodyBytes bounds request bodies; code is capped separately by the
	// submit service, this guards the decoder.
	MaxBodyBytes int64
}

// NewServer constructs a Server. The body cap leaves headroom above the code
// cap for the JSON envelope.
func NewServer(submit *usecase.SubmitService, query *usecase.QueryService, cancel *usecase.CancelService, storage *usecase.StorageService) *Server {
	return &Server{
		Submit:       submit,
		Query:        query,
		Cancel:       cancel,
		Storage:      storage,
		MaxBodyBytes: int64(domain.MaxCodeSizeBytes) + 64*1024,
	}
}

// Routes mounts the public API and the internal storage surface on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/evaluations", s.CreateEvaluation)
		r.Post("/evaluations:bulk", s.BulkCreate)
		r.Get("/evaluations", s.ListEvaluations)
		r.Get("/evaluations/running", s.RunningEvaluations)
		r.Get("/evaluations/{id}", s.GetEvaluation)
		r.Put("/evaluations/{id}", s.PatchEvaluation)
		r.Delete("/evaluations/{id}", s.CancelEvaluation)
		r.Get("/evaluations/{id}/events", s.EvaluationEvents)
		r.Get("/evaluations/{id}/output", s.EvaluationOutput)
		r.Get("/statistics", s.Statistics)
		r.Post("/events", s.AppendEvent)
		r.Get("/events", s.ListEvents)
	})
}

type submitRequest struct {
	EvalID         string           `json:"eval_id,omitempty"`
	Code           string           `json:"code"`
	Language       string           `json:"language"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
	Priority       string           `json:"priority,omitempty"`
	Resources      domain.Resources `json:"resources,omitempty"`
	AllowNullBytes bool             `json:"allow_null_bytes,omitempty"`
}

type submitResponse struct {
	EvalID string        `json:"eval_id"`
	Status domain.Status `json:"status"`
}

type evaluationResponse struct {
	EvalID           string            `json:"eval_id"`
	Language         domain.Language   `json:"language"`
	Status           domain.Status     `json:"status"`
	Priority         domain.Priority   `json:"priority,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	ImageTag         string            `json:"image_tag,omitempty"`
	SubmittedAt      *time.Time        `json:"submitted_at,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	TerminatedAt     *time.Time        `json:"terminated_at,omitempty"`
	OutputPreview    *string           `json:"output_preview,omitempty"`
	OutputLocation   *string           `json:"output_location,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	ErrorKind        *domain.ErrorKind `json:"error_kind,omitempty"`
	ExecutorIdentity *string           `json:"executor_identity,omitempty"`
}

func toResponse(e domain.Evaluation) evaluationResponse {
	resp := evaluationResponse{
		EvalID:           e.EvalID,
		Language:         e.Language,
		Status:           e.Status,
		Priority:         e.Priority,
		TimeoutSeconds:   e.TimeoutSeconds,
		ImageTag:         e.ImageTag,
		StartedAt:        e.StartedAt,
		TerminatedAt:     e.TerminatedAt,
		OutputPreview:    e.OutputPreview,
		OutputLocation:   e.OutputLocation,
		ExitCode:         e.ExitCode,
		ErrorKind:        e.ErrorKind,
		ExecutorIdentity: e.ExecutorIdentity,
	}
	if !e.SubmittedAt.IsZero() {
		t := e.SubmittedAt
		resp.SubmittedAt = &t
	}
	return resp
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	defer func() { _, _ = io.Copy(io.Discard, body) }()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, fmt.Errorf("body exceeds %d bytes: %w", s.MaxBodyBytes, domain.ErrPayloadTooLarge), nil)
			return false
		}
		writeError(w, r, fmt.Errorf("malformed json: %w", domain.ErrInvalidRequest), err.Error())
		return false
	}
	return true
}

// CreateEvaluation accepts one submission. Duplicate eval_ids replay the
// stored record instead of failing, so retrying clients are safe.
func (s *Server) CreateEvaluation(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateSubmit(req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	e, err := s.Submit.Submit(r.Context(), toSubmitRequest(req, observability.RequestIDFromContext(r.Context())))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{EvalID: e.EvalID, Status: e.Status})
}

// BulkCreate accepts an array of submissions and reports per-item outcomes.
func (s *Server) BulkCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []submitRequest
	if !s.decode(w, r, &reqs) {
		return
	}
	reqID := observability.RequestIDFromContext(r.Context())
	items := make([]usecase.SubmitRequest, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, toSubmitRequest(req, reqID))
	}
	results := s.Submit.BulkSubmit(r.Context(), items)
	writeJSON(w, http.StatusOK, map[string]any{"items": results})
}

func toSubmitRequest(req submitRequest, requestID string) usecase.SubmitRequest {
	return usecase.SubmitRequest{
		EvalID:         req.EvalID,
		Code:           req.Code,
		Language:       domain.Language(req.Language),
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       domain.Priority(req.Priority),
		Resources:      req.Resources,
		AllowNullBytes: req.AllowNullBytes,
		RequestID:      requestID,
	}
}

// GetEvaluation returns the stored record, or 202 while the submission is
// enqueued but not yet materialised.
func (s *Server) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.Query.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if res.Pending {
		writeJSON(w, http.StatusAccepted, submitResponse{EvalID: id, Status: domain.StatusQueued})
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res.Evaluation))
}

// ListEvaluations pages stored records, newest first.
func (s *Server) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	f, limit, offset, err := parseListQuery(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	page, err := s.Query.List(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	items := make([]evaluationResponse, 0, len(page.Items))
	for _, e := range page.Items {
		items = append(items, toResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "has_more": page.HasMore})
}

// RunningEvaluations lists in-flight work.
func (s *Server) RunningEvaluations(w http.ResponseWriter, r *http.Request) {
	running, err := s.Query.Running(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	items := make([]evaluationResponse, 0, len(running))
	for _, e := range running {
		items = append(items, toResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CancelEvaluation revokes the task and deletes any workload. The response is
// idempotent: repeating the call on a terminal evaluation stays 202.
func (s *Server) CancelEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.Cancel.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("cancel requested", slog.String("eval_id", id), slog.String("status", string(status)))
	writeJSON(w, http.StatusAccepted, submitResponse{EvalID: id, Status: status})
}

// EvaluationEvents lists the append-only log for one evaluation.
func (s *Server) EvaluationEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset := parsePagination(r)
	events, err := s.Query.Events(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

// EvaluationOutput streams the full captured output, following the blob
// location for offloaded outputs.
func (s *Server) EvaluationOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.Query.Output(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

// Statistics summarises stored evaluations.
func (s *Server) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Query.Statistics(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type patchRequest struct {
	Status           *domain.Status    `json:"status,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	TerminatedAt     *time.Time        `json:"terminated_at,omitempty"`
	Output           *string           `json:"output,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	ErrorKind        *domain.ErrorKind `json:"error_kind,omitempty"`
	ExecutorIdentity *string           `json:"executor_identity,omitempty"`
	ImageTag         *string           `json:"image_tag,omitempty"`
}

// PatchEvaluation is the internal storage surface: whitelisted field patches
// with transition validation. Unknown statuses are rejected before touching
// storage.
func (s *Server) PatchEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req patchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		writeError(w, r, fmt.Errorf("unknown status %q: %w", *req.Status, domain.ErrInvalidRequest), nil)
		return
	}
	err := s.Storage.Update(r.Context(), id, domain.EvaluationPatch{
		Status:           req.Status,
		StartedAt:        req.StartedAt,
		TerminatedAt:     req.TerminatedAt,
		Output:           req.Output,
		ExitCode:         req.ExitCode,
		ErrorKind:        req.ErrorKind,
		ExecutorIdentity: req.ExecutorIdentity,
		ImageTag:         req.ImageTag,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	e, err := s.Storage.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(e))
}

// AppendEvent is the internal storage surface for the event log. Duplicate
// event_ids are absorbed and still reported as appended.
func (s *Server) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.EvaluationEvent
	if !s.decode(w, r, &ev) {
		return
	}
	if ev.EventID == "" || ev.EvalID == "" || ev.Kind == "" {
		writeError(w, r, fmt.Errorf("event_id, eval_id and kind required: %w", domain.ErrInvalidRequest), nil)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := s.Storage.AppendEvent(r.Context(), ev); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": ev.EventID})
}

// ListEvents lists the log for ?eval_id=.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	evalID := r.URL.Query().Get("eval_id")
	if evalID == "" {
		writeError(w, r, fmt.Errorf("eval_id query parameter required: %w", domain.ErrInvalidRequest), nil)
		return
	}
	limit, offset := parsePagination(r)
	events, err := s.Query.Events(r.Context(), evalID, limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func parseListQuery(r *http.Request) (domain.ListFilter, int, int, error) {
	q := r.URL.Query()
	var f domain.ListFilter
	if v := q.Get("status"); v != "" {
		st := domain.Status(v)
		if !st.Valid() {
			return f, 0, 0, fmt.Errorf("unknown status %q: %w", v, domain.ErrInvalidRequest)
		}
		f.Status = &st
	}
	if v := q.Get("language"); v != "" {
		lang := domain.Language(v)
		f.Language = &lang
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, 0, 0, fmt.Errorf("since must be RFC3339: %w", domain.ErrInvalidRequest)
		}
		f.Since = &t
	}
	if q.Get("include_deleted") == "true" {
		f.IncludeDeleted = true
	}
	limit, offset := parsePagination(r)
	return f, limit, offset, nil
}

func parsePagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}
