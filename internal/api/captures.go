package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/orchestrator"
	"github.com/JakeFAU/gated-doc-capture/internal/storage"
)

type captureRequest struct {
	RequesterID string `json:"requester_id"`
	Locator     string `json:"locator"`
	// Pages is a textual selection such as "1,3-5".
	Pages string `json:"pages"`
	// PageList is an explicit list; it is merged with Pages.
	PageList []int `json:"page_list"`
}

type captureAccepted struct {
	JobID      string        `json:"job_id"`
	Phase      capture.Phase `json:"phase"`
	DocumentID string        `json:"document_id"`
	Pages      []int         `json:"pages,omitempty"`
	StatusURL  string        `json:"status_url"`
}

type kindError struct {
	Error       string       `json:"error"`
	Kind        capture.Kind `json:"kind"`
	Explanation string       `json:"explanation"`
}

// submitCapture handles POST /v1/captures. It answers 202 with the job ID,
// 400 for malformed requests, 429 with Retry-After when admission is denied,
// and 503 when the job cannot be queued.
func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	var body captureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.RequesterID) == "" {
		writeError(w, http.StatusBadRequest, "requester_id is required")
		return
	}
	if !validRequesterID(strings.TrimSpace(body.RequesterID)) {
		writeError(w, http.StatusBadRequest, "requester_id must be a single path segment")
		return
	}
	req, err := s.toRequest(body)
	if err != nil {
		writeKindError(w, http.StatusBadRequest, err)
		return
	}

	decision := s.deps.Admission.TryAdmit(req.RequesterID)
	if !decision.Admitted {
		secs := int(math.Ceil(decision.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               decision.Err().Error(),
			"kind":                decision.Kind,
			"explanation":         decision.Kind.Explain(),
			"reason":              decision.Reason,
			"retry_after_seconds": secs,
		})
		return
	}

	job, err := s.deps.Jobs.Submit(req)
	if err != nil {
		s.deps.Admission.Release(req.RequesterID)
		s.logger.Error("submit capture failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register job")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), s.cfg.EnqueueTimeout)
	defer cancel()
	item := capture.QueueItem{JobID: job.ID, Request: req, Submitted: s.deps.Clock.Now()}
	if err := s.deps.Queue.Enqueue(queueCtx, item); err != nil {
		s.logger.Warn("enqueue capture failed", zap.String("job_id", job.ID), zap.Error(err))
		s.deps.Jobs.Abort(context.WithoutCancel(r.Context()), job, capture.Wrap(capture.KindResourceInitFailed, "enqueue", err))
		writeError(w, http.StatusServiceUnavailable, "capture queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, captureAccepted{
		JobID:      job.ID,
		Phase:      capture.PhaseInitializing,
		DocumentID: req.Locator.DocumentID,
		Pages:      req.Pages,
		StatusURL:  "/v1/captures/" + job.ID,
	})
}

// validRequesterID rejects IDs that could address another requester's
// delivery folder.
func validRequesterID(id string) bool {
	if id == "." || id == ".." || len(id) > 128 {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return r == '/' || r == '\\' || unicode.IsControl(r)
	})
}

func (s *Server) toRequest(body captureRequest) (capture.Request, error) {
	loc, err := s.locator.Parse(body.Locator)
	if err != nil {
		return capture.Request{}, err
	}
	pages, err := capture.ParsePages(body.Pages)
	if err != nil {
		return capture.Request{}, err
	}
	if len(body.PageList) > 0 {
		pages, err = capture.NormalizePages(append(pages, body.PageList...))
		if err != nil {
			return capture.Request{}, err
		}
	}
	return capture.Request{RequesterID: strings.TrimSpace(body.RequesterID), Locator: loc, Pages: pages}, nil
}

// getCapture handles GET /v1/captures/{job_id}. Registered jobs answer from
// memory; finished jobs fall back to the history store.
func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if st, ok := s.deps.Jobs.Get(jobID); ok {
		writeJSON(w, http.StatusOK, map[string]any{"job": st})
		return
	}
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	rec, err := s.deps.History.LookupJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("lookup job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": orchestrator.StatusFromRecord(rec)})
}

// cancelCapture handles POST /v1/captures/{job_id}/cancel. It answers 202
// once cancellation is requested, 404 for unknown jobs, and 409 when the job
// is past the point where it can be cancelled.
func (s *Server) cancelCapture(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.deps.Jobs.Cancel(jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
	case errors.Is(err, orchestrator.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("cancel job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
	}
}

func writeKindError(w http.ResponseWriter, status int, err error) {
	kind := capture.KindOf(err)
	writeJSON(w, status, kindError{
		Error:       err.Error(),
		Kind:        kind,
		Explanation: kind.Explain(),
	})
}
