// Package api serves render submission and status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/abenezer101/Loanie/internal/failures"
	"github.com/abenezer101/Loanie/internal/idempotency"
	"github.com/abenezer101/Loanie/internal/logging"
	"github.com/abenezer101/Loanie/internal/models"
	"github.com/abenezer101/Loanie/internal/orchestrator"
	"github.com/abenezer101/Loanie/internal/ratelimit"
	"github.com/abenezer101/Loanie/internal/telemetry"
)

const (
	defaultMaxBody = 8 << 20
	defaultTenant  = "default"
)

// Submitter starts render jobs.
type Submitter interface {
	Submit(ctx context.Context, raw json.RawMessage, jc orchestrator.JobContext) (string, error)
}

// StatusReader resolves a job from either tier.
type StatusReader interface {
	Read(ctx context.Context, id string) (models.RenderJob, error)
}

// Options carries the optional collaborators. Nil fields disable the feature.
type Options struct {
	Limiter *ratelimit.TokenBucket
	Keys    *idempotency.Keys
	Files   http.Handler
	Bundle  func() string
	MaxBody int64
	Logger  *slog.Logger
}

// Server wires HTTP handlers for the render API.
type Server struct {
	jobs   Submitter
	status StatusReader
	opts   Options
	log    *slog.Logger
}

// New constructs the API server.
func New(jobs Submitter, status StatusReader, opts Options) *Server {
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaultMaxBody
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{jobs: jobs, status: status, opts: opts, log: logging.WithComponent(logger, "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	if s.opts.Files != nil {
		r.Mount("/files", s.opts.Files)
	}

	r.Post("/generate-video", s.handleGenerate)
	r.Get("/status/{id}", s.handleStatus)
	return r
}

type jobContextBody struct {
	AssociatedManifestID *string         `json:"associatedManifestId"`
	Analysis             json.RawMessage `json:"analysis"`
}

type generateRequest struct {
	Manifest   json.RawMessage `json:"manifest"`
	Analysis   json.RawMessage `json:"analysis"`
	ManifestID *string         `json:"manifest_id"`
	Context    *jobContextBody `json:"context"`
}

// jobContext accepts both the flat fields and the nested context object;
// the flat fields win.
func (req generateRequest) jobContext() orchestrator.JobContext {
	jc := orchestrator.JobContext{ManifestID: req.ManifestID, Analysis: req.Analysis}
	if req.Context != nil {
		if jc.ManifestID == nil {
			jc.ManifestID = req.Context.AssociatedManifestID
		}
		if len(jc.Analysis) == 0 {
			jc.Analysis = req.Context.Analysis
		}
	}
	if jc.ManifestID != nil && strings.TrimSpace(*jc.ManifestID) == "" {
		jc.ManifestID = nil
	}
	return jc
}

type generateResponse struct {
	JobID string `json:"jobId"`
	// VideoID repeats JobID for clients of the previous render service.
	VideoID    string        `json:"videoId"`
	Status     models.Status `json:"status"`
	Idempotent bool          `json:"idempotent,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, s.opts.MaxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Manifest) == 0 {
		writeError(w, http.StatusBadRequest, "Missing manifest")
		return
	}

	tenant := tenantFromRequest(r)
	if s.opts.Limiter != nil {
		d, err := s.opts.Limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.log.Error("rate limiter unavailable", "tenant", tenant, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && s.opts.Keys != nil {
		existing, err := s.opts.Keys.Claim(r.Context(), tenant, key)
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			writeError(w, http.StatusConflict, "request with this Idempotency-Key is in progress")
			return
		case err != nil:
			s.log.Error("idempotency lookup failed", "tenant", tenant, "error", err)
			writeError(w, http.StatusInternalServerError, "idempotency error")
			return
		case existing != "":
			writeJSON(w, http.StatusAccepted, generateResponse{JobID: existing, VideoID: existing, Status: models.StatusProcessing, Idempotent: true})
			return
		}
	}

	id, err := s.jobs.Submit(r.Context(), req.Manifest, req.jobContext())
	if err != nil {
		if key != "" && s.opts.Keys != nil {
			if rerr := s.opts.Keys.Release(r.Context(), tenant, key); rerr != nil {
				s.log.Warn("release idempotency key failed", "error", rerr)
			}
		}
		if errors.Is(err, failures.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("submit render job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start render")
		return
	}
	if key != "" && s.opts.Keys != nil {
		if err := s.opts.Keys.Complete(r.Context(), tenant, key, id); err != nil {
			s.log.Warn("record idempotency key failed", "job_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusAccepted, generateResponse{JobID: id, VideoID: id, Status: models.StatusProcessing})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.status.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, failures.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Video not found")
			return
		}
		s.log.Error("status lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch status")
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.opts.Bundle != nil {
		body["bundle_ready"] = s.opts.Bundle() != ""
	}
	writeJSON(w, http.StatusOK, body)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func tenantFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); v != "" {
		return v
	}
	return defaultTenant
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
