package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"netops-console/internal/artifact"
	"netops-console/internal/config"
	"netops-console/internal/models"
	"netops-console/internal/store"
	"netops-console/internal/telemetry"
)

const maxScriptBytes = 1 << 20

// JobStore is the slice of the record store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.JobRecord, error)
	ClaimJob(ctx context.Context, id string) (models.JobRecord, error)
	FailJob(ctx context.Context, id, message string) error
	GetJob(ctx context.Context, id string) (models.JobRecord, error)
	LatestMeasurements(ctx context.Context, limit int) ([]models.Measurement, error)
}

// JobPublisher pushes accepted job ids onto the dispatch channel.
type JobPublisher interface {
	Publish(ctx context.Context, jobID, class string) error
}

// SubmitLimiter throttles submissions per caller identity.
type SubmitLimiter interface {
	Allow(ctx context.Context, caller string) (bool, float64, error)
}

// Server wires the submission and observation boundary. The engine treats
// the caller identity as already authorized; it only passes it through.
type Server struct {
	cfg       config.Config
	store     JobStore
	queue     JobPublisher
	limiter   SubmitLimiter
	artifacts artifact.Store
}

// New constructs the API server. A nil limiter disables throttling.
func New(cfg config.Config, st JobStore, q JobPublisher, limiter SubmitLimiter, artifacts artifact.Store) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		limiter:   limiter,
		artifacts: artifacts,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/scripts", s.handleUploadScript)
	r.Get("/wan/health", s.handleWANHealth)
	return r
}

type submitRequest struct {
	Kind         string         `json:"kind"`
	Name         string         `json:"name"`
	ArtifactPath string         `json:"artifact_path"`
	Params       map[string]any `json:"params"`
	QueueClass   string         `json:"queue_class"`
}

// validate rejects malformed submissions before any job record exists.
func (r submitRequest) validate() error {
	switch r.Kind {
	case models.KindPrebuilt:
		if r.Name == "" {
			return errors.New("name is required for prebuilt jobs")
		}
	case models.KindUploaded:
		if r.ArtifactPath == "" {
			return errors.New("artifact_path is required for uploaded jobs")
		}
	default:
		return fmt.Errorf("kind must be %q or %q", models.KindPrebuilt, models.KindUploaded)
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caller := callerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), caller)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Kind:         req.Kind,
		Name:         req.Name,
		ArtifactPath: req.ArtifactPath,
		Submitter:    caller,
		QueueClass:   req.QueueClass,
		Params:       req.Params,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.queue.Publish(r.Context(), job.ID, job.QueueClass); err != nil {
		// The record would otherwise sit pending forever; walk it through
		// the legal transitions to a failed terminal state.
		if _, cerr := s.store.ClaimJob(r.Context(), job.ID); cerr == nil {
			_ = s.store.FailJob(r.Context(), job.ID, "publish to queue failed")
		}
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleUploadScript stores a script body and returns the artifact path a
// later uploaded-kind submission references.
func (s *Server) handleUploadScript(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name query parameter is required", http.StatusBadRequest)
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxScriptBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "script too large or unreadable", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "empty script body", http.StatusBadRequest)
		return
	}
	path, err := s.artifacts.Put(r.Context(), name, raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"artifact_path": path})
}

func (s *Server) handleWANHealth(w http.ResponseWriter, r *http.Request) {
	measurements, err := s.store.LatestMeasurements(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"measurements": measurements})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-Identity"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
