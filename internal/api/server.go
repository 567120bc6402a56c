package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"git-reviewer/internal/config"
	"git-reviewer/internal/github"
	"git-reviewer/internal/models"
	"git-reviewer/internal/publisher"
	"git-reviewer/internal/queue"
	"git-reviewer/internal/ratelimit"
	"git-reviewer/internal/store"
	"git-reviewer/internal/telemetry"
)

// JobStore is the persistence the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, ownerID, repositoryReference string, limit int) ([]models.Job, error)
	MarkFailed(ctx context.Context, id, lastError string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	UpsertOwnerToken(ctx context.Context, ownerID, token string) error
}

// Server wires HTTP handlers for submitting reviews and following their progress.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	events  *publisher.Redis
	logger  *zap.Logger

	heartbeat time.Duration
}

// New constructs the API server. limiter and events may be nil.
func New(cfg config.Config, st JobStore, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, events *publisher.Redis, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		limiter:   limiter,
		events:    events,
		logger:    logger.Named("api"),
		heartbeat: 15 * time.Second,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(s.logger),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
			MaxAge:         300,
		}),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/reviews", func(r chi.Router) {
		r.Use(requireOwner)
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleHistory)
		r.Get("/{id}", s.handleGetReview)
		r.Get("/{id}/events", s.handleEvents)
	})
	r.With(requireOwner).Put("/owners/{id}/token", s.handleOwnerToken)
	return r
}

type ownerKey struct{}

// requireOwner resolves the caller from X-Owner-ID. The header is not verified here: the API
// expects to run behind an edge that authenticates the caller and sets it.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "X-Owner-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

type submitRequest struct {
	RepoURL string `json:"repo_url"`
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

// reviewResponse is a job with aggregate issue counts.
type reviewResponse struct {
	models.Job
	Stats models.Stats `json:"stats"`
}

func newReviewResponse(job models.Job) reviewResponse {
	return reviewResponse{Job: job, Stats: job.Result.Stats()}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if _, err := github.ParseReference(req.RepoURL); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid repository URL: %s", req.RepoURL))
		return
	}
	owner := ownerFrom(r.Context())

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		OwnerID:             owner,
		RepositoryReference: strings.TrimSpace(req.RepoURL),
		IdempotencyKey:      r.Header.Get("Idempotency-Key"),
		IdempotencyTTL:      s.cfg.IdempotencyTTL,
	})
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create review")
		return
	}

	if !idempotent {
		err := s.queue.Enqueue(r.Context(), queue.Task{
			JobID:               job.ID,
			OwnerID:             job.OwnerID,
			RepositoryReference: job.RepositoryReference,
			EnqueuedAt:          time.Now().UTC(),
		})
		if err != nil {
			msg := fmt.Sprintf("enqueue failed: %v", err)
			_ = s.store.MarkFailed(context.WithoutCancel(r.Context()), job.ID, msg)
			s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		_ = s.store.AppendAudit(r.Context(), job.ID, "enqueued", "owner="+owner)
		telemetry.SubmitCounter.Inc()
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newReviewResponse(job))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.store.ListJobs(r.Context(), ownerFrom(r.Context()), r.URL.Query().Get("repo_url"), limit)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list reviews")
		return
	}
	items := make([]reviewResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newReviewResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleEvents relays the job's progress channel as Server-Sent Events. A job that is already
// terminal gets one synthetic event built from the stored record.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.events == nil {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}

	ctx := r.Context()
	var sub *publisher.Subscription
	if !job.Status.Terminal() {
		var err error
		sub, err = s.events.Subscribe(ctx, job.ID)
		if err != nil {
			s.logger.Error("subscribe failed", zap.String("job_id", job.ID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "progress stream unavailable")
			return
		}
		defer sub.Close()
		// The job may have finished before the subscription was confirmed.
		if latest, err := s.store.GetJob(ctx, job.ID); err == nil {
			job = latest
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if job.Status.Terminal() {
		_ = writeEvent(w, terminalEvent(job))
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

func terminalEvent(job models.Job) models.ProgressEvent {
	ev := models.ProgressEvent{JobID: job.ID, Progress: job.Progress, Timestamp: job.UpdatedAt}
	if job.Status == models.StatusCompleted {
		ev.Status = models.StageCompleted
		reviewed := job.Result.TotalFilesReviewed
		ev.TotalFilesReviewed = &reviewed
	} else {
		ev.Status = models.StageFailed
		if job.Error != nil {
			ev.Error = *job.Error
		}
	}
	return ev
}

func writeEvent(w http.ResponseWriter, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Status, data)
	return err
}

type tokenRequest struct {
	Token string `json:"token"`
}

// handleOwnerToken stores the repository credential of {id}. X-Owner-ID is trusted as set by
// the authenticating edge in front of this service; this route must not be exposed without it.
// The comparison below only rejects requests whose path and header disagree.
func (s *Server) handleOwnerToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != ownerFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "path owner does not match X-Owner-ID")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.store.UpsertOwnerToken(r.Context(), id, strings.TrimSpace(req.Token)); err != nil {
		s.logger.Error("store owner token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedJob loads the {id} job and hides jobs of other owners behind a 404.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) || (err == nil && job.OwnerID != ownerFrom(r.Context())) {
		writeError(w, http.StatusNotFound, "review not found")
		return models.Job{}, false
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load review")
		return models.Job{}, false
	}
	return job, true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
