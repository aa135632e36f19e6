// Package api exposes task submission, task history and node monitoring over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/taskforge/internal/dashboard"
	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/httputil"
	"github.com/nadmax/taskforge/internal/middleware"
	"github.com/nadmax/taskforge/internal/router"
	"github.com/nadmax/taskforge/internal/task"
)

const (
	maxBodyBytes      = 1 << 20
	DefaultRetryAfter = 5 * time.Second
)

type Submitter interface {
	Submit(ctx context.Context, t *task.Task) (router.Result, error)
}

type API struct {
	submitter  Submitter
	store      eventstore.Store
	dash       *dashboard.Dashboard
	logger     *slog.Logger
	retryAfter time.Duration
	mux        chi.Router
}

type CreateTaskRequest struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Priority       string         `json:"priority"`
	ComplexityHint *float64       `json:"complexity_hint"`
	MaxAttempts    int            `json:"max_attempts"`
}

type HistoryResponse struct {
	TaskID string             `json:"task_id"`
	Events []eventstore.Event `json:"events"`
}

type Option func(*API)

func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

func WithRetryAfter(d time.Duration) Option {
	return func(a *API) { a.retryAfter = d }
}

// NewAPI builds the HTTP surface. A nil submitter leaves out submission and a
// nil store leaves out the task endpoints, so worker-only nodes can serve
// just health and metrics.
func NewAPI(submitter Submitter, store eventstore.Store, dash *dashboard.Dashboard, opts ...Option) *API {
	a := &API{
		submitter:  submitter,
		store:      store,
		dash:       dash,
		logger:     slog.Default(),
		retryAfter: DefaultRetryAfter,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(a.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if a.submitter != nil {
			r.Post("/tasks", a.createTask)
		}
		if a.store != nil {
			r.Get("/tasks/{id}/history", a.getHistory)
			r.Get("/tasks/{id}/state", a.getState)
		}
		if a.dash != nil {
			r.Get("/health", a.dash.GetHealth)
			r.Get("/metrics", a.dash.GetStats)
			r.Get("/deadletters", a.dash.GetDeadLetters)
		}
	})

	a.mux = r
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, router.Result{Reason: router.ReasonInvalid})
		return
	}

	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, router.Result{TaskID: req.ID, Reason: router.ReasonInvalid})
		return
	}

	t := &task.Task{
		ID:             req.ID,
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       priority,
		ComplexityHint: req.ComplexityHint,
		MaxAttempts:    req.MaxAttempts,
	}

	result, err := a.submitter.Submit(r.Context(), t)
	if result.Accepted {
		httputil.WriteJSON(w, http.StatusAccepted, result)
		return
	}

	status := statusForReason(result.Reason)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(a.retryAfter.Seconds())))
	}
	if err != nil && status >= http.StatusInternalServerError {
		a.logger.Warn("submission rejected", slog.String("task_id", result.TaskID), slog.String("reason", result.Reason), slog.Any("error", err))
	}

	httputil.WriteJSON(w, status, result)
}

func statusForReason(reason string) int {
	switch reason {
	case router.ReasonInvalid:
		return http.StatusBadRequest
	case router.ReasonDuplicate:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := a.store.ReadEvents(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, id, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{TaskID: id, Events: events})
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := eventstore.ProjectState(r.Context(), a.store, id)
	if err != nil {
		a.writeStoreError(w, id, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, state)
}

func (a *API) writeStoreError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		httputil.WriteJSONError(w, "task not found", http.StatusNotFound)
		return
	}

	a.logger.Error("failed to read task history", slog.String("task_id", id), slog.Any("error", err))
	httputil.WriteJSONError(w, "event store unavailable", http.StatusServiceUnavailable)
}
