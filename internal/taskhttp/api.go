// Package taskhttp exposes the webhook endpoint that accepts task briefs and
// maps orchestrator outcomes onto HTTP statuses.
package taskhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitegen/internal/log"
	"github.com/keithlinneman/sitegen/internal/orchestrate"
	"github.com/keithlinneman/sitegen/internal/publish"
	"github.com/keithlinneman/sitegen/internal/task"
)

// maxBodyBytes bounds the webhook payload. Briefs and attachment lists are
// small; anything past this is noise or abuse.
const maxBodyBytes = 1 << 20

// Handler runs a single task request to completion.
type Handler interface {
	Handle(ctx context.Context, req task.Request) (orchestrate.Outcome, error)
}

// API implements the task webhook endpoint.
type API struct {
	handler Handler
	logger  log.Logger
}

// NewAPI creates the webhook API handler.
func NewAPI(handler Handler, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		handler: handler,
		logger:  logger,
	}
}

// RegisterRoutes attaches the webhook endpoint to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/api-endpoint", api.HandleTask)
}

// TaskResponse is the success body.
type TaskResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	PagesURL string `json:"pages_url"`
}

// ErrorResponse is the failure body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HandleTask accepts a task brief, runs the pipeline synchronously, and
// answers with the published Pages URL.
func (api *API) HandleTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req task.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}

	out, err := api.handler.Handle(ctx, req)
	if err != nil {
		status, msg := classify(err)
		if status == http.StatusInternalServerError {
			api.logger.Error(ctx, err, "task processing failed", "task", req.Task, "nonce", req.Nonce)
		} else {
			api.logger.Warn(ctx, "task rejected", "task", req.Task, "status", status, "error", err)
		}
		api.writeJSON(ctx, w, status, ErrorResponse{Error: msg})
		return
	}

	api.logger.Info(ctx, "task completed",
		"task", req.Task,
		"mode", string(out.Mode),
		"pages_url", out.PagesURL,
	)

	api.writeJSON(ctx, w, http.StatusOK, TaskResponse{
		Status:   "success",
		Message:  out.Message,
		PagesURL: out.PagesURL,
	})
}

// classify maps pipeline errors onto response statuses. Internal failures
// deliberately answer with a generic message; details stay in the logs.
func classify(err error) (int, string) {
	var invalid *orchestrate.InvalidRequestError
	var conflict *publish.ConflictError
	switch {
	case errors.Is(err, orchestrate.ErrForbidden):
		return http.StatusForbidden, "invalid secret"
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()
	case errors.Is(err, orchestrate.ErrNonceInFlight):
		return http.StatusConflict, err.Error()
	case errors.As(err, &conflict):
		return http.StatusConflict, conflict.Error()
	default:
		return http.StatusInternalServerError, "task processing failed"
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
