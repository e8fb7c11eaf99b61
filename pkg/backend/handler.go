package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/jasondavies/plane/internal/httpserver"
	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

// Handler provides the public backend status API and the admin listing.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a backend Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// PublicRoutes returns the routes mounted under /pub/b.
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{backend}/status", h.handleStatus)
	r.Get("/{backend}/status-stream", h.handleStatusStream)
	r.Get("/{backend}/ready", h.handleReady)
	return r
}

// AdminRoutes returns the routes mounted under /api/backends.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) backendName(w http.ResponseWriter, r *http.Request) (names.BackendName, bool) {
	name, err := names.ParseBackendName(chi.URLParam(r, "backend"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid backend name")
		return "", false
	}
	return name, true
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := h.backendName(w, r)
	if !ok {
		return
	}

	row, err := h.store.Backend(r.Context(), name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "backend not found")
			return
		}
		h.logger.Error("getting backend status", "error", err, "backend_id", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get backend status")
		return
	}

	httpserver.Respond(w, http.StatusOK, types.TimestampedBackendStatus{
		Time:   row.LastStatusTime,
		Status: row.LastStatus,
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	name, ok := h.backendName(w, r)
	if !ok {
		return
	}

	row, err := h.store.Backend(r.Context(), name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "backend not found")
			return
		}
		h.logger.Error("getting backend", "error", err, "backend_id", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get backend")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status": row.LastStatus,
		"ready":  row.LastStatus == types.Ready,
	})
}

// handleStatusStream serves the status log and live updates as server-sent
// events, one TimestampedBackendStatus per event, ending after Terminated.
func (h *Handler) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	name, ok := h.backendName(w, r)
	if !ok {
		return
	}

	// Check that the backend exists before switching to an event stream.
	if _, err := h.store.Backend(r.Context(), name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "backend not found")
			return
		}
		h.logger.Error("getting backend", "error", err, "backend_id", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get backend")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	stream, err := h.store.StatusStream(r.Context(), name)
	if err != nil {
		h.logger.Error("opening status stream", "error", err, "backend_id", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to open status stream")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for item := range stream.C() {
		data, err := json.Marshal(item)
		if err != nil {
			h.logger.Error("encoding status event", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}

	if err := stream.Err(); err != nil {
		// The stream is already half-written; all we can do is signal the
		// client to reconnect.
		h.logger.Warn("status stream ended abnormally", "error", err, "backend_id", name)
		fmt.Fprint(w, "event: error\ndata: stream-lag\n\n")
		flusher.Flush()
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListBackends(r.Context())
	if err != nil {
		h.logger.Error("listing backends", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list backends")
		return
	}
	if rows == nil {
		rows = []Row{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"backends": rows})
}
