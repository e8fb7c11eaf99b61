package node

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jasondavies/plane/internal/httpserver"
)

// Handler provides the admin node listing.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a node Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// AdminRoutes returns the routes mounted under /api/nodes.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListNodes(r.Context())
	if err != nil {
		h.logger.Error("listing nodes", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list nodes")
		return
	}
	if rows == nil {
		rows = []Row{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"nodes": rows})
}
