package connect

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jasondavies/plane/internal/httpserver"
	"github.com/jasondavies/plane/internal/telemetry"
	"github.com/jasondavies/plane/pkg/backend"
	"github.com/jasondavies/plane/pkg/scheduler"
	"github.com/jasondavies/plane/pkg/types"
)

// Handler exposes the connect operation and the proxy route lookup over
// HTTP.
type Handler struct {
	resolver *Resolver
	store    *backend.Store
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewHandler creates a connect Handler. limiter may be nil.
func NewHandler(resolver *Resolver, store *backend.Store, limiter *RateLimiter, logger *slog.Logger) *Handler {
	return &Handler{resolver: resolver, store: store, limiter: limiter, logger: logger}
}

// Mount attaches the connect routes to the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/connect", h.handleConnectDefault)
	r.Post("/c/{cluster}/connect", h.handleConnectCluster)
	r.Get("/route/{token}", h.handleRouteInfo)
}

func (h *Handler) handleConnectDefault(w http.ResponseWriter, r *http.Request) {
	h.connect(w, r, "")
}

func (h *Handler) handleConnectCluster(w http.ResponseWriter, r *http.Request) {
	h.connect(w, r, chi.URLParam(r, "cluster"))
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request, cluster string) {
	if !h.limiter.Allow(r.Context(), clientIP(r)) {
		telemetry.ConnectsTotal.WithLabelValues("rate_limited").Inc()
		httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many connect requests")
		return
	}

	var req types.ConnectRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		telemetry.ConnectsTotal.WithLabelValues("bad_request").Inc()
		return
	}

	resp, err := h.resolver.Connect(r.Context(), cluster, &req)
	if err != nil {
		h.respondConnectError(w, err)
		return
	}

	outcome := "reused"
	if resp.Spawned {
		outcome = "spawned"
	}
	telemetry.ConnectsTotal.WithLabelValues(outcome).Inc()
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) respondConnectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoCluster):
		telemetry.ConnectsTotal.WithLabelValues("no_cluster").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "no_cluster", err.Error())
	case errors.Is(err, ErrNotFound):
		telemetry.ConnectsTotal.WithLabelValues("not_found").Inc()
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, scheduler.ErrNoDroneAvailable):
		telemetry.ConnectsTotal.WithLabelValues("no_drone").Inc()
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_drone_available", err.Error())
	case errors.Is(err, ErrConflict):
		telemetry.ConnectsTotal.WithLabelValues("conflict").Inc()
		httpserver.RespondError(w, http.StatusConflict, "conflict", err.Error())
	default:
		telemetry.ConnectsTotal.WithLabelValues("db_error").Inc()
		h.logger.Error("connect failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "db_error", "connect failed")
	}
}

// handleRouteInfo is the proxy-facing token lookup. An unknown token and a
// backend without an address both yield 404, so the proxy treats them the
// same way.
func (h *Handler) handleRouteInfo(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "missing token")
		return
	}

	info, err := h.store.RouteInfoForToken(r.Context(), token)
	if err != nil {
		h.logger.Error("route lookup failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "db_error", "route lookup failed")
		return
	}
	if info == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no route for token")
		return
	}

	httpserver.Respond(w, http.StatusOK, info)
}

// clientIP extracts the caller's IP, trusting the first X-Forwarded-For hop
// when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
