// Package dronesock is the drone-facing side of the controller: a
// websocket per drone carrying backend actions outbound and status,
// keepalive, and heartbeat messages inbound. The connection's lifetime owns
// the drone's online state and its termination sweep.
package dronesock

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"

	"github.com/jasondavies/plane/internal/telemetry"
	"github.com/jasondavies/plane/pkg/backend"
	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/node"
	"github.com/jasondavies/plane/pkg/notify"
	"github.com/jasondavies/plane/pkg/sweeper"
	"github.com/jasondavies/plane/pkg/types"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// Drones authenticate out of band; the socket carries no browser
	// credentials, so cross-origin upgrades are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler accepts drone connections.
type Handler struct {
	store    *backend.Store
	registry *node.Registry
	sweeper  *sweeper.Sweeper
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewHandler creates a drone socket Handler. notifier may be nil.
func NewHandler(store *backend.Store, registry *node.Registry, sw *sweeper.Sweeper, notifier *notify.Notifier, logger *slog.Logger) *Handler {
	return &Handler{store: store, registry: registry, sweeper: sw, notifier: notifier, logger: logger}
}

// Mount attaches the drone socket route to the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/c/{cluster}/drone", h.handleDrone)
}

func (h *Handler) handleDrone(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("drone socket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The first frame is the handshake.
	var handshake types.Handshake
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&handshake); err != nil {
		h.logger.Warn("reading drone handshake", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	handle, err := h.registry.Register(r.Context(), handshake, &cluster, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, node.ErrInvalidHandshake) {
			h.logger.Warn("rejecting drone handshake", "name", handshake.Name, "error", err)
		} else {
			h.logger.Error("registering drone", "error", err)
		}
		return
	}
	// The handle owns the node's online state; it must be released on every
	// exit path.
	defer handle.Close()

	telemetry.DronesConnected.Inc()
	defer telemetry.DronesConnected.Dec()

	h.logger.Info("drone connected",
		"node_id", handle.ID,
		"name", handle.Name,
		"cluster", cluster,
		"version", handshake.Version,
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe to the action channel before reading the pending backlog,
	// mirroring the status stream's gap-free handoff.
	sub := h.store.Bus().Subscribe(backend.KindBackendAction, backend.DroneKey(handle.ID))
	defer sub.Close()

	pending, err := h.store.PendingActions(ctx, handle.ID)
	if err != nil {
		h.logger.Error("loading pending actions", "error", err, "node_id", handle.ID)
		return
	}

	go h.sweeper.RunForDrone(ctx, handle.ID)

	// Writer: backlog first, then live actions. Duplicates across the
	// backlog/live boundary are possible and harmless; the drone acks each
	// action id once.
	writeErr := make(chan error, 1)
	go func() {
		// Closing the connection unblocks the read loop when the writer
		// dies first.
		defer conn.Close()
		defer cancel()
		for _, msg := range pending {
			if err := writeAction(conn, msg); err != nil {
				writeErr <- err
				return
			}
		}
		for ev := range sub.C() {
			msg, ok := ev.Payload.(types.BackendActionMessage)
			if !ok {
				continue
			}
			if err := writeAction(conn, msg); err != nil {
				writeErr <- err
				return
			}
		}
		// Channel closed: the subscription lagged. Drop the connection and
		// let the drone reconnect for a fresh backlog read.
		if sub.Lagged() {
			writeErr <- errors.New("drone action subscription lagged")
		}
	}()

	h.readLoop(ctx, conn, handle, cluster)

	cancel()
	select {
	case err := <-writeErr:
		h.logger.Warn("drone socket closed", "node_id", handle.ID, "error", err)
	default:
		h.logger.Info("drone disconnected", "node_id", handle.ID)
	}
}

func writeAction(conn *websocket.Conn, msg types.BackendActionMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(OutboundFrame{Type: "action", Action: &msg})
}

// readLoop dispatches inbound frames until the connection drops or ctx is
// cancelled.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, handle *node.Handle, cluster string) {
	for {
		var frame InboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("reading drone frame", "error", err, "node_id", handle.ID)
			}
			return
		}

		// Any traffic counts as liveness.
		if err := h.registry.Heartbeat(ctx, handle.ID); err != nil {
			h.logger.Warn("recording drone heartbeat", "error", err, "node_id", handle.ID)
		}

		switch frame.Type {
		case FrameBackendStatus:
			h.handleBackendStatus(ctx, handle, cluster, frame)
		case FrameKeepalive:
			h.handleKeepalive(ctx, handle, frame)
		case FrameHeartbeat:
			// Heartbeat was already recorded above.
		case FrameAck:
			if frame.ActionID == "" {
				continue
			}
			if err := h.store.AckAction(ctx, frame.ActionID); err != nil {
				h.logger.Warn("acking action", "error", err, "action_id", frame.ActionID)
			}
		default:
			h.logger.Warn("unknown drone frame", "type", frame.Type, "node_id", handle.ID)
		}
	}
}

func (h *Handler) handleBackendStatus(ctx context.Context, handle *node.Handle, cluster string, frame InboundFrame) {
	name, err := names.ParseBackendName(frame.BackendID)
	if err != nil || frame.Status == nil {
		h.logger.Warn("malformed backend status frame", "node_id", handle.ID, "backend_id", frame.BackendID)
		return
	}

	err = h.store.UpdateStatus(ctx, name, *frame.Status, frame.Address, frame.ExitCode)
	switch {
	case err == nil:
		if *frame.Status == types.Terminated && frame.ExitCode != nil && *frame.ExitCode != 0 {
			h.notifier.BackendFailed(ctx, name.String(), cluster, *frame.ExitCode)
		}
	case errors.Is(err, backend.ErrInvalidTransition):
		h.logger.Warn("ignoring non-monotone status", "backend_id", name, "status", *frame.Status, "error", err)
	case errors.Is(err, pgx.ErrNoRows):
		h.logger.Warn("status for unknown backend", "backend_id", name)
	default:
		h.logger.Error("updating backend status", "error", err, "backend_id", name)
	}
}

func (h *Handler) handleKeepalive(ctx context.Context, handle *node.Handle, frame InboundFrame) {
	name, err := names.ParseBackendName(frame.BackendID)
	if err != nil {
		h.logger.Warn("malformed keepalive frame", "node_id", handle.ID, "backend_id", frame.BackendID)
		return
	}
	if err := h.store.UpdateKeepalive(ctx, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			h.logger.Warn("keepalive for unknown backend", "backend_id", name)
			return
		}
		h.logger.Error("updating keepalive", "error", err, "backend_id", name)
	}
}
