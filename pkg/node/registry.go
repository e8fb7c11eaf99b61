package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

// ErrInvalidHandshake is returned when a handshake's node name cannot be
// decoded into a known node kind.
var ErrInvalidHandshake = errors.New("invalid handshake")

const (
	offlineQueueSize   = 256
	offlineRetries     = 3
	offlineRetryDelay  = time.Second
	offlineMarkTimeout = 5 * time.Second
)

// Storage is the slice of Store the registry depends on.
type Storage interface {
	Register(ctx context.Context, p RegisterParams) (types.NodeID, error)
	MarkOffline(ctx context.Context, id types.NodeID) error
	Heartbeat(ctx context.Context, id types.NodeID) error
}

// Registry registers nodes on handshake and guarantees that every released
// Handle eventually produces an offline mark. Marks are enqueued and drained
// by a background goroutine, so releasing a handle never blocks on the
// database, but the mark still happens on every exit path.
type Registry struct {
	store      Storage
	controller names.ControllerName
	logger     *slog.Logger

	offline chan types.NodeID
	wg      sync.WaitGroup
}

// NewRegistry creates a Registry. Call Start before registering nodes and
// Close on shutdown to flush pending offline marks.
func NewRegistry(store Storage, controller names.ControllerName, logger *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		controller: controller,
		logger:     logger,
		offline:    make(chan types.NodeID, offlineQueueSize),
	}
}

// Start launches the offline-mark drainer.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for id := range r.offline {
			r.markOffline(id)
		}
	}()
}

// Close drains the offline queue and stops the drainer.
func (r *Registry) Close() {
	close(r.offline)
	r.wg.Wait()
}

func (r *Registry) markOffline(id types.NodeID) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), offlineMarkTimeout)
		err := r.store.MarkOffline(ctx, id)
		cancel()
		if err == nil {
			r.logger.Info("node marked offline", "node_id", id)
			return
		}
		if attempt >= offlineRetries {
			r.logger.Error("failed to mark node offline", "node_id", id, "error", err)
			return
		}
		time.Sleep(offlineRetryDelay)
	}
}

// Register decodes the handshake, upserts the node, and returns a Handle
// owning the node's online state.
func (r *Registry) Register(ctx context.Context, handshake types.Handshake, cluster *string, ip string) (*Handle, error) {
	name, err := names.ParseNodeName(handshake.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	id, err := r.store.Register(ctx, RegisterParams{
		Name:         name,
		Cluster:      cluster,
		Controller:   r.controller,
		PlaneVersion: handshake.Version,
		PlaneHash:    handshake.GitHash,
		IP:           ip,
	})
	if err != nil {
		return nil, err
	}

	return &Handle{ID: id, Name: name, registry: r}, nil
}

// Heartbeat refreshes a node's heartbeat clock.
func (r *Registry) Heartbeat(ctx context.Context, id types.NodeID) error {
	return r.store.Heartbeat(ctx, id)
}

// Handle owns a node's online status. The task holding the node's
// connection must call Close on every exit path; Close is idempotent and
// never blocks on the database.
type Handle struct {
	ID   types.NodeID
	Name names.NodeName

	registry *Registry
	once     sync.Once
}

// Close enqueues the node's offline mark.
func (h *Handle) Close() {
	h.once.Do(func() {
		select {
		case h.registry.offline <- h.ID:
		default:
			// Queue full: mark from a tracked goroutine rather than lose the
			// mark or block the caller.
			r := h.registry
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.markOffline(h.ID)
			}()
		}
	})
}
