// Package sweeper terminates backends that have exceeded their idle
// allowance or absolute lifetime. One sweep loop runs per connected drone,
// started by the drone's socket handler and stopped when it disconnects.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jasondavies/plane/internal/telemetry"
	"github.com/jasondavies/plane/pkg/backend"
	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

const (
	// Interval between sweeps of one drone.
	Interval = time.Second
	// GraceWindow is how long after the first soft terminate the sweeper
	// waits before escalating to hard.
	GraceWindow = 10 * time.Second
)

// Decide returns the terminate action due for a candidate, given when the
// first terminate for it was issued (nil if never). Terminate actions are
// idempotent on the drone, so over-issuing would be safe, but the sweeper
// issues each kind once: soft on first sight, hard once the grace window
// has elapsed.
func Decide(firstIssued *time.Time, asOf time.Time, grace time.Duration) (types.TerminationKind, bool) {
	if firstIssued == nil {
		return types.TerminationSoft, true
	}
	if asOf.Sub(*firstIssued) > grace {
		return types.TerminationHard, true
	}
	return "", false
}

// Sweeper issues terminate actions for expired backends.
type Sweeper struct {
	store  *backend.Store
	logger *slog.Logger
}

// New creates a Sweeper.
func New(store *backend.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, logger: logger}
}

// droneSweep is the per-drone sweep state: what has been issued already, so
// ticks do not flood the action queue.
type droneSweep struct {
	firstIssued map[names.BackendName]time.Time
	hardDone    map[names.BackendName]bool
}

// RunForDrone sweeps the drone's backends at the sweep interval until ctx is
// cancelled. Failures are logged and the loop continues; the sweeper never
// propagates an error.
func (s *Sweeper) RunForDrone(ctx context.Context, droneID types.NodeID) {
	state := &droneSweep{
		firstIssued: make(map[names.BackendName]time.Time),
		hardDone:    make(map[names.BackendName]bool),
	}

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, droneID, state)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, droneID types.NodeID, state *droneSweep) {
	candidates, err := s.store.TerminationCandidates(ctx, droneID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("listing termination candidates", "error", err, "drone_id", droneID)
		}
		return
	}

	// Drop tracking for backends that are no longer candidates (they
	// terminated, or their keepalive recovered).
	current := make(map[names.BackendName]struct{}, len(candidates))
	for _, c := range candidates {
		current[c.BackendID] = struct{}{}
	}
	for name := range state.firstIssued {
		if _, ok := current[name]; !ok {
			delete(state.firstIssued, name)
			delete(state.hardDone, name)
		}
	}

	for _, c := range candidates {
		if state.hardDone[c.BackendID] {
			continue
		}

		var firstIssued *time.Time
		if t, ok := state.firstIssued[c.BackendID]; ok {
			firstIssued = &t
		} else {
			// First sight this session; a terminate may have been issued
			// before a controller restart or drone reconnect.
			firstIssued, err = s.store.FirstTerminateIssuedAt(ctx, c.BackendID.String())
			if err != nil {
				s.logger.Error("checking prior terminate actions", "error", err, "backend_id", c.BackendID)
				continue
			}
			if firstIssued != nil {
				state.firstIssued[c.BackendID] = *firstIssued
			}
		}

		kind, due := Decide(firstIssued, c.AsOf, GraceWindow)
		if !due {
			continue
		}

		err := s.store.CreateAction(ctx, types.BackendActionMessage{
			ActionID:  names.NewActionName().String(),
			BackendID: c.BackendID.String(),
			DroneID:   droneID,
			Action: types.BackendAction{
				Type:      types.ActionTerminate,
				Terminate: &types.TerminateAction{Kind: kind},
			},
		})
		if err != nil {
			s.logger.Error("issuing terminate action", "error", err, "backend_id", c.BackendID, "kind", kind)
			continue
		}

		s.logger.Info("issued terminate action", "backend_id", c.BackendID, "kind", kind)
		telemetry.TerminateActionsTotal.WithLabelValues(string(kind)).Inc()

		switch kind {
		case types.TerminationSoft:
			state.firstIssued[c.BackendID] = c.AsOf
		case types.TerminationHard:
			state.hardDone[c.BackendID] = true
		}
	}
}
