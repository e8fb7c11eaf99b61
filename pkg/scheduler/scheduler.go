// Package scheduler chooses a drone for a backend that is about to spawn.
// The policy is behind a single interface so smarter placement (affinity,
// bin-packing, hardware match) can replace it without touching the connect
// resolver.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jasondavies/plane/pkg/types"
)

// ErrNoDroneAvailable is returned when no eligible drone exists in the
// cluster. Clients may retry.
var ErrNoDroneAvailable = errors.New("no drone available")

// HeartbeatStaleness is how recently a drone must have heartbeated to be
// eligible for placement.
const HeartbeatStaleness = 30 * time.Second

// Scheduler selects a drone for the given cluster and executable.
type Scheduler interface {
	SelectDrone(ctx context.Context, tx pgx.Tx, cluster string, executable types.ExecutorConfig) (types.NodeID, error)
}

// LeastLoaded schedules onto the eligible drone running the fewest live
// backends, breaking ties by lowest node id.
type LeastLoaded struct{}

// DroneLoad is one eligible drone and its live backend count.
type DroneLoad struct {
	ID   types.NodeID
	Live int
}

// Pick returns the least-loaded drone, tie-broken by lowest id.
func Pick(drones []DroneLoad) (types.NodeID, bool) {
	if len(drones) == 0 {
		return 0, false
	}
	best := drones[0]
	for _, d := range drones[1:] {
		if d.Live < best.Live || (d.Live == best.Live && d.ID < best.ID) {
			best = d
		}
	}
	return best.ID, true
}

// SelectDrone implements Scheduler. It runs inside the resolver's
// transaction so the placement decision and the backend insert commit
// together.
func (LeastLoaded) SelectDrone(ctx context.Context, tx pgx.Tx, cluster string, executable types.ExecutorConfig) (types.NodeID, error) {
	rows, err := tx.Query(ctx, `
		select node.id, count(backend.id) as live
		from node
		left join backend
		  on backend.drone_id = node.id and backend.last_status != $3
		where node.cluster = $1
		  and node.kind = $2
		  and node.offline_at is null
		  and node.last_heartbeat > now() - make_interval(secs => $4)
		group by node.id`,
		cluster, string(types.NodeKindDrone), types.Terminated.String(),
		HeartbeatStaleness.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("querying eligible drones: %w", err)
	}
	defer rows.Close()

	var drones []DroneLoad
	for rows.Next() {
		var d DroneLoad
		if err := rows.Scan(&d.ID, &d.Live); err != nil {
			return 0, fmt.Errorf("scanning drone load: %w", err)
		}
		drones = append(drones, d)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating drone loads: %w", err)
	}

	id, ok := Pick(drones)
	if !ok {
		return 0, ErrNoDroneAvailable
	}
	return id, nil
}
