// Package backend owns the persistent backend lifecycle state: the backend
// rows, the append-only status log, keys, tokens, and the durable action
// queue. All mutation goes through Store so the database invariants hold.
package backend

import (
	"errors"
	"time"

	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

// Bus kinds for backend notifications.
const (
	// KindBackendState carries types.BackendStatus payloads, keyed by
	// backend name.
	KindBackendState = "backend_state"
	// KindBackendAction carries types.BackendActionMessage payloads, keyed
	// by the decimal drone id.
	KindBackendAction = "backend_action"
)

// ErrInvalidTransition is returned by UpdateStatus when the new status is
// ordered before the backend's current status.
var ErrInvalidTransition = errors.New("backend status may only advance")

// ErrStreamLag is reported by a status stream whose bus subscription was
// dropped for lagging; the caller must open a new stream.
var ErrStreamLag = errors.New("status stream lagged; restart from a snapshot")

// Row is one backend as stored, along with the database clock read (AsOf)
// from the same query for race-free age calculations.
type Row struct {
	ID                 names.BackendName   `json:"id"`
	Cluster            string              `json:"cluster"`
	DroneID            types.NodeID        `json:"drone_id"`
	LastStatus         types.BackendStatus `json:"last_status"`
	LastStatusTime     time.Time           `json:"last_status_time"`
	LastKeepalive      time.Time           `json:"last_keepalive"`
	ExpirationTime     *time.Time          `json:"expiration_time,omitempty"`
	AllowedIdleSeconds *int64              `json:"allowed_idle_seconds,omitempty"`
	ClusterAddress     *string             `json:"cluster_address,omitempty"`
	ExitCode           *int32              `json:"exit_code,omitempty"`
	AsOf               time.Time           `json:"as_of"`
}

// StatusAge is the time since the last status transition, as of the query.
func (r *Row) StatusAge() time.Duration {
	return r.AsOf.Sub(r.LastStatusTime)
}

// Candidate is a backend due for termination, with the clock read that made
// it a candidate.
type Candidate struct {
	BackendID          names.BackendName
	ExpirationTime     *time.Time
	LastKeepalive      time.Time
	AllowedIdleSeconds *int64
	AsOf               time.Time
}
