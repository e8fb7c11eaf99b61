package dronesock

import (
	"github.com/jasondavies/plane/pkg/types"
)

// Inbound frame types sent by a drone.
const (
	FrameBackendStatus = "backend_status"
	FrameKeepalive     = "keepalive"
	FrameHeartbeat     = "heartbeat"
	FrameAck           = "ack"
)

// InboundFrame is the envelope for every drone-to-controller message after
// the handshake. Unused fields are empty depending on Type.
type InboundFrame struct {
	Type string `json:"type"`

	// backend_status
	BackendID string               `json:"backend_id,omitempty"`
	Status    *types.BackendStatus `json:"status,omitempty"`
	Address   *string              `json:"address,omitempty"`
	ExitCode  *int32               `json:"exit_code,omitempty"`

	// ack
	ActionID string `json:"action_id,omitempty"`
}

// OutboundFrame is the envelope for every controller-to-drone message.
type OutboundFrame struct {
	Type   string                      `json:"type"`
	Action *types.BackendActionMessage `json:"action,omitempty"`
}
