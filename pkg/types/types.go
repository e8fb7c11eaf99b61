package types

import (
	"encoding/json"
	"time"
)

// NodeID identifies a node (drone, proxy, or DNS server) for its lifetime.
// IDs are allocated by the database on first registration and never reused.
type NodeID int64

// NodeKind distinguishes the roles a node can register as.
type NodeKind string

const (
	NodeKindDrone         NodeKind = "drone"
	NodeKindProxy         NodeKind = "proxy"
	NodeKindAcmeDNSServer NodeKind = "acme-dns-server"
)

// ClusterName is an opaque cluster identifier. Clusters namespace backends
// and keys; drones belong to exactly one cluster.
type ClusterName string

// KeyConfig names a singleton slot for a live backend within a cluster.
type KeyConfig struct {
	Name      string `json:"name" validate:"required,max=128"`
	Namespace string `json:"namespace"`
	Tag       string `json:"tag"`
}

// ResourceLimits bounds the resources a backend may consume on its drone.
type ResourceLimits struct {
	CPUPeriodPercent *int32 `json:"cpu_period_percent,omitempty"`
	MemoryLimitBytes *int64 `json:"memory_limit_bytes,omitempty"`
}

// ExecutorConfig describes the executable a drone should run.
type ExecutorConfig struct {
	Image          string            `json:"image" validate:"required"`
	PullPolicy     *string           `json:"pull_policy,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	Credentials    *json.RawMessage  `json:"credentials,omitempty"`
}

// SpawnConfig is the part of a connect request that describes how to spawn a
// new backend if one is needed.
type SpawnConfig struct {
	Cluster              *string        `json:"cluster,omitempty"`
	Executable           ExecutorConfig `json:"executable" validate:"required"`
	LifetimeLimitSeconds *int64         `json:"lifetime_limit_seconds,omitempty" validate:"omitempty,gt=0"`
	MaxIdleSeconds       *int64         `json:"max_idle_seconds,omitempty" validate:"omitempty,gt=0"`
}

// ConnectRequest asks the controller for a backend, either by reusing the
// backend registered under Key or by spawning a new one from SpawnConfig.
// Auth is an opaque blob passed through to the proxy; the controller does
// not interpret it.
type ConnectRequest struct {
	SpawnConfig *SpawnConfig    `json:"spawn_config,omitempty"`
	Key         *KeyConfig      `json:"key,omitempty"`
	User        *string         `json:"user,omitempty"`
	Auth        json.RawMessage `json:"auth,omitempty"`
}

// ConnectResponse is the controller's answer to a connect request. A fresh
// bearer token is minted on every connect, so distinct clients of a shared
// backend hold distinct tokens.
type ConnectResponse struct {
	BackendID   string        `json:"backend_id"`
	Spawned     bool          `json:"spawned"`
	Token       string        `json:"token"`
	URL         string        `json:"url"`
	SecretToken string        `json:"secret_token"`
	Status      BackendStatus `json:"status"`
	StatusURL   string        `json:"status_url"`
	ReadyURL    string        `json:"ready_url"`
}

// TimestampedBackendStatus is one entry of a backend's status log.
type TimestampedBackendStatus struct {
	Time   time.Time     `json:"time"`
	Status BackendStatus `json:"status"`
}

// TerminationKind selects how a backend is asked to stop.
type TerminationKind string

const (
	TerminationSoft TerminationKind = "soft"
	TerminationHard TerminationKind = "hard"
)

// BackendActionType tags the variants of BackendAction.
type BackendActionType string

const (
	ActionSpawn     BackendActionType = "spawn"
	ActionTerminate BackendActionType = "terminate"
)

// SpawnAction instructs a drone to start a backend.
type SpawnAction struct {
	Executable         ExecutorConfig `json:"executable"`
	ExpirationTime     *time.Time     `json:"expiration_time,omitempty"`
	AllowedIdleSeconds *int64         `json:"allowed_idle_seconds,omitempty"`
}

// TerminateAction instructs a drone to stop a backend. Drones ignore
// terminate actions for backends that are already terminated, so repeated
// delivery is safe.
type TerminateAction struct {
	Kind TerminationKind `json:"kind"`
}

// BackendAction is a command sent to the drone that owns a backend.
type BackendAction struct {
	Type      BackendActionType `json:"type"`
	Spawn     *SpawnAction      `json:"spawn,omitempty"`
	Terminate *TerminateAction  `json:"terminate,omitempty"`
}

// BackendActionMessage is the envelope delivered on a drone's action channel.
type BackendActionMessage struct {
	ActionID  string        `json:"action_id"`
	BackendID string        `json:"backend_id"`
	DroneID   NodeID        `json:"drone_id"`
	Action    BackendAction `json:"action"`
}

// RouteInfo is everything the proxy needs to forward a request bearing a
// token: where the backend lives and the secret used to authenticate the
// proxied connection to it.
type RouteInfo struct {
	BackendID   string          `json:"backend_id"`
	Address     string          `json:"address"`
	SecretToken string          `json:"secret_token"`
	User        *string         `json:"user,omitempty"`
	UserData    json.RawMessage `json:"user_data,omitempty"`
}

// Handshake is the first frame a node sends on its socket.
type Handshake struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitHash string `json:"git_hash,omitempty"`
}
