// Package names defines the typed identifiers used across the control
// plane. Node names carry a kind prefix so a handshake alone identifies
// what is connecting; backend and controller names are random and
// unguessable enough to use in URLs.
package names

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jasondavies/plane/pkg/types"
)

const (
	dronePrefix      = "dr-"
	proxyPrefix      = "px-"
	acmeDNSPrefix    = "ns-"
	controllerPrefix = "co-"
	backendPrefix    = "ba-"
	actionPrefix     = "ac-"

	randomSuffixBytes = 8
)

func randomSuffix() string {
	b := make([]byte, randomSuffixBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// validBody reports whether s is non-empty lowercase alphanumeric with
// interior dashes, the only shape accepted for name bodies.
func validBody(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	if strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

// BackendName identifies a single backend run.
type BackendName string

// NewBackendName generates a fresh random backend name.
func NewBackendName() BackendName {
	return BackendName(backendPrefix + randomSuffix())
}

// ParseBackendName validates a backend name received from the wire.
func ParseBackendName(s string) (BackendName, error) {
	if !strings.HasPrefix(s, backendPrefix) || !validBody(strings.TrimPrefix(s, backendPrefix)) {
		return "", fmt.Errorf("invalid backend name %q", s)
	}
	return BackendName(s), nil
}

func (n BackendName) String() string { return string(n) }

// ControllerName identifies one controller process instance.
type ControllerName string

// NewControllerName generates a fresh controller name for this process.
func NewControllerName() ControllerName {
	return ControllerName(controllerPrefix + randomSuffix())
}

func (n ControllerName) String() string { return string(n) }

// ActionName identifies one backend action for idempotent delivery.
type ActionName string

// NewActionName generates a fresh action name.
func NewActionName() ActionName {
	return ActionName(actionPrefix + randomSuffix())
}

func (n ActionName) String() string { return string(n) }

// NodeName is a typed node identifier whose prefix encodes the node kind.
type NodeName struct {
	name string
	kind types.NodeKind
}

// NewDroneName generates a fresh drone name.
func NewDroneName() NodeName {
	return NodeName{name: dronePrefix + randomSuffix(), kind: types.NodeKindDrone}
}

// NewProxyName generates a fresh proxy name.
func NewProxyName() NodeName {
	return NodeName{name: proxyPrefix + randomSuffix(), kind: types.NodeKindProxy}
}

// ParseNodeName decodes a node name from a handshake. The prefix determines
// the node kind; an unknown prefix is an invalid handshake.
func ParseNodeName(s string) (NodeName, error) {
	var kind types.NodeKind
	var body string
	switch {
	case strings.HasPrefix(s, dronePrefix):
		kind, body = types.NodeKindDrone, strings.TrimPrefix(s, dronePrefix)
	case strings.HasPrefix(s, proxyPrefix):
		kind, body = types.NodeKindProxy, strings.TrimPrefix(s, proxyPrefix)
	case strings.HasPrefix(s, acmeDNSPrefix):
		kind, body = types.NodeKindAcmeDNSServer, strings.TrimPrefix(s, acmeDNSPrefix)
	default:
		return NodeName{}, fmt.Errorf("node name %q has no recognized kind prefix", s)
	}
	if !validBody(body) {
		return NodeName{}, fmt.Errorf("invalid node name %q", s)
	}
	return NodeName{name: s, kind: kind}, nil
}

func (n NodeName) String() string       { return n.name }
func (n NodeName) Kind() types.NodeKind { return n.kind }
