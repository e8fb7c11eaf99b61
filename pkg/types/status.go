package types

import (
	"encoding/json"
	"fmt"
)

// BackendStatus is the lifecycle state of a backend. Statuses form a total
// order and only ever advance; Terminated is terminal. The ordinal values are
// load-bearing for duplicate suppression on status streams, so new statuses
// may only be appended, never inserted between existing ones.
type BackendStatus int

const (
	// Scheduled means a drone has been assigned but has not acknowledged.
	Scheduled BackendStatus = iota
	// Loading means the drone is fetching the executable image.
	Loading
	// Starting means the container is being started.
	Starting
	// Waiting means the process is up but not yet accepting connections.
	Waiting
	// Ready means the backend is accepting connections.
	Ready
	// Terminating means a soft termination is in progress.
	Terminating
	// HardTerminating means the backend is being killed.
	HardTerminating
	// Terminated is the terminal state.
	Terminated
)

var statusNames = [...]string{
	Scheduled:       "scheduled",
	Loading:         "loading",
	Starting:        "starting",
	Waiting:         "waiting",
	Ready:           "ready",
	Terminating:     "terminating",
	HardTerminating: "hard-terminating",
	Terminated:      "terminated",
}

func (s BackendStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("invalid(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is a known status value.
func (s BackendStatus) Valid() bool {
	return s >= Scheduled && s <= Terminated
}

// Terminal reports whether the backend can make no further progress.
func (s BackendStatus) Terminal() bool {
	return s == Terminated
}

// ParseBackendStatus converts the wire/database representation back into a
// BackendStatus.
func ParseBackendStatus(s string) (BackendStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return BackendStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown backend status %q", s)
}

func (s BackendStatus) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshaling invalid backend status %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *BackendStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseBackendStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
