// Package units holds the fixed registry of managed services and the
// per-poll status snapshot model.
package units

import (
	"fmt"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
)

// Default unit names of an AzerothCore docker deployment
const (
	Database    = "ac-database"
	WorldServer = "ac-worldserver"
	AuthServer  = "ac-authserver"
)

// DefaultNames is the default registry order
var DefaultNames = []string{Database, WorldServer, AuthServer}

// State is the observed lifecycle state of a unit
type State string

const (
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateNotFound State = "not_found"
	StateUnknown  State = "unknown"
)

// IsRunning reports whether the state is StateRunning
func (s State) IsRunning() bool {
	return s == StateRunning
}

// StateFromController maps a container state word reported by docker to a State
func StateFromController(raw string) State {
	switch raw {
	case "running":
		return StateRunning
	case "exited", "dead":
		return StateExited
	default:
		return StateUnknown
	}
}

// Snapshot is one unit's observed state at one poll instant
type Snapshot struct {
	Unit       string `json:"unit"`
	State      State  `json:"state"`
	RawState   string `json:"raw_state,omitempty"`
	StatusText string `json:"status"`
	HealthText string `json:"health"`
}

// Registry is the immutable, ordered set of managed units
type Registry struct {
	names   []string
	index   map[string]int
	primary string
}

// NewRegistry creates a registry from names in display order. primary names
// the world simulation unit whose liveness gates remote info queries.
func NewRegistry(names []string, primary string) (*Registry, error) {
	if len(names) == 0 {
		return nil, errors.NewValidationError("at least one unit is required", nil)
	}

	index := make(map[string]int, len(names))
	for i, name := range names {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		if _, exists := index[name]; exists {
			return nil, errors.NewValidationError("duplicate unit name", nil).WithContext("unit", name)
		}
		index[name] = i
	}

	if primary != "" {
		if _, ok := index[primary]; !ok {
			return nil, errors.NewValidationError("primary unit is not registered", nil).WithContext("unit", primary)
		}
	}

	return &Registry{
		names:   append([]string(nil), names...),
		index:   index,
		primary: primary,
	}, nil
}

// DefaultRegistry returns the standard three-unit deployment
func DefaultRegistry() *Registry {
	registry, err := NewRegistry(DefaultNames, WorldServer)
	if err != nil {
		panic(err)
	}
	return registry
}

// Names returns a copy of the unit names in registry order
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Primary returns the primary unit name, or "" if none is designated
func (r *Registry) Primary() string {
	return r.primary
}

// Contains reports whether name is registered
func (r *Registry) Contains(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Require returns a not-found error for unregistered names
func (r *Registry) Require(name string) error {
	if !r.Contains(name) {
		return errors.NewNotFoundError("unit is not registered", nil).WithContext("unit", name)
	}
	return nil
}

// ValidateName checks a unit name is usable as a compose service argument
func ValidateName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}
	if len(name) > 128 {
		return errors.NewValidationError(fmt.Sprintf("unit name too long: %d characters", len(name)), nil)
	}
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.'
		if !ok {
			return errors.NewValidationError(fmt.Sprintf("unit name contains invalid character %q", r), nil).WithContext("unit", name)
		}
	}
	if name[0] == '-' {
		return errors.NewValidationError("unit name cannot start with '-'", nil).WithContext("unit", name)
	}
	return nil
}

// Find returns the snapshot for unit within snapshots
func Find(snapshots []Snapshot, unit string) (Snapshot, bool) {
	for _, s := range snapshots {
		if s.Unit == unit {
			return s, true
		}
	}
	return Snapshot{}, false
}
