// Package events defines the closed set of notifications the control core
// produces and a bus that dispatches them to registered listeners.
package events

import (
	"time"

	"github.com/core-tools/hsu-realmctl/pkg/soap"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

// Kind names an event type on the wire
type Kind string

const (
	KindStatusUpdated Kind = "status_updated"
	KindCrashed       Kind = "crashed"
	KindRecovered     Kind = "recovered"
	KindAutoRestarted Kind = "auto_restarted"
	KindRestartFailed Kind = "restart_failed"
	KindServerInfo    Kind = "server_info"
	KindPollFailed    Kind = "error"
	KindConfigChanged Kind = "config_changed"
)

// Event is implemented only by the types in this package
type Event interface {
	Kind() Kind
	sealed()
}

// StatusUpdated carries the full snapshot set of one completed poll cycle
type StatusUpdated struct {
	Snapshots []units.Snapshot `json:"snapshots"`
	Elapsed   time.Duration    `json:"elapsed_ns"`
}

// Crashed is emitted when a unit leaves Running for Exited or NotFound
type Crashed struct {
	Snapshot units.Snapshot `json:"snapshot"`
}

// Recovered is emitted when a unit enters Running from any other state
type Recovered struct {
	Snapshot units.Snapshot `json:"snapshot"`
}

type AutoRestarted struct {
	Snapshot units.Snapshot `json:"snapshot"`
}

type RestartFailed struct {
	Snapshot units.Snapshot `json:"snapshot"`
	Err      error          `json:"-"`
}

type ServerInfoUpdated struct {
	Info soap.ServerInfo `json:"info"`
}

// PollFailed reports a failed snapshot fetch; the poll loop continues
type PollFailed struct {
	Message string `json:"message"`
}

// ConfigChanged reports an external modification of the override file
type ConfigChanged struct {
	Path string `json:"path"`
}

func (StatusUpdated) Kind() Kind     { return KindStatusUpdated }
func (Crashed) Kind() Kind           { return KindCrashed }
func (Recovered) Kind() Kind         { return KindRecovered }
func (AutoRestarted) Kind() Kind     { return KindAutoRestarted }
func (RestartFailed) Kind() Kind     { return KindRestartFailed }
func (ServerInfoUpdated) Kind() Kind { return KindServerInfo }
func (PollFailed) Kind() Kind        { return KindPollFailed }
func (ConfigChanged) Kind() Kind     { return KindConfigChanged }

func (StatusUpdated) sealed()     {}
func (Crashed) sealed()           {}
func (Recovered) sealed()         {}
func (AutoRestarted) sealed()     {}
func (RestartFailed) sealed()     {}
func (ServerInfoUpdated) sealed() {}
func (PollFailed) sealed()        {}
func (ConfigChanged) sealed()     {}

// UnitOf returns the unit an event refers to, if any
func UnitOf(ev Event) (string, bool) {
	switch e := ev.(type) {
	case Crashed:
		return e.Snapshot.Unit, true
	case Recovered:
		return e.Snapshot.Unit, true
	case AutoRestarted:
		return e.Snapshot.Unit, true
	case RestartFailed:
		return e.Snapshot.Unit, true
	default:
		return "", false
	}
}
