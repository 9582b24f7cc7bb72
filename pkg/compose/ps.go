package compose

import (
	"bufio"
	"bytes"
	"encoding/json"

	"github.com/core-tools/hsu-realmctl/pkg/units"
)

// container is the subset of "docker compose ps --format json" we consume
type container struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Status  string `json:"Status"`
	Health  string `json:"Health"`
}

// parseContainers accepts both output shapes of "ps --format json": one JSON
// object per line (compose >= 2.21) and a single JSON array (older releases).
// Lines that are not valid JSON are skipped.
func parseContainers(raw []byte) []container {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var containers []container
		if err := json.Unmarshal(trimmed, &containers); err == nil {
			return containers
		}
	}

	var containers []container
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var c container
		if err := json.Unmarshal(line, &c); err != nil {
			continue
		}
		containers = append(containers, c)
	}
	return containers
}

// snapshotsFor builds one snapshot per registered unit in registry order
func snapshotsFor(names []string, containers []container) []units.Snapshot {
	snapshots := make([]units.Snapshot, 0, len(names))
	for _, name := range names {
		c, found := findContainer(containers, name)
		if !found {
			snapshots = append(snapshots, units.Snapshot{Unit: name, State: units.StateNotFound})
			continue
		}
		snapshots = append(snapshots, units.Snapshot{
			Unit:       name,
			State:      units.StateFromController(c.State),
			RawState:   c.State,
			StatusText: c.Status,
			HealthText: c.Health,
		})
	}
	return snapshots
}

func findContainer(containers []container, name string) (container, bool) {
	for _, c := range containers {
		if c.Service == name || c.Name == name {
			return c, true
		}
	}
	return container{}, false
}
