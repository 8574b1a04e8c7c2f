// Package features is a static feature flag table keyed by rollout phase.
// A deployment running at a phase sees every feature released at that phase
// or a later, more stable one: alpha sees everything, ga sees only ga.
package features

import (
	"fmt"
	"sort"
	"strings"
)

// Phase is a rollout stage.
type Phase string

const (
	Alpha Phase = "alpha"
	Beta  Phase = "beta"
	GA    Phase = "ga"
)

func (p Phase) rank() int {
	switch p {
	case Alpha:
		return 0
	case Beta:
		return 1
	case GA:
		return 2
	}
	return -1
}

// ParsePhase converts a config value into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if p.rank() < 0 {
		return "", fmt.Errorf("unknown feature phase %q", s)
	}
	return p, nil
}

// Feature names.
const (
	// OfflineQueue buffers operations locally and replays them. When disabled
	// the agent forwards operations synchronously and rejects them offline.
	OfflineQueue = "offline_queue"
	// WSNotifications pushes queue notifications to UI clients over /ws.
	WSNotifications = "ws_notifications"
	// ConnectivityProbe polls the server health endpoint to drive online state.
	ConnectivityProbe = "connectivity_probe"
)

var table = map[string]Phase{
	OfflineQueue:      GA,
	WSNotifications:   Beta,
	ConnectivityProbe: GA,
}

// Enabled reports whether feature is on for a deployment at phase. Unknown
// features are off.
func Enabled(feature string, phase Phase) bool {
	released, ok := table[feature]
	if !ok || phase.rank() < 0 {
		return false
	}
	return released.rank() >= phase.rank()
}

// List returns the features enabled at phase, sorted by name.
func List(phase Phase) []string {
	var names []string
	for name := range table {
		if Enabled(name, phase) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
