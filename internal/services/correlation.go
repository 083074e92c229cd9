package services

import (
	"fmt"

	"github.com/opswatch/opswatch/internal/database"
)

// CorrelationEngine decides whether a newly created alert is a symptom of an
// upstream failure. The decision is one-shot, taken at creation time: the
// graph walk stays off the hot dedup path, and a suppressed alert is not
// re-activated when its upstream alert resolves (it clears through its own
// fingerprint's reconciliation or clear event).
type CorrelationEngine struct {
	deps  *database.DependencyStore
	store *database.AlertStore
}

// NewCorrelationEngine creates a new CorrelationEngine
func NewCorrelationEngine(deps *database.DependencyStore, store *database.AlertStore) *CorrelationEngine {
	return &CorrelationEngine{deps: deps, store: store}
}

// FindUpstreamAlert returns the most-recently-occurred active or acknowledged
// alert on any device in the upstream closure of the alert's device, or nil
// when nothing upstream is failing. The alert's own device and own row never
// count, so a dependency cycle cannot suppress an alert with itself.
func (e *CorrelationEngine) FindUpstreamAlert(alert *database.Alert) (*database.Alert, error) {
	if alert.DeviceIP == "" {
		return nil, nil
	}

	closure, err := e.UpstreamClosure(alert.DeviceIP)
	if err != nil {
		return nil, err
	}
	if len(closure) == 0 {
		return nil, nil
	}

	return e.store.FindLatestActiveByDeviceIPs(closure, alert.ID)
}

// UpstreamClosure computes the set of device IPs transitively reachable by
// following depends_on edges from the given device. The walk is iterative
// (explicit worklist, no recursion) and a visited set makes it terminate on
// cyclic graphs. The starting device is excluded from the result.
func (e *CorrelationEngine) UpstreamClosure(deviceIP string) ([]string, error) {
	visited := map[string]bool{deviceIP: true}
	var closure []string

	worklist := []string{deviceIP}
	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		upstream, err := e.deps.UpstreamOf(current)
		if err != nil {
			return nil, fmt.Errorf("upstream lookup for %s failed: %w", current, err)
		}
		for _, ip := range upstream {
			if visited[ip] {
				continue
			}
			visited[ip] = true
			closure = append(closure, ip)
			worklist = append(worklist, ip)
		}
	}

	return closure, nil
}
