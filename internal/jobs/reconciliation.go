package jobs

import (
	"log"

	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/services"
)

// ReconciliationSweep resolves alerts whose conditions silently disappeared
// from a poll-style source. Polling connectors cannot push an explicit clear
// for every condition type; a device that stops reporting a fault simply
// omits it from the next poll, and the sweep infers resolution from absence.
type ReconciliationSweep struct {
	store   *database.AlertStore
	manager *services.AlertManager
}

// NewReconciliationSweep creates a new ReconciliationSweep
func NewReconciliationSweep(store *database.AlertStore, manager *services.AlertManager) *ReconciliationSweep {
	return &ReconciliationSweep{store: store, manager: manager}
}

// Run executes one sweep for a source system given the complete set of
// fingerprints observed in its latest poll cycle. Every open alert from that
// source whose fingerprint was not observed is resolved. Returns the number
// of alerts resolved.
//
// The sweep is scoped to the whole source system, not to individual targets:
// callers must pass the full fingerprint set for the cycle and must skip the
// sweep entirely when the poll was partial (for example a target timed out),
// or alerts for the unpolled targets would be falsely resolved.
func (j *ReconciliationSweep) Run(sourceSystem string, observed map[string]struct{}) (int, error) {
	open, err := j.store.ListOpenBySource(sourceSystem)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, alert := range open {
		if _, seen := observed[alert.Fingerprint]; seen {
			continue
		}

		_, err := j.manager.Resolve(alert.ID,
			"Alert no longer present in source system poll results",
			"", database.ResolutionSourceReconciliation)
		if err != nil {
			// One bad row must not block the rest of the sweep; the alert
			// gets another chance next cycle.
			log.Printf("Reconciliation failed to resolve alert %d: %v", alert.ID, err)
			continue
		}
		resolved++
	}

	if resolved > 0 {
		log.Printf("Reconciliation sweep for %s resolved %d alerts", sourceSystem, resolved)
	}
	return resolved, nil
}
