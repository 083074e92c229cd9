// Package engine wires the alert-processing core around a shared database
// handle and event bus. Connector binaries build an Engine, feed
// NormalizedAlerts into Manager during their poll cycles, and call Sweep.Run
// with the observed fingerprint set when a cycle completes.
package engine

import (
	"gorm.io/gorm"

	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/events"
	"github.com/opswatch/opswatch/internal/jobs"
	"github.com/opswatch/opswatch/internal/services"
)

// Engine is the wired alert-processing core
type Engine struct {
	Manager      *services.AlertManager
	Dependencies *services.DependencyService
	Sweep        *jobs.ReconciliationSweep
	Bus          *events.Bus
}

// New wires stores, correlation, lifecycle management, and the reconciliation
// sweep over the given database handle and bus.
func New(db *gorm.DB, bus *events.Bus) *Engine {
	alertStore := database.NewAlertStore(db)
	dependencyStore := database.NewDependencyStore(db)
	correlator := services.NewCorrelationEngine(dependencyStore, alertStore)
	manager := services.NewAlertManager(alertStore, correlator, bus)

	return &Engine{
		Manager:      manager,
		Dependencies: services.NewDependencyService(dependencyStore),
		Sweep:        jobs.NewReconciliationSweep(alertStore, manager),
		Bus:          bus,
	}
}
