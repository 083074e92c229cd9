package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch/internal/alerts"
	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/events"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	err = db.AutoMigrate(
		&database.Alert{},
		&database.AlertHistoryEntry{},
		&database.Dependency{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func newTestManager(t *testing.T) (*AlertManager, *database.AlertStore, *gorm.DB) {
	db := setupTestDB(t)
	store := database.NewAlertStore(db)
	deps := database.NewDependencyStore(db)
	correlator := NewCorrelationEngine(deps, store)
	manager := NewAlertManager(store, correlator, nil)
	return manager, store, db
}

func linkDownAlert(deviceIP string) alerts.NormalizedAlert {
	return alerts.NormalizedAlert{
		SourceSystem: "snmp_poller",
		DeviceIP:     deviceIP,
		Severity:     database.AlertSeverityMajor,
		Category:     database.AlertCategoryNetwork,
		AlertType:    "link_down",
		Title:        "Link down",
		Message:      "Interface eth0 is down",
		OccurredAt:   time.Now(),
	}
}

func TestProcess_CreatesNewAlert(t *testing.T) {
	manager, store, _ := newTestManager(t)

	alert, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alert.Status != database.AlertStatusActive {
		t.Errorf("expected active status, got %s", alert.Status)
	}
	if alert.OccurrenceCount != 1 {
		t.Errorf("expected occurrence_count 1, got %d", alert.OccurrenceCount)
	}
	if alert.Fingerprint == "" {
		t.Error("expected fingerprint to be set")
	}

	entries, err := store.ListHistory(alert.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != database.HistoryActionCreated {
		t.Errorf("expected single created history entry, got %+v", entries)
	}
}

func TestProcess_RejectsInvalidAlert(t *testing.T) {
	manager, _, _ := newTestManager(t)

	invalid := linkDownAlert("10.0.0.5")
	invalid.SourceSystem = ""
	if _, err := manager.Process(invalid); err == nil {
		t.Error("expected validation error for missing source_system")
	}

	invalid = linkDownAlert("10.0.0.5")
	invalid.AlertType = ""
	if _, err := manager.Process(invalid); err == nil {
		t.Error("expected validation error for missing alert_type")
	}
}

func TestProcess_DeduplicatesRepeatedOccurrences(t *testing.T) {
	manager, _, db := newTestManager(t)

	const n = 5
	var last *database.Alert
	for i := 0; i < n; i++ {
		normalized := linkDownAlert("10.0.0.5")
		normalized.Message = "Interface eth0 is down (again)"
		var err error
		last, err = manager.Process(normalized)
		if err != nil {
			t.Fatalf("unexpected error on submission %d: %v", i, err)
		}
	}

	if last.OccurrenceCount != n {
		t.Errorf("expected occurrence_count %d, got %d", n, last.OccurrenceCount)
	}
	if last.Message != "Interface eth0 is down (again)" {
		t.Errorf("expected refreshed message, got %q", last.Message)
	}

	var count int64
	db.Model(&database.Alert{}).Where("status <> ?", database.AlertStatusResolved).Count(&count)
	if count != 1 {
		t.Errorf("expected exactly 1 non-resolved row, got %d", count)
	}
}

func TestProcess_ClearEventResolvesActiveAlert(t *testing.T) {
	manager, store, _ := newTestManager(t)

	alert, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clear := linkDownAlert("10.0.0.5")
	clear.IsClear = true
	clear.Severity = database.AlertSeverityClear

	resolved, err := manager.Process(clear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resolved.ID != alert.ID {
		t.Errorf("expected clear to match existing alert %d, got %d", alert.ID, resolved.ID)
	}
	if resolved.Status != database.AlertStatusResolved {
		t.Errorf("expected resolved, got %s", resolved.Status)
	}
	if resolved.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
	if resolved.ResolutionSource != database.ResolutionSourceClearEvent {
		t.Errorf("expected clear_event resolution source, got %s", resolved.ResolutionSource)
	}

	entries, _ := store.ListHistory(alert.ID)
	var found bool
	for _, e := range entries {
		if e.Action == database.HistoryActionResolved && e.Notes == "Auto-resolved by clear event" {
			found = true
		}
	}
	if !found {
		t.Error("expected auto-resolve history entry")
	}
}

func TestProcess_ClearEventDoesNotTouchAcknowledged(t *testing.T) {
	manager, _, _ := newTestManager(t)

	alert, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Acknowledge(alert.ID, "operator", "looking into it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clear := linkDownAlert("10.0.0.5")
	clear.IsClear = true
	updated, err := manager.Process(clear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != database.AlertStatusAcknowledged {
		t.Errorf("expected acknowledged alert untouched by clear, got %s", updated.Status)
	}
}

func TestProcess_AppliesProducerStatusHint(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if _, err := manager.Process(linkDownAlert("10.0.0.5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hinted := linkDownAlert("10.0.0.5")
	hinted.Status = "acknowledged"
	hinted.SourceStatus = "ACK"
	updated, err := manager.Process(hinted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != database.AlertStatusAcknowledged {
		t.Errorf("expected status hint applied, got %s", updated.Status)
	}
	if updated.SourceStatus != "ACK" {
		t.Errorf("expected source_status refreshed, got %q", updated.SourceStatus)
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	manager, store, _ := newTestManager(t)

	alert, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := manager.Resolve(alert.ID, "fixed", "operator", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := manager.Resolve(alert.ID, "fixed twice", "operator", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Status != database.AlertStatusResolved {
		t.Errorf("expected resolved, got %s", again.Status)
	}
	if again.ResolutionSource != database.ResolutionSourceManual {
		t.Errorf("expected manual resolution source, got %s", again.ResolutionSource)
	}

	entries, _ := store.ListHistory(alert.ID)
	resolvedEntries := 0
	for _, e := range entries {
		if e.Action == database.HistoryActionResolved {
			resolvedEntries++
		}
	}
	if resolvedEntries != 1 {
		t.Errorf("expected exactly 1 resolved history entry, got %d", resolvedEntries)
	}
}

func TestNewOccurrenceAfterResolveCreatesNewRow(t *testing.T) {
	manager, _, db := newTestManager(t)

	first, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Resolve(first.ID, "fixed", "operator", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a new row after resolution, not a reopen")
	}
	if second.OccurrenceCount != 1 {
		t.Errorf("expected fresh occurrence_count 1, got %d", second.OccurrenceCount)
	}

	var total int64
	db.Model(&database.Alert{}).Where("fingerprint = ?", first.Fingerprint).Count(&total)
	if total != 2 {
		t.Errorf("expected 2 historical rows for fingerprint, got %d", total)
	}
}

func TestProcess_RowResolvedUnderneathStartsNewRow(t *testing.T) {
	manager, store, _ := newTestManager(t)

	first, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Snapshot the open row as the dedup lookup would, then let a
	// reconciliation sweep resolve it before the occurrence write lands.
	stale, err := store.FindOpenByFingerprint(first.Fingerprint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Resolve(first.ID, "swept", "", database.ResolutionSourceReconciliation); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The guarded update refuses the closed row and the live condition
	// starts fresh instead of mutating it.
	second, err := manager.recordDuplicateOrRecreate(stale, linkDownAlert("10.0.0.5"), first.Fingerprint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a new row, not an update of the resolved one")
	}
	if second.Status != database.AlertStatusActive {
		t.Errorf("expected active, got %s", second.Status)
	}
	if second.OccurrenceCount != 1 {
		t.Errorf("expected fresh occurrence_count 1, got %d", second.OccurrenceCount)
	}

	swept, err := store.GetByID(first.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept.Status != database.AlertStatusResolved {
		t.Errorf("expected resolved row untouched, got %s", swept.Status)
	}
	if swept.OccurrenceCount != 1 {
		t.Errorf("expected occurrence_count 1 on resolved row, got %d", swept.OccurrenceCount)
	}

	// The bare update path surfaces the sentinel for callers that need it
	if _, err := manager.recordDuplicate(stale, linkDownAlert("10.0.0.5")); !errors.Is(err, database.ErrAlertResolved) {
		t.Errorf("expected ErrAlertResolved, got %v", err)
	}
}

func TestProcess_CorrelationFailureLeavesAlertActive(t *testing.T) {
	manager, store, db := newTestManager(t)

	// Breaking the dependency table makes every upstream lookup fail; the
	// alert must still be created and stay active.
	if err := db.Migrator().DropTable(&database.Dependency{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alert, err := manager.Process(linkDownAlert("10.0.0.20"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.Status != database.AlertStatusActive {
		t.Errorf("expected active despite correlation failure, got %s", alert.Status)
	}

	stored, err := store.GetByID(alert.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != database.AlertStatusActive {
		t.Errorf("expected active row in store, got %s", stored.Status)
	}
	if stored.CorrelatedToID != nil {
		t.Error("expected no correlation on failed lookup")
	}
}

func TestAcknowledge(t *testing.T) {
	manager, _, _ := newTestManager(t)

	alert, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acked, err := manager.Acknowledge(alert.ID, "operator", "on it")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acked.Status != database.AlertStatusAcknowledged {
		t.Errorf("expected acknowledged, got %s", acked.Status)
	}

	// Acknowledging a resolved alert is an error
	if _, err := manager.Resolve(alert.ID, "done", "operator", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Acknowledge(alert.ID, "operator", "too late"); err == nil {
		t.Error("expected error acknowledging a resolved alert")
	}
}

func TestAddNote(t *testing.T) {
	manager, store, _ := newTestManager(t)

	alert, err := manager.Process(linkDownAlert("10.0.0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := manager.AddNote(alert.ID, "operator", "vendor ticket opened"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, _ := store.ListHistory(alert.ID)
	var found bool
	for _, e := range entries {
		if e.Action == database.HistoryActionNoteAdded && e.Notes == "vendor ticket opened" {
			found = true
		}
	}
	if !found {
		t.Error("expected note_added history entry")
	}
}

func TestProcess_EmitsLifecycleEvents(t *testing.T) {
	db := setupTestDB(t)
	store := database.NewAlertStore(db)
	bus := events.NewBus(1, 16)
	defer bus.Close()
	manager := NewAlertManager(store, nil, bus)

	received := make(chan events.Event, 4)
	bus.Subscribe(events.AlertCreated, func(e events.Event) { received <- e })
	bus.Subscribe(events.AlertUpdated, func(e events.Event) { received <- e })

	if _, err := manager.Process(linkDownAlert("10.0.0.5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Process(linkDownAlert("10.0.0.5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectEvent := func(expected events.EventType) events.AlertEvent {
		t.Helper()
		select {
		case e := <-received:
			if e.Type != expected {
				t.Fatalf("expected %s, got %s", expected, e.Type)
			}
			snapshot, ok := e.Payload.(events.AlertEvent)
			if !ok {
				t.Fatalf("expected AlertEvent payload, got %T", e.Payload)
			}
			return snapshot
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", expected)
			return events.AlertEvent{}
		}
	}

	created := expectEvent(events.AlertCreated)
	if created.Status != string(database.AlertStatusActive) {
		t.Errorf("expected active snapshot, got %s", created.Status)
	}
	updated := expectEvent(events.AlertUpdated)
	if updated.OccurrenceCount != 2 {
		t.Errorf("expected occurrence_count 2 in snapshot, got %d", updated.OccurrenceCount)
	}
}

func TestProcess_ConcurrentSameFingerprint(t *testing.T) {
	manager, _, db := newTestManager(t)

	// A single sqlite connection serializes writes the way the partial
	// unique index serializes them on postgres.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	const callers = 2
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.Process(linkDownAlert("10.0.0.5")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error from concurrent caller: %v", err)
	}

	var open int64
	db.Model(&database.Alert{}).Where("status <> ?", database.AlertStatusResolved).Count(&open)
	if open != 1 {
		t.Fatalf("expected exactly 1 non-resolved row, got %d", open)
	}

	var alert database.Alert
	db.First(&alert)
	if alert.OccurrenceCount != callers {
		t.Errorf("expected occurrence_count %d across both submissions, got %d", callers, alert.OccurrenceCount)
	}
}
