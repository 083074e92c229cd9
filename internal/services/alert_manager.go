package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/opswatch/opswatch/internal/alerts"
	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/events"
)

// AlertManager orchestrates the alert lifecycle: it deduplicates incoming
// normalized alerts by fingerprint, drives state transitions, invokes the
// correlation engine for newly created alerts, and publishes lifecycle events.
// It is safe for concurrent use by many producer loops; serialization per
// fingerprint is delegated to the store's unique open-fingerprint index.
type AlertManager struct {
	store      *database.AlertStore
	correlator *CorrelationEngine
	bus        *events.Bus
}

// NewAlertManager creates a new AlertManager. The correlator may be nil, in
// which case new alerts are never suppressed.
func NewAlertManager(store *database.AlertStore, correlator *CorrelationEngine, bus *events.Bus) *AlertManager {
	return &AlertManager{
		store:      store,
		correlator: correlator,
		bus:        bus,
	}
}

// Process ingests one normalized alert: create on first occurrence, update on
// duplicates, auto-resolve on clear events. Store failures propagate to the
// caller (the producer's poll cycle); correlation failures do not.
func (m *AlertManager) Process(normalized alerts.NormalizedAlert) (*database.Alert, error) {
	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	fingerprint := alerts.Fingerprint(normalized)

	existing, err := m.store.FindOpenByFingerprint(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup failed: %w", err)
	}

	var alert *database.Alert
	if existing != nil {
		alert, err = m.recordDuplicateOrRecreate(existing, normalized, fingerprint)
	} else {
		alert, err = m.createAlert(normalized, fingerprint)
	}
	if err != nil {
		return nil, err
	}

	// A clear event resolves the condition it matched, but only from active:
	// acknowledged and suppressed alerts stay put until their own
	// reconciliation or an operator acts.
	if normalized.IsClear && alert.Status == database.AlertStatusActive {
		alert, err = m.resolve(alert, "Auto-resolved by clear event", "", database.ResolutionSourceClearEvent)
		if err != nil {
			return nil, err
		}
	}

	return alert, nil
}

// createAlert persists a new active alert, emits ALERT_CREATED, and runs the
// one-shot correlation check. A duplicate-key conflict means another producer
// created the row between our lookup and insert; that loser retries as an
// occurrence update instead of surfacing an error.
func (m *AlertManager) createAlert(normalized alerts.NormalizedAlert, fingerprint string) (*database.Alert, error) {
	occurredAt := normalized.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	alert := &database.Alert{
		SourceSystem:     normalized.SourceSystem,
		SourceAlertID:    normalized.SourceAlertID,
		DeviceIP:         normalized.DeviceIP,
		DeviceName:       normalized.DeviceName,
		Severity:         normalized.Severity,
		Category:         normalized.Category,
		AlertType:        normalized.AlertType,
		Title:            normalized.Title,
		Message:          normalized.Message,
		Status:           database.AlertStatusActive,
		SourceStatus:     normalized.SourceStatus,
		Fingerprint:      fingerprint,
		OccurrenceCount:  1,
		OccurredAt:       occurredAt,
		LastOccurrenceAt: occurredAt,
		RawData:          database.JSONB(normalized.RawData),
	}
	if alert.Category == "" {
		alert.Category = database.AlertCategoryUnknown
	}

	if err := m.store.CreateWithHistory(alert); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the create race; the winner's row must exist now.
			winner, lookupErr := m.store.FindOpenByFingerprint(fingerprint)
			if lookupErr != nil {
				return nil, fmt.Errorf("post-conflict lookup failed: %w", lookupErr)
			}
			if winner == nil {
				return nil, fmt.Errorf("duplicate create conflict but no open alert for fingerprint %s", fingerprint)
			}
			return m.recordDuplicateOrRecreate(winner, normalized, fingerprint)
		}
		return nil, fmt.Errorf("alert create failed: %w", err)
	}

	log.Printf("Created alert %d (%s) for %s/%s", alert.ID, alert.AlertType, alert.SourceSystem, alert.DeviceIP)
	m.publish(events.AlertCreated, alert)

	// One-shot correlation decision, taken only at creation time. Failures
	// here are logged, never raised: the create already succeeded and a
	// correlation error must not hide a real alert.
	m.checkCorrelation(alert)

	return alert, nil
}

// recordDuplicateOrRecreate folds a repeated occurrence into the existing
// open alert. When the row was resolved between the fingerprint lookup and
// the occurrence write (a reconciliation sweep racing the producer), the
// resolved row stays untouched and the live condition starts a new row.
func (m *AlertManager) recordDuplicateOrRecreate(existing *database.Alert, normalized alerts.NormalizedAlert, fingerprint string) (*database.Alert, error) {
	alert, err := m.recordDuplicate(existing, normalized)
	if errors.Is(err, database.ErrAlertResolved) {
		return m.createAlert(normalized, fingerprint)
	}
	return alert, err
}

// recordDuplicate folds a repeated occurrence into the existing open alert
// and emits ALERT_UPDATED. No correlation re-check happens on update.
func (m *AlertManager) recordDuplicate(existing *database.Alert, normalized alerts.NormalizedAlert) (*database.Alert, error) {
	occurredAt := normalized.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	updates := map[string]interface{}{}
	if normalized.Message != "" {
		updates["message"] = normalized.Message
	}
	if normalized.SourceStatus != "" {
		updates["source_status"] = normalized.SourceStatus
	}
	if status, ok := normalized.LifecycleStatus(); ok && status != database.AlertStatusResolved {
		updates["status"] = status
	}

	if err := m.store.RecordOccurrence(existing, occurredAt, updates); err != nil {
		return nil, fmt.Errorf("occurrence update failed: %w", err)
	}

	m.publish(events.AlertUpdated, existing)
	return existing, nil
}

// checkCorrelation suppresses the new alert when an upstream device already
// has an active condition. Fail-open: any error leaves the alert active.
func (m *AlertManager) checkCorrelation(alert *database.Alert) {
	if m.correlator == nil || alert.DeviceIP == "" {
		return
	}

	upstream, err := m.correlator.FindUpstreamAlert(alert)
	if err != nil {
		log.Printf("Correlation check failed for alert %d, leaving active: %v", alert.ID, err)
		return
	}
	if upstream == nil {
		return
	}

	reason := fmt.Sprintf("Upstream device %s has active alert", upstream.DeviceIP)
	suppressed, err := m.Suppress(alert.ID, upstream.ID, reason)
	if err != nil {
		log.Printf("Failed to suppress alert %d under %d: %v", alert.ID, upstream.ID, err)
		return
	}
	*alert = *suppressed
}

// Resolve transitions an alert to resolved. Resolving an already-resolved
// alert is a no-op; the stored row is returned unchanged and no history is
// written.
func (m *AlertManager) Resolve(alertID uint, notes, userID, resolutionSource string) (*database.Alert, error) {
	alert, err := m.store.GetByID(alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == database.AlertStatusResolved {
		return alert, nil
	}
	if resolutionSource == "" {
		resolutionSource = database.ResolutionSourceManual
	}
	return m.resolve(alert, notes, userID, resolutionSource)
}

func (m *AlertManager) resolve(alert *database.Alert, notes, userID, resolutionSource string) (*database.Alert, error) {
	oldStatus := alert.Status
	now := time.Now()

	updates := map[string]interface{}{
		"status":            database.AlertStatusResolved,
		"resolved_at":       now,
		"resolution_source": resolutionSource,
		// Frees the fingerprint: the next occurrence starts a new row.
		"open_fingerprint": nil,
	}
	entry := &database.AlertHistoryEntry{
		Action:    database.HistoryActionResolved,
		OldStatus: oldStatus,
		NewStatus: database.AlertStatusResolved,
		UserID:    userID,
		Notes:     notes,
	}

	if err := m.store.UpdateStatusWithHistory(alert, updates, entry); err != nil {
		return nil, fmt.Errorf("resolve failed: %w", err)
	}

	log.Printf("Resolved alert %d (%s) via %s", alert.ID, alert.AlertType, resolutionSource)
	m.publish(events.AlertResolved, alert)
	return alert, nil
}

// Acknowledge marks an active alert as acknowledged by an operator
func (m *AlertManager) Acknowledge(alertID uint, userID, notes string) (*database.Alert, error) {
	alert, err := m.store.GetByID(alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == database.AlertStatusAcknowledged {
		return alert, nil
	}
	if alert.Status == database.AlertStatusResolved {
		return nil, fmt.Errorf("cannot acknowledge resolved alert %d", alertID)
	}

	oldStatus := alert.Status
	updates := map[string]interface{}{
		"status": database.AlertStatusAcknowledged,
	}
	entry := &database.AlertHistoryEntry{
		Action:    database.HistoryActionUpdated,
		OldStatus: oldStatus,
		NewStatus: database.AlertStatusAcknowledged,
		UserID:    userID,
		Notes:     notes,
	}
	if err := m.store.UpdateStatusWithHistory(alert, updates, entry); err != nil {
		return nil, fmt.Errorf("acknowledge failed: %w", err)
	}

	m.publish(events.AlertAcknowledged, alert)
	return alert, nil
}

// Suppress marks an alert as a symptom of another active alert. Invoked by
// the correlation engine path at creation time only.
func (m *AlertManager) Suppress(alertID, correlatedToID uint, reason string) (*database.Alert, error) {
	alert, err := m.store.GetByID(alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == database.AlertStatusResolved {
		return nil, fmt.Errorf("cannot suppress resolved alert %d", alertID)
	}

	oldStatus := alert.Status
	updates := map[string]interface{}{
		"status":           database.AlertStatusSuppressed,
		"correlated_to_id": correlatedToID,
		"correlation_rule": reason,
	}
	entry := &database.AlertHistoryEntry{
		Action:    database.HistoryActionSuppressed,
		OldStatus: oldStatus,
		NewStatus: database.AlertStatusSuppressed,
		Notes:     reason,
	}
	if err := m.store.UpdateStatusWithHistory(alert, updates, entry); err != nil {
		return nil, fmt.Errorf("suppress failed: %w", err)
	}

	log.Printf("Suppressed alert %d under alert %d: %s", alert.ID, correlatedToID, reason)
	m.publish(events.AlertSuppressed, alert)
	return alert, nil
}

// AddNote appends an operator note to the alert's audit trail
func (m *AlertManager) AddNote(alertID uint, userID, notes string) error {
	alert, err := m.store.GetByID(alertID)
	if err != nil {
		return err
	}
	return m.store.AppendHistory(&database.AlertHistoryEntry{
		AlertID:   alert.ID,
		Action:    database.HistoryActionNoteAdded,
		OldStatus: alert.Status,
		NewStatus: alert.Status,
		UserID:    userID,
		Notes:     notes,
	})
}

func (m *AlertManager) publish(eventType events.EventType, alert *database.Alert) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventType, snapshotOf(alert), "alert_manager")
}

// snapshotOf serializes the alert's public fields for downstream sinks
func snapshotOf(alert *database.Alert) events.AlertEvent {
	return events.AlertEvent{
		AlertID:         alert.ID,
		AlertUUID:       alert.UUID,
		Title:           alert.Title,
		Severity:        string(alert.Severity),
		Category:        string(alert.Category),
		DeviceIP:        alert.DeviceIP,
		DeviceName:      alert.DeviceName,
		Status:          string(alert.Status),
		SourceStatus:    alert.SourceStatus,
		SourceSystem:    alert.SourceSystem,
		Message:         alert.Message,
		OccurrenceCount: alert.OccurrenceCount,
		FirstOccurredAt: alert.OccurredAt,
		CorrelatedToID:  alert.CorrelatedToID,
		CorrelationRule: alert.CorrelationRule,
	}
}
