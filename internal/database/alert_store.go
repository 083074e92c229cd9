package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// openStatuses are the lifecycle states that count as "not resolved"
var openStatuses = []AlertStatus{
	AlertStatusActive,
	AlertStatusAcknowledged,
	AlertStatusSuppressed,
}

// ErrAlertResolved reports that a write targeted an alert that was resolved
// between the caller's lookup and the write.
var ErrAlertResolved = errors.New("alert already resolved")

// AlertStore provides persistence for alerts and their audit history.
// All state-affecting writes pair the alert mutation with its history entry
// in a single transaction, so a history row never exists without the matching
// alert state and vice versa.
type AlertStore struct {
	db *gorm.DB
}

// NewAlertStore creates a new AlertStore
func NewAlertStore(db *gorm.DB) *AlertStore {
	return &AlertStore{db: db}
}

// FindOpenByFingerprint returns the single non-resolved alert with the given
// fingerprint, or nil if none exists.
func (s *AlertStore) FindOpenByFingerprint(fingerprint string) (*Alert, error) {
	var alert Alert
	err := s.db.Where("open_fingerprint = ?", fingerprint).First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// CreateWithHistory inserts a new alert together with its "created" history
// entry in one transaction. The unique index on open_fingerprint makes a
// concurrent duplicate create fail with gorm.ErrDuplicatedKey; callers retry
// that as an occurrence update.
func (s *AlertStore) CreateWithHistory(alert *Alert) error {
	fp := alert.Fingerprint
	alert.OpenFingerprint = &fp

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		entry := &AlertHistoryEntry{
			AlertID:   alert.ID,
			Action:    HistoryActionCreated,
			NewStatus: alert.Status,
			Notes:     "Alert created",
		}
		return tx.Create(entry).Error
	})
}

// RecordOccurrence increments the occurrence counter for a duplicate of an
// open alert and refreshes the producer-supplied fields. The updated row is
// reloaded into alert. The update is guarded on the row still being open: a
// reconciliation sweep can resolve it between the caller's lookup and this
// write, and then the caller gets ErrAlertResolved and must start a new row
// instead of mutating a closed one.
func (s *AlertStore) RecordOccurrence(alert *Alert, occurredAt time.Time, updates map[string]interface{}) error {
	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["occurrence_count"] = gorm.Expr("occurrence_count + 1")
	updates["last_occurrence_at"] = occurredAt

	res := s.db.Model(&Alert{}).
		Where("id = ? AND status <> ?", alert.ID, AlertStatusResolved).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlertResolved
	}
	return s.db.First(alert, alert.ID).Error
}

// UpdateStatusWithHistory applies a status transition plus any extra column
// updates and appends the matching history entry, all in one transaction.
// The updated row is reloaded into alert.
func (s *AlertStore) UpdateStatusWithHistory(alert *Alert, updates map[string]interface{}, entry *AlertHistoryEntry) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Alert{}).Where("id = ?", alert.ID).Updates(updates).Error; err != nil {
			return err
		}
		entry.AlertID = alert.ID
		return tx.Create(entry).Error
	})
	if err != nil {
		return err
	}
	return s.db.First(alert, alert.ID).Error
}

// AppendHistory adds an audit entry without touching the alert row
func (s *AlertStore) AppendHistory(entry *AlertHistoryEntry) error {
	return s.db.Create(entry).Error
}

// GetByID retrieves an alert by primary key
func (s *AlertStore) GetByID(id uint) (*Alert, error) {
	var alert Alert
	if err := s.db.First(&alert, id).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// GetByUUID retrieves an alert by its external UUID
func (s *AlertStore) GetByUUID(uuid string) (*Alert, error) {
	var alert Alert
	if err := s.db.Where("uuid = ?", uuid).First(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListOpenBySource returns all non-resolved alerts for a source system
func (s *AlertStore) ListOpenBySource(sourceSystem string) ([]Alert, error) {
	var alerts []Alert
	err := s.db.Where("source_system = ? AND status IN ?", sourceSystem, openStatuses).
		Order("last_occurrence_at DESC").Find(&alerts).Error
	return alerts, err
}

// FindLatestActiveByDeviceIPs returns the most-recently-occurred alert in
// active or acknowledged state on any of the given devices, excluding the
// alert identified by excludeID. Returns nil if there is none.
func (s *AlertStore) FindLatestActiveByDeviceIPs(ips []string, excludeID uint) (*Alert, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	var alert Alert
	err := s.db.Where("device_ip IN ? AND status IN ? AND id <> ?",
		ips, []AlertStatus{AlertStatusActive, AlertStatusAcknowledged}, excludeID).
		Order("last_occurrence_at DESC").First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListByStatus returns alerts in the given lifecycle state, newest first
func (s *AlertStore) ListByStatus(status AlertStatus) ([]Alert, error) {
	var alerts []Alert
	err := s.db.Where("status = ?", status).Order("last_occurrence_at DESC").Find(&alerts).Error
	return alerts, err
}

// ListByDevice returns all alerts recorded for a device IP, newest first
func (s *AlertStore) ListByDevice(deviceIP string) ([]Alert, error) {
	var alerts []Alert
	err := s.db.Where("device_ip = ?", deviceIP).Order("last_occurrence_at DESC").Find(&alerts).Error
	return alerts, err
}

// ListRecent returns alerts that occurred at or after the given time,
// newest first, capped at limit (0 means no cap).
func (s *AlertStore) ListRecent(since time.Time, limit int) ([]Alert, error) {
	q := s.db.Where("occurred_at >= ?", since).Order("occurred_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var alerts []Alert
	err := q.Find(&alerts).Error
	return alerts, err
}

// ListHistory returns the audit trail for an alert in insertion order
func (s *AlertStore) ListHistory(alertID uint) ([]AlertHistoryEntry, error) {
	var entries []AlertHistoryEntry
	err := s.db.Where("alert_id = ?", alertID).Order("id ASC").Find(&entries).Error
	return entries, err
}
