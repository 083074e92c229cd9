package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// AlertSeverity represents normalized severity levels
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityMajor    AlertSeverity = "major"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityClear    AlertSeverity = "clear"
)

// AlertCategory groups alerts by the kind of condition they describe
type AlertCategory string

const (
	AlertCategoryNetwork  AlertCategory = "network"
	AlertCategoryPower    AlertCategory = "power"
	AlertCategoryVideo    AlertCategory = "video"
	AlertCategoryWireless AlertCategory = "wireless"
	AlertCategorySecurity AlertCategory = "security"
	AlertCategoryUnknown  AlertCategory = "unknown"
)

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusSuppressed   AlertStatus = "suppressed"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Resolution sources recorded when an alert transitions to resolved
const (
	ResolutionSourceManual         = "manual"
	ResolutionSourceClearEvent     = "clear_event"
	ResolutionSourceReconciliation = "reconciliation"
)

// Alert is the stored, deduplicated representation of a device condition.
// At most one non-resolved row exists per fingerprint; OpenFingerprint
// carries the unique index and is set to NULL when the alert resolves, so a
// later occurrence of the same fingerprint starts a fresh row.
type Alert struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	UUID string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`

	SourceSystem  string `gorm:"size:64;not null;index" json:"source_system"`
	SourceAlertID string `gorm:"size:255" json:"source_alert_id"`
	DeviceIP      string `gorm:"size:64;index" json:"device_ip"`
	DeviceName    string `gorm:"size:255" json:"device_name"`

	Severity  AlertSeverity `gorm:"type:varchar(20);not null" json:"severity"`
	Category  AlertCategory `gorm:"type:varchar(20);not null;default:'unknown'" json:"category"`
	AlertType string        `gorm:"size:255;not null" json:"alert_type"`
	Title     string        `gorm:"type:varchar(255)" json:"title"`
	Message   string        `gorm:"type:text" json:"message"`

	Status       AlertStatus `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	SourceStatus string      `gorm:"size:64" json:"source_status"`

	Fingerprint string `gorm:"size:64;not null;index" json:"fingerprint"`
	// OpenFingerprint equals Fingerprint while the alert is open and is NULL
	// once resolved; the unique index on it enforces at most one open row per
	// fingerprint on both postgres and sqlite.
	OpenFingerprint *string `gorm:"size:64;uniqueIndex" json:"-"`

	OccurrenceCount  int       `gorm:"not null;default:1" json:"occurrence_count"`
	OccurredAt       time.Time `gorm:"not null;index" json:"occurred_at"`
	LastOccurrenceAt time.Time `gorm:"not null" json:"last_occurrence_at"`

	CorrelatedToID  *uint  `gorm:"index" json:"correlated_to_id,omitempty"`
	CorrelationRule string `gorm:"type:text" json:"correlation_rule,omitempty"`

	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionSource string     `gorm:"size:32" json:"resolution_source,omitempty"`

	RawData JSONB `gorm:"type:jsonb" json:"raw_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook to assign the external UUID and occurrence defaults
func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == "" {
		a.UUID = uuid.New().String()
	}
	if a.OccurrenceCount == 0 {
		a.OccurrenceCount = 1
	}
	if a.LastOccurrenceAt.IsZero() {
		a.LastOccurrenceAt = a.OccurredAt
	}
	return nil
}

// IsOpen returns true if the alert has not been resolved
func (a *Alert) IsOpen() bool {
	return a.Status != AlertStatusResolved
}

// HistoryAction identifies the kind of state-affecting operation recorded
type HistoryAction string

const (
	HistoryActionCreated    HistoryAction = "created"
	HistoryActionUpdated    HistoryAction = "updated"
	HistoryActionResolved   HistoryAction = "resolved"
	HistoryActionSuppressed HistoryAction = "suppressed"
	HistoryActionNoteAdded  HistoryAction = "note_added"
)

// AlertHistoryEntry is the append-only audit trail for alert lifecycle
// operations. Entries are never mutated or deleted.
type AlertHistoryEntry struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	AlertID   uint          `gorm:"not null;index" json:"alert_id"`
	Action    HistoryAction `gorm:"type:varchar(20);not null" json:"action"`
	OldStatus AlertStatus   `gorm:"type:varchar(20)" json:"old_status"`
	NewStatus AlertStatus   `gorm:"type:varchar(20)" json:"new_status"`
	UserID    string        `gorm:"size:64" json:"user_id,omitempty"`
	Notes     string        `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt time.Time     `json:"created_at"`

	// Belongs to Alert
	Alert Alert `gorm:"foreignKey:AlertID" json:"-"`
}

// DependencyType classifies what a device depends on upstream
type DependencyType string

const (
	DependencyTypeNetwork DependencyType = "network"
	DependencyTypePower   DependencyType = "power"
	DependencyTypeCompute DependencyType = "compute"
)

// Dependency is a directed edge in the device-dependency graph: DeviceIP
// depends on DependsOnIP. The graph is not guaranteed to be acyclic.
type Dependency struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	DeviceIP       string         `gorm:"size:64;not null;uniqueIndex:idx_dependency_pair;index" json:"device_ip"`
	DependsOnIP    string         `gorm:"size:64;not null;uniqueIndex:idx_dependency_pair" json:"depends_on_ip"`
	DependencyType DependencyType `gorm:"type:varchar(20);not null;default:'network'" json:"dependency_type"`
	Description    string         `gorm:"type:text" json:"description"`
	AutoDiscovered bool           `gorm:"default:false" json:"auto_discovered"`
	Confidence     *float64       `gorm:"type:decimal(3,2)" json:"confidence,omitempty"`
	CreatedBy      string         `gorm:"size:64" json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName overrides for explicit table naming
func (Alert) TableName() string {
	return "alerts"
}

func (AlertHistoryEntry) TableName() string {
	return "alert_history"
}

func (Dependency) TableName() string {
	return "dependencies"
}

// GetSeverityEmoji returns an emoji for the alert severity
func GetSeverityEmoji(severity AlertSeverity) string {
	switch severity {
	case AlertSeverityCritical:
		return ":red_circle:"
	case AlertSeverityMajor:
		return ":large_orange_circle:"
	case AlertSeverityWarning:
		return ":large_yellow_circle:"
	case AlertSeverityInfo:
		return ":large_blue_circle:"
	case AlertSeverityClear:
		return ":large_green_circle:"
	default:
		return ":white_circle:"
	}
}
