package alerts

import (
	"errors"
	"strings"
	"time"

	"github.com/opswatch/opswatch/internal/database"
)

// NormalizedAlert is the common alert format all producers emit. Producers
// (SNMP pollers, VAPIX pollers, SSH scrapers, VMS clients) construct one per
// observed condition; the core never sees their raw protocol payloads except
// as the opaque RawData audit blob.
type NormalizedAlert struct {
	SourceSystem  string
	SourceAlertID string

	DeviceIP   string
	DeviceName string

	Severity database.AlertSeverity
	Category database.AlertCategory

	AlertType string
	Title     string
	Message   string

	OccurredAt time.Time
	IsClear    bool

	// Status is an optional producer-reported lifecycle hint; when it maps to
	// a known state it overrides the default transition on duplicate updates.
	Status       string
	SourceStatus string

	RawData map[string]interface{}
}

// Validate checks the fields the core cannot function without
func (n *NormalizedAlert) Validate() error {
	if n.SourceSystem == "" {
		return errors.New("normalized alert missing source_system")
	}
	if n.AlertType == "" {
		return errors.New("normalized alert missing alert_type")
	}
	return nil
}

// DeviceIdentifier returns the identity used in fingerprinting: the device IP
// when present, else the device name, else empty.
func (n *NormalizedAlert) DeviceIdentifier() string {
	if n.DeviceIP != "" {
		return n.DeviceIP
	}
	return n.DeviceName
}

// LifecycleStatus maps the producer status hint to a core lifecycle state.
// Returns false when the hint is absent or not a recognized state.
func (n *NormalizedAlert) LifecycleStatus() (database.AlertStatus, bool) {
	switch database.AlertStatus(strings.ToLower(n.Status)) {
	case database.AlertStatusActive:
		return database.AlertStatusActive, true
	case database.AlertStatusAcknowledged:
		return database.AlertStatusAcknowledged, true
	case database.AlertStatusSuppressed:
		return database.AlertStatusSuppressed, true
	case database.AlertStatusResolved:
		return database.AlertStatusResolved, true
	}
	return "", false
}

// NormalizeSeverity normalizes severity strings to standard values
func NormalizeSeverity(severity string) database.AlertSeverity {
	severity = strings.ToLower(severity)

	// Check direct match first
	switch severity {
	case "critical":
		return database.AlertSeverityCritical
	case "major":
		return database.AlertSeverityMajor
	case "warning":
		return database.AlertSeverityWarning
	case "info", "informational":
		return database.AlertSeverityInfo
	case "clear":
		return database.AlertSeverityClear
	}

	for normalized, aliases := range DefaultSeverityMapping {
		for _, alias := range aliases {
			if alias == severity {
				return normalized
			}
		}
	}

	// Default to warning if unknown
	return database.AlertSeverityWarning
}

// NormalizeCategory normalizes category strings to standard values
func NormalizeCategory(category string) database.AlertCategory {
	switch strings.ToLower(category) {
	case "network":
		return database.AlertCategoryNetwork
	case "power":
		return database.AlertCategoryPower
	case "video", "camera":
		return database.AlertCategoryVideo
	case "wireless":
		return database.AlertCategoryWireless
	case "security":
		return database.AlertCategorySecurity
	default:
		return database.AlertCategoryUnknown
	}
}

// DefaultSeverityMapping provides default mapping for common severity values
var DefaultSeverityMapping = map[database.AlertSeverity][]string{
	database.AlertSeverityCritical: {"critical", "disaster", "p1", "5", "emergency", "fatal"},
	database.AlertSeverityMajor:    {"major", "high", "p2", "4", "error", "severe"},
	database.AlertSeverityWarning:  {"warning", "minor", "p3", "3", "average", "warn"},
	database.AlertSeverityInfo:     {"info", "informational", "p4", "1", "2", "low", "notice", "debug"},
	database.AlertSeverityClear:    {"clear", "ok", "recovery", "normal"},
}
