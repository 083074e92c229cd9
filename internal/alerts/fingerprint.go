package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the stable identity key used for deduplication: a
// SHA-256 over (source_system, source_alert_id, device_identifier,
// alert_type). Timestamps and message content never participate, so repeated
// occurrences of the same condition hash identically. Missing fields hash as
// empty strings.
func Fingerprint(n NormalizedAlert) string {
	tuple := strings.Join([]string{
		n.SourceSystem,
		n.SourceAlertID,
		n.DeviceIdentifier(),
		n.AlertType,
	}, "\x00")

	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:])
}
