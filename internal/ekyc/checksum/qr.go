package checksum

import (
	"strings"

	"github.com/charlesng35/offlinekyc/pkg/crypto"
)

// QRChecksumLength is the number of hex characters carried in a QR payload checksum.
const QRChecksumLength = 8

// QRChecksum computes the truncated SHA-256 checksum over the comma-joined fields.
func QRChecksum(fields []string) string {
	digest := crypto.SHA256Hex([]byte(strings.Join(fields, ",")))
	return digest[:QRChecksumLength]
}

// QRChecksumMatches compares claimed against the checksum of fields, ignoring case.
func QRChecksumMatches(fields []string, claimed string) bool {
	claimed = strings.TrimSpace(claimed)
	if len(claimed) != QRChecksumLength {
		return false
	}
	return strings.EqualFold(QRChecksum(fields), claimed)
}
