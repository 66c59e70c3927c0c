package demographics

import "strings"

const maskPrefix = "XXXX XXXX "

// MaskIdentifier renders an identifier suffix in the display-safe form "XXXX XXXX 1234".
func MaskIdentifier(last4 string) string {
	return maskPrefix + strings.TrimSpace(last4)
}

// MaskRawIdentifier masks a full identifier, keeping only its last four digits.
// Identifiers shorter than four characters yield an empty string.
func MaskRawIdentifier(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) < 4 {
		return ""
	}
	return MaskIdentifier(raw[len(raw)-4:])
}
