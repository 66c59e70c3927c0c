package demographics

import (
	"strings"

	"github.com/charlesng35/offlinekyc/pkg/crypto"
)

// HashCheck is the comparison of a caller-supplied contact against the document's stored hash.
type HashCheck struct {
	Provided string `json:"provided"`
	Computed string `json:"computed"`
	Valid    bool   `json:"valid"`
}

// VerifyContactHash hashes plaintext followed by passcode with SHA-256 and compares the
// hex digest to storedHash ignoring case. It returns nil when either side is absent.
func VerifyContactHash(storedHash, plaintext, passcode string) *HashCheck {
	storedHash = strings.TrimSpace(storedHash)
	plaintext = strings.TrimSpace(plaintext)
	if storedHash == "" || plaintext == "" {
		return nil
	}
	computed := crypto.SHA256Hex([]byte(plaintext), []byte(passcode))
	return &HashCheck{
		Provided: storedHash,
		Computed: computed,
		Valid:    strings.EqualFold(storedHash, computed),
	}
}
