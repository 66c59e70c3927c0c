package document

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// IssuerZone is the zone reference ids are stamped in (UTC+05:30).
var IssuerZone = time.FixedZone("IST", 5*60*60+30*60)

const (
	referenceDigitsPrefix = 4
	referenceStampLayout  = "20060102150405"
	referenceStampLength  = len(referenceStampLayout) + 3
)

// LastFourDigits returns the identifier suffix encoded at the start of a reference id.
func LastFourDigits(referenceID string) (string, bool) {
	if len(referenceID) < referenceDigitsPrefix {
		return "", false
	}
	prefix := referenceID[:referenceDigitsPrefix]
	for i := 0; i < len(prefix); i++ {
		if prefix[i] < '0' || prefix[i] > '9' {
			return "", false
		}
	}
	return prefix, true
}

// GeneratedAt decodes the generation time embedded in a reference id:
// four identifier digits followed by yyyyMMddHHmmssSSS.
func GeneratedAt(referenceID string) (time.Time, error) {
	if len(referenceID) < referenceDigitsPrefix+referenceStampLength {
		return time.Time{}, errors.New("reference id too short to carry a timestamp")
	}
	stamp := referenceID[referenceDigitsPrefix : referenceDigitsPrefix+referenceStampLength]

	base, err := time.ParseInLocation(referenceStampLayout, stamp[:len(referenceStampLayout)], IssuerZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse reference timestamp: %w", err)
	}
	millis, err := strconv.Atoi(stamp[len(referenceStampLayout):])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse reference milliseconds: %w", err)
	}
	return base.Add(time.Duration(millis) * time.Millisecond), nil
}

// GeneratedAt decodes the document's reference id timestamp.
func (d *Document) GeneratedAt() (time.Time, error) {
	return GeneratedAt(d.referenceID)
}
