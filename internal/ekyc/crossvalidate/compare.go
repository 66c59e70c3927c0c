// Package crossvalidate compares caller-supplied profile data with verified document data.
package crossvalidate

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/charlesng35/offlinekyc/internal/ekyc/demographics"
)

// Field names used as report keys.
const (
	FieldName        = "name"
	FieldDateOfBirth = "date_of_birth"
	FieldGender      = "gender"
	FieldPhone       = "phone"
	FieldEmail       = "email"
)

// Profile holds comparable attributes. Empty values are not compared.
type Profile struct {
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Empty reports whether no attribute is set.
func (p Profile) Empty() bool {
	return p == Profile{}
}

// FromRecord builds the source side of a comparison from a verified record.
// Contact details are only carried as hashes there and are therefore left empty.
func FromRecord(rec *demographics.Record) Profile {
	if rec == nil {
		return Profile{}
	}
	return Profile{
		Name:        rec.Name,
		DateOfBirth: rec.DateOfBirth,
		Gender:      rec.Gender,
	}
}

// FieldResult is the comparison of one attribute.
type FieldResult struct {
	UserValue   string `json:"user_value"`
	SourceValue string `json:"source_value"`
	Match       bool   `json:"match"`
}

// Summary aggregates the field results.
type Summary struct {
	TotalFieldsCompared int     `json:"total_fields_compared"`
	MatchedFields       int     `json:"matched_fields"`
	MatchPercentage     float64 `json:"match_percentage"`
}

// Report is the outcome of a cross-validation.
type Report struct {
	Fields       map[string]FieldResult `json:"fields"`
	Summary      Summary                `json:"summary"`
	OverallMatch bool                   `json:"overall_match"`
}

type comparator struct {
	name      string
	user      func(Profile) string
	normalize func(string) string
}

var comparators = []comparator{
	{FieldName, func(p Profile) string { return p.Name }, normalizeText},
	{FieldDateOfBirth, func(p Profile) string { return p.DateOfBirth }, normalizeDate},
	{FieldGender, func(p Profile) string { return p.Gender }, normalizeGender},
	{FieldPhone, func(p Profile) string { return p.Phone }, normalizePhone},
	{FieldEmail, func(p Profile) string { return p.Email }, normalizeText},
}

// Compare checks every attribute present on both sides. The overall match holds only
// when at least one attribute was compared and all compared attributes agree.
func Compare(user, source Profile) Report {
	report := Report{Fields: make(map[string]FieldResult)}

	for _, c := range comparators {
		userValue, sourceValue := strings.TrimSpace(c.user(user)), strings.TrimSpace(c.user(source))
		if userValue == "" || sourceValue == "" {
			continue
		}
		match := c.normalize(userValue) == c.normalize(sourceValue)
		report.Fields[c.name] = FieldResult{UserValue: userValue, SourceValue: sourceValue, Match: match}

		report.Summary.TotalFieldsCompared++
		if match {
			report.Summary.MatchedFields++
		}
	}

	if total := report.Summary.TotalFieldsCompared; total > 0 {
		pct := float64(report.Summary.MatchedFields) * 100 / float64(total)
		report.Summary.MatchPercentage = math.Round(pct*100) / 100
		report.OverallMatch = report.Summary.MatchedFields == total
	}
	return report
}

// CompareRecord compares a profile against a verified record.
func CompareRecord(user Profile, rec *demographics.Record) Report {
	return Compare(user, FromRecord(rec))
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizePhone(s string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}

var genderSynonyms = map[string]string{
	"m":           "male",
	"male":        "male",
	"f":           "female",
	"female":      "female",
	"o":           "other",
	"other":       "other",
	"t":           "other",
	"transgender": "other",
}

func normalizeGender(s string) string {
	key := normalizeText(s)
	if canonical, ok := genderSynonyms[key]; ok {
		return canonical
	}
	return key
}

var dateLayouts = []string{"2006-01-02", "02-01-2006", "02/01/2006", "2006/01/02", "02.01.2006"}

// normalizeDate maps known day-first and ISO layouts onto ISO dates; other values compare as text.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.Format("2006-01-02")
		}
	}
	return normalizeText(s)
}
