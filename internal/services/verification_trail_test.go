package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/database/testutil"
	"github.com/charlesng35/offlinekyc/internal/ekyc/demographics"
	"github.com/charlesng35/offlinekyc/internal/models"
	"github.com/charlesng35/offlinekyc/internal/vault"
	"github.com/charlesng35/offlinekyc/pkg/crypto"
)

func newTestSealer(t *testing.T) *vault.Sealer {
	t.Helper()

	sealer, err := vault.NewSealer([]byte("services-test-vault-key"), vault.WithArgon2Parameters(crypto.Argon2Parameters{
		Time:      1,
		Memory:    64,
		Threads:   1,
		KeyLength: 32,
	}))
	require.NoError(t, err)
	return sealer
}

func newTestTrail(t *testing.T) (*VerificationTrail, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	trail, err := NewVerificationTrail(db, newTestSealer(t))
	require.NoError(t, err)
	return trail, db
}

func loadLogs(t *testing.T, db *gorm.DB, record *models.VerificationRecord) []models.VerificationLog {
	t.Helper()

	var logs []models.VerificationLog
	require.NoError(t, db.Where("record_id = ?", record.ID).Order("sequence ASC").Find(&logs).Error)
	return logs
}

func TestNewVerificationTrailRequiresDependencies(t *testing.T) {
	_, err := NewVerificationTrail(nil, newTestSealer(t))
	require.Error(t, err)

	db := testutil.MustOpenTestDB(t)
	_, err = NewVerificationTrail(db, nil)
	require.Error(t, err)
}

func TestVerificationTrailBeginCreatesPendingRecord(t *testing.T) {
	trail, db := newTestTrail(t)

	record, err := trail.Begin(context.Background(), models.KindXML, " user-1 ", Provenance{
		IPAddress: "10.0.0.1",
		UserAgent: "curl/8.0",
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, record.Status)
	require.Equal(t, "user-1", record.SubjectID)
	require.Equal(t, "10.0.0.1", record.IPAddress)
	require.Contains(t, record.VerificationID, models.VerificationIDPrefix)

	logs := loadLogs(t, db, record)
	require.Len(t, logs, 1)
	require.Equal(t, models.ActionVerificationStarted, logs[0].Action)
	require.Equal(t, models.OutcomeSuccess, logs[0].Outcome)
	require.Equal(t, 1, logs[0].Sequence)
}

func TestVerificationTrailBeginTruncatesUserAgentOnRuneBoundary(t *testing.T) {
	trail, _ := newTestTrail(t)

	agent := "a" + strings.Repeat("é", 300)
	record, err := trail.Begin(context.Background(), models.KindXML, "user-1", Provenance{UserAgent: agent})
	require.NoError(t, err)
	require.Len(t, record.UserAgent, 511)
	require.True(t, utf8.ValidString(record.UserAgent))
	require.True(t, strings.HasPrefix(agent, record.UserAgent))

	require.Equal(t, "curl/8.0", truncate("curl/8.0", 512))
}

func TestVerificationTrailBeginRequiresSubject(t *testing.T) {
	trail, _ := newTestTrail(t)

	_, err := trail.Begin(context.Background(), models.KindQR, "  ", Provenance{})
	require.Error(t, err)
}

func TestVerificationTrailAppendLogSequences(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	record, err := trail.Begin(ctx, models.KindXML, "user-1", Provenance{})
	require.NoError(t, err)

	require.NoError(t, trail.AppendLog(ctx, record, LogEntry{
		Action:   models.ActionXMLParsed,
		Outcome:  models.OutcomeSuccess,
		Metadata: map[string]any{"encrypted": false},
		Elapsed:  12 * time.Millisecond,
	}))
	require.NoError(t, trail.AppendLog(ctx, record, LogEntry{
		Action:  models.ActionCertificateValidated,
		Outcome: models.OutcomeWarning,
		Message: "certificate fingerprint is not on the allow-list",
	}))

	logs := loadLogs(t, db, record)
	require.Len(t, logs, 3)
	for i, entry := range logs {
		require.Equal(t, i+1, entry.Sequence)
	}
	require.Equal(t, int64(12), logs[1].ProcessingMS)
	require.JSONEq(t, `{"encrypted":false}`, string(logs[1].Metadata))
	require.Equal(t, models.OutcomeWarning, logs[2].Outcome)
}

func TestVerificationTrailAppendLogValidatesEntry(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx := context.Background()

	record, err := trail.Begin(ctx, models.KindXML, "user-1", Provenance{})
	require.NoError(t, err)

	require.Error(t, trail.AppendLog(ctx, record, LogEntry{Outcome: models.OutcomeSuccess}))
	require.Error(t, trail.AppendLog(ctx, record, LogEntry{Action: models.ActionXMLParsed}))
	require.Error(t, trail.AppendLog(ctx, nil, LogEntry{Action: models.ActionXMLParsed, Outcome: models.OutcomeSuccess}))
}

func TestVerificationTrailFinalizeSuccess(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	record, err := trail.Begin(ctx, models.KindXML, "user-1", Provenance{})
	require.NoError(t, err)

	rec := &demographics.Record{Name: "John Doe", LastFourDigits: "2346"}
	require.NoError(t, trail.Finalize(ctx, record, models.StatusSuccess, FinalizeFields{
		Demographics:     rec,
		MaskedIdentifier: rec.MaskedIdentifier(),
		SignatureValid:   boolPtr(true),
		CertificateValid: boolPtr(true),
		TimestampValid:   boolPtr(false),
	}))

	require.Equal(t, models.StatusSuccess, record.Status)
	require.NotNil(t, record.VerifiedAt)

	var stored models.VerificationRecord
	require.NoError(t, db.First(&stored, "id = ?", record.ID).Error)
	require.Equal(t, models.StatusSuccess, stored.Status)
	require.Equal(t, "XXXX XXXX 2346", stored.MaskedIdentifier)
	require.NotNil(t, stored.SignatureValid)
	require.True(t, *stored.SignatureValid)
	require.NotNil(t, stored.TimestampValid)
	require.False(t, *stored.TimestampValid)
	require.Nil(t, stored.ChecksumValid)
	require.Nil(t, stored.ErrorMessage)

	var decoded demographics.Record
	require.NoError(t, json.Unmarshal(stored.Demographics, &decoded))
	require.Equal(t, "John Doe", decoded.Name)

	logs := loadLogs(t, db, record)
	require.Equal(t, models.ActionVerificationCompleted, logs[len(logs)-1].Action)
}

func TestVerificationTrailFinalizeIsSingleTransition(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	record, err := trail.Begin(ctx, models.KindNumber, "user-1", Provenance{})
	require.NoError(t, err)

	require.NoError(t, trail.Finalize(ctx, record, models.StatusFailed, FinalizeFields{
		ErrorMessage: "identifier failed checksum validation",
	}))
	require.NotNil(t, record.ErrorMessage)
	require.Nil(t, record.VerifiedAt)

	err = trail.Finalize(ctx, record, models.StatusSuccess, FinalizeFields{})
	require.ErrorIs(t, err, ErrRecordNotPending)

	var stored models.VerificationRecord
	require.NoError(t, db.First(&stored, "id = ?", record.ID).Error)
	require.Equal(t, models.StatusFailed, stored.Status)

	logs := loadLogs(t, db, record)
	require.Len(t, logs, 2)
	require.Equal(t, models.ActionVerificationFailed, logs[1].Action)
	require.Equal(t, "identifier failed checksum validation", logs[1].Message)
}

func TestVerificationTrailFinalizeRejectsPendingStatus(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx := context.Background()

	record, err := trail.Begin(ctx, models.KindNumber, "user-1", Provenance{})
	require.NoError(t, err)

	require.Error(t, trail.Finalize(ctx, record, models.StatusPending, FinalizeFields{}))
}

func TestVerificationTrailSealIdentifierOnce(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	record, err := trail.Begin(ctx, models.KindNumber, "user-1", Provenance{})
	require.NoError(t, err)

	require.NoError(t, trail.SealIdentifier(ctx, record, "234123412346"))
	require.Equal(t, "XXXX XXXX 2346", record.MaskedIdentifier)
	require.NotEmpty(t, record.RawIdentifierSealed)
	require.NotContains(t, record.RawIdentifierSealed, "234123412346")

	err = trail.SealIdentifier(ctx, record, "499182793569")
	require.ErrorIs(t, err, models.ErrRawIdentifierImmutable)

	var stored models.VerificationRecord
	require.NoError(t, db.First(&stored, "id = ?", record.ID).Error)
	opened, err := newTestSealer(t).Open(stored.RawIdentifierSealed)
	require.NoError(t, err)
	require.Equal(t, "234123412346", opened)

	// A stale copy of the record still cannot overwrite the sealed value.
	stale := stored
	stale.RawIdentifierSealed = ""
	err = trail.SealIdentifier(ctx, &stale, "499182793569")
	require.ErrorIs(t, err, models.ErrRawIdentifierImmutable)
}

func TestVerificationTrailFinalizeKeepsSealedMask(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	record, err := trail.Begin(ctx, models.KindNumber, "user-1", Provenance{})
	require.NoError(t, err)
	require.NoError(t, trail.SealIdentifier(ctx, record, "234123412346"))

	require.NoError(t, trail.Finalize(ctx, record, models.StatusSuccess, FinalizeFields{
		MaskedIdentifier: "XXXX XXXX 9999",
	}))

	var stored models.VerificationRecord
	require.NoError(t, db.First(&stored, "id = ?", record.ID).Error)
	require.Equal(t, "XXXX XXXX 2346", stored.MaskedIdentifier)
}
