package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/ekyc/demographics"
	"github.com/charlesng35/offlinekyc/internal/models"
)

// ErrRecordNotPending is returned when a record has already reached a terminal status.
var ErrRecordNotPending = errors.New("verification trail: record is not pending")

// IdentifierSealer encrypts raw identifiers before they are persisted.
type IdentifierSealer interface {
	Seal(identifier string) (string, error)
}

// Provenance describes where a verification request came from.
type Provenance struct {
	IPAddress string
	UserAgent string
}

// LogEntry is a single step to append to a record's log.
type LogEntry struct {
	Action   models.VerificationAction
	Outcome  models.LogOutcome
	Message  string
	Metadata map[string]any
	Elapsed  time.Duration
}

// FinalizeFields carries the verdicts and data written with the terminal status.
type FinalizeFields struct {
	Demographics     *demographics.Record
	MaskedIdentifier string
	SignatureValid   *bool
	TimestampValid   *bool
	CertificateValid *bool
	ChecksumValid    *bool
	ErrorMessage     string
}

// VerificationTrail owns the lifecycle of verification records and their append-only logs.
type VerificationTrail struct {
	db     *gorm.DB
	sealer IdentifierSealer
	now    func() time.Time
}

// NewVerificationTrail constructs a VerificationTrail.
func NewVerificationTrail(db *gorm.DB, sealer IdentifierSealer) (*VerificationTrail, error) {
	if db == nil {
		return nil, errors.New("verification trail: db is required")
	}
	if sealer == nil {
		return nil, errors.New("verification trail: sealer is required")
	}
	return &VerificationTrail{
		db:     db,
		sealer: sealer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Begin creates a PENDING record and logs VERIFICATION_STARTED.
func (t *VerificationTrail) Begin(ctx context.Context, kind models.VerificationKind, subjectID string, prov Provenance) (*models.VerificationRecord, error) {
	ctx = ensureContext(ctx)

	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, errors.New("verification trail: subject is required")
	}

	record := &models.VerificationRecord{
		SubjectID: subjectID,
		Kind:      kind,
		Status:    models.StatusPending,
		IPAddress: strings.TrimSpace(prov.IPAddress),
		UserAgent: truncate(strings.TrimSpace(prov.UserAgent), 512),
	}

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		return t.appendLog(tx, record, LogEntry{
			Action:   models.ActionVerificationStarted,
			Outcome:  models.OutcomeSuccess,
			Metadata: map[string]any{"kind": string(kind)},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("verification trail: begin: %w", err)
	}
	return record, nil
}

// AppendLog adds the next entry to the record's log.
func (t *VerificationTrail) AppendLog(ctx context.Context, record *models.VerificationRecord, entry LogEntry) error {
	ctx = ensureContext(ctx)

	if record == nil || record.ID == "" {
		return errors.New("verification trail: record is required")
	}

	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return t.appendLog(tx, record, entry)
		})
		// A concurrent append took the same sequence number; read the new maximum and retry.
		if err == nil || !isUniqueConstraintError(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("verification trail: append %s: %w", entry.Action, err)
	}
	return nil
}

const appendAttempts = 3

func (t *VerificationTrail) appendLog(tx *gorm.DB, record *models.VerificationRecord, entry LogEntry) error {
	if strings.TrimSpace(string(entry.Action)) == "" {
		return errors.New("action is required")
	}
	if entry.Outcome == "" {
		return errors.New("outcome is required")
	}

	var metadata datatypes.JSON
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = datatypes.JSON(encoded)
	}

	var last int
	if err := tx.Model(&models.VerificationLog{}).
		Where("record_id = ?", record.ID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error; err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	log := models.VerificationLog{
		RecordID:     record.ID,
		Sequence:     last + 1,
		Action:       entry.Action,
		Outcome:      entry.Outcome,
		Message:      entry.Message,
		Metadata:     metadata,
		ProcessingMS: entry.Elapsed.Milliseconds(),
		Timestamp:    t.now(),
	}
	return tx.Create(&log).Error
}

// SealIdentifier stores the sealed raw identifier together with its mask. It succeeds once per record.
func (t *VerificationTrail) SealIdentifier(ctx context.Context, record *models.VerificationRecord, raw string) error {
	ctx = ensureContext(ctx)

	if record == nil || record.ID == "" {
		return errors.New("verification trail: record is required")
	}
	if record.RawIdentifierSealed != "" {
		return models.ErrRawIdentifierImmutable
	}

	raw = strings.TrimSpace(raw)
	masked := demographics.MaskRawIdentifier(raw)
	if masked == "" {
		return errors.New("verification trail: identifier is too short to mask")
	}

	sealed, err := t.sealer.Seal(raw)
	if err != nil {
		return fmt.Errorf("verification trail: seal identifier: %w", err)
	}

	result := t.db.WithContext(ctx).
		Model(record).
		Where("raw_identifier_sealed IS NULL OR raw_identifier_sealed = ?", "").
		Updates(map[string]any{
			"raw_identifier_sealed": sealed,
			"masked_identifier":     masked,
		})
	if result.Error != nil {
		return fmt.Errorf("verification trail: store identifier: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrRawIdentifierImmutable
	}

	record.RawIdentifierSealed = sealed
	record.MaskedIdentifier = masked
	return nil
}

// Finalize moves a PENDING record to its terminal status and logs the closing entry.
// The masked identifier in fields is ignored when a raw identifier has been sealed.
func (t *VerificationTrail) Finalize(ctx context.Context, record *models.VerificationRecord, status models.VerificationStatus, fields FinalizeFields) error {
	ctx = ensureContext(ctx)

	if record == nil || record.ID == "" {
		return errors.New("verification trail: record is required")
	}
	if !status.Terminal() {
		return fmt.Errorf("verification trail: %s is not a terminal status", status)
	}

	now := t.now()
	updates := map[string]any{"status": status}

	if fields.Demographics != nil {
		encoded, err := json.Marshal(fields.Demographics)
		if err != nil {
			return fmt.Errorf("verification trail: marshal demographics: %w", err)
		}
		updates["demographics"] = datatypes.JSON(encoded)
	}
	if record.RawIdentifierSealed == "" && fields.MaskedIdentifier != "" {
		updates["masked_identifier"] = fields.MaskedIdentifier
	}
	setVerdict(updates, "signature_valid", fields.SignatureValid)
	setVerdict(updates, "timestamp_valid", fields.TimestampValid)
	setVerdict(updates, "certificate_valid", fields.CertificateValid)
	setVerdict(updates, "checksum_valid", fields.ChecksumValid)
	if fields.ErrorMessage != "" {
		updates["error_message"] = fields.ErrorMessage
	}
	if status == models.StatusSuccess {
		updates["verified_at"] = now
	}

	closing := LogEntry{
		Action:  models.ActionVerificationCompleted,
		Outcome: models.OutcomeSuccess,
	}
	if status == models.StatusFailed {
		closing = LogEntry{
			Action:  models.ActionVerificationFailed,
			Outcome: models.OutcomeFailed,
			Message: fields.ErrorMessage,
		}
	}
	closing.Elapsed = now.Sub(record.CreatedAt)

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(record).
			Where("status = ?", models.StatusPending).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRecordNotPending
		}
		return t.appendLog(tx, record, closing)
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotPending) {
			return err
		}
		return fmt.Errorf("verification trail: finalize: %w", err)
	}

	applyFinalFields(record, updates)
	return nil
}

func setVerdict(updates map[string]any, column string, value *bool) {
	if value != nil {
		updates[column] = *value
	}
}

func applyFinalFields(record *models.VerificationRecord, updates map[string]any) {
	record.Status = updates["status"].(models.VerificationStatus)
	if v, ok := updates["demographics"].(datatypes.JSON); ok {
		record.Demographics = v
	}
	if v, ok := updates["masked_identifier"].(string); ok {
		record.MaskedIdentifier = v
	}
	if v, ok := updates["signature_valid"].(bool); ok {
		record.SignatureValid = &v
	}
	if v, ok := updates["timestamp_valid"].(bool); ok {
		record.TimestampValid = &v
	}
	if v, ok := updates["certificate_valid"].(bool); ok {
		record.CertificateValid = &v
	}
	if v, ok := updates["checksum_valid"].(bool); ok {
		record.ChecksumValid = &v
	}
	if v, ok := updates["error_message"].(string); ok {
		record.ErrorMessage = &v
	}
	if v, ok := updates["verified_at"].(time.Time); ok {
		record.VerifiedAt = &v
	}
}

// truncate cuts value to at most max bytes without splitting a UTF-8 sequence.
func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
