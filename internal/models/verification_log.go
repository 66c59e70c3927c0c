package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VerificationAction names a pipeline step recorded in the verification log.
type VerificationAction string

const (
	ActionVerificationStarted       VerificationAction = "VERIFICATION_STARTED"
	ActionContainerExtracted        VerificationAction = "CONTAINER_EXTRACTED"
	ActionXMLParsed                 VerificationAction = "XML_PARSED"
	ActionSignatureStructureChecked VerificationAction = "SIGNATURE_STRUCTURE_CHECKED"
	ActionCertificateValidated      VerificationAction = "CERTIFICATE_VALIDATED"
	ActionSignatureVerified         VerificationAction = "SIGNATURE_VERIFIED"
	ActionTimestampChecked          VerificationAction = "TIMESTAMP_CHECKED"
	ActionDataDecrypted             VerificationAction = "DATA_DECRYPTED"
	ActionDemographicsExtracted     VerificationAction = "DEMOGRAPHICS_EXTRACTED"
	ActionContactHashVerified       VerificationAction = "CONTACT_HASH_VERIFIED"
	ActionQRDecoded                 VerificationAction = "QR_DECODED"
	ActionChecksumVerified          VerificationAction = "CHECKSUM_VERIFIED"
	ActionNumberValidated           VerificationAction = "NUMBER_VALIDATED"
	ActionCrossValidated            VerificationAction = "CROSS_VALIDATED"
	ActionVerificationCompleted     VerificationAction = "VERIFICATION_COMPLETED"
	ActionVerificationFailed        VerificationAction = "VERIFICATION_FAILED"
)

// LogOutcome is the result of a single step.
type LogOutcome string

const (
	OutcomeSuccess LogOutcome = "SUCCESS"
	OutcomeFailed  LogOutcome = "FAILED"
	OutcomeWarning LogOutcome = "WARNING"
)

// ErrVerificationLogImmutable is returned for any attempt to update a log entry.
var ErrVerificationLogImmutable = errors.New("verification log entries are append-only")

// VerificationLog is one append-only entry of a record's step history.
type VerificationLog struct {
	ID           string             `gorm:"primaryKey;type:uuid" json:"id"`
	RecordID     string             `gorm:"type:uuid;not null;uniqueIndex:idx_verification_log_sequence,priority:1" json:"-"`
	Sequence     int                `gorm:"not null;uniqueIndex:idx_verification_log_sequence,priority:2" json:"sequence"`
	Action       VerificationAction `gorm:"size:48;not null;index" json:"action"`
	Outcome      LogOutcome         `gorm:"size:16;not null" json:"outcome"`
	Message      string             `gorm:"type:text" json:"message,omitempty"`
	Metadata     datatypes.JSON     `json:"metadata,omitempty"`
	ProcessingMS int64              `json:"processing_ms"`
	Timestamp    time.Time          `gorm:"not null;index" json:"timestamp"`
}

func (l *VerificationLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return nil
}

// BeforeUpdate keeps log entries immutable.
func (l *VerificationLog) BeforeUpdate(tx *gorm.DB) error {
	return ErrVerificationLogImmutable
}
