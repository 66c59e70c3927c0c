package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VerificationKind identifies the input a verification started from.
type VerificationKind string

const (
	KindArchive VerificationKind = "ARCHIVE"
	KindXML     VerificationKind = "XML"
	KindQR      VerificationKind = "QR"
	KindNumber  VerificationKind = "NUMBER"
)

// VerificationStatus is the lifecycle state of a record. PENDING moves once to SUCCESS or FAILED.
type VerificationStatus string

const (
	StatusPending VerificationStatus = "PENDING"
	StatusSuccess VerificationStatus = "SUCCESS"
	StatusFailed  VerificationStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s VerificationStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// VerificationIDPrefix prefixes caller-facing verification identifiers.
const VerificationIDPrefix = "vrf_"

// ErrRawIdentifierImmutable is returned when an update tries to replace a sealed identifier.
var ErrRawIdentifierImmutable = errors.New("raw identifier cannot be changed once set")

// VerificationRecord is the persisted outcome of one verification attempt.
type VerificationRecord struct {
	BaseModel
	VerificationID string             `gorm:"size:64;not null;uniqueIndex" json:"verification_id"`
	SubjectID      string             `gorm:"size:128;not null;index" json:"subject_id"`
	Kind           VerificationKind   `gorm:"size:16;not null;index" json:"kind"`
	Status         VerificationStatus `gorm:"size:16;not null;index" json:"status"`

	RawIdentifierSealed string         `gorm:"type:text" json:"-"`
	MaskedIdentifier    string         `gorm:"size:32" json:"masked_identifier,omitempty"`
	Demographics        datatypes.JSON `json:"-"`

	SignatureValid   *bool `json:"signature_valid"`
	TimestampValid   *bool `json:"timestamp_valid"`
	CertificateValid *bool `json:"certificate_valid"`
	ChecksumValid    *bool `json:"checksum_valid"`

	ErrorMessage *string    `gorm:"type:text" json:"error_message,omitempty"`
	IPAddress    string     `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent    string     `gorm:"size:512" json:"user_agent,omitempty"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`

	DeletedAt gorm.DeletedAt    `gorm:"index" json:"-"`
	Logs      []VerificationLog `gorm:"foreignKey:RecordID;constraint:OnDelete:CASCADE" json:"-"`
}

// BeforeCreate assigns identifiers and the initial status.
func (r *VerificationRecord) BeforeCreate(tx *gorm.DB) error {
	if err := r.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if r.VerificationID == "" {
		r.VerificationID = VerificationIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	return nil
}

// BeforeUpdate refuses to replace a raw identifier that has already been sealed.
func (r *VerificationRecord) BeforeUpdate(tx *gorm.DB) error {
	if r.RawIdentifierSealed != "" && tx.Statement.Changed("RawIdentifierSealed") {
		return ErrRawIdentifierImmutable
	}
	return nil
}
