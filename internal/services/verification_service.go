package services

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/charlesng35/offlinekyc/internal/ekyc/checksum"
	"github.com/charlesng35/offlinekyc/internal/ekyc/container"
	"github.com/charlesng35/offlinekyc/internal/ekyc/crossvalidate"
	"github.com/charlesng35/offlinekyc/internal/ekyc/decrypt"
	"github.com/charlesng35/offlinekyc/internal/ekyc/demographics"
	"github.com/charlesng35/offlinekyc/internal/ekyc/document"
	"github.com/charlesng35/offlinekyc/internal/ekyc/qr"
	"github.com/charlesng35/offlinekyc/internal/ekyc/signature"
	"github.com/charlesng35/offlinekyc/internal/models"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
	"github.com/charlesng35/offlinekyc/pkg/logger"
	"github.com/charlesng35/offlinekyc/pkg/metrics"
)

// TimestampSkew is how far in the future a document generation time may lie.
const TimestampSkew = 5 * time.Minute

// TrustPolicy decides which negative verdicts fail a verification.
type TrustPolicy struct {
	RequireValidSignature   bool
	RequireValidCertificate bool
	RequireKnownFingerprint bool
	RequireValidChecksum    bool
	// MaxDocumentAge bounds the age of a document's generation time. Zero disables the bound.
	MaxDocumentAge time.Duration
}

// DefaultTrustPolicy fails on bad signatures, certificates and QR checksums.
func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{
		RequireValidSignature:   true,
		RequireValidCertificate: true,
		RequireValidChecksum:    true,
	}
}

// InputLimits bounds the size of every input the engine accepts.
type InputLimits struct {
	MaxArchiveBytes int64
	MaxXMLBytes     int64
	Container       container.Limits
	QR              qr.Limits
}

// DefaultInputLimits returns the limits used when none are configured.
func DefaultInputLimits() InputLimits {
	return InputLimits{
		MaxArchiveBytes: 5 << 20,
		MaxXMLBytes:     2 << 20,
		Container:       container.DefaultLimits(),
		QR:              qr.DefaultLimits(),
	}
}

// VerificationOptions configures a VerificationService.
type VerificationOptions struct {
	Trust   TrustPolicy
	Limits  InputLimits
	Timeout time.Duration
	Now     func() time.Time
}

// Contacts are plaintext contact values checked against the hashes a document carries.
type Contacts struct {
	Mobile string
	Email  string
}

func (c Contacts) empty() bool {
	return strings.TrimSpace(c.Mobile) == "" && strings.TrimSpace(c.Email) == ""
}

// Caller identifies who asked for a verification and from where.
type Caller struct {
	SubjectID  string
	Provenance Provenance
}

// ArchiveInput is a password-protected archive and its share code.
type ArchiveInput struct {
	Caller
	Archive   []byte
	ShareCode string
	Contacts  Contacts
	Profile   crossvalidate.Profile
}

// XMLInput is a raw signed document. The share code is needed for encrypted documents and contact hashes.
type XMLInput struct {
	Caller
	XML       []byte
	ShareCode string
	Contacts  Contacts
	Profile   crossvalidate.Profile
}

// QRInput is an image containing an identity QR code.
type QRInput struct {
	Caller
	Image   []byte
	Profile crossvalidate.Profile
}

// NumberInput is a raw identifier to validate.
type NumberInput struct {
	Caller
	Number string
}

// ContactHashes reports contact hash verification per channel.
type ContactHashes struct {
	Mobile *demographics.HashCheck `json:"mobile,omitempty"`
	Email  *demographics.HashCheck `json:"email,omitempty"`
}

// Result is the outcome of a verification.
type Result struct {
	Success          bool                  `json:"success"`
	VerificationID   string                `json:"verification_id"`
	MaskedIdentifier string                `json:"masked_identifier,omitempty"`
	Data             *demographics.Record  `json:"data,omitempty"`
	SignatureValid   *bool                 `json:"signature_valid,omitempty"`
	CertificateValid *bool                 `json:"certificate_valid,omitempty"`
	TimestampValid   *bool                 `json:"timestamp_valid,omitempty"`
	ChecksumValid    *bool                 `json:"checksum_valid,omitempty"`
	CrossValidation  *crossvalidate.Report `json:"cross_validation,omitempty"`
	ContactHashes    *ContactHashes        `json:"contact_hashes,omitempty"`
	Error            *apperrors.AppError   `json:"error,omitempty"`
}

// VerificationService runs the verification pipelines and records every step.
type VerificationService struct {
	trail    *VerificationTrail
	verifier *signature.Verifier
	trust    TrustPolicy
	limits   InputLimits
	timeout  time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewVerificationService constructs a VerificationService.
func NewVerificationService(trail *VerificationTrail, verifier *signature.Verifier, opts VerificationOptions) (*VerificationService, error) {
	if trail == nil {
		return nil, errors.New("verification service: trail is required")
	}
	if verifier == nil {
		return nil, errors.New("verification service: signature verifier is required")
	}

	defaults := DefaultInputLimits()
	limits := opts.Limits
	if limits.MaxArchiveBytes <= 0 {
		limits.MaxArchiveBytes = defaults.MaxArchiveBytes
	}
	if limits.MaxXMLBytes <= 0 {
		limits.MaxXMLBytes = defaults.MaxXMLBytes
	}
	if limits.Container == (container.Limits{}) {
		limits.Container = defaults.Container
	}
	if limits.QR == (qr.Limits{}) {
		limits.QR = defaults.QR
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &VerificationService{
		trail:    trail,
		verifier: verifier,
		trust:    opts.Trust,
		limits:   limits,
		timeout:  opts.Timeout,
		now:      now,
		log:      logger.WithModule("ekyc.engine"),
	}, nil
}

// VerifyArchive extracts the archive with the share code and verifies the document inside.
func (s *VerificationService) VerifyArchive(ctx context.Context, in ArchiveInput) (*Result, error) {
	if len(in.Archive) == 0 {
		return nil, apperrors.NewValidation("archive is required")
	}
	if int64(len(in.Archive)) > s.limits.MaxArchiveBytes {
		return nil, apperrors.ErrPayloadTooLarge
	}
	if strings.TrimSpace(in.ShareCode) == "" {
		return nil, apperrors.NewValidation("share code is required")
	}

	return s.execute(ctx, models.KindArchive, in.Caller, func(r *pipelineRun) error {
		var (
			raw          []byte
			accompanying []*x509.Certificate
		)
		err := r.step(models.ActionContainerExtracted, func() (stepReport, error) {
			entries, err := container.Extract(in.Archive, in.ShareCode, s.limits.Container)
			if err != nil {
				return stepReport{}, err
			}
			entry, ok := container.SelectDocument(entries)
			if !ok {
				return stepReport{}, apperrors.ErrArchiveExtraction.WithInternal(errors.New("archive holds no XML document"))
			}
			raw = entry.Data

			report := stepReport{Metadata: map[string]any{"entries": len(entries)}}
			for _, certEntry := range container.CertificateEntries(entries) {
				certs, err := signature.ParseCertificates(certEntry.Data)
				if err != nil {
					report.Outcome = models.OutcomeWarning
					report.Message = "ignored unreadable certificate " + certEntry.Name
					continue
				}
				accompanying = append(accompanying, certs...)
			}
			report.Metadata["certificates"] = len(accompanying)
			return report, nil
		})
		if err != nil {
			return err
		}
		if int64(len(raw)) > s.limits.MaxXMLBytes {
			return apperrors.ErrPayloadTooLarge
		}
		return s.verifyDocument(r, raw, in.ShareCode, in.Contacts, in.Profile, accompanying)
	})
}

// VerifyXML verifies a raw signed document.
func (s *VerificationService) VerifyXML(ctx context.Context, in XMLInput) (*Result, error) {
	if len(in.XML) == 0 {
		return nil, apperrors.NewValidation("xml document is required")
	}
	if int64(len(in.XML)) > s.limits.MaxXMLBytes {
		return nil, apperrors.ErrPayloadTooLarge
	}

	return s.execute(ctx, models.KindXML, in.Caller, func(r *pipelineRun) error {
		return s.verifyDocument(r, in.XML, in.ShareCode, in.Contacts, in.Profile, nil)
	})
}

// VerifyQR decodes an identity QR code and checks its payload checksum.
func (s *VerificationService) VerifyQR(ctx context.Context, in QRInput) (*Result, error) {
	if len(in.Image) == 0 {
		return nil, apperrors.NewValidation("image is required")
	}
	if s.limits.QR.MaxBytes > 0 && int64(len(in.Image)) > s.limits.QR.MaxBytes {
		return nil, apperrors.ErrPayloadTooLarge
	}

	return s.execute(ctx, models.KindQR, in.Caller, func(r *pipelineRun) error {
		var payload *qr.Payload
		err := r.step(models.ActionQRDecoded, func() (stepReport, error) {
			decoded, err := qr.Decode(in.Image, s.limits.QR)
			if err != nil {
				return stepReport{}, err
			}
			payload = decoded
			return stepReport{Metadata: map[string]any{"extra_fields": len(decoded.Extra)}}, nil
		})
		if err != nil {
			return err
		}

		err = r.step(models.ActionChecksumVerified, func() (stepReport, error) {
			valid := payload.ChecksumValid()
			r.fields.ChecksumValid = boolPtr(valid)
			if !valid && s.trust.RequireValidChecksum {
				return stepReport{Message: "QR payload checksum does not match"},
					apperrors.ErrQRDecode.WithInternal(errors.New("checksum mismatch"))
			}
			report := stepReport{Outcome: outcomeFor(valid, false)}
			if !valid {
				report.Message = "QR payload checksum does not match"
			}
			return report, nil
		})
		if err != nil {
			return err
		}

		var rec *demographics.Record
		err = r.step(models.ActionDemographicsExtracted, func() (stepReport, error) {
			rec = payload.Record()
			return extractionReport(rec), nil
		})
		if err != nil {
			return err
		}
		s.acceptRecord(r, rec)

		return s.crossValidate(r, in.Profile, rec)
	})
}

// ValidateNumber checks the format and checksum of a raw identifier and stores it sealed.
func (s *VerificationService) ValidateNumber(ctx context.Context, in NumberInput) (*Result, error) {
	if strings.TrimSpace(in.Number) == "" {
		return nil, apperrors.NewValidation("number is required")
	}

	return s.execute(ctx, models.KindNumber, in.Caller, func(r *pipelineRun) error {
		number := normalizeNumber(in.Number)

		err := r.step(models.ActionNumberValidated, func() (stepReport, error) {
			if !checksum.WellFormedIdentifier(number) {
				return stepReport{}, apperrors.NewValidation(
					fmt.Sprintf("identifier must be exactly %d digits", checksum.IdentifierLength))
			}
			if err := s.trail.SealIdentifier(r.store, r.record, number); err != nil {
				return stepReport{}, err
			}
			return stepReport{}, nil
		})
		if err != nil {
			return err
		}

		return r.step(models.ActionChecksumVerified, func() (stepReport, error) {
			valid := checksum.ValidIdentifier(number)
			r.fields.ChecksumValid = boolPtr(valid)
			if !valid {
				return stepReport{}, apperrors.NewValidation("identifier failed checksum validation")
			}
			return stepReport{}, nil
		})
	})
}

// execute opens the record, runs the pipeline under the configured timeout and finalizes.
func (s *VerificationService) execute(ctx context.Context, kind models.VerificationKind, caller Caller, pipeline func(*pipelineRun) error) (*Result, error) {
	ctx = ensureContext(ctx)

	record, err := s.trail.Begin(ctx, kind, caller.SubjectID, caller.Provenance)
	if err != nil {
		return nil, fmt.Errorf("verification service: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	run := s.newRun(ctx, record)
	return run.finish(pipeline(run))
}

// verifyDocument runs the shared document pipeline used by the archive and XML paths.
func (s *VerificationService) verifyDocument(r *pipelineRun, raw []byte, passcode string, contacts Contacts, profile crossvalidate.Profile, accompanying []*x509.Certificate) error {
	var doc *document.Document
	err := r.step(models.ActionXMLParsed, func() (stepReport, error) {
		parsed, err := document.Parse(raw)
		if err != nil {
			return stepReport{}, err
		}
		doc = parsed
		return stepReport{Metadata: map[string]any{
			"root":      parsed.Root().Tag,
			"encrypted": parsed.Encrypted(),
		}}, nil
	})
	if err != nil {
		return err
	}

	var sig *etree.Element
	err = r.step(models.ActionSignatureStructureChecked, func() (stepReport, error) {
		found, err := s.verifier.CheckStructure(doc)
		if err != nil {
			return stepReport{}, err
		}
		sig = found
		return stepReport{}, nil
	})
	if err != nil {
		return err
	}

	var (
		cert      *x509.Certificate
		certValid bool
		certNote  string
	)
	err = r.step(models.ActionCertificateValidated, func() (stepReport, error) {
		resolved, verdict := s.verifier.CheckCertificate(sig, accompanying)
		cert = resolved
		certValid = verdict.Valid
		if s.trust.RequireKnownFingerprint && resolved != nil && !verdict.FingerprintKnown {
			certValid = false
		}
		certNote = verdict.Reason
		r.fields.CertificateValid = boolPtr(certValid)

		report := stepReport{
			Outcome: outcomeFor(certValid, s.trust.RequireValidCertificate),
			Message: verdict.Reason,
			Metadata: map[string]any{
				"source":            verdict.Source,
				"subject":           verdict.Subject,
				"issuer":            verdict.Issuer,
				"within_validity":   verdict.WithinValidity,
				"issuer_trusted":    verdict.IssuerTrusted,
				"fingerprint_known": verdict.FingerprintKnown,
				"sha256":            verdict.SHA256,
			},
		}
		if certValid && !verdict.FingerprintKnown {
			report.Outcome = models.OutcomeWarning
		}
		return report, nil
	})
	if err != nil {
		return err
	}

	var sigVerdict signature.Verdict
	err = r.step(models.ActionSignatureVerified, func() (stepReport, error) {
		sigVerdict = s.verifier.CheckSignature(doc, cert)
		r.fields.SignatureValid = boolPtr(sigVerdict.Valid)
		label := "invalid"
		if sigVerdict.Valid {
			label = "valid"
		}
		metrics.SignatureVerdicts.WithLabelValues(label).Inc()
		return stepReport{
			Outcome: outcomeFor(sigVerdict.Valid, s.trust.RequireValidSignature),
			Message: sigVerdict.Reason,
		}, nil
	})
	if err != nil {
		return err
	}

	if s.trust.RequireValidSignature && !sigVerdict.Valid {
		return apperrors.ErrSignatureRejected.WithInternal(errors.New(sigVerdict.Reason))
	}
	if s.trust.RequireValidCertificate && !certValid {
		reason := certNote
		if reason == "" {
			reason = "certificate fingerprint is not on the allow-list"
		}
		return apperrors.ErrSignatureRejected.WithInternal(errors.New(reason))
	}

	err = r.step(models.ActionTimestampChecked, func() (stepReport, error) {
		valid, message := s.checkTimestamp(doc)
		r.fields.TimestampValid = boolPtr(valid)
		return stepReport{Outcome: outcomeFor(valid, false), Message: message}, nil
	})
	if err != nil {
		return err
	}

	var uid *etree.Element
	switch payload := doc.Payload().(type) {
	case *document.PlainPayload:
		uid = payload.UidData
	case *document.EncryptedPayload:
		err = r.step(models.ActionDataDecrypted, func() (stepReport, error) {
			if strings.TrimSpace(passcode) == "" {
				return stepReport{}, apperrors.ErrDecryption.WithInternal(errors.New("share code is required for encrypted documents"))
			}
			plain, err := decrypt.Open(payload.Ciphertext, payload.SessionKey, passcode)
			if err != nil {
				return stepReport{}, err
			}
			parsed, err := document.ParsePlaintext(plain)
			if err != nil {
				return stepReport{}, err
			}
			uid = parsed
			return stepReport{}, nil
		})
		if err != nil {
			return err
		}
	default:
		return apperrors.ErrXMLParse.WithInternal(fmt.Errorf("unsupported payload %T", payload))
	}

	var rec *demographics.Record
	err = r.step(models.ActionDemographicsExtracted, func() (stepReport, error) {
		extracted, err := demographics.Extract(uid, doc.ReferenceID())
		if err != nil {
			return stepReport{}, err
		}
		rec = extracted
		return extractionReport(rec), nil
	})
	if err != nil {
		return err
	}
	s.acceptRecord(r, rec)

	if !contacts.empty() {
		err = r.step(models.ActionContactHashVerified, func() (stepReport, error) {
			hashes := &ContactHashes{}
			if mobile := strings.TrimSpace(contacts.Mobile); mobile != "" {
				hashes.Mobile = demographics.VerifyContactHash(rec.MobileHash, mobile, passcode)
			}
			if email := strings.TrimSpace(contacts.Email); email != "" {
				hashes.Email = demographics.VerifyContactHash(rec.EmailHash, email, passcode)
			}
			r.result.ContactHashes = hashes
			return contactReport(hashes), nil
		})
		if err != nil {
			return err
		}
	}

	return s.crossValidate(r, profile, rec)
}

func (s *VerificationService) checkTimestamp(doc *document.Document) (bool, string) {
	generated, err := doc.GeneratedAt()
	if err != nil {
		return false, "document generation time is unreadable"
	}
	now := s.now()
	if generated.After(now.Add(TimestampSkew)) {
		return false, "document generation time is in the future"
	}
	if s.trust.MaxDocumentAge > 0 && now.Sub(generated) > s.trust.MaxDocumentAge {
		return false, "document is older than the accepted age"
	}
	return true, ""
}

// acceptRecord stores the extracted record on the run for finalization and the result.
func (s *VerificationService) acceptRecord(r *pipelineRun, rec *demographics.Record) {
	r.fields.Demographics = rec
	r.fields.MaskedIdentifier = rec.MaskedIdentifier()
	r.result.Data = rec
}

func (s *VerificationService) crossValidate(r *pipelineRun, profile crossvalidate.Profile, rec *demographics.Record) error {
	if profile.Empty() {
		return nil
	}
	return r.step(models.ActionCrossValidated, func() (stepReport, error) {
		report := crossvalidate.CompareRecord(profile, rec)
		r.result.CrossValidation = &report
		return stepReport{
			Outcome: outcomeFor(report.OverallMatch, false),
			Metadata: map[string]any{
				"compared":   report.Summary.TotalFieldsCompared,
				"matched":    report.Summary.MatchedFields,
				"percentage": report.Summary.MatchPercentage,
			},
		}, nil
	})
}

func extractionReport(rec *demographics.Record) stepReport {
	return stepReport{Metadata: map[string]any{
		"has_photo":   len(rec.Photo) > 0,
		"has_address": rec.Address != (demographics.Address{}),
		"has_suffix":  rec.LastFourDigits != "",
	}}
}

func contactReport(hashes *ContactHashes) stepReport {
	report := stepReport{Outcome: models.OutcomeSuccess, Metadata: map[string]any{}}
	for channel, check := range map[string]*demographics.HashCheck{"mobile": hashes.Mobile, "email": hashes.Email} {
		if check == nil {
			continue
		}
		report.Metadata[channel] = check.Valid
		if !check.Valid {
			report.Outcome = models.OutcomeWarning
		}
	}
	if len(report.Metadata) == 0 {
		report.Outcome = models.OutcomeWarning
		report.Message = "document carries no hash for the supplied contacts"
	}
	return report
}

// normalizeNumber drops the space and dash separators of the printed 4-4-4 grouping.
// Every other character is kept and fails the format check.
func normalizeNumber(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
}
