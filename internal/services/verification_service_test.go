package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/database/testutil"
	"github.com/charlesng35/offlinekyc/internal/ekyc/crossvalidate"
	ekyctest "github.com/charlesng35/offlinekyc/internal/ekyc/testutil"
	"github.com/charlesng35/offlinekyc/internal/ekyc/signature"
	"github.com/charlesng35/offlinekyc/internal/models"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

type engineFixture struct {
	svc      *VerificationService
	db       *gorm.DB
	identity *ekyctest.SigningIdentity
}

func newEngineFixture(t *testing.T, configure func(*VerificationOptions)) *engineFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	trail, err := NewVerificationTrail(db, newTestSealer(t))
	require.NoError(t, err)

	identity := ekyctest.DefaultSigningIdentity(t)
	_, sha256Hex := signature.Fingerprints(identity.Certificate)
	verifier := signature.NewVerifier(signature.NewPolicyStore(
		signature.NewPolicy([]string{ekyctest.IssuerCN}, []string{sha256Hex}, nil),
	))

	opts := VerificationOptions{Trust: DefaultTrustPolicy(), Timeout: time.Minute}
	if configure != nil {
		configure(&opts)
	}

	svc, err := NewVerificationService(trail, verifier, opts)
	require.NoError(t, err)

	return &engineFixture{svc: svc, db: db, identity: identity}
}

func (f *engineFixture) signedPlain(t *testing.T) []byte {
	t.Helper()
	ref := ekyctest.ReferenceID("2346", time.Now().Add(-time.Hour))
	return f.identity.Sign(t, ekyctest.PlainDocument(ekyctest.DefaultPerson(), ekyctest.Passcode, ref))
}

func (f *engineFixture) signedEncrypted(t *testing.T) []byte {
	t.Helper()
	ref := ekyctest.ReferenceID("2346", time.Now().Add(-time.Hour))
	return f.identity.Sign(t, ekyctest.EncryptedDocument(t, ekyctest.DefaultPerson(), ekyctest.Passcode, ref))
}

func (f *engineFixture) record(t *testing.T, verificationID string) models.VerificationRecord {
	t.Helper()
	var record models.VerificationRecord
	require.NoError(t, f.db.Where("verification_id = ?", verificationID).First(&record).Error)
	return record
}

func (f *engineFixture) actions(t *testing.T, verificationID string) []models.VerificationAction {
	t.Helper()
	record := f.record(t, verificationID)
	var actions []models.VerificationAction
	for _, entry := range loadLogs(t, f.db, &record) {
		actions = append(actions, entry.Action)
	}
	return actions
}

var testCaller = Caller{
	SubjectID:  "user-1",
	Provenance: Provenance{IPAddress: "10.0.0.1", UserAgent: "services-test"},
}

func TestNewVerificationServiceRequiresDependencies(t *testing.T) {
	_, err := NewVerificationService(nil, signature.NewVerifier(signature.NewPolicyStore(signature.Policy{})), VerificationOptions{})
	require.Error(t, err)

	trail, _ := newTestTrail(t)
	_, err = NewVerificationService(trail, nil, VerificationOptions{})
	require.Error(t, err)
}

func TestVerifyXMLPlainDocument(t *testing.T) {
	f := newEngineFixture(t, nil)

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: f.signedPlain(t)})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Error)
	require.Nil(t, result.Error)
	require.Equal(t, "John Doe", result.Data.Name)
	require.Equal(t, "XXXX XXXX 2346", result.MaskedIdentifier)
	require.True(t, *result.SignatureValid)
	require.True(t, *result.CertificateValid)
	require.True(t, *result.TimestampValid)
	require.Nil(t, result.ChecksumValid)

	record := f.record(t, result.VerificationID)
	require.Equal(t, models.StatusSuccess, record.Status)
	require.Equal(t, models.KindXML, record.Kind)
	require.NotEmpty(t, record.Demographics)
	require.NotNil(t, record.VerifiedAt)
	require.Empty(t, record.RawIdentifierSealed)

	require.Equal(t, []models.VerificationAction{
		models.ActionVerificationStarted,
		models.ActionXMLParsed,
		models.ActionSignatureStructureChecked,
		models.ActionCertificateValidated,
		models.ActionSignatureVerified,
		models.ActionTimestampChecked,
		models.ActionDemographicsExtracted,
		models.ActionVerificationCompleted,
	}, f.actions(t, result.VerificationID))
}

func TestVerifyXMLEncryptedRoundTrip(t *testing.T) {
	f := newEngineFixture(t, nil)
	person := ekyctest.DefaultPerson()

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{
		Caller:    testCaller,
		XML:       f.signedEncrypted(t),
		ShareCode: ekyctest.Passcode,
		Contacts:  Contacts{Mobile: person.Mobile, Email: "someone.else@example.com"},
	})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Error)
	require.Equal(t, person.Name, result.Data.Name)
	require.Equal(t, person.Pincode, result.Data.Address.Pincode)

	require.NotNil(t, result.ContactHashes)
	require.True(t, result.ContactHashes.Mobile.Valid)
	require.False(t, result.ContactHashes.Email.Valid)

	actions := f.actions(t, result.VerificationID)
	require.Contains(t, actions, models.ActionDataDecrypted)
	require.Contains(t, actions, models.ActionContactHashVerified)
}

func TestVerifyXMLEncryptedWrongShareCode(t *testing.T) {
	f := newEngineFixture(t, nil)

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{
		Caller:    testCaller,
		XML:       f.signedEncrypted(t),
		ShareCode: "9999",
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrDecryption.Code, result.Error.Code)
	require.Nil(t, result.Data)

	record := f.record(t, result.VerificationID)
	require.Equal(t, models.StatusFailed, record.Status)
	require.Empty(t, record.Demographics)
	require.NotNil(t, record.ErrorMessage)
	require.Equal(t, apperrors.ErrDecryption.Message, *record.ErrorMessage)
}

func TestVerifyXMLTamperedDocumentRejected(t *testing.T) {
	f := newEngineFixture(t, nil)
	tampered := bytes.Replace(f.signedPlain(t), []byte(`name="John Doe"`), []byte(`name="Jane Doe"`), 1)

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: tampered})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrSignatureRejected.Code, result.Error.Code)
	require.False(t, *result.SignatureValid)
	require.True(t, *result.CertificateValid)

	record := f.record(t, result.VerificationID)
	require.Equal(t, models.StatusFailed, record.Status)
	require.NotNil(t, record.SignatureValid)
	require.False(t, *record.SignatureValid)

	actions := f.actions(t, result.VerificationID)
	require.Equal(t, models.ActionVerificationFailed, actions[len(actions)-1])
	require.NotContains(t, actions, models.ActionDemographicsExtracted)
}

func TestVerifyXMLTamperedDocumentAllowedByPolicy(t *testing.T) {
	f := newEngineFixture(t, func(opts *VerificationOptions) {
		opts.Trust.RequireValidSignature = false
	})
	tampered := bytes.Replace(f.signedPlain(t), []byte(`name="John Doe"`), []byte(`name="Jane Doe"`), 1)

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: tampered})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, *result.SignatureValid)
	require.Equal(t, "Jane Doe", result.Data.Name)

	record := f.record(t, result.VerificationID)
	var outcome models.LogOutcome
	for _, entry := range loadLogs(t, f.db, &record) {
		if entry.Action == models.ActionSignatureVerified {
			outcome = entry.Outcome
		}
	}
	require.Equal(t, models.OutcomeWarning, outcome)
}

func TestVerifyXMLUnsignedDocumentIsStructureError(t *testing.T) {
	f := newEngineFixture(t, nil)
	ref := ekyctest.ReferenceID("2346", time.Now())
	raw, err := ekyctest.PlainDocument(ekyctest.DefaultPerson(), ekyctest.Passcode, ref).WriteToBytes()
	require.NoError(t, err)

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: raw})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrSignatureStructure.Code, result.Error.Code)
}

func TestVerifyXMLStructureViolationIsLogged(t *testing.T) {
	f := newEngineFixture(t, nil)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(f.signedPlain(t)))
	root := doc.Root()
	for _, child := range root.ChildElements() {
		if child.Tag == "Signature" {
			root.SelectElement("UidData").AddChild(child.Copy())
			break
		}
	}
	raw, err := doc.WriteToBytes()
	require.NoError(t, err)

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: raw})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrSignatureStructure.Code, result.Error.Code)
	require.Equal(t, apperrors.ErrSignatureStructure.Message, result.Error.Message)

	record := f.record(t, result.VerificationID)
	var entry *models.VerificationLog
	logs := loadLogs(t, f.db, &record)
	for i := range logs {
		if logs[i].Action == models.ActionSignatureStructureChecked {
			entry = &logs[i]
		}
	}
	require.NotNil(t, entry)
	require.Equal(t, models.OutcomeFailed, entry.Outcome)
	require.Contains(t, entry.Message, "2 signatures")
	require.Contains(t, string(entry.Metadata), "expected exactly one")
}

func TestVerifyXMLMalformedDocument(t *testing.T) {
	f := newEngineFixture(t, nil)

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: []byte("<OfflinePaperlessKyc>")})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrXMLParse.Code, result.Error.Code)
}

func TestVerifyXMLUntrustedIssuer(t *testing.T) {
	f := newEngineFixture(t, nil)
	stranger := ekyctest.NewSigningIdentity(t, "Someone Else", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	raw := stranger.Sign(t, ekyctest.PlainDocument(ekyctest.DefaultPerson(), ekyctest.Passcode, ekyctest.ReferenceID("2346", time.Now())))

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: raw})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrSignatureRejected.Code, result.Error.Code)
	require.True(t, *result.SignatureValid)
	require.False(t, *result.CertificateValid)
}

func TestVerifyXMLUnknownFingerprintIsWarning(t *testing.T) {
	f := newEngineFixture(t, nil)
	other := ekyctest.NewSigningIdentity(t, ekyctest.IssuerCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	raw := other.Sign(t, ekyctest.PlainDocument(ekyctest.DefaultPerson(), ekyctest.Passcode, ekyctest.ReferenceID("2346", time.Now())))

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: raw})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Error)
	require.True(t, *result.CertificateValid)

	strict := newEngineFixture(t, func(opts *VerificationOptions) {
		opts.Trust.RequireKnownFingerprint = true
	})
	result, err = strict.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: raw})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.False(t, *result.CertificateValid)
	require.Equal(t, apperrors.ErrSignatureRejected.Code, result.Error.Code)
}

func TestVerifyXMLStaleDocumentTimestampWarning(t *testing.T) {
	f := newEngineFixture(t, func(opts *VerificationOptions) {
		opts.Trust.MaxDocumentAge = 24 * time.Hour
	})
	ref := ekyctest.ReferenceID("2346", time.Now().Add(-72*time.Hour))
	raw := f.identity.Sign(t, ekyctest.PlainDocument(ekyctest.DefaultPerson(), ekyctest.Passcode, ref))

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: raw})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, *result.TimestampValid)
}

func TestVerifyXMLRejectsOversizeInput(t *testing.T) {
	f := newEngineFixture(t, func(opts *VerificationOptions) {
		opts.Limits.MaxXMLBytes = 64
	})

	_, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: f.signedPlain(t)})
	require.True(t, apperrors.IsCode(err, apperrors.ErrPayloadTooLarge))

	_, err = f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller})
	require.True(t, apperrors.IsCode(err, apperrors.ErrValidation))
}

func TestVerifyArchive(t *testing.T) {
	f := newEngineFixture(t, nil)
	archive := ekyctest.Archive(t, ekyctest.Passcode, ekyctest.File{Name: "offlineaadhaar.xml", Data: f.signedPlain(t)})

	result, err := f.svc.VerifyArchive(context.Background(), ArchiveInput{
		Caller:    testCaller,
		Archive:   archive,
		ShareCode: ekyctest.Passcode,
		Profile:   crossvalidate.Profile{Name: "john  doe", Gender: "Male"},
	})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Error)
	require.Equal(t, "XXXX XXXX 2346", result.MaskedIdentifier)
	require.NotNil(t, result.CrossValidation)
	require.True(t, result.CrossValidation.OverallMatch)

	actions := f.actions(t, result.VerificationID)
	require.Equal(t, models.ActionContainerExtracted, actions[1])
	require.Contains(t, actions, models.ActionCrossValidated)
	require.Equal(t, models.KindArchive, f.record(t, result.VerificationID).Kind)
}

func TestVerifyArchiveWrongShareCode(t *testing.T) {
	f := newEngineFixture(t, nil)
	archive := ekyctest.Archive(t, ekyctest.Passcode, ekyctest.File{Name: "offlineaadhaar.xml", Data: f.signedPlain(t)})

	result, err := f.svc.VerifyArchive(context.Background(), ArchiveInput{
		Caller:    testCaller,
		Archive:   archive,
		ShareCode: "0000",
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrArchiveExtraction.Code, result.Error.Code)
	require.Equal(t, models.StatusFailed, f.record(t, result.VerificationID).Status)
}

func TestVerifyArchiveAccompanyingCertificate(t *testing.T) {
	f := newEngineFixture(t, nil)
	ref := ekyctest.ReferenceID("2346", time.Now().Add(-time.Hour))
	signed := f.identity.SignWithoutKeyInfo(t, ekyctest.PlainDocument(ekyctest.DefaultPerson(), ekyctest.Passcode, ref))
	archive := ekyctest.Archive(t, ekyctest.Passcode,
		ekyctest.File{Name: "offlineaadhaar.xml", Data: signed},
		ekyctest.File{Name: "signer.cer", Data: f.identity.PEM(), Plain: true},
	)

	result, err := f.svc.VerifyArchive(context.Background(), ArchiveInput{
		Caller:    testCaller,
		Archive:   archive,
		ShareCode: ekyctest.Passcode,
	})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Error)
	require.True(t, *result.SignatureValid)

	record := f.record(t, result.VerificationID)
	for _, entry := range loadLogs(t, f.db, &record) {
		if entry.Action == models.ActionCertificateValidated {
			require.Contains(t, string(entry.Metadata), signature.SourceAccompanying)
		}
	}
}

func TestVerifyArchiveRequiresShareCode(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.svc.VerifyArchive(context.Background(), ArchiveInput{Caller: testCaller, Archive: []byte("PK")})
	require.True(t, apperrors.IsCode(err, apperrors.ErrValidation))
}

func TestVerifyQR(t *testing.T) {
	f := newEngineFixture(t, nil)
	person := ekyctest.DefaultPerson()
	fields := ekyctest.QRFields(person, ekyctest.ReferenceID("2346", time.Now()), "2346")
	image := ekyctest.QRImage(t, ekyctest.QRPayload(fields))

	result, err := f.svc.VerifyQR(context.Background(), QRInput{
		Caller:  testCaller,
		Image:   image,
		Profile: crossvalidate.Profile{Name: "Jane Doe", DateOfBirth: person.DateOfBirth},
	})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Error)
	require.True(t, *result.ChecksumValid)
	require.Nil(t, result.SignatureValid)
	require.Equal(t, person.Name, result.Data.Name)
	require.Equal(t, "XXXX XXXX 2346", result.MaskedIdentifier)

	require.NotNil(t, result.CrossValidation)
	require.False(t, result.CrossValidation.OverallMatch)
	require.Equal(t, 2, result.CrossValidation.Summary.TotalFieldsCompared)
	require.Equal(t, 1, result.CrossValidation.Summary.MatchedFields)

	require.Equal(t, []models.VerificationAction{
		models.ActionVerificationStarted,
		models.ActionQRDecoded,
		models.ActionChecksumVerified,
		models.ActionDemographicsExtracted,
		models.ActionCrossValidated,
		models.ActionVerificationCompleted,
	}, f.actions(t, result.VerificationID))
}

func TestVerifyQRAlteredFieldFailsChecksum(t *testing.T) {
	f := newEngineFixture(t, nil)
	fields := ekyctest.QRFields(ekyctest.DefaultPerson(), ekyctest.ReferenceID("2346", time.Now()), "2346")
	payload := ekyctest.QRPayload(fields)
	altered := bytes.Replace([]byte(payload), []byte("John Doe"), []byte("Jane Doe"), 1)

	result, err := f.svc.VerifyQR(context.Background(), QRInput{Caller: testCaller, Image: ekyctest.QRImage(t, string(altered))})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.False(t, *result.ChecksumValid)
	require.Equal(t, apperrors.ErrQRDecode.Code, result.Error.Code)

	record := f.record(t, result.VerificationID)
	require.NotNil(t, record.ChecksumValid)
	require.False(t, *record.ChecksumValid)
}

func TestVerifyQRWithoutCode(t *testing.T) {
	f := newEngineFixture(t, nil)

	result, err := f.svc.VerifyQR(context.Background(), QRInput{Caller: testCaller, Image: []byte("not an image")})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrQRDecode.Code, result.Error.Code)
}

func TestValidateNumber(t *testing.T) {
	f := newEngineFixture(t, nil)

	result, err := f.svc.ValidateNumber(context.Background(), NumberInput{Caller: testCaller, Number: "2341 2341 2346"})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Error)
	require.True(t, *result.ChecksumValid)
	require.Equal(t, "XXXX XXXX 2346", result.MaskedIdentifier)

	record := f.record(t, result.VerificationID)
	require.NotEmpty(t, record.RawIdentifierSealed)
	opened, err := newTestSealer(t).Open(record.RawIdentifierSealed)
	require.NoError(t, err)
	require.Equal(t, "234123412346", opened)

	require.Equal(t, []models.VerificationAction{
		models.ActionVerificationStarted,
		models.ActionNumberValidated,
		models.ActionChecksumVerified,
		models.ActionVerificationCompleted,
	}, f.actions(t, result.VerificationID))
}

func TestValidateNumberChecksumFailure(t *testing.T) {
	f := newEngineFixture(t, nil)

	result, err := f.svc.ValidateNumber(context.Background(), NumberInput{Caller: testCaller, Number: "234123412345"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.False(t, *result.ChecksumValid)
	require.Equal(t, apperrors.ErrValidation.Code, result.Error.Code)

	record := f.record(t, result.VerificationID)
	require.Equal(t, models.StatusFailed, record.Status)
	require.Equal(t, "XXXX XXXX 2345", record.MaskedIdentifier)
}

func TestValidateNumberRejectsTrivialAndMalformed(t *testing.T) {
	f := newEngineFixture(t, nil)

	for _, number := range []string{"000000000000", "111111111111"} {
		result, err := f.svc.ValidateNumber(context.Background(), NumberInput{Caller: testCaller, Number: number})
		require.NoError(t, err)
		require.False(t, result.Success, number)
	}

	for _, number := range []string{"2341.2341.2346", "२३४१२३४१२३४६", "2341 2341 23461"} {
		result, err := f.svc.ValidateNumber(context.Background(), NumberInput{Caller: testCaller, Number: number})
		require.NoError(t, err)
		require.False(t, result.Success, number)
		require.Nil(t, result.ChecksumValid, number)
	}

	dashed, err := f.svc.ValidateNumber(context.Background(), NumberInput{Caller: testCaller, Number: "2341-2341-2346"})
	require.NoError(t, err)
	require.True(t, dashed.Success, "%+v", dashed.Error)

	result, err := f.svc.ValidateNumber(context.Background(), NumberInput{Caller: testCaller, Number: "12AB"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrValidation.Code, result.Error.Code)
	require.Nil(t, result.ChecksumValid)
	require.Empty(t, f.record(t, result.VerificationID).RawIdentifierSealed)

	_, err = f.svc.ValidateNumber(context.Background(), NumberInput{Caller: testCaller, Number: "  "})
	require.True(t, apperrors.IsCode(err, apperrors.ErrValidation))
}

func TestVerificationTimeout(t *testing.T) {
	f := newEngineFixture(t, func(opts *VerificationOptions) {
		opts.Timeout = time.Nanosecond
	})

	result, err := f.svc.VerifyXML(context.Background(), XMLInput{Caller: testCaller, XML: f.signedPlain(t)})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperrors.ErrVerificationTimeout.Code, result.Error.Code)

	record := f.record(t, result.VerificationID)
	require.Equal(t, models.StatusFailed, record.Status)
	require.Equal(t, apperrors.ErrVerificationTimeout.Message, *record.ErrorMessage)
}

func TestPipelineStepRecoversPanics(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	record, err := f.svc.trail.Begin(ctx, models.KindXML, "user-1", Provenance{})
	require.NoError(t, err)
	run := f.svc.newRun(ctx, record)

	err = run.step(models.ActionXMLParsed, func() (stepReport, error) {
		panic("boom")
	})
	require.True(t, apperrors.IsCode(err, apperrors.ErrInternalServer))

	result, err := run.finish(err)
	require.NoError(t, err)
	require.False(t, result.Success)

	logs := loadLogs(t, f.db, record)
	require.Len(t, logs, 3)
	require.Equal(t, models.OutcomeFailed, logs[1].Outcome)
	require.Equal(t, apperrors.ErrInternalServer.Message, logs[1].Message)
	require.NotContains(t, logs[1].Message, "boom")
}
