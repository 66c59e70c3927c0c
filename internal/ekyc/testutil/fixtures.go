// Package testutil builds signed, encrypted and archived identity documents for tests.
package testutil

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/stretchr/testify/require"
	"github.com/yeka/zip"

	"github.com/charlesng35/offlinekyc/internal/ekyc/checksum"
	"github.com/charlesng35/offlinekyc/internal/ekyc/decrypt"
	"github.com/charlesng35/offlinekyc/pkg/crypto"
)

// Passcode is the share code used by default fixtures.
const Passcode = "1234"

// IssuerCN is the common name of the default signing identity.
const IssuerCN = "Offline KYC Test Signing Authority"

// Person describes the demographic content of a fixture document.
type Person struct {
	Name        string
	DateOfBirth string
	Gender      string
	CareOf      string
	House       string
	Street      string
	Landmark    string
	Locality    string
	VTC         string
	PostOffice  string
	SubDistrict string
	District    string
	State       string
	Country     string
	Pincode     string
	Mobile      string
	Email       string
	Photo       []byte
}

// DefaultPerson returns the demographic fixture used across packages.
func DefaultPerson() Person {
	return Person{
		Name:        "John Doe",
		DateOfBirth: "01-01-1990",
		Gender:      "M",
		CareOf:      "S/O Richard Doe",
		House:       "12",
		Street:      "MG Road",
		Landmark:    "Near Park",
		Locality:    "Kothrud",
		VTC:         "Pune",
		PostOffice:  "Kothrud",
		SubDistrict: "Haveli",
		District:    "Pune",
		State:       "Maharashtra",
		Country:     "India",
		Pincode:     "411038",
		Mobile:      "9876543210",
		Email:       "john.doe@example.com",
		Photo:       []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10},
	}
}

// ReferenceID builds a reference id from the identifier suffix and generation time.
func ReferenceID(last4 string, at time.Time) string {
	ist := time.FixedZone("IST", 5*60*60+30*60)
	at = at.In(ist)
	return last4 + at.Format("20060102150405") + strings.TrimPrefix(at.Format(".000"), ".")
}

// ContactHash returns the stored hash of a contact value for passcode.
func ContactHash(value, passcode string) string {
	return crypto.SHA256Hex([]byte(value), []byte(passcode))
}

// UidData builds the demographic element, hashing contacts with passcode.
func UidData(p Person, passcode string) *etree.Element {
	uid := etree.NewElement("UidData")

	poi := uid.CreateElement("Poi")
	poi.CreateAttr("dob", p.DateOfBirth)
	if p.Email != "" {
		poi.CreateAttr("e", ContactHash(p.Email, passcode))
	}
	poi.CreateAttr("gender", p.Gender)
	if p.Mobile != "" {
		poi.CreateAttr("m", ContactHash(p.Mobile, passcode))
	}
	poi.CreateAttr("name", p.Name)

	poa := uid.CreateElement("Poa")
	poa.CreateAttr("careof", p.CareOf)
	poa.CreateAttr("country", p.Country)
	poa.CreateAttr("dist", p.District)
	poa.CreateAttr("house", p.House)
	poa.CreateAttr("landmark", p.Landmark)
	poa.CreateAttr("loc", p.Locality)
	poa.CreateAttr("pc", p.Pincode)
	poa.CreateAttr("po", p.PostOffice)
	poa.CreateAttr("state", p.State)
	poa.CreateAttr("street", p.Street)
	poa.CreateAttr("subdist", p.SubDistrict)
	poa.CreateAttr("vtc", p.VTC)

	if len(p.Photo) > 0 {
		uid.CreateElement("Pht").SetText(base64.StdEncoding.EncodeToString(p.Photo))
	}
	return uid
}

// PlainDocument builds an unsigned document carrying UidData in clear.
func PlainDocument(p Person, passcode, referenceID string) *etree.Document {
	doc := etree.NewDocument()
	root := doc.CreateElement("OfflinePaperlessKyc")
	root.CreateAttr("referenceId", referenceID)
	root.AddChild(UidData(p, passcode))
	return doc
}

// EncryptedDocument builds an unsigned document whose UidData is sealed with passcode.
func EncryptedDocument(t testing.TB, p Person, passcode, referenceID string) *etree.Document {
	t.Helper()

	inner := etree.NewDocument()
	inner.SetRoot(UidData(p, passcode))
	plaintext, err := inner.WriteToBytes()
	require.NoError(t, err)

	sessionKey := make([]byte, 32)
	_, err = io.ReadFull(rand.Reader, sessionKey)
	require.NoError(t, err)

	blob, err := decrypt.Seal(plaintext, sessionKey, passcode)
	require.NoError(t, err)

	doc := etree.NewDocument()
	root := doc.CreateElement("OfflinePaperlessKyc")
	root.CreateAttr("referenceId", referenceID)
	root.CreateElement("EncData").SetText(blob)
	root.CreateElement("Skey").SetText(base64.StdEncoding.EncodeToString(sessionKey))
	return doc
}

// SigningIdentity is a self-signed RSA certificate and its key.
type SigningIdentity struct {
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
	DER         []byte
}

// NewSigningIdentity creates a self-signed identity whose subject and issuer CN are commonName.
func NewSigningIdentity(t testing.TB, commonName string, notBefore, notAfter time.Time) *SigningIdentity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Offline KYC Tests"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &SigningIdentity{Key: key, Certificate: cert, DER: der}
}

// DefaultSigningIdentity is valid for a year around now and issued by IssuerCN.
func DefaultSigningIdentity(t testing.TB) *SigningIdentity {
	now := time.Now()
	return NewSigningIdentity(t, IssuerCN, now.Add(-24*time.Hour), now.Add(365*24*time.Hour))
}

// PEM encodes the certificate as a PEM block.
func (s *SigningIdentity) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.DER})
}

// Sign appends an enveloped signature carrying the certificate in KeyInfo.
func (s *SigningIdentity) Sign(t testing.TB, doc *etree.Document) []byte {
	t.Helper()
	return s.sign(t, doc, true)
}

// SignWithoutKeyInfo signs like Sign and then drops KeyInfo, leaving the certificate to be supplied separately.
func (s *SigningIdentity) SignWithoutKeyInfo(t testing.TB, doc *etree.Document) []byte {
	t.Helper()
	return s.sign(t, doc, false)
}

func (s *SigningIdentity) sign(t testing.TB, doc *etree.Document, keyInfo bool) []byte {
	t.Helper()

	ctx, err := dsig.NewSigningContext(s.Key, [][]byte{s.DER})
	require.NoError(t, err)

	signed, err := ctx.SignEnveloped(doc.Root())
	require.NoError(t, err)

	if !keyInfo {
		for _, sig := range signed.ChildElements() {
			if sig.Tag != dsig.SignatureTag {
				continue
			}
			for _, child := range sig.ChildElements() {
				if child.Tag == dsig.KeyInfoTag {
					sig.RemoveChild(child)
				}
			}
		}
	}

	out := etree.NewDocument()
	out.SetRoot(signed)
	raw, err := out.WriteToBytes()
	require.NoError(t, err)
	return raw
}

// File is a member of a fixture archive. Plain members are stored without encryption.
type File struct {
	Name  string
	Data  []byte
	Plain bool
}

// Archive writes files into a ZIP protected with traditional ZipCrypto under password.
func Archive(t testing.TB, password string, files ...File) []byte {
	t.Helper()
	return ArchiveWith(t, password, zip.StandardEncryption, files...)
}

// ArchiveWith writes files into a ZIP using the given encryption method.
func ArchiveWith(t testing.TB, password string, method zip.EncryptionMethod, files ...File) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, f := range files {
		var (
			fw  io.Writer
			err error
		)
		if password == "" || f.Plain {
			fw, err = w.Create(f.Name)
		} else {
			fw, err = w.Encrypt(f.Name, password, method)
		}
		require.NoError(t, err)
		_, err = fw.Write(f.Data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// QRFields returns the twelve positional QR fields for p.
func QRFields(p Person, referenceID, last4 string) []string {
	return []string{
		referenceID,
		p.Name,
		p.DateOfBirth,
		p.Gender,
		p.CareOf,
		p.District,
		p.Landmark,
		p.House,
		p.Locality,
		p.Pincode,
		p.State,
		last4,
	}
}

// QRPayload joins fields with commas and appends their checksum.
func QRPayload(fields []string) string {
	return strings.Join(append(append([]string(nil), fields...), checksum.QRChecksum(fields)), ",")
}

// QRImage renders content as a PNG QR code.
func QRImage(t testing.TB, content string) []byte {
	t.Helper()

	png, err := qrcode.Encode(content, qrcode.Medium, 512)
	require.NoError(t, err)
	return png
}
