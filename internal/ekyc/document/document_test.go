package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/offlinekyc/internal/ekyc/testutil"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

func TestParsePlainDocument(t *testing.T) {
	ref := testutil.ReferenceID("1234", time.Now())
	raw, err := testutil.PlainDocument(testutil.DefaultPerson(), testutil.Passcode, ref).WriteToBytes()
	require.NoError(t, err)

	doc, err := Parse(raw)
	require.NoError(t, err)
	require.False(t, doc.Encrypted())
	require.Equal(t, ref, doc.ReferenceID())
	require.Equal(t, raw, doc.Raw())
	require.Equal(t, RootOfflinePaperlessKyc, doc.Root().Tag)

	plain, ok := doc.Payload().(*PlainPayload)
	require.True(t, ok)
	require.Equal(t, "John Doe", plain.UidData.SelectElement("Poi").SelectAttrValue("name", ""))
}

func TestParseEncryptedDocument(t *testing.T) {
	ref := testutil.ReferenceID("1234", time.Now())
	raw, err := testutil.EncryptedDocument(t, testutil.DefaultPerson(), testutil.Passcode, ref).WriteToBytes()
	require.NoError(t, err)

	doc, err := Parse(raw)
	require.NoError(t, err)
	require.True(t, doc.Encrypted())

	enc, ok := doc.Payload().(*EncryptedPayload)
	require.True(t, ok)
	require.NotEmpty(t, enc.Ciphertext)
	require.NotEmpty(t, enc.SessionKey)
}

func TestParseAcceptsAlternateTags(t *testing.T) {
	raw := []byte(`<OfflineKyc referenceId="x"><EncryptedData>
QUJD
REVG</EncryptedData><SessionKey>a2V5</SessionKey></OfflineKyc>`)

	doc, err := Parse(raw)
	require.NoError(t, err)
	enc := doc.Payload().(*EncryptedPayload)
	require.Equal(t, "QUJDREVG", enc.Ciphertext)
	require.Equal(t, "a2V5", enc.SessionKey)

	doc, err = Parse([]byte(`<KycRes><UidData><Poi name="A"/></UidData></KycRes>`))
	require.NoError(t, err)
	require.False(t, doc.Encrypted())
}

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"empty":              "   ",
		"not xml":            "<<<not xml",
		"unclosed":           `<OfflinePaperlessKyc referenceId="1"><UidData>`,
		"unknown root":       `<Invoice><UidData/></Invoice>`,
		"no payload":         `<OfflinePaperlessKyc referenceId="1"><Other/></OfflinePaperlessKyc>`,
		"missing session":    `<OfflinePaperlessKyc><EncData>QUJD</EncData></OfflinePaperlessKyc>`,
		"doctype":            `<!DOCTYPE OfflinePaperlessKyc [<!ENTITY x "y">]><OfflinePaperlessKyc><UidData/></OfflinePaperlessKyc>`,
		"trailing junk only": "just text",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			require.True(t, apperrors.IsCode(err, apperrors.ErrXMLParse), "got %v", err)
		})
	}
}

func TestParsePlaintext(t *testing.T) {
	uid, err := ParsePlaintext([]byte(`<UidData><Poi name="A"/></UidData>`))
	require.NoError(t, err)
	require.Equal(t, UidDataTag, uid.Tag)

	uid, err = ParsePlaintext([]byte(`<OfflinePaperlessKyc><UidData><Poi name="B"/></UidData></OfflinePaperlessKyc>`))
	require.NoError(t, err)
	require.Equal(t, "B", uid.SelectElement("Poi").SelectAttrValue("name", ""))

	_, err = ParsePlaintext([]byte(`<Nothing/>`))
	require.True(t, apperrors.IsCode(err, apperrors.ErrXMLParse))

	_, err = ParsePlaintext([]byte(`garbage`))
	require.True(t, apperrors.IsCode(err, apperrors.ErrXMLParse))
}
