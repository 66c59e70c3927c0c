package signature

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// Certificate sources, in order of preference.
const (
	SourceKeyInfo      = "keyinfo"
	SourceAccompanying = "accompanying"
	SourceConfigured   = "configured"
)

// CertificateVerdict describes the signing certificate and how it fared against the policy.
type CertificateVerdict struct {
	Verdict
	Source           string    `json:"source,omitempty"`
	Subject          string    `json:"subject,omitempty"`
	Issuer           string    `json:"issuer,omitempty"`
	NotBefore        time.Time `json:"not_before"`
	NotAfter         time.Time `json:"not_after"`
	WithinValidity   bool      `json:"within_validity"`
	IssuerTrusted    bool      `json:"issuer_trusted"`
	FingerprintKnown bool      `json:"fingerprint_known"`
	SHA1             string    `json:"sha1,omitempty"`
	SHA256           string    `json:"sha256,omitempty"`
}

// Fingerprints returns the lowercase hex SHA-1 and SHA-256 digests of the certificate.
func Fingerprints(cert *x509.Certificate) (string, string) {
	s1 := sha1.Sum(cert.Raw)
	s256 := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(s1[:]), hex.EncodeToString(s256[:])
}

// keyInfoCertificate returns the first X509Certificate carried by the signature, if any.
func keyInfoCertificate(sig *etree.Element) (*x509.Certificate, error) {
	for _, el := range sig.FindElements(".//" + dsig.X509CertificateTag) {
		if el.NamespaceURI() != dsig.Namespace {
			continue
		}
		data := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, el.Text())
		if data == "" {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, err
		}
		return x509.ParseCertificate(der)
	}
	return nil, nil
}

func evaluateCertificate(cert *x509.Certificate, source string, policy Policy, at time.Time) CertificateVerdict {
	sha1Hex, sha256Hex := Fingerprints(cert)
	verdict := CertificateVerdict{
		Source:           source,
		Subject:          cert.Subject.CommonName,
		Issuer:           cert.Issuer.CommonName,
		NotBefore:        cert.NotBefore,
		NotAfter:         cert.NotAfter,
		WithinValidity:   !at.Before(cert.NotBefore) && !at.After(cert.NotAfter),
		IssuerTrusted:    policy.issuerTrusted(cert.Issuer.CommonName),
		FingerprintKnown: policy.fingerprintKnown(sha1Hex, sha256Hex),
		SHA1:             sha1Hex,
		SHA256:           sha256Hex,
	}

	var reasons []string
	if !verdict.WithinValidity {
		reasons = append(reasons, "certificate is outside its validity window")
	}
	if !verdict.IssuerTrusted {
		if len(policy.IssuerNames) == 0 {
			reasons = append(reasons, "no trusted issuer is configured")
		} else {
			reasons = append(reasons, "certificate issuer is not trusted")
		}
	}
	verdict.Valid = len(reasons) == 0
	if !verdict.FingerprintKnown {
		reasons = append(reasons, "certificate fingerprint is not in the allow-list")
	}
	verdict.Reason = strings.Join(reasons, "; ")
	return verdict
}
