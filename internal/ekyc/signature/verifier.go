// Package signature verifies enveloped XML signatures on identity documents and the certificates behind them.
package signature

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/charlesng35/offlinekyc/internal/ekyc/document"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

// Verdict is the outcome of a single check. Negative verdicts are values, not errors.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Report bundles the certificate and cryptographic verdicts.
type Report struct {
	Signature   Verdict            `json:"signature"`
	Certificate CertificateVerdict `json:"certificate"`
}

// Verifier checks signature structure, certificate policy and the signature value.
type Verifier struct {
	policy *PolicyStore
	now    func() time.Time
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithClock overrides the verification time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a verifier reading its trust policy from store.
func NewVerifier(store *PolicyStore, opts ...Option) *Verifier {
	if store == nil {
		store = NewPolicyStore(Policy{})
	}
	v := &Verifier{policy: store, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var identifierAttrs = map[string]struct{}{"ID": {}, "Id": {}, "id": {}}

// CheckStructure enforces a single signature placed directly under the data element and
// unique identifier attributes across the tree. It returns the signature element.
func (v *Verifier) CheckStructure(doc *document.Document) (*etree.Element, error) {
	root := doc.Root()

	var signatures []*etree.Element
	seen := make(map[string]struct{})
	var duplicate string

	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		if el.Tag == dsig.SignatureTag && el.NamespaceURI() == dsig.Namespace {
			signatures = append(signatures, el)
		}
		for _, attr := range el.Attr {
			if !isIdentifierAttr(attr) {
				continue
			}
			if _, dup := seen[attr.Value]; dup && duplicate == "" {
				duplicate = attr.Value
			}
			seen[attr.Value] = struct{}{}
		}
		for _, child := range el.ChildElements() {
			walk(child)
		}
	}
	walk(root)

	switch {
	case len(signatures) == 0:
		return nil, apperrors.ErrSignatureStructure.WithInternal(errors.New("document is not signed"))
	case len(signatures) > 1:
		return nil, apperrors.ErrSignatureStructure.WithInternal(
			fmt.Errorf("document carries %d signatures, expected exactly one", len(signatures)))
	}

	sig := signatures[0]
	if sig.Parent() != root {
		return nil, apperrors.ErrSignatureStructure.WithInternal(errors.New("signature is not a direct child of the data element"))
	}
	if duplicate != "" {
		return nil, apperrors.ErrSignatureStructure.WithInternal(fmt.Errorf("identifier %q is used more than once", duplicate))
	}
	return sig, nil
}

func isIdentifierAttr(attr etree.Attr) bool {
	if attr.Space == "xml" {
		return attr.Key == "id"
	}
	if attr.Space != "" {
		return false
	}
	_, ok := identifierAttrs[attr.Key]
	return ok
}

// CheckCertificate resolves the signing certificate from KeyInfo, then accompanying
// certificates, then the configured ones, and evaluates it against the policy.
// The returned certificate is nil when none could be resolved.
func (v *Verifier) CheckCertificate(sig *etree.Element, accompanying []*x509.Certificate) (*x509.Certificate, CertificateVerdict) {
	policy := v.policy.Load()

	cert, err := keyInfoCertificate(sig)
	if err != nil {
		return nil, CertificateVerdict{
			Source:  SourceKeyInfo,
			Verdict: Verdict{Reason: "KeyInfo certificate is unreadable: " + err.Error()},
		}
	}
	source := SourceKeyInfo
	if cert == nil && len(accompanying) > 0 {
		cert, source = accompanying[0], SourceAccompanying
	}
	if cert == nil && len(policy.Certificates) > 0 {
		cert, source = policy.Certificates[0], SourceConfigured
	}
	if cert == nil {
		return nil, CertificateVerdict{Verdict: Verdict{Reason: "no signing certificate available"}}
	}
	return cert, evaluateCertificate(cert, source, policy, v.now())
}

// CheckSignature verifies the enveloped signature with the public key of cert.
// The validity window is judged by CheckCertificate, so the check runs at a time
// clamped into the certificate window.
func (v *Verifier) CheckSignature(doc *document.Document, cert *x509.Certificate) Verdict {
	if cert == nil {
		return Verdict{Reason: "no certificate to verify the signature with"}
	}

	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	ctx.Clock = dsig.NewFakeClockAt(clampToWindow(v.now(), cert))

	if _, err := ctx.Validate(validationRoot(doc.Root())); err != nil {
		return Verdict{Reason: "signature does not verify: " + err.Error()}
	}
	return Verdict{Valid: true}
}

// Verify runs every check in order. Only structural violations are returned as errors.
func (v *Verifier) Verify(doc *document.Document, accompanying []*x509.Certificate) (Report, error) {
	sig, err := v.CheckStructure(doc)
	if err != nil {
		return Report{}, err
	}
	cert, certVerdict := v.CheckCertificate(sig, accompanying)
	return Report{
		Certificate: certVerdict,
		Signature:   v.CheckSignature(doc, cert),
	}, nil
}

// validationRoot returns the tree handed to the signature validator. A KeyInfo without an
// X509Certificate is dropped from a copy so the resolved certificate is used instead.
func validationRoot(root *etree.Element) *etree.Element {
	for i, sig := range root.ChildElements() {
		if sig.Tag != dsig.SignatureTag || sig.NamespaceURI() != dsig.Namespace {
			continue
		}
		if cert, err := keyInfoCertificate(sig); err != nil || cert != nil {
			return root
		}
		for j, child := range sig.ChildElements() {
			if child.Tag != dsig.KeyInfoTag || child.NamespaceURI() != dsig.Namespace {
				continue
			}
			cpy := root.Copy()
			cpySig := cpy.ChildElements()[i]
			cpySig.RemoveChild(cpySig.ChildElements()[j])
			return cpy
		}
		return root
	}
	return root
}

func clampToWindow(at time.Time, cert *x509.Certificate) time.Time {
	if at.Before(cert.NotBefore) {
		return cert.NotBefore
	}
	if at.After(cert.NotAfter) {
		return cert.NotAfter
	}
	return at
}
