package signature

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// Policy is the certificate trust configuration applied to every verification.
type Policy struct {
	// IssuerNames lists the accepted issuer common names, compared case-insensitively.
	IssuerNames []string
	// Fingerprints lists known SHA-1 or SHA-256 certificate fingerprints in normalized form.
	Fingerprints []string
	// Certificates are used when neither the signature nor the archive carries one.
	Certificates []*x509.Certificate
}

// NewPolicy normalizes fingerprints and trims issuer names.
func NewPolicy(issuerNames, fingerprints []string, certs []*x509.Certificate) Policy {
	policy := Policy{Certificates: certs}
	for _, name := range issuerNames {
		if name = strings.TrimSpace(name); name != "" {
			policy.IssuerNames = append(policy.IssuerNames, name)
		}
	}
	for _, fp := range fingerprints {
		if fp = NormalizeFingerprint(fp); fp != "" {
			policy.Fingerprints = append(policy.Fingerprints, fp)
		}
	}
	return policy
}

func (p Policy) issuerTrusted(cn string) bool {
	for _, name := range p.IssuerNames {
		if strings.EqualFold(name, strings.TrimSpace(cn)) {
			return true
		}
	}
	return false
}

func (p Policy) fingerprintKnown(candidates ...string) bool {
	for _, known := range p.Fingerprints {
		for _, candidate := range candidates {
			if known == candidate {
				return true
			}
		}
	}
	return false
}

// PolicyStore holds the active policy and allows it to be swapped at runtime.
type PolicyStore struct {
	current atomic.Pointer[Policy]
}

// NewPolicyStore returns a store initialised with policy.
func NewPolicyStore(policy Policy) *PolicyStore {
	store := &PolicyStore{}
	store.Store(policy)
	return store
}

// Load returns the active policy.
func (s *PolicyStore) Load() Policy {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return Policy{}
}

// Store replaces the active policy.
func (s *PolicyStore) Store(policy Policy) {
	s.current.Store(&policy)
}

// NormalizeFingerprint lowercases a hex fingerprint and strips colons and whitespace.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, fp))
}

// ParseCertificates decodes every CERTIFICATE block of a PEM bundle, or a single DER certificate.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.New("no certificate found in PEM or DER input")
	}
	return []*x509.Certificate{cert}, nil
}

// LoadCertificateFiles reads and parses every file in paths.
func LoadCertificateFiles(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read certificate %s: %w", path, err)
		}
		parsed, err := ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", path, err)
		}
		certs = append(certs, parsed...)
	}
	return certs, nil
}
