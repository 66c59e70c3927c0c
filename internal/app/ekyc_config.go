package app

import (
	"fmt"
	"time"

	"github.com/charlesng35/offlinekyc/internal/ekyc/container"
	"github.com/charlesng35/offlinekyc/internal/ekyc/qr"
	"github.com/charlesng35/offlinekyc/internal/ekyc/signature"
	"github.com/charlesng35/offlinekyc/internal/services"
)

const defaultRequestTimeout = 30 * time.Second

// VerificationOptions converts EKYCConfig into engine options. Unset limits keep their defaults.
func (c EKYCConfig) VerificationOptions() services.VerificationOptions {
	limits := services.DefaultInputLimits()
	if c.Limits.MaxArchiveBytes > 0 {
		limits.MaxArchiveBytes = c.Limits.MaxArchiveBytes
	}
	if c.Limits.MaxXMLBytes > 0 {
		limits.MaxXMLBytes = c.Limits.MaxXMLBytes
	}
	limits.Container = c.containerLimits()
	limits.QR = c.qrLimits()

	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	maxAge := c.MaxDocumentAge
	if maxAge < 0 {
		maxAge = 0
	}

	return services.VerificationOptions{
		Trust: services.TrustPolicy{
			RequireValidSignature:   c.Trust.RequireValidSignature,
			RequireValidCertificate: c.Trust.RequireValidCertificate,
			RequireKnownFingerprint: c.Trust.RequireKnownFingerprint,
			RequireValidChecksum:    c.Trust.RequireValidChecksum,
			MaxDocumentAge:          maxAge,
		},
		Limits:  limits,
		Timeout: timeout,
	}
}

func (c EKYCConfig) containerLimits() container.Limits {
	limits := container.DefaultLimits()
	if c.Limits.MaxEntries > 0 {
		limits.MaxEntries = c.Limits.MaxEntries
	}
	if c.Limits.MaxUncompressedBytes > 0 {
		limits.MaxEntryBytes = c.Limits.MaxUncompressedBytes
		limits.MaxTotalBytes = c.Limits.MaxUncompressedBytes
	}
	return limits
}

func (c EKYCConfig) qrLimits() qr.Limits {
	limits := qr.DefaultLimits()
	if c.Limits.MaxImageBytes > 0 {
		limits.MaxBytes = c.Limits.MaxImageBytes
	}
	if c.Limits.MaxImagePixels > 0 {
		limits.MaxPixels = c.Limits.MaxImagePixels
	}
	return limits
}

// SignaturePolicy builds the certificate trust policy, loading any configured PEM files.
func (c CertificatesConfig) SignaturePolicy() (signature.Policy, error) {
	certs, err := signature.LoadCertificateFiles(c.PEMFiles)
	if err != nil {
		return signature.Policy{}, fmt.Errorf("load trusted certificates: %w", err)
	}
	return signature.NewPolicy(c.IssuerCN, c.Fingerprints, certs), nil
}
