package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/offlinekyc/internal/auth"
	"github.com/charlesng35/offlinekyc/internal/ekyc/container"
	"github.com/charlesng35/offlinekyc/internal/ekyc/qr"
	"github.com/charlesng35/offlinekyc/internal/ekyc/signature"
	"github.com/charlesng35/offlinekyc/internal/services"
	"github.com/charlesng35/offlinekyc/pkg/logger"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, "00112233445566778899aabbccddeeff", cfg.Vault.EncryptionKey)

	require.Equal(t, "jwt-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, "https://id.example.com", cfg.Auth.JWT.Issuer)
	require.Equal(t, "offlinekyc", cfg.Auth.JWT.Audience)
	require.Equal(t, 30*time.Minute, cfg.Auth.JWT.TTL)

	require.True(t, cfg.Maintenance.Enabled)
	require.Equal(t, "@hourly", cfg.Maintenance.Schedule)
	require.Equal(t, 90, cfg.Maintenance.RetentionDays)
	require.Equal(t, 7, cfg.Maintenance.PurgeAfterDays)

	require.Equal(t, 10*time.Second, cfg.EKYC.RequestTimeout)
	require.Equal(t, 72*time.Hour, cfg.EKYC.MaxDocumentAge)
	require.Equal(t, int64(2<<20), cfg.EKYC.Limits.MaxArchiveBytes)
	require.Equal(t, int64(2<<20), cfg.EKYC.Limits.MaxXMLBytes)
	require.Equal(t, 4, cfg.EKYC.Limits.MaxEntries)
	require.True(t, cfg.EKYC.Trust.RequireValidSignature)
	require.True(t, cfg.EKYC.Trust.RequireValidCertificate)
	require.True(t, cfg.EKYC.Trust.RequireKnownFingerprint)
	require.False(t, cfg.EKYC.Trust.RequireValidChecksum)
	require.Equal(t, []string{"Unique Identification Authority"}, cfg.EKYC.Certificates.IssuerCN)
	require.Equal(t, []string{"AB:CD:EF:01"}, cfg.EKYC.Certificates.Fingerprints)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 30*time.Second, cfg.EKYC.RequestTimeout)
	require.Equal(t, int64(5<<20), cfg.EKYC.Limits.MaxArchiveBytes)
	require.Equal(t, 16_000_000, cfg.EKYC.Limits.MaxImagePixels)
	require.True(t, cfg.EKYC.Trust.RequireValidSignature)
	require.False(t, cfg.EKYC.Trust.RequireKnownFingerprint)
	require.True(t, cfg.EKYC.Trust.RequireValidChecksum)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)

	require.False(t, cfg.Watch(func(*Config, fsnotify.Event) {}))
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("OFFLINEKYC_SERVER_PORT", "7070")
	t.Setenv("OFFLINEKYC_VAULT_ENCRYPTION_KEY", "env-vault-key-0123")
	t.Setenv("OFFLINEKYC_EKYC_TRUST_REQUIRE_KNOWN_FINGERPRINT", "true")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "env-vault-key-0123", cfg.Vault.EncryptionKey)
	require.True(t, cfg.EKYC.Trust.RequireKnownFingerprint)
}

func TestConfigWatchReloadsCertificates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ekyc:\n  certificates:\n    issuer_cn: [First Authority]\n"), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"First Authority"}, cfg.EKYC.Certificates.IssuerCN)

	reloaded := make(chan *Config, 4)
	require.True(t, cfg.Watch(func(updated *Config, _ fsnotify.Event) {
		reloaded <- updated
	}))

	require.NoError(t, os.WriteFile(path, []byte("ekyc:\n  certificates:\n    issuer_cn: [Second Authority]\n"), 0o600))

	require.Eventually(t, func() bool {
		select {
		case updated := <-reloaded:
			return len(updated.EKYC.Certificates.IssuerCN) == 1 &&
				updated.EKYC.Certificates.IssuerCN[0] == "Second Authority"
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReloadConfigLogsDecodeFailure(t *testing.T) {
	core, recorded := observer.New(zap.WarnLevel)
	restore := logger.Replace(zap.New(core))
	t.Cleanup(restore)

	v := viper.New()
	v.Set("ekyc.request_timeout", "soon")

	called := false
	reloadConfig(v, fsnotify.Event{Name: "config.yaml", Op: fsnotify.Write}, func(*Config, fsnotify.Event) {
		called = true
	})
	require.False(t, called)

	entries := recorded.FilterMessage("config reload rejected").All()
	require.Len(t, entries, 1)
	require.Equal(t, "config", entries[0].ContextMap()["module"])
	require.Equal(t, "config.yaml", entries[0].ContextMap()["file"])

	v.Set("ekyc.request_timeout", "30s")
	reloadConfig(v, fsnotify.Event{Name: "config.yaml", Op: fsnotify.Chmod}, func(*Config, fsnotify.Event) {
		called = true
	})
	require.False(t, called)

	reloadConfig(v, fsnotify.Event{Name: "config.yaml", Op: fsnotify.Write}, func(updated *Config, _ fsnotify.Event) {
		called = true
		require.Equal(t, 30*time.Second, updated.EKYC.RequestTimeout)
	})
	require.True(t, called)
}

func TestAuthConfigAdapters(t *testing.T) {
	cfg := Config{
		Auth: AuthConfig{
			JWT: JWTSettings{
				Secret:   "secret",
				Issuer:   " issuer ",
				Audience: "offlinekyc",
				TTL:      30 * time.Minute,
			},
		},
	}

	require.Equal(t, auth.JWTConfig{
		Secret:         "secret",
		Issuer:         "issuer",
		Audience:       "offlinekyc",
		AccessTokenTTL: 30 * time.Minute,
	}, cfg.Auth.JWTServiceConfig())
}

func TestAuthConfigAdaptersFallback(t *testing.T) {
	var cfg AuthConfig
	require.Equal(t, auth.DefaultAccessTokenTTL, cfg.JWTServiceConfig().AccessTokenTTL)
}

func TestEKYCConfigVerificationOptions(t *testing.T) {
	cfg := EKYCConfig{
		RequestTimeout: 5 * time.Second,
		MaxDocumentAge: 24 * time.Hour,
		Limits: LimitsConfig{
			MaxXMLBytes:          1 << 20,
			MaxImagePixels:       1_000_000,
			MaxUncompressedBytes: 4 << 20,
		},
		Trust: TrustConfig{RequireValidSignature: true, RequireKnownFingerprint: true},
	}

	opts := cfg.VerificationOptions()
	require.Equal(t, 5*time.Second, opts.Timeout)
	require.Equal(t, services.TrustPolicy{
		RequireValidSignature:   true,
		RequireKnownFingerprint: true,
		MaxDocumentAge:          24 * time.Hour,
	}, opts.Trust)
	require.Equal(t, int64(5<<20), opts.Limits.MaxArchiveBytes)
	require.Equal(t, int64(1<<20), opts.Limits.MaxXMLBytes)
	require.Equal(t, container.Limits{
		MaxEntries:    container.DefaultLimits().MaxEntries,
		MaxEntryBytes: 4 << 20,
		MaxTotalBytes: 4 << 20,
	}, opts.Limits.Container)
	require.Equal(t, qr.Limits{MaxBytes: qr.DefaultLimits().MaxBytes, MaxPixels: 1_000_000}, opts.Limits.QR)

	require.Equal(t, defaultRequestTimeout, EKYCConfig{}.VerificationOptions().Timeout)
}

func TestCertificatesConfigSignaturePolicy(t *testing.T) {
	policy, err := CertificatesConfig{
		IssuerCN:     []string{" Authority "},
		Fingerprints: []string{"AB:CD:EF:01"},
	}.SignaturePolicy()
	require.NoError(t, err)
	require.Equal(t, []string{"Authority"}, policy.IssuerNames)
	require.Equal(t, []string{signature.NormalizeFingerprint("AB:CD:EF:01")}, policy.Fingerprints)

	_, err = CertificatesConfig{PEMFiles: []string{filepath.Join(t.TempDir(), "missing.pem")}}.SignaturePolicy()
	require.Error(t, err)
}
