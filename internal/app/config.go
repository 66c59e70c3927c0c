package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/charlesng35/offlinekyc/pkg/logger"
)

// Config represents the runtime configuration for the verification server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	EKYC        EKYCConfig        `mapstructure:"ekyc"`

	v *viper.Viper
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// VaultConfig holds the key used to seal raw identifiers at rest.
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures the bearer token settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	TTL      time.Duration `mapstructure:"access_token_ttl"`
}

// MaintenanceConfig controls record retention.
type MaintenanceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Schedule       string `mapstructure:"schedule"`
	RetentionDays  int    `mapstructure:"retention_days"`
	PurgeAfterDays int    `mapstructure:"purge_after_days"`
}

// EKYCConfig configures the verification engine.
type EKYCConfig struct {
	RequestTimeout time.Duration      `mapstructure:"request_timeout"`
	MaxDocumentAge time.Duration      `mapstructure:"max_document_age"`
	Limits         LimitsConfig       `mapstructure:"limits"`
	Trust          TrustConfig        `mapstructure:"trust"`
	Certificates   CertificatesConfig `mapstructure:"certificates"`
}

// LimitsConfig bounds the inputs the engine accepts.
type LimitsConfig struct {
	MaxArchiveBytes      int64 `mapstructure:"max_archive_bytes"`
	MaxXMLBytes          int64 `mapstructure:"max_xml_bytes"`
	MaxImageBytes        int64 `mapstructure:"max_image_bytes"`
	MaxImagePixels       int   `mapstructure:"max_image_pixels"`
	MaxEntries           int   `mapstructure:"max_entries"`
	MaxUncompressedBytes int64 `mapstructure:"max_uncompressed_bytes"`
}

// TrustConfig selects which negative verdicts fail a verification.
type TrustConfig struct {
	RequireValidSignature   bool `mapstructure:"require_valid_signature"`
	RequireValidCertificate bool `mapstructure:"require_valid_certificate"`
	RequireKnownFingerprint bool `mapstructure:"require_known_fingerprint"`
	RequireValidChecksum    bool `mapstructure:"require_valid_checksum"`
}

// CertificatesConfig lists the trusted issuing authority.
type CertificatesConfig struct {
	IssuerCN     []string `mapstructure:"issuer_cn"`
	Fingerprints []string `mapstructure:"fingerprints"`
	PEMFiles     []string `mapstructure:"pem_files"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("OFFLINEKYC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	config, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Watch re-reads the configuration file whenever it changes and hands the result to onChange.
// It reports false when no file was loaded and there is nothing to watch.
func (c *Config) Watch(onChange func(*Config, fsnotify.Event)) bool {
	if c == nil || c.v == nil || c.v.ConfigFileUsed() == "" || onChange == nil {
		return false
	}

	v := c.v
	v.OnConfigChange(func(event fsnotify.Event) {
		reloadConfig(v, event, onChange)
	})
	v.WatchConfig()
	return true
}

// reloadConfig decodes v again after a write and hands the result to onChange. A file that no
// longer decodes is logged and skipped, leaving the running configuration in place.
func reloadConfig(v *viper.Viper, event fsnotify.Event, onChange func(*Config, fsnotify.Event)) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	updated, err := unmarshal(v)
	if err != nil {
		logger.WithModule("config").Warn("config reload rejected",
			zap.String("file", event.Name),
			zap.Error(err),
		)
		return
	}
	onChange(updated, event)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	config.v = v
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.max_body_bytes", 8<<20)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/offlinekyc.sqlite")
	v.SetDefault("database.dsn", "")

	v.SetDefault("vault.encryption_key", "")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "")
	v.SetDefault("auth.jwt.audience", "")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "@daily")
	v.SetDefault("maintenance.retention_days", 180)
	v.SetDefault("maintenance.purge_after_days", 30)

	v.SetDefault("ekyc.request_timeout", "30s")
	v.SetDefault("ekyc.max_document_age", "0s")
	v.SetDefault("ekyc.limits.max_archive_bytes", 5<<20)
	v.SetDefault("ekyc.limits.max_xml_bytes", 2<<20)
	v.SetDefault("ekyc.limits.max_image_bytes", 5<<20)
	v.SetDefault("ekyc.limits.max_image_pixels", 16_000_000)
	v.SetDefault("ekyc.limits.max_entries", 16)
	v.SetDefault("ekyc.limits.max_uncompressed_bytes", 20<<20)
	v.SetDefault("ekyc.trust.require_valid_signature", true)
	v.SetDefault("ekyc.trust.require_valid_certificate", true)
	v.SetDefault("ekyc.trust.require_known_fingerprint", false)
	v.SetDefault("ekyc.trust.require_valid_checksum", true)
	v.SetDefault("ekyc.certificates.issuer_cn", []string{})
	v.SetDefault("ekyc.certificates.fingerprints", []string{})
	v.SetDefault("ekyc.certificates.pem_files", []string{})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
