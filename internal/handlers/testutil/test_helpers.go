package testutil

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/api"
	"github.com/charlesng35/offlinekyc/internal/app"
	iauth "github.com/charlesng35/offlinekyc/internal/auth"
	sharedtestutil "github.com/charlesng35/offlinekyc/internal/database/testutil"
	"github.com/charlesng35/offlinekyc/internal/ekyc/signature"
	ekyctest "github.com/charlesng35/offlinekyc/internal/ekyc/testutil"
	"github.com/charlesng35/offlinekyc/internal/services"
	"github.com/charlesng35/offlinekyc/internal/vault"
	"github.com/charlesng35/offlinekyc/pkg/crypto"
	"github.com/charlesng35/offlinekyc/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Router   *gin.Engine
	JWT      *iauth.JWTService
	Identity *ekyctest.SigningIdentity
	Policies *signature.PolicyStore
}

// NewEnv provisions a fresh handler test environment with migrations applied. The signing
// identity's issuer and fingerprint are trusted.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	jwtSecret := "test-suite-super-secret-key-32-bytes!!"
	cfg := &app.Config{
		Server: app.ServerConfig{MaxBodyBytes: 8 << 20},
		Vault: app.VaultConfig{
			EncryptionKey: "0123456789abcdef0123456789abcdef",
		},
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret:   jwtSecret,
				Issuer:   "test-suite",
				Audience: "offlinekyc",
				TTL:      time.Hour,
			},
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
		EKYC: app.EKYCConfig{
			RequestTimeout: time.Minute,
			Trust: app.TrustConfig{
				RequireValidSignature:   true,
				RequireValidCertificate: true,
				RequireValidChecksum:    true,
			},
		},
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)

	key, err := cfg.Vault.VaultKey()
	require.NoError(t, err)
	sealer, err := vault.NewSealer(key, vault.WithArgon2Parameters(crypto.Argon2Parameters{
		Time:      1,
		Memory:    64,
		Threads:   1,
		KeyLength: 32,
	}))
	require.NoError(t, err)

	trail, err := services.NewVerificationTrail(db, sealer)
	require.NoError(t, err)

	identity := ekyctest.DefaultSigningIdentity(t)
	_, sha256Hex := signature.Fingerprints(identity.Certificate)
	policies := signature.NewPolicyStore(signature.NewPolicy([]string{ekyctest.IssuerCN}, []string{sha256Hex}, nil))

	engine, err := services.NewVerificationService(trail, signature.NewVerifier(policies), cfg.EKYC.VerificationOptions())
	require.NoError(t, err)

	router, err := api.NewRouter(db, jwtSvc, cfg, engine, nil)
	require.NoError(t, err)

	return &Env{
		T:        t,
		DB:       db,
		Router:   router,
		JWT:      jwtSvc,
		Identity: identity,
		Policies: policies,
	}
}

// Token issues an access token for subject.
func (e *Env) Token(subject string) string {
	e.T.Helper()

	token, err := e.JWT.IssueToken(subject)
	require.NoError(e.T, err)
	return token
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.serve(req, token)
}

// Upload is a file attached to a multipart request.
type Upload struct {
	Field    string
	FileName string
	Data     []byte
}

// Multipart posts a multipart form with the given fields and optional file.
func (e *Env) Multipart(path string, fields map[string]string, file *Upload, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		require.NoError(e.T, writer.WriteField(name, value))
	}
	if file != nil {
		part, err := writer.CreateFormFile(file.Field, file.FileName)
		require.NoError(e.T, err)
		_, err = part.Write(file.Data)
		require.NoError(e.T, err)
	}
	require.NoError(e.T, writer.Close())

	req, err := http.NewRequest(http.MethodPost, path, &body)
	require.NoError(e.T, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return e.serve(req, token)
}

func (e *Env) serve(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
