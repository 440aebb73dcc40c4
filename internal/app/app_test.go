package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/accruals/internal/observability"
	"github.com/odyssey-erp/accruals/internal/shared"
	"github.com/odyssey-erp/accruals/jobs"
	_ "github.com/odyssey-erp/accruals/testing"
)

func passwordHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("API_USER", "finance")
	t.Setenv("API_PASSWORD_HASH", passwordHash(t, "secret"))
	t.Setenv("ACCRUAL_COMPANY_IDS", "1,3")
	t.Setenv("ACCRUAL_OPENING_BALANCE_CUTOFF", "2023-12-31")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "agency charges", cfg.AccrualRevenueCategory)
	assert.Equal(t, []int64{1, 3}, cfg.AccrualCompanyIDs)
	assert.Equal(t, 10*time.Minute, cfg.ReportCacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.AccrualIdempotencyTTL)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis().Queue().Addr)
	assert.False(t, cfg.IsProduction())

	cutoff, err := cfg.OpeningBalanceCutoff()
	require.NoError(t, err)
	require.NotNil(t, cutoff)
	assert.Equal(t, "2023-12-31", cutoff.Format("2006-01-02"))
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("API_USER", "finance")
	t.Setenv("API_PASSWORD_HASH", "plain-text")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("API_PASSWORD_HASH", passwordHash(t, "secret"))
	t.Setenv("ACCRUAL_OPENING_BALANCE_CUTOFF", "31/12/2023")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "opening balance cutoff")
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, &Config{LogFormat: "json"}).Info("hello", slog.Int64("company_id", 1))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, float64(1), entry["company_id"])

	buf.Reset()
	newLogger(&buf, &Config{AppEnv: "production"}).Debug("hidden")
	assert.Empty(t, buf.String())
}

func newTestRouter(t *testing.T) (http.Handler, *Config) {
	t.Helper()
	cfg := &Config{
		APIUser:            "finance",
		APIPasswordHash:    passwordHash(t, "secret"),
		CORSAllowedOrigins: []string{"https://books.example.com"},
		AppRateLimit:       1000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    observability.NewMetrics(),
		JobHandler: jobs.NewHandler(nil, nil, logger),
	})
	return router, cfg
}

func TestRouterHealthAndMetricsAreOpen(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `odyssey_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestRouterRequiresBasicAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/health", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/health", nil)
	req.SetBasicAuth("finance", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/health", nil)
	req.SetBasicAuth("finance", "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":0,"failed":0}`, rec.Body.String())
}

func TestBasicAuthSetsActor(t *testing.T) {
	var actor string
	handler := BasicAuth("finance", passwordHash(t, "secret"), slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor = shared.ActorFromContext(r.Context())
		}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("finance", "secret")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "finance", actor)
}

func TestRouterAnswersCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/reports/monthly", nil)
	req.Header.Set("Origin", "https://books.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "https://books.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInTestMode(t *testing.T) {
	RefreshTestMode()
	assert.True(t, InTestMode())
}
