package licenses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/license-registry/license-registry/internal/db/models"
	"github.com/license-registry/license-registry/internal/db/repositories"
	"github.com/license-registry/license-registry/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recipient+"|"+text)
	return nil
}

var errDB = errors.New("database is down")

type brokenStore struct{}

func (brokenStore) Create(context.Context, *models.License) (bool, error)       { return false, errDB }
func (brokenStore) GetByCode(context.Context, string) (*models.License, error) { return nil, errDB }
func (brokenStore) List(context.Context) ([]*models.License, error)             { return nil, errDB }
func (brokenStore) BindDevice(context.Context, string, string, *string, *string, time.Time) (bool, error) {
	return false, errDB
}
func (brokenStore) SetActive(context.Context, string, bool) (bool, error) { return false, errDB }
func (brokenStore) Reactivate(context.Context, string) (bool, error)      { return false, errDB }
func (brokenStore) SetNotifyTarget(context.Context, string, string, string, *string) (bool, error) {
	return false, errDB
}

type fixture struct {
	router   *gin.Engine
	registry *services.LicenseRegistry
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	notifier := &fakeNotifier{}
	registry := services.NewLicenseRegistry(repositories.NewMemoryLicenseRepository(), notifier, time.Second)
	t.Cleanup(registry.Wait)
	return &fixture{router: newRouter(registry), registry: registry, notifier: notifier}
}

func newRouter(registry *services.LicenseRegistry) *gin.Engine {
	h := NewHandlers(registry)
	r := gin.New()
	r.POST("/activate", h.ActivateHandler)
	r.POST("/check", h.CheckHandler)
	r.PUT("/notify-target", h.SetNotifyTargetHandler)
	r.GET("/notify-target", h.GetNotifyTargetHandler)
	r.POST("/notify", h.SendNotificationHandler)
	return r
}

func (f *fixture) register(t *testing.T, code string, expiresIn time.Duration) {
	t.Helper()
	_, err := f.registry.Register(context.Background(), code, time.Now().Add(expiresIn))
	require.NoError(t, err)
}

func (f *fixture) activate(t *testing.T, code, device string) {
	t.Helper()
	res, err := f.registry.Activate(context.Background(), code, device, nil)
	require.NoError(t, err)
	require.True(t, res.Valid())
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// ---------------------------------------------------------------------------
// ActivateHandler
// ---------------------------------------------------------------------------

func TestActivateHandler_MissingFields(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{`{}`, `{"license":"A"}`, `{"deviceId":"d"}`, `not json`} {
		w := serve(f.router, http.MethodPost, "/activate", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "INVALID_INPUT", decode(t, w)["code"], body)
	}
}

func TestActivateHandler_Outcomes(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GOOD", 24*time.Hour)
	f.register(t, "OLD", -time.Hour)

	tests := []struct {
		name       string
		body       string
		wantValid  bool
		wantStatus string
		wantExpiry bool
	}{
		{"unknown", `{"license":"NOPE","deviceId":"d1"}`, false, "invalid", false},
		{"first bind", `{"license":"GOOD","deviceId":"d1"}`, true, "activated", true},
		{"same device", `{"license":"GOOD","deviceId":"d1"}`, true, "already_activated", true},
		{"other device", `{"license":"GOOD","deviceId":"d2"}`, false, "activated_elsewhere", false},
		{"expired", `{"license":"OLD","deviceId":"d1"}`, false, "expired", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(f.router, http.MethodPost, "/activate", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.wantValid, body["valid"])
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.NotEmpty(t, body["message"])
			_, hasExpiry := body["expiresAt"]
			assert.Equal(t, tt.wantExpiry, hasExpiry)
		})
	}
}

func TestActivateHandler_StoresNotifyTarget(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GOOD", 24*time.Hour)

	w := serve(f.router, http.MethodPost, "/activate",
		`{"license":"GOOD","deviceId":"d1","notifyTarget":"777","notifyLabel":"laptop"}`)
	require.Equal(t, http.StatusOK, w.Code)

	target, err := f.registry.GetNotifyTarget(context.Background(), "GOOD", "d1")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "777", target.Target)
	assert.Equal(t, "laptop", target.Label)
	assert.Empty(t, f.notifier.sent)
}

func TestActivateHandler_StorageFault(t *testing.T) {
	r := newRouter(services.NewLicenseRegistry(brokenStore{}, &fakeNotifier{}, time.Second))

	w := serve(r, http.MethodPost, "/activate", `{"license":"A","deviceId":"d"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "SERVER_ERROR", body["code"])
	assert.NotContains(t, body["error"], "database")
}

// ---------------------------------------------------------------------------
// CheckHandler
// ---------------------------------------------------------------------------

func TestCheckHandler_Valid(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GOOD", 2*time.Hour)

	w := serve(f.router, http.MethodPost, "/check", `{"license":"GOOD"}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "valid", body["status"])
	assert.Greater(t, body["remainingMs"].(float64), float64(time.Hour.Milliseconds()))
	_, err := time.Parse(time.RFC3339, body["expiresAt"].(string))
	assert.NoError(t, err)
}

func TestCheckAndActivate_ExpiryKeepsSubSecondPrecision(t *testing.T) {
	f := newFixture(t)
	expiresAt := time.Date(2099, 5, 17, 8, 30, 15, 123456789, time.UTC)
	_, err := f.registry.Register(context.Background(), "FRAC", expiresAt)
	require.NoError(t, err)

	w := serve(f.router, http.MethodPost, "/check", `{"license":"FRAC"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2099-05-17T08:30:15.123456789Z", decode(t, w)["expiresAt"])

	w = serve(f.router, http.MethodPost, "/activate", `{"license":"FRAC","deviceId":"d1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "activated", body["status"])
	assert.Equal(t, "2099-05-17T08:30:15.123456789Z", body["expiresAt"])

	got, err := time.Parse(time.RFC3339Nano, body["expiresAt"].(string))
	require.NoError(t, err)
	assert.True(t, got.Equal(expiresAt))
}

func TestCheckHandler_Expired(t *testing.T) {
	f := newFixture(t)
	f.register(t, "OLD", -time.Minute)

	w := serve(f.router, http.MethodPost, "/check", `{"license":"OLD"}`)

	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "expired", body["status"])
	assert.Equal(t, float64(0), body["remainingMs"])
}

func TestCheckHandler_UnknownAndMissing(t *testing.T) {
	f := newFixture(t)

	w := serve(f.router, http.MethodPost, "/check", `{"license":"NOPE"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "invalid", decode(t, w)["status"])

	w = serve(f.router, http.MethodPost, "/check", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// Notify target
// ---------------------------------------------------------------------------

func TestSetNotifyTargetHandler(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GOOD", 24*time.Hour)
	f.activate(t, "GOOD", "d1")

	w := serve(f.router, http.MethodPut, "/notify-target", `{"license":"GOOD","deviceId":"d1","target":"555"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Notify target updated", decode(t, w)["message"])

	f.registry.Wait()
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.sent, 1)
	assert.Contains(t, f.notifier.sent[0], "555|")
}

func TestSetNotifyTargetHandler_Errors(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GOOD", 24*time.Hour)
	f.activate(t, "GOOD", "d1")

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"missing target", `{"license":"GOOD","deviceId":"d1"}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown license", `{"license":"NOPE","deviceId":"d1","target":"1"}`, http.StatusNotFound, "NOT_FOUND"},
		{"other device", `{"license":"GOOD","deviceId":"d2","target":"1"}`, http.StatusForbidden, "NOT_BOUND_TO_CALLER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(f.router, http.MethodPut, "/notify-target", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decode(t, w)["code"])
		})
	}
}

func TestGetNotifyTargetHandler(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GOOD", 24*time.Hour)
	f.activate(t, "GOOD", "d1")

	w := serve(f.router, http.MethodGet, "/notify-target?license=GOOD&deviceId=d1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Nil(t, body["target"])
	assert.Nil(t, body["label"])

	require.NoError(t, f.registry.SetNotifyTarget(context.Background(), "GOOD", "d1", services.NotifyTarget{Target: "9"}))
	w = serve(f.router, http.MethodGet, "/notify-target?license=GOOD&deviceId=d1", "")
	body = decode(t, w)
	assert.Equal(t, "9", body["target"])
	assert.Nil(t, body["label"])

	w = serve(f.router, http.MethodGet, "/notify-target?license=GOOD", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(f.router, http.MethodGet, "/notify-target?license=GOOD&deviceId=d2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ---------------------------------------------------------------------------
// SendNotificationHandler
// ---------------------------------------------------------------------------

func TestSendNotificationHandler(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GOOD", 24*time.Hour)
	f.activate(t, "GOOD", "d1")

	w := serve(f.router, http.MethodPost, "/notify", `{"license":"GOOD","deviceId":"d1","message":"hi"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_TARGET_CONFIGURED", decode(t, w)["code"])

	require.NoError(t, f.registry.SetNotifyTarget(context.Background(), "GOOD", "d1", services.NotifyTarget{Target: "9"}))
	f.registry.Wait()

	w = serve(f.router, http.MethodPost, "/notify", `{"license":"GOOD","deviceId":"d1","message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Notification sent", decode(t, w)["message"])

	f.notifier.mu.Lock()
	f.notifier.err = errors.New("bot api unreachable")
	f.notifier.mu.Unlock()
	w = serve(f.router, http.MethodPost, "/notify", `{"license":"GOOD","deviceId":"d1","message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "DELIVERY_FAILED", body["code"])
	assert.NotContains(t, body["error"], "bot api")
}

func TestSendNotificationHandler_MissingMessage(t *testing.T) {
	f := newFixture(t)

	w := serve(f.router, http.MethodPost, "/notify", `{"license":"GOOD","deviceId":"d1"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
