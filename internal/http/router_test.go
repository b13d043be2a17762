package http

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"publisher-sync/internal/config"
	"publisher-sync/internal/handlers"
	"publisher-sync/internal/middleware"
	"publisher-sync/internal/models"
	"publisher-sync/internal/registry"
	"publisher-sync/internal/repos"
	"publisher-sync/internal/services"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"
)

const (
	keyDesktop = "desktop-key"
	keyMobile  = "mobile-key"
	keyServer  = "server-key"
)

type testEnv struct {
	router *gin.Engine
	repo   *repos.QueueRepo
	assets string
}

func writeDevices(t *testing.T) string {
	t.Helper()
	devices := map[string]any{
		"devices": []models.Device{
			{
				ID: "desktop-01", Label: "Congregation desktop", Role: models.RoleDesktop,
				Status: models.DeviceActive, KeyHash: middleware.HashKey(keyDesktop),
				Permissions: []string{models.PermSend},
			},
			{
				ID: "mobile-01", Label: "Companion app", Role: models.RoleMobile,
				Status: models.DeviceActive, KeyHash: middleware.HashKey(keyMobile),
				Permissions: []string{models.PermUpdates, models.PermIncoming, models.PermAck},
			},
			{
				ID: "server-01", Label: "Admin", Role: models.RoleServer,
				Status: models.DeviceActive, KeyHash: middleware.HashKey(keyServer),
				Permissions: []string{models.PermAll},
			},
		},
	}
	raw, err := json.Marshal(devices)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "devices.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func setupServer(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo := repos.NewQueueRepo(db, "", log)
	if err := repo.Init(); err != nil {
		t.Fatal(err)
	}

	assets := t.TempDir()
	materializer := services.NewMaterializer(assets, log)
	t.Cleanup(materializer.Close)

	cfg := config.Config{
		RateLimitMax:       rateLimit,
		RateLimitImportMax: 2,
		MaterializeEnabled: true,
	}
	reg := registry.New(writeDevices(t), log)
	guard := middleware.NewGuard(reg, config.TimestampTolerance, log)
	limiter := middleware.NewLimiter(time.Minute)
	h := handlers.NewQueueHandler(repo, materializer, cfg.MaterializeEnabled)

	return &testEnv{
		router: NewRouter(cfg, guard, limiter, h, log),
		repo:   repo,
		assets: assets,
	}
}

func (e *testEnv) do(t *testing.T, method, target, body, deviceID, key string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if deviceID != "" {
		ts := time.Now().UTC().Format(time.RFC3339)
		req.Header.Set(middleware.HeaderDeviceID, deviceID)
		req.Header.Set(middleware.HeaderAPIKey, key)
		req.Header.Set(middleware.HeaderTimestamp, ts)
		req.Header.Set(middleware.HeaderSignature, middleware.Sign(method, target, ts, middleware.HashKey(key)))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func waitForFile(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, err := os.ReadFile(path)
		if err == nil {
			return raw
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot %s never appeared", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendEndToEnd(t *testing.T) {
	env := setupServer(t, 60)

	body := `{"type":"communications","payload":{"communications":[{"id":"c1","title":"Info"}]},"notify":true}`
	rec := env.do(t, http.MethodPost, "/api/sync/v1/send", body, "desktop-01", keyDesktop)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(middleware.HeaderDeviceID) != "desktop-01" {
		t.Fatal("missing X-Device-Id response header")
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" || rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("missing rate limit headers")
	}

	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobPending || job.Direction != models.DirectionDesktopToMobile {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Initiator != "desktop-01" {
		t.Fatalf("initiator should default to the sending device, got %q", job.Initiator)
	}

	stored, err := env.repo.FindJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.JobPending {
		t.Fatalf("stored job not pending: %+v", stored)
	}

	notes, err := env.repo.ListNotifications(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notes))
	}

	raw := waitForFile(t, filepath.Join(env.assets, "communications.json"))
	var snap struct {
		UpdatedAt string           `json:"updatedAt"`
		Items     []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse(time.RFC3339, snap.UpdatedAt); err != nil {
		t.Fatalf("updatedAt not RFC3339: %q", snap.UpdatedAt)
	}
	if len(snap.Items) != 1 || snap.Items[0]["id"] != "c1" || snap.Items[0]["title"] != "Info" {
		t.Fatalf("unexpected snapshot items: %+v", snap.Items)
	}
}

func TestUnsignedRequestRejected(t *testing.T) {
	env := setupServer(t, 60)
	rec := env.do(t, http.MethodPost, "/api/sync/v1/send", `{"type":"tasks"}`, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSendValidation(t *testing.T) {
	env := setupServer(t, 60)

	for _, body := range []string{
		`{not json`,
		`{"payload":{}}`,
		`{"type":"tasks","direction":"sideways"}`,
	} {
		rec := env.do(t, http.MethodPost, "/api/sync/v1/send", body, "desktop-01", keyDesktop)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		var resp map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["error"] != "invalid request body" {
			t.Fatalf("validation detail must not leak, got %q", resp["error"])
		}
	}
}

func TestRoleAndPermissionEnforcement(t *testing.T) {
	env := setupServer(t, 60)

	// mobile role cannot hit the producer route
	if rec := env.do(t, http.MethodPost, "/api/sync/v1/send", `{"type":"tasks"}`, "mobile-01", keyMobile); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mobile on /send, got %d", rec.Code)
	}
	// desktop role cannot poll the consumer route
	if rec := env.do(t, http.MethodGet, "/api/sync/v1/updates", "", "desktop-01", keyDesktop); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for desktop on /updates, got %d", rec.Code)
	}
	// desktop holds send only, not queue
	if rec := env.do(t, http.MethodGet, "/api/sync/v1/queue", "", "desktop-01", keyDesktop); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for desktop on /queue, got %d", rec.Code)
	}
	// wildcard server passes everywhere
	if rec := env.do(t, http.MethodGet, "/api/sync/v1/queue", "", "server-01", keyServer); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for server on /queue, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMobileUpdatesAndAck(t *testing.T) {
	env := setupServer(t, 60)

	rec := env.do(t, http.MethodPost, "/api/sync/v1/send",
		`{"type":"weekly-schedule","payload":{"weekStart":"2024-01-01"}}`, "desktop-01", keyDesktop)
	if rec.Code != http.StatusCreated {
		t.Fatalf("send failed: %d %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}

	rec = env.do(t, http.MethodGet, "/api/sync/v1/updates?status=pending", "", "mobile-01", keyMobile)
	if rec.Code != http.StatusOK {
		t.Fatalf("updates failed: %d %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != job.ID {
		t.Fatalf("expected the pending job, got %+v", list.Jobs)
	}

	rec = env.do(t, http.MethodPost, "/api/sync/v1/ack",
		`{"id":"`+job.ID+`","status":"completed"}`, "mobile-01", keyMobile)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack failed: %d %s", rec.Code, rec.Body.String())
	}
	stored, err := env.repo.FindJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/sync/v1/ack",
		`{"id":"does-not-exist","status":"completed"}`, "mobile-01", keyMobile)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestIncomingForcesDirection(t *testing.T) {
	env := setupServer(t, 60)

	rec := env.do(t, http.MethodPost, "/api/sync/v1/incoming",
		`{"type":"reports","payload":{"month":"2024-01"},"direction":"desktop_to_mobile"}`, "mobile-01", keyMobile)
	if rec.Code != http.StatusCreated {
		t.Fatalf("incoming failed: %d %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Direction != models.DirectionMobileToDesktop {
		t.Fatalf("incoming must force mobile_to_desktop, got %s", job.Direction)
	}
	// Mobile-originated jobs are not materialized.
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(env.assets, "reports.json")); !os.IsNotExist(err) {
		t.Fatal("mobile_to_desktop job must not produce a snapshot")
	}
}

func TestRateLimitExceeded(t *testing.T) {
	env := setupServer(t, 3)

	body := `{"type":"tasks","payload":{}}`
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/sync/v1/send", body, "desktop-01", keyDesktop)
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i+1, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/sync/v1/send", body, "desktop-01", keyDesktop)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("Retry-After") == "0" {
		t.Fatalf("Retry-After must be positive, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestImportBulk(t *testing.T) {
	env := setupServer(t, 60)

	body := `{"jobs":[
		{"type":"territories","payload":{"id":"t1"}},
		{"type":"emergency-contacts","payload":{"contacts":[]}}
	]}`
	rec := env.do(t, http.MethodPost, "/api/sync/v1/import", body, "server-01", keyServer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Imported int          `json:"imported"`
		Jobs     []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Imported != 2 || len(resp.Jobs) != 2 {
		t.Fatalf("expected 2 imported, got %+v", resp)
	}

	jobs, err := env.repo.ListJobs(repos.JobFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 stored jobs, got %d", len(jobs))
	}
}

func TestNotificationsAdministration(t *testing.T) {
	env := setupServer(t, 60)

	if _, err := env.repo.AddNotification(nil, "manual", models.LevelWarn); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/sync/v1/notifications?limit=5", "", "server-01", keyServer)
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Notifications []models.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Notifications) != 1 || list.Notifications[0].Level != models.LevelWarn {
		t.Fatalf("unexpected notifications: %+v", list.Notifications)
	}

	rec = env.do(t, http.MethodDelete, "/api/sync/v1/notifications", "", "server-01", keyServer)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear failed: %d", rec.Code)
	}
	notes, err := env.repo.ListNotifications(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 0 {
		t.Fatalf("expected cleared log, got %d", len(notes))
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	env := setupServer(t, 60)
	rec := env.do(t, http.MethodGet, "/healthz", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
