package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/socforge/triage-engine/internal/expand"
	"github.com/socforge/triage-engine/internal/pipeline"
	"github.com/socforge/triage-engine/internal/recognize"
	"github.com/socforge/triage-engine/internal/respond"
	"github.com/socforge/triage-engine/internal/score"
)

// newTestRouter builds a full router over real stage engines with no
// external backends. The db store stays nil to exercise degraded paths.
func newTestRouter() (*gin.Engine, *pipeline.Service, *respond.AlertManager) {
	gin.SetMode(gin.TestMode)

	alerts := respond.NewAlertManager(nil)
	service := pipeline.NewService(
		recognize.NewRecognizer(),
		expand.NewEngine(nil, nil, nil, expand.DefaultConfig()),
		score.NewEngine(nil),
		respond.NewOrchestrator(alerts),
	)
	router := SetupRouter(service, nil, alerts, NewHub(), prometheus.NewRegistry())
	return router, service, alerts
}

func perform(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response: %v\nbody: %s", err, w.Body.String())
	}
	return out
}

// envelopeData asserts the success envelope and returns its data field.
func envelopeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Fatalf("success = %v, want true (body: %s)", body["success"], w.Body.String())
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatal("envelope missing timestamp")
	}
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", body["data"])
	}
	return data
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestRootBanner(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := decodeBody(t, w)
	if body["service"] != serviceName {
		t.Errorf("service = %v", body["service"])
	}
	if body["version"] != serviceVersion {
		t.Errorf("version = %v", body["version"])
	}
	if body["status"] != "running" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, service, _ := newTestRouter()

	w := perform(router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with all probes disabled", w.Code)
	}
	body := decodeBody(t, w)
	if body["service"] != "healthy" {
		t.Errorf("service = %v, want healthy", body["service"])
	}

	service.SetHealthProbe("intel", failingPinger{})
	w = perform(router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with failing probe", w.Code)
	}
	body = decodeBody(t, w)
	components, ok := body["components"].(map[string]any)
	if !ok {
		t.Fatal("components missing from health payload")
	}
	if components["intel"] != "unhealthy" {
		t.Errorf("intel component = %v, want unhealthy", components["intel"])
	}
}

func TestAnalyzeEventEndpoint(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodPost, "/api/v1/analyze/event", map[string]any{
		"eventType": "login_event",
		"logData": map[string]any{
			"username":  "jdoe",
			"source_ip": "203.0.113.99",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}

	data := envelopeData(t, w)
	if data["status"] != "completed" {
		t.Errorf("result status = %v", data["status"])
	}
	if id, _ := data["eventId"].(string); id == "" {
		t.Error("result missing eventId")
	}
	summary, ok := data["summary"].(map[string]any)
	if !ok {
		t.Fatal("result missing summary")
	}
	if summary["entitiesExtracted"] != float64(2) {
		t.Errorf("entitiesExtracted = %v, want 2", summary["entitiesExtracted"])
	}
}

func TestAnalyzeEventValidation(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodPost, "/api/v1/analyze/event", map[string]any{
		"eventType": "login_event",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing logData", w.Code)
	}
	body := decodeBody(t, w)
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Error("error message missing")
	}
}

func TestAnalyzeBatchEndpoint(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodPost, "/api/v1/analyze/batch", map[string]any{
		"events": []map[string]any{
			{"eventType": "login_event", "logData": map[string]any{"username": "alice"}},
			{"logData": map[string]any{"username": "bob"}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}

	data := envelopeData(t, w)
	if data["totalEvents"] != float64(2) {
		t.Errorf("totalEvents = %v, want 2", data["totalEvents"])
	}
	results, ok := data["results"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("results = %v, want 2 entries", data["results"])
	}
}

func TestAnalyzeBatchRejectsEmptyList(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodPost, "/api/v1/analyze/batch", map[string]any{
		"events": []map[string]any{},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestEntityEndpointWithoutDatabase(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodGet, "/api/v1/entity/10.0.0.5?entity_type=ip", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without database", w.Code)
	}

	w = perform(router, http.MethodGet, "/api/v1/entity/10.0.0.5", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without entity_type", w.Code)
	}
}

func TestManualResponseEndpoint(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodPost, "/api/v1/response/manual", map[string]any{
		"entityId":   "203.0.113.7",
		"entityType": "ip",
		"actions":    []string{"block_ip"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}

	data := envelopeData(t, w)
	if data["actionsExecuted"] != float64(1) {
		t.Errorf("actionsExecuted = %v, want 1", data["actionsExecuted"])
	}
	results, _ := data["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", data["results"])
	}
	first, _ := results[0].(map[string]any)
	if first["status"] != "success" {
		t.Errorf("action status = %v, want success", first["status"])
	}
	if first["action"] != "block_ip" {
		t.Errorf("action = %v, want block_ip", first["action"])
	}
}

func TestManualResponseValidation(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodPost, "/api/v1/response/manual", map[string]any{
		"entityId": "203.0.113.7",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing fields", w.Code)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	router, _, _ := newTestRouter()

	perform(router, http.MethodPost, "/api/v1/analyze/event", map[string]any{
		"logData": map[string]any{"username": "carol"},
	})

	w := perform(router, http.MethodGet, "/api/v1/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	data := envelopeData(t, w)
	stats, ok := data["statistics"].(map[string]any)
	if !ok {
		t.Fatal("statistics missing")
	}
	if stats["totalEventsProcessed"] != float64(1) {
		t.Errorf("totalEventsProcessed = %v, want 1", stats["totalEventsProcessed"])
	}
	if _, ok := data["configuration"].(map[string]any); !ok {
		t.Error("configuration missing")
	}
}

func TestConfigEndpoints(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodGet, "/api/v1/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := envelopeData(t, w)
	cfg, ok := data["configuration"].(map[string]any)
	if !ok {
		t.Fatal("configuration missing")
	}
	if cfg["maxConcurrentProcessing"] != float64(10) {
		t.Errorf("maxConcurrentProcessing = %v, want 10", cfg["maxConcurrentProcessing"])
	}

	w = perform(router, http.MethodPost, "/api/v1/config", map[string]any{
		"config": map[string]any{
			"minRiskThresholdForResponse": 60,
			"bogusKnob":                   true,
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	data = envelopeData(t, w)
	applied, _ := data["applied"].([]any)
	ignored, _ := data["ignored"].([]any)
	if len(applied) != 1 || applied[0] != "minRiskThresholdForResponse" {
		t.Errorf("applied = %v", data["applied"])
	}
	if len(ignored) != 1 || ignored[0] != "bogusKnob" {
		t.Errorf("ignored = %v", data["ignored"])
	}

	w = perform(router, http.MethodPost, "/api/v1/config", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing config object", w.Code)
	}
}

func TestWatchlistEndpoints(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodPost, "/api/v1/watchlist", map[string]any{
		"entityType": "ip",
		"entityId":   "10.20.30.40",
		"note":       "vulnerability scanner",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body: %s", w.Code, w.Body.String())
	}

	w = perform(router, http.MethodGet, "/api/v1/watchlist", nil)
	data := envelopeData(t, w)
	if data["total"] != float64(1) {
		t.Errorf("total = %v, want 1", data["total"])
	}
	entries, _ := data["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v", data["entries"])
	}
	entry, _ := entries[0].(map[string]any)
	if entry["entityId"] != "10.20.30.40" || entry["note"] != "vulnerability scanner" {
		t.Errorf("entry = %v", entry)
	}

	w = perform(router, http.MethodDelete, "/api/v1/watchlist?entity_type=ip&entity_id=10.20.30.40", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d", w.Code)
	}

	w = perform(router, http.MethodDelete, "/api/v1/watchlist?entity_type=ip&entity_id=10.20.30.40", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second remove status = %d, want 404", w.Code)
	}

	w = perform(router, http.MethodPost, "/api/v1/watchlist", map[string]any{
		"entityType": "starship",
		"entityId":   "enterprise",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad type status = %d, want 400", w.Code)
	}
}

func TestRecentAlertsEndpoint(t *testing.T) {
	router, _, alerts := newTestRouter()

	alerts.EmitAlert(respond.Alert{Severity: "high", EntityID: "203.0.113.9", Message: "blocked"})
	alerts.EmitAlert(respond.Alert{Severity: "low", EntityID: "198.51.100.3", Message: "ticketed"})

	w := perform(router, http.MethodGet, "/api/v1/alerts/recent?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := envelopeData(t, w)
	if data["total"] != float64(1) {
		t.Errorf("total = %v, want 1", data["total"])
	}
	list, _ := data["alerts"].([]any)
	if len(list) != 1 {
		t.Fatalf("alerts = %v", data["alerts"])
	}
	first, _ := list[0].(map[string]any)
	if first["entityId"] != "198.51.100.3" {
		t.Errorf("most recent alert = %v, want the last emitted", first["entityId"])
	}
}

func TestSampleDataEndpoint(t *testing.T) {
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodGet, "/api/v1/test/sample-data", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := envelopeData(t, w)
	events, _ := data["sampleEvents"].([]any)
	if len(events) != 4 {
		t.Fatalf("sampleEvents = %d entries, want 4", len(events))
	}
	for i, raw := range events {
		event, _ := raw.(map[string]any)
		if _, ok := event["logData"].(map[string]any); !ok {
			t.Errorf("sample event %d missing logData", i)
		}
	}
}

func TestAuthMiddlewareEnforcement(t *testing.T) {
	t.Setenv("API_AUTH_TOKEN", "test-token-123")
	router, _, _ := newTestRouter()

	w := perform(router, http.MethodGet, "/api/v1/statistics", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without header", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 with wrong token", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil)
	req.Header.Set("Authorization", "Bearer test-token-123")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with valid token", rec.Code)
	}

	// Public endpoints stay open.
	w = perform(router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200 without token", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/statistics", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Allow-Origin = %q, want *", w.Header().Get("Access-Control-Allow-Origin"))
	}
}
