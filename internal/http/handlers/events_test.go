package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkravets/eventsched/internal/config"
	"github.com/mkravets/eventsched/internal/engine"
	"github.com/mkravets/eventsched/internal/repo/memory"
)

type handlerEnv struct {
	router  *gin.Engine
	delayed *memory.DelayedStore
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Scheduler{
		PromotionHorizon: time.Hour,
		DispatchBatch:    100,
		PromoteBatch:     100,
		CronBatch:        100,
		ClaimTTL:         30 * time.Second,
		PublishTimeout:   5 * time.Second,
		RetryBase:        time.Minute,
		RetryMultiplier:  2,
		RetryMax:         time.Hour,
		PastSkew:         5 * time.Second,
	}

	delayed := memory.NewDelayedStore()
	eng := engine.New(cfg, engine.Deps{
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Definitions: memory.NewDefinitionsStore(),
		Delayed:     delayed,
		Hot:         memory.NewHotStore(),
		Analytics:   memory.NewAnalyticsStore(),
		Bus:         memory.NewBusRecorder(),
		NodeID:      "test-node",
	})

	h := NewEventsHandler(eng)
	r := gin.New()
	r.POST("/v1/events", h.Schedule)
	r.DELETE("/v1/events/:id", h.Cancel)
	r.POST("/v1/events/:id/replay", h.Replay)

	return &handlerEnv{router: r, delayed: delayed}
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestScheduleEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	at := time.Now().UTC().Add(3 * time.Hour).Format(time.RFC3339)
	body := `{"topic":"orders","entityType":"order","action":"expire","payload":"{}","scheduledAt":"` + at + `"}`

	w := doJSON(t, env.router, http.MethodPost, "/v1/events", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}

	var ref engine.ScheduledRef
	if err := json.Unmarshal(w.Body.Bytes(), &ref); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ref.ID == "" || ref.Tier != "columnar" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestScheduleEndpointValidation(t *testing.T) {
	env := newHandlerEnv(t)

	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	w := doJSON(t, env.router, http.MethodPost, "/v1/events",
		`{"entityType":"order","action":"expire","payload":"{}","scheduledAt":"`+at+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var envelope struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "invalid_request" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestScheduleEndpointRejectsBadJSON(t *testing.T) {
	env := newHandlerEnv(t)

	w := doJSON(t, env.router, http.MethodPost, "/v1/events", `{nope`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	at := time.Now().UTC().Add(3 * time.Hour).Format(time.RFC3339)
	w := doJSON(t, env.router, http.MethodPost, "/v1/events",
		`{"topic":"orders","entityType":"order","action":"expire","payload":"{}","scheduledAt":"`+at+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("schedule failed: %s", w.Body)
	}
	var ref engine.ScheduledRef
	if err := json.Unmarshal(w.Body.Bytes(), &ref); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, env.router, http.MethodDelete, "/v1/events/"+ref.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", w.Code, w.Body)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "cancelled" || resp["tier"] != "columnar" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestCancelEndpointNotFound(t *testing.T) {
	env := newHandlerEnv(t)

	w := doJSON(t, env.router, http.MethodDelete, "/v1/events/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReplayEndpointConflict(t *testing.T) {
	env := newHandlerEnv(t)

	at := time.Now().UTC().Add(3 * time.Hour).Format(time.RFC3339)
	w := doJSON(t, env.router, http.MethodPost, "/v1/events",
		`{"topic":"orders","entityType":"order","action":"expire","payload":"{}","scheduledAt":"`+at+`"}`)
	var ref engine.ScheduledRef
	if err := json.Unmarshal(w.Body.Bytes(), &ref); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// still pending: replay only applies to terminally failed events
	w = doJSON(t, env.router, http.MethodPost, "/v1/events/"+ref.ID+"/replay", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}
