package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatpool/internal/chats"
	"chatpool/internal/config"
	"chatpool/internal/dispatch"
	"chatpool/internal/ledger"
	"chatpool/internal/models"
	"chatpool/internal/probe"
	"chatpool/internal/profilegate"
	"chatpool/internal/prompts"
	"chatpool/internal/selector"
	"chatpool/internal/upstream"
)

type freeProber struct{}

func (freeProber) Busy(context.Context, string) bool { return false }

func newTestRouter(t *testing.T) (*gin.Engine, *ledger.Store) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(
		&models.ProxyEndpoint{}, &models.Profile{}, &models.ChatSession{},
		&models.Job{}, &models.JobAttempt{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := ledger.New(gdb)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"text": "served", "page_url": "https://chat.qwen.ai/c/srv1",
		})
	}))
	t.Cleanup(worker.Close)

	if err := gdb.Create(&models.Profile{
		ProfileID: "p1", ProfileValue: "v1",
		AllowedContainers: models.EncodeContainerIDs([]string{"qwen-1"}),
	}).Error; err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "default.txt"), []byte("INIT"), 0644); err != nil {
		t.Fatal(err)
	}
	reg := prompts.NewRegistry([]config.PromptConfig{
		{PromptID: "default", File: filepath.Join(dir, "default.txt"), DefaultMaxChatUses: 50},
	})

	ccs := []config.ContainerConfig{
		{ID: "qwen-1", BaseURL: worker.URL, Timeouts: config.TimeoutConfig{ConnectSeconds: 2, ReadSeconds: 5}},
	}
	cfg := &config.Config{
		Server:     config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Containers: ccs,
	}
	pool := upstream.NewPool(ccs, nil)
	gate := profilegate.New()
	chatMgr := chats.New(store)
	orch := dispatch.New(dispatch.Opts{
		Store:              store,
		Gate:               gate,
		Pool:               pool,
		Selector:           selector.New(pool, store, freeProber{}),
		Chats:              chatMgr,
		Prompts:            reg,
		AllowSocksOverride: true,
	})

	router := NewRouter(Deps{
		Config:       cfg,
		DB:           gdb,
		Store:        store,
		Orchestrator: orch,
		Pool:         pool,
		Probes:       probe.NewCache(pool, time.Minute),
		Chats:        chatMgr,
		Gate:         gate,
	})
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var out map[string]any
	if len(rec.Body.Bytes()) > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("bad json response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, body := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != 200 || body["ok"] != true {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
}

func TestStatus_SingleContainer(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, body := doJSON(t, router, http.MethodGet, "/status?container_id=qwen-1", nil)
	if rec.Code != 200 || body["container_id"] != "qwen-1" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	if _, ok := body["status"].(map[string]any); !ok {
		t.Errorf("status payload missing: %v", body)
	}
	if body["busy"] != false {
		t.Errorf("busy = %v, want false", body["busy"])
	}

	rec, _ = doJSON(t, router, http.MethodGet, "/status?container_id=ghost", nil)
	if rec.Code != 404 {
		t.Errorf("unknown container: code=%d", rec.Code)
	}
}

func TestSolve_EndToEnd(t *testing.T) {
	router, store := newTestRouter(t)

	rec, body := doJSON(t, router, http.MethodPost, "/solve", map[string]any{
		"input": map[string]any{"text": "hello"},
	})
	if rec.Code != 200 {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	final := body["final"].(map[string]any)
	if final["text"] != "served" {
		t.Errorf("final = %v", final)
	}

	meta := body["meta"].(map[string]any)
	job, err := store.GetJob(meta["job_id"].(string))
	if err != nil || job == nil || job.Status != models.JobSucceeded {
		t.Errorf("job = %+v err=%v", job, err)
	}
}

func TestSolve_MalformedBody(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/solve", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestChatLockUnlockFlow(t *testing.T) {
	router, store := newTestRouter(t)

	sess, err := store.CreateSession(ledger.SessionKey{ContainerID: "qwen-1", PromptID: "default", ProfileID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetSessionChat(sess.ID, "lk1", "https://chat.qwen.ai/c/lk1"); err != nil {
		t.Fatal(err)
	}

	rec, body := doJSON(t, router, http.MethodPost, "/chats/lock", map[string]any{
		"chat_url": "https://chat.qwen.ai/c/lk1", "locked_by": "op-a", "ttl_seconds": 60,
	})
	if rec.Code != 200 || body["container_id"] != "qwen-1" {
		t.Fatalf("lock: code=%d body=%v", rec.Code, body)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/chats/unlock", map[string]any{
		"chat_url": "https://chat.qwen.ai/c/lk1", "locked_by": "op-b",
	})
	if rec.Code != 409 {
		t.Fatalf("wrong-owner unlock: code=%d body=%v", rec.Code, body)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/chats/unlock", map[string]any{
		"chat_url": "https://chat.qwen.ai/c/lk1", "locked_by": "op-a",
	})
	if rec.Code != 200 {
		t.Fatalf("owner unlock: code=%d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/chats/lock", map[string]any{
		"chat_url": "https://chat.qwen.ai/c/ghost", "locked_by": "op-a", "ttl_seconds": 60,
	})
	if rec.Code != 404 {
		t.Fatalf("unknown url lock: code=%d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/chats/lock", map[string]any{
		"chat_url": "https://chat.qwen.ai/c/lk1", "locked_by": "op-a",
	})
	if rec.Code != 400 {
		t.Fatalf("missing ttl: code=%d", rec.Code)
	}
}

func TestReportsAndBlockedProfiles(t *testing.T) {
	router, store := newTestRouter(t)

	// Generate traffic through the real pipeline.
	rec, _ := doJSON(t, router, http.MethodPost, "/solve", map[string]any{
		"input": map[string]any{"text": "hello"},
	})
	if rec.Code != 200 {
		t.Fatalf("solve: %d", rec.Code)
	}

	rec, body := doJSON(t, router, http.MethodGet, "/reports/containers", nil)
	if rec.Code != 200 {
		t.Fatalf("reports: %d", rec.Code)
	}
	rows := body["containers"].([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	row := rows[0].(map[string]any)
	if row["container_id"] != "qwen-1" || row["succeeded"].(float64) != 1 {
		t.Errorf("row = %v", row)
	}

	rec, _ = doJSON(t, router, http.MethodGet, "/reports/profiles?from=not-a-date", nil)
	if rec.Code != 400 {
		t.Errorf("bad from: code=%d", rec.Code)
	}

	// Tag a guest chat, then exercise the operator endpoints.
	sess, err := store.LatestSession(ledger.SessionKey{ContainerID: "qwen-1", PromptID: "default", ProfileID: "p1"})
	if err != nil || sess == nil {
		t.Fatalf("session: %v %v", sess, err)
	}
	if err := store.TagSession(sess.ID, models.TagGuest, true); err != nil {
		t.Fatal(err)
	}

	rec, body = doJSON(t, router, http.MethodGet, "/profiles/blocked", nil)
	if rec.Code != 200 || len(body["blocked"].([]any)) != 1 {
		t.Fatalf("blocked: code=%d body=%v", rec.Code, body)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/profiles/p1/guest/clear", nil)
	if rec.Code != 200 || body["cleared"].(float64) != 1 {
		t.Fatalf("guest clear: code=%d body=%v", rec.Code, body)
	}

	rec, body = doJSON(t, router, http.MethodGet, "/profiles/blocked", nil)
	if len(body["blocked"].([]any)) != 0 {
		t.Errorf("still blocked after clear: %v", body)
	}
}

func TestStatusAll(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, body := doJSON(t, router, http.MethodGet, "/status/all", nil)
	if rec.Code != 200 {
		t.Fatalf("code=%d", rec.Code)
	}
	rows := body["containers"].([]any)
	if len(rows) != 1 {
		t.Fatalf("containers = %v", rows)
	}
	row := rows[0].(map[string]any)
	if row["container_id"] != "qwen-1" || row["reachable"] != true {
		t.Errorf("row = %v", row)
	}
}

func TestChatsArchiveEndpoint(t *testing.T) {
	router, store := newTestRouter(t)
	sess, err := store.CreateSession(ledger.SessionKey{ContainerID: "qwen-1", PromptID: "default", ProfileID: "p1"})
	if err != nil {
		t.Fatal(err)
	}

	rec, body := doJSON(t, router, http.MethodPost, "/profiles/p1/chats/archive", nil)
	if rec.Code != 200 || body["archived"].(float64) != 1 {
		t.Fatalf("archive: code=%d body=%v", rec.Code, body)
	}
	got, _ := store.GetSession(sess.ID)
	if !got.Disabled {
		t.Error("session not disabled by archive")
	}
}
