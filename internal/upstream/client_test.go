package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"chatpool/internal/config"
)

func testClient(t *testing.T, handler http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.ContainerConfig{
		ID:             "qwen-test",
		BaseURL:        srv.URL,
		AnalyzeRetries: retries,
		Timeouts:       config.TimeoutConfig{ConnectSeconds: 2, ReadSeconds: 5},
	}, nil)
}

func jsonReply(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func TestAnalyzeText_Classification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   Kind
	}{
		{"ok", 200, KindOK},
		{"busy", 423, KindBusy},
		{"server error", 500, KindTransient},
		{"bad request", 400, KindHard},
		{"conflict", 409, KindHard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				jsonReply(w, tc.status, map[string]any{"text": "hello"})
			}), 0)
			out := c.AnalyzeText(context.Background(), "hi", CallOpts{})
			if out.Kind != tc.want {
				t.Errorf("kind = %v, want %v", out.Kind, tc.want)
			}
		})
	}
}

func TestAnalyzeText_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			jsonReply(w, 502, map[string]any{"detail": "upstream hiccup"})
			return
		}
		jsonReply(w, 200, map[string]any{"text": "recovered", "page_url": "https://chat.qwen.ai/c/abc123"})
	}), 1)

	out := c.AnalyzeText(context.Background(), "hi", CallOpts{})
	if !out.OK() {
		t.Fatalf("outcome = %v (%s)", out.Kind, out.Message())
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if out.Text() != "recovered" {
		t.Errorf("text = %q", out.Text())
	}
	if out.PageURL() != "https://chat.qwen.ai/c/abc123" {
		t.Errorf("page_url = %q", out.PageURL())
	}
}

func TestAnalyzeText_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonReply(w, 503, nil)
	}), 2)

	out := c.AnalyzeText(context.Background(), "hi", CallOpts{})
	if out.Kind != KindTransient {
		t.Fatalf("kind = %v, want transient", out.Kind)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestAnalyzeText_LegacyFallback(t *testing.T) {
	var paths []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/analyze" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "hi" || body["url"] != "https://chat.qwen.ai/c/x" {
			t.Errorf("fallback body = %v", body)
		}
		jsonReply(w, 200, map[string]any{"text": "legacy ok"})
	}), 0)

	out := c.AnalyzeText(context.Background(), "hi", CallOpts{PageURL: "https://chat.qwen.ai/c/x"})
	if !out.OK() {
		t.Fatalf("outcome = %v (%s)", out.Kind, out.Message())
	}
	if len(paths) != 2 || paths[0] != "/analyze" || paths[1] != "/analyze_text" {
		t.Errorf("paths = %v", paths)
	}
}

func TestStatus_BusyLockReportsBusy(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(423)
	}), 0)
	payload, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !BusyStatus(payload) {
		t.Error("423 status should read as busy")
	}
}

func TestParseChatID(t *testing.T) {
	cases := []struct{ url, want string }{
		{"https://chat.qwen.ai/c/abc-123", "abc-123"},
		{"https://chat.qwen.ai/c/abc?x=1", "abc"},
		{"https://chat.qwen.ai/c/abc/sub", "abc"},
		{"https://chat.qwen.ai/", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ParseChatID(tc.url); got != tc.want {
			t.Errorf("ParseChatID(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestPool(t *testing.T) {
	off := false
	p := NewPool([]config.ContainerConfig{
		{ID: "a", BaseURL: "http://a"},
		{ID: "b", BaseURL: "http://b", Enabled: &off},
		{ID: "c", BaseURL: "http://c"},
	}, nil)

	ids := p.EnabledIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Errorf("EnabledIDs = %v", ids)
	}
	if p.IsEnabled("b") {
		t.Error("b should be disabled")
	}
	if _, err := p.Get("b"); err != nil {
		t.Error("disabled container should still have a client")
	}
	if _, err := p.Get("ghost"); err == nil {
		t.Error("unknown container should error")
	}
}
