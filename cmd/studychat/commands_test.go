package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/studychat/internal/config"
	"github.com/kalambet/studychat/internal/embedding"
	"github.com/kalambet/studychat/internal/ollama"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if resp == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestStreamChat(t *testing.T) {
	stream := "data: {\"delta\":\"Mitochondria \"}\n\n" +
		"data: {\"delta\":\"make ATP.\"}\n\n" +
		"data: {\"done\":true,\"chat_id\":\"c1\",\"cached\":false,\"quota\":{\"remaining\":4,\"resets_in\":\"5h 0m\"}}\n\n"
	ts := newTestServer(t, map[string]string{
		"POST /users/alice/chat": stream,
	})

	var got strings.Builder
	done, err := ts.client().streamChat(ctx, userPath("alice", "chat"), map[string]string{"message": "what do mitochondria do?"}, func(d string) {
		got.WriteString(d)
	})
	if err != nil {
		t.Fatalf("streamChat: %v", err)
	}
	if got.String() != "Mitochondria make ATP." {
		t.Errorf("deltas = %q", got.String())
	}
	if done["chat_id"] != "c1" {
		t.Errorf("chat_id = %v, want c1", done["chat_id"])
	}
	q, _ := done["quota"].(map[string]any)
	if q["remaining"] != float64(4) {
		t.Errorf("quota.remaining = %v, want 4", q["remaining"])
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["message"] != "what do mitochondria do?" {
		t.Errorf("body.message = %q", body["message"])
	}
}

func TestStreamChat_ErrorEvent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /users/alice/chat": "data: {\"delta\":\"partial\"}\n\n" +
			"data: {\"error\":{\"type\":\"api_error\",\"message\":\"generation failed\"}}\n\n",
	})

	_, err := ts.client().streamChat(ctx, "/users/alice/chat", map[string]string{"message": "hi"}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "generation failed") {
		t.Fatalf("err = %v, want generation failed", err)
	}
}

func TestStreamChat_NoFinalEvent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /users/alice/chat": "data: {\"delta\":\"partial\"}\n\n",
	})

	_, err := ts.client().streamChat(ctx, "/users/alice/chat", map[string]string{"message": "hi"}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "without a final event") {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamChat_QuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"answer limit reached","type":"quota_exceeded"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	_, err := client.streamChat(ctx, "/users/alice/chat", map[string]string{"message": "hi"}, func(string) {
		t.Error("no deltas expected")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "answer limit reached") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestQuotaList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /admin/quotas": `[{"user_id":"alice","count":3,"reset_at":"2026-01-01T00:00:00Z","resets_in":"2h 10m"}]`,
	})

	resp, err := ts.client().get(ctx, "/admin/quotas")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var records []quotaRecord
	if err := decodeJSON(resp, &records); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].UserID != "alice" || records[0].Count != 3 || records[0].ResetsIn != "2h 10m" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestQuotaReset(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /admin/quotas/alice": "",
	})

	resp, err := ts.client().delete(ctx, "/admin/quotas/alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := expectNoContent(resp); err != nil {
		t.Fatalf("expectNoContent: %v", err)
	}
	if ts.requests[0].Method != http.MethodDelete {
		t.Errorf("method = %q, want DELETE", ts.requests[0].Method)
	}
}

func TestExpectNoContent_Error(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().delete(ctx, "/admin/guidelines/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = expectNoContent(resp)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestGuidelinesSearch_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /admin/guidelines/search": `[{"similarity":0.91,"guideline":{"id":"g1","title":"Citing sources","category":"Writing","content":"Cite.","keywords":[]}}]`,
	})

	path := searchPath("cite & quote?", 5)
	resp, err := ts.client().get(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var results []struct {
		Similarity float64   `json:"similarity"`
		Guideline  guideline `json:"guideline"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(results) != 1 || results[0].Guideline.ID != "g1" {
		t.Fatalf("results = %+v", results)
	}

	want := "/admin/guidelines/search?k=5&q=cite+%26+quote%3F"
	if ts.requests[0].Path != want {
		t.Errorf("path = %q, want %q", ts.requests[0].Path, want)
	}
}

func TestGuidelinesAdd_Body(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /admin/guidelines": `{"id":"g9","title":"Lab safety","category":"Science","content":"Wear goggles.","keywords":["lab"]}`,
	})

	doc := guideline{Title: "Lab safety", Category: "Science", Content: "Wear goggles.", Keywords: splitList(" lab, ,safety ")}
	resp, err := ts.client().post(ctx, "/admin/guidelines", doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var saved guideline
	if err := decodeJSON(resp, &saved); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if saved.ID != "g9" {
		t.Errorf("id = %q, want g9", saved.ID)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if _, ok := body["id"]; ok {
		t.Error("new guideline body should not carry an id")
	}
	kw, _ := body["keywords"].([]any)
	if len(kw) != 2 || kw[0] != "lab" || kw[1] != "safety" {
		t.Errorf("keywords = %v, want [lab safety]", body["keywords"])
	}
}

func TestUserPath(t *testing.T) {
	tests := []struct {
		uid   string
		parts []string
		want  string
	}{
		{"alice", []string{"chat"}, "/users/alice/chat"},
		{"alice", []string{"cache", "prune"}, "/users/alice/cache/prune"},
		{"a b/c", []string{"quota"}, "/users/a%20b%2Fc/quota"},
	}
	for _, tt := range tests {
		if got := userPath(tt.uid, tt.parts...); got != tt.want {
			t.Errorf("userPath(%q, %v) = %q, want %q", tt.uid, tt.parts, got, tt.want)
		}
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/admin/quotas")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Generation.APIKey = "super-secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if strings.Contains(k.Value, "super-secret") {
			t.Errorf("secret leaked through %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"photosynthesis", 5, "photo..."},
		{"ñandú feliz", 5, "ñandú..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestEmbeddingModelName(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"remote", "text-embedding-004", "text-embedding-004"},
		{"ollama", "text-embedding-004", ollama.DefaultModel},
		{"ollama", "mxbai-embed-large", "mxbai-embed-large"},
		{"local", "text-embedding-004", embedding.CodecLocal},
	}
	for _, tt := range tests {
		var cfg config.Config
		cfg.Embedding.Provider = tt.provider
		cfg.Embedding.Model = tt.model
		if got := embeddingModelName(cfg); got != tt.want {
			t.Errorf("embeddingModelName(%s, %s) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "uid", "alice")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record should be filtered at warn level: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", out, err)
	}
	if rec["msg"] != "kept" || rec["uid"] != "alice" || rec["level"] != slog.LevelWarn.String() {
		t.Errorf("record = %v", rec)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
