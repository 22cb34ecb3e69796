package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var textRequest = Request{SystemPrompt: "system", UserPrompt: "user"}

func completionServer(t *testing.T, content string, inspect func(map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("read body: %v", err)
			}
			var decoded map[string]any
			if err := json.Unmarshal(body, &decoded); err != nil {
				t.Errorf("decode body: %v", err)
			}
			inspect(decoded)
		}
		payload := map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{"content": content},
				},
			},
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestClientHealthCheck(t *testing.T) {
	server := completionServer(t, `{"ok":true}`, nil)
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
}

func TestClientHealthCheckFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "bad", BaseURL: server.URL, Model: "demo"})
	err := client.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("expected health check to fail")
	}
	if StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected status 401 to be recoverable, got %d", StatusCode(err))
	}
}

func TestCompleteSendsImageAndTemperature(t *testing.T) {
	var seen map[string]any
	server := completionServer(t, `{"status":"success"}`, func(body map[string]any) { seen = body })
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "default-model"})
	content, err := client.Complete(context.Background(), Request{
		SystemPrompt: "extract events",
		ImageDataURL: "data:image/jpeg;base64,AAAA",
		Temperature:  0.15,
		Model:        "vision-model",
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if content != `{"status":"success"}` {
		t.Fatalf("unexpected content %q", content)
	}
	if seen["model"] != "vision-model" {
		t.Fatalf("expected model override, got %v", seen["model"])
	}
	if seen["temperature"] != 0.15 {
		t.Fatalf("expected temperature 0.15, got %v", seen["temperature"])
	}
	messages, _ := seen["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", seen["messages"])
	}
	user, _ := messages[1].(map[string]any)
	parts, ok := user["content"].([]any)
	if !ok || len(parts) != 1 {
		t.Fatalf("expected a single image content part, got %v", user["content"])
	}
	part, _ := parts[0].(map[string]any)
	if part["type"] != "image_url" {
		t.Fatalf("unexpected part type %v", part["type"])
	}
	image, _ := part["image_url"].(map[string]any)
	if image["url"] != "data:image/jpeg;base64,AAAA" {
		t.Fatalf("unexpected image url %v", image["url"])
	}
}

func TestCompleteRequiresPrompt(t *testing.T) {
	client := NewClient(Config{APIKey: "test", BaseURL: "http://127.0.0.1:1"})
	if _, err := client.Complete(context.Background(), Request{SystemPrompt: "x"}); err == nil {
		t.Fatal("expected error without user prompt or image")
	}
	if _, err := client.Complete(context.Background(), Request{UserPrompt: "x"}); err == nil {
		t.Fatal("expected error without system prompt")
	}
	keyless := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := keyless.Complete(context.Background(), Request{SystemPrompt: "s", UserPrompt: "u"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestCompleteEmptyContentHasSnippet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"choices": []any{
				map[string]any{
					"finish_reason": "stop",
					"message":       map[string]any{"content": ""},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"},
		WithRetryBackoff(0, 0),
		WithSleeper(func(time.Duration) {}),
	)
	_, err := client.Complete(context.Background(), textRequest)
	if err == nil {
		t.Fatal("expected completion to fail")
	}
	if !strings.Contains(err.Error(), "empty content") || !strings.Contains(err.Error(), "response_snippet=") {
		t.Fatalf("expected empty-content error to include snippet, got %v", err)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		payload := map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"ok":true}`}}},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"},
		WithRetryMaxAttempts(3),
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }),
	)
	if _, err := client.Complete(context.Background(), textRequest); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays %v", slept)
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL},
		WithRetryMaxAttempts(4),
		WithSleeper(func(time.Duration) {}),
	)
	if _, err := client.Complete(context.Background(), textRequest); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := parseRetryAfter("3"); !ok || d != 3*time.Second {
		t.Fatalf("unexpected parse result %v %v", d, ok)
	}
	if _, ok := parseRetryAfter("soon"); ok {
		t.Fatal("expected invalid header to be rejected")
	}
}

func TestCompleteLogsTokenUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"ok":true}`}}},
			"usage":   map[string]any{"prompt_tokens": 812, "completion_tokens": 64},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"}, WithLogger(logger))
	if _, err := client.Complete(context.Background(), textRequest); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"prompt_tokens":812`, `"completion_tokens":64`, `"model":"demo-model"`, `"component":"llm"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log output %s", want, out)
		}
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	client := NewClient(Config{APIKey: "test"}, WithRetryBackoff(time.Second, 5*time.Second))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := client.backoffDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, expected)
		}
	}
}
