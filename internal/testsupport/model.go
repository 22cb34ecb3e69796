package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ModelCall is one chat-completion request seen by a fake model server.
type ModelCall struct {
	Model       string
	Temperature float64
	System      string
	HasImage    bool
}

// ModelReply decides the content and status for a call. A status of zero
// means 200.
type ModelReply func(call ModelCall) (content string, status int)

// ModelServer is an httptest server speaking the chat-completions wire format.
type ModelServer struct {
	*httptest.Server

	mu    sync.Mutex
	calls []ModelCall
}

// NewModelServer starts a fake model endpoint and registers cleanup.
func NewModelServer(t testing.TB, reply ModelReply) *ModelServer {
	t.Helper()

	ms := &ModelServer{}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		call := ModelCall{Model: payload.Model, Temperature: payload.Temperature}
		for _, msg := range payload.Messages {
			switch msg.Role {
			case "system":
				_ = json.Unmarshal(msg.Content, &call.System)
			case "user":
				var parts []struct {
					Type string `json:"type"`
				}
				if json.Unmarshal(msg.Content, &parts) == nil {
					for _, part := range parts {
						call.HasImage = call.HasImage || part.Type == "image_url"
					}
				}
			}
		}
		ms.mu.Lock()
		ms.calls = append(ms.calls, call)
		ms.mu.Unlock()

		content, status := reply(call)
		if status != 0 && status != http.StatusOK {
			http.Error(w, content, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(ms.Close)
	return ms
}

// Calls returns a copy of the requests received so far.
func (ms *ModelServer) Calls() []ModelCall {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]ModelCall(nil), ms.calls...)
}
