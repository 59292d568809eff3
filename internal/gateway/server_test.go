package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modernalchemist/magic/internal/engine"
	"github.com/modernalchemist/magic/internal/proxy"
	"github.com/modernalchemist/magic/internal/runtime"
	"github.com/modernalchemist/magic/internal/telemetry"
)

type fakeOrchestrator struct {
	sandboxes map[string]*engine.Sandbox
	endpoint  string
	createErr error
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{sandboxes: map[string]*engine.Sandbox{}}
}

func (f *fakeOrchestrator) addRunning(id string) {
	started := time.Now().Add(-time.Minute)
	f.sandboxes[id] = &engine.Sandbox{
		ID:        id,
		Status:    runtime.StatusRunning,
		CreatedAt: time.Now().Add(-time.Hour),
		StartedAt: &started,
		IPAddress: "172.20.0.2",
	}
}

func (f *fakeOrchestrator) Create(_ context.Context, requestedID string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := requestedID
	if id == "" {
		id = "gen12345"
	}
	f.addRunning(id)
	return id, nil
}

func (f *fakeOrchestrator) Get(_ context.Context, id string) (*engine.Sandbox, error) {
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, &engine.NotFoundError{SandboxID: id}
	}
	return sb, nil
}

func (f *fakeOrchestrator) List(context.Context) ([]engine.Sandbox, error) {
	out := make([]engine.Sandbox, 0, len(f.sandboxes))
	for _, sb := range f.sandboxes {
		out = append(out, *sb)
	}
	return out, nil
}

func (f *fakeOrchestrator) Delete(_ context.Context, id string) error {
	if _, ok := f.sandboxes[id]; !ok {
		return &engine.NotFoundError{SandboxID: id}
	}
	delete(f.sandboxes, id)
	return nil
}

func (f *fakeOrchestrator) ControlEndpoint(_ context.Context, id string) (string, error) {
	if _, ok := f.sandboxes[id]; !ok {
		return "", &engine.NotFoundError{SandboxID: id}
	}
	return f.endpoint, nil
}

type fakeStreamProxy struct {
	served   []string
	rejected []string
}

func (f *fakeStreamProxy) Serve(w http.ResponseWriter, _ *http.Request, endpoint, sandboxID string) {
	f.served = append(f.served, sandboxID+"@"+endpoint)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeStreamProxy) RejectPending(w http.ResponseWriter, _ *http.Request, message string) {
	f.rejected = append(f.rejected, message)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func newTestServer(orch *fakeOrchestrator, proxy StreamProxy, opts ...ServerOption) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append(opts, WithLogger(logger))
	return NewServer(orch, proxy, telemetry.NewMetrics(), opts...)
}

func decodeEnvelope(t *testing.T, body io.Reader) (int, map[string]any) {
	t.Helper()
	var env struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env.Code, env.Data
}

func TestHealthzSkipsAuth(t *testing.T) {
	s := newTestServer(newFakeOrchestrator(), &fakeStreamProxy{}, WithAuthToken("secret"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
}

func TestAuthRequiredOnAPIRoutes(t *testing.T) {
	s := newTestServer(newFakeOrchestrator(), &fakeStreamProxy{}, WithAuthToken("secret"))

	t.Run("missing token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d, want 401", rec.Code)
		}
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d, want 401", rec.Code)
		}
	})

	t.Run("valid token accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
	})
}

func TestCreateSandbox(t *testing.T) {
	t.Run("empty body generates id", func(t *testing.T) {
		s := newTestServer(newFakeOrchestrator(), &fakeStreamProxy{})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d: %s", rec.Code, rec.Body)
		}
		code, data := decodeEnvelope(t, rec.Body)
		if code != codeOK {
			t.Fatalf("code %d, want %d", code, codeOK)
		}
		if data["sandbox_id"] != "gen12345" || data["status"] != "running" {
			t.Fatalf("data %v", data)
		}
		if msg, _ := data["message"].(string); msg == "" {
			t.Fatalf("create data must carry a message field: %v", data)
		}
	})

	t.Run("requested id honored", func(t *testing.T) {
		s := newTestServer(newFakeOrchestrator(), &fakeStreamProxy{})
		body := bytes.NewBufferString(`{"sandbox_id":"abcd1234"}`)
		req := httptest.NewRequest(http.MethodPost, "/sandboxes", body)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		_, data := decodeEnvelope(t, rec.Body)
		if data["sandbox_id"] != "abcd1234" {
			t.Fatalf("data %v", data)
		}
	})

	t.Run("engine failure maps to 500", func(t *testing.T) {
		orch := newFakeOrchestrator()
		orch.createErr = &engine.OperationError{Message: "image not found: magic/super-magic:latest"}
		s := newTestServer(orch, &fakeStreamProxy{})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status %d, want 500", rec.Code)
		}
		var env envelope
		if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
			t.Fatal(err)
		}
		if env.Code != codeInternal || !strings.Contains(env.Message, "image not found") {
			t.Fatalf("envelope %+v", env)
		}
	})
}

func TestGetSandbox(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.addRunning("abcd1234")
	s := newTestServer(orch, &fakeStreamProxy{})

	t.Run("existing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/abcd1234", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		_, data := decodeEnvelope(t, rec.Body)
		if data["sandbox_id"] != "abcd1234" || data["ip_address"] != "172.20.0.2" {
			t.Fatalf("data %v", data)
		}
		if _, ok := data["started_at"]; !ok {
			t.Fatalf("started_at missing: %v", data)
		}
	})

	t.Run("missing is 404 with business code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status %d, want 404", rec.Code)
		}
		code, _ := decodeEnvelope(t, rec.Body)
		if code != codeNotFound {
			t.Fatalf("code %d, want %d", code, codeNotFound)
		}
	})
}

func TestListSandboxes(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.addRunning("aaaa1111")
	orch.addRunning("bbbb2222")
	s := newTestServer(orch, &fakeStreamProxy{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes", nil))
	var env struct {
		Code int           `json:"code"`
		Data []sandboxInfo `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Code != codeOK || len(env.Data) != 2 {
		t.Fatalf("code=%d len=%d", env.Code, len(env.Data))
	}
}

func TestDeleteSandbox(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.addRunning("abcd1234")
	s := newTestServer(orch, &fakeStreamProxy{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sandboxes/abcd1234", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	code, data := decodeEnvelope(t, rec.Body)
	if code != codeOK {
		t.Fatalf("code %d, want %d", code, codeOK)
	}
	if msg, _ := data["message"].(string); !strings.Contains(msg, "abcd1234") {
		t.Fatalf("delete data must carry a message naming the sandbox: %v", data)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sandboxes/abcd1234", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status %d, want 404", rec.Code)
	}
}

func TestStreamRouting(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.addRunning("abcd1234")
	orch.endpoint = "172.20.0.2:8002"
	proxy := &fakeStreamProxy{}
	s := newTestServer(orch, proxy)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/abcd1234/ws", nil))
	if len(proxy.served) != 1 || proxy.served[0] != "abcd1234@172.20.0.2:8002" {
		t.Fatalf("served %v", proxy.served)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/nope/ws", nil))
	if len(proxy.rejected) != 1 || !strings.Contains(proxy.rejected[0], "not found") {
		t.Fatalf("rejected %v", proxy.rejected)
	}
}

// TestStreamUpgradeThroughMiddleware runs a real WebSocket session
// through the full handler chain. The logging middleware wraps the
// response writer, so the upgrade only works if the wrapper forwards
// connection hijacking to the underlying writer.
func TestStreamUpgradeThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}))
	defer agent.Close()

	orch := newFakeOrchestrator()
	orch.addRunning("abcd1234")
	orch.endpoint = strings.TrimPrefix(agent.URL, "http://")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wsProxy := proxy.New(logger, telemetry.NewMetrics(), time.Minute)
	s := NewServer(orch, wsProxy, telemetry.NewMetrics(), WithLogger(logger))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("frames round-trip", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(base+"/sandboxes/abcd1234/ws", nil)
		if err != nil {
			t.Fatalf("upgrade through full handler chain: %v", err)
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(payload) != `{"type":"chat"}` {
			t.Fatalf("payload %q", payload)
		}
	})

	t.Run("unknown sandbox gets error frame", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(base+"/sandboxes/nope/ws", nil)
		if err != nil {
			t.Fatalf("handshake must complete even for unknown sandboxes: %v", err)
		}
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("reading error frame: %v", err)
		}
		if frame.Type != "error" || !strings.Contains(frame.Error, "not found") {
			t.Fatalf("frame %+v", frame)
		}
	})
}

func TestDownloadPassthrough(t *testing.T) {
	var gotRange string
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat-history/download" {
			http.NotFound(w, r)
			return
		}
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="history.zip"`)
		_, _ = w.Write([]byte("zip-bytes"))
	}))
	defer agent.Close()

	orch := newFakeOrchestrator()
	orch.addRunning("abcd1234")
	orch.endpoint = strings.TrimPrefix(agent.URL, "http://")
	s := newTestServer(orch, &fakeStreamProxy{})

	req := httptest.NewRequest(http.MethodGet, "/sandboxes/abcd1234/chat-history/download", nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "zip-bytes" {
		t.Fatalf("body %q", rec.Body)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "history.zip") {
		t.Fatalf("Content-Disposition %q", got)
	}
	if gotRange != "bytes=0-99" {
		t.Fatalf("Range header not forwarded to agent, got %q", gotRange)
	}

	t.Run("missing sandbox", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/nope/chat-history/download", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status %d, want 404", rec.Code)
		}
	})
}
