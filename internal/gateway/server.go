// Package gateway exposes the sandbox API over HTTP: lifecycle
// endpoints, the WebSocket stream route, and the chat-history download
// passthrough. All sandbox semantics live in the engine; this layer only
// translates between HTTP and typed results.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modernalchemist/magic/internal/auth"
	"github.com/modernalchemist/magic/internal/engine"
	"github.com/modernalchemist/magic/internal/telemetry"
)

// Orchestrator is the engine surface the server depends on.
type Orchestrator interface {
	Create(ctx context.Context, requestedID string) (string, error)
	Get(ctx context.Context, id string) (*engine.Sandbox, error)
	List(ctx context.Context) ([]engine.Sandbox, error)
	Delete(ctx context.Context, id string) error
	ControlEndpoint(ctx context.Context, id string) (string, error)
}

// StreamProxy bridges an upgraded client connection to an agent
// container endpoint.
type StreamProxy interface {
	Serve(w http.ResponseWriter, r *http.Request, endpoint, sandboxID string)
	RejectPending(w http.ResponseWriter, r *http.Request, message string)
}

// Server is the gateway HTTP server.
type Server struct {
	engine  Orchestrator
	proxy   StreamProxy
	metrics *telemetry.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server

	authToken  string
	downloader *http.Client
	startTime  time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAuthToken enables bearer-token authentication on API routes.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the gateway server and wires its routes.
func NewServer(eng Orchestrator, proxy StreamProxy, metrics *telemetry.Metrics, opts ...ServerOption) *Server {
	s := &Server{
		engine:     eng,
		proxy:      proxy,
		metrics:    metrics,
		logger:     slog.Default(),
		downloader: &http.Client{Timeout: 60 * time.Second},
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /sandboxes", s.handleCreate)
	mux.HandleFunc("GET /sandboxes", s.handleList)
	mux.HandleFunc("GET /sandboxes/{id}", s.handleGet)
	mux.HandleFunc("DELETE /sandboxes/{id}", s.handleDelete)
	mux.HandleFunc("GET /sandboxes/{id}/ws", s.handleStream)
	mux.HandleFunc("GET /sandboxes/{id}/chat-history/download", s.handleDownload)

	s.mux = mux
	return s
}

// Handler returns the full middleware-wrapped handler, for tests and
// custom servers.
func (s *Server) Handler() http.Handler {
	authed := auth.Middleware(s.authToken, []string{"/healthz", "/metrics"})(s.mux)
	return requestLogging(s.logger)(authed)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
	}
	// the body is optional; an empty or absent one means "generate an ID"
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInternal, Message: "invalid request body"})
		return
	}

	id, err := s.engine.Create(r.Context(), req.SandboxID)
	if err != nil {
		writeFailure(w, s.requestLogger(r), err)
		return
	}

	sb, err := s.engine.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, s.requestLogger(r), err)
		return
	}
	writeOK(w, createData{
		sandboxInfo: infoFromSandbox(sb),
		Message:     "sandbox container created",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sandboxes, err := s.engine.List(r.Context())
	if err != nil {
		writeFailure(w, s.requestLogger(r), err)
		return
	}
	infos := make([]sandboxInfo, len(sandboxes))
	for i := range sandboxes {
		infos[i] = infoFromSandbox(&sandboxes[i])
	}
	writeOK(w, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sb, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, s.requestLogger(r), err)
		return
	}
	writeOK(w, infoFromSandbox(sb))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Delete(r.Context(), id); err != nil {
		writeFailure(w, s.requestLogger(r), err)
		return
	}
	writeOK(w, deleteData{Message: fmt.Sprintf("sandbox %s deleted", id)})
}

// handleStream bridges the client WebSocket to the sandbox agent.
// Resolution failures are delivered as an in-protocol error frame, not
// an HTTP status, so WebSocket clients see a clean close instead of a
// failed handshake.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	endpoint, err := s.engine.ControlEndpoint(r.Context(), id)
	if err != nil {
		s.requestLogger(r).Warn("stream target unavailable", "sandbox_id", id, "error", err)
		message := "sandbox unavailable"
		if engine.IsNotFound(err) {
			message = err.Error()
		}
		s.proxy.RejectPending(w, r, message)
		return
	}
	s.proxy.Serve(w, r, endpoint, id)
}

// handleDownload forwards the chat-history export request to the agent
// container and streams its response back verbatim.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	endpoint, err := s.engine.ControlEndpoint(r.Context(), id)
	if err != nil {
		writeFailure(w, s.requestLogger(r), err)
		return
	}

	url := "http://" + endpoint + "/api/chat-history/download"
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		writeFailure(w, s.requestLogger(r), err)
		return
	}
	// pass the caller's headers through so Range/Accept negotiation
	// reaches the agent; Host and Content-Length belong to each hop
	for k, vals := range r.Header {
		if k == "Host" || k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.downloader.Do(req)
	if err != nil {
		s.requestLogger(r).Error("downloading chat history", "sandbox_id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, envelope{Code: codeInternal, Message: "failed to reach sandbox container"})
		return
	}
	defer resp.Body.Close()

	copyDownloadHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.requestLogger(r).Warn("streaming chat history interrupted", "sandbox_id", id, "error", err)
	}
}

// hop-by-hop headers are meaningful per connection and must not be
// relayed.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

func copyDownloadHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return telemetry.RequestLogger(r.Context(), s.logger, r.PathValue("id"))
}
