// Package proxy relays WebSocket traffic between external clients and an
// agent container's internal control endpoint. Frames pass through
// verbatim in both directions; the proxy never rewrites payloads.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modernalchemist/magic/internal/telemetry"
)

const (
	dialTimeout = 10 * time.Second
	// joinGrace bounds how long a finished session waits for its peer
	// forwarding loop before abandoning it.
	joinGrace = 5 * time.Second

	directionToAgent  = "to_agent"
	directionToClient = "to_client"
)

// errorFrame is the JSON payload sent to the client when the session
// cannot be established or aborts abnormally.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Proxy upgrades client connections and bridges them to agent containers.
type Proxy struct {
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	idleTimeout time.Duration

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// New builds a proxy. idleTimeout bounds how long a session may sit with
// no frames arriving from the agent before being closed.
func New(logger *slog.Logger, metrics *telemetry.Metrics, idleTimeout time.Duration) *Proxy {
	return &Proxy{
		logger:      logger,
		metrics:     metrics,
		idleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers are authenticated upstream; the gateway serves
			// non-browser clients across origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// RejectPending upgrades the connection only to deliver an error frame,
// for requests whose sandbox could not be resolved. The handshake must
// complete first; rejecting with a plain HTTP status would surface to
// WebSocket clients as an opaque handshake failure.
func (p *Proxy) RejectPending(w http.ResponseWriter, r *http.Request, message string) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	p.writeError(conn, message)
}

// Serve upgrades the client connection, dials the agent endpoint and
// relays frames until either side closes, the idle timeout fires, or the
// request context is canceled.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, endpoint, sandboxID string) {
	logger := p.logger.With("sandbox_id", sandboxID)

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("upgrading client connection", "error", err)
		return
	}
	defer client.Close()

	agentURL := fmt.Sprintf("ws://%s/ws", endpoint)
	agent, resp, err := p.dialer.DialContext(r.Context(), agentURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Error("dialing agent websocket", "url", agentURL, "status", status, "error", err)
		p.writeError(client, "failed to connect to sandbox container")
		return
	}
	defer agent.Close()

	p.metrics.ProxySessions.Inc()
	defer p.metrics.ProxySessions.Dec()
	logger.Info("proxy session established", "agent_url", agentURL)

	s := &session{
		client: client,
		agent:  agent,
		logger: logger,
	}
	s.run(r.Context(), p)
	logger.Info("proxy session closed")
}

// session owns one bridged connection pair for its lifetime.
type session struct {
	client *websocket.Conn
	agent  *websocket.Conn
	logger *slog.Logger

	closeOnce sync.Once
}

// run starts both forwarding loops and tears the pair down as soon as
// the first one finishes. The slower loop gets a bounded grace period to
// observe the closed connections and return.
func (s *session) run(ctx context.Context, p *Proxy) {
	done := make(chan string, 2)

	go func() {
		s.clientToAgent(p)
		done <- directionToAgent
	}()
	go func() {
		s.agentToClient(p)
		done <- directionToClient
	}()

	select {
	case first := <-done:
		s.logger.Debug("forwarding loop finished", "direction", first)
	case <-ctx.Done():
		s.logger.Info("proxy session canceled", "error", ctx.Err())
	}
	s.close()

	timer := time.NewTimer(joinGrace)
	defer timer.Stop()
	for range 2 {
		select {
		case <-done:
		case <-timer.C:
			s.logger.Warn("forwarding loop did not finish within grace period")
			return
		}
	}
}

// clientToAgent forwards frames from the external client to the agent.
func (s *session) clientToAgent(p *Proxy) {
	for {
		msgType, payload, err := s.client.ReadMessage()
		if err != nil {
			s.logReadEnd("client", err)
			return
		}
		s.debugFrame(directionToAgent, msgType, payload)
		if err := s.agent.WriteMessage(msgType, payload); err != nil {
			s.logger.Debug("writing to agent", "error", err)
			return
		}
		p.metrics.ProxyFrames.WithLabelValues(directionToAgent).Inc()
	}
}

// agentToClient forwards frames from the agent back out. Agent reads
// carry the idle deadline: an agent that emits nothing for the
// configured window ends the session quietly.
func (s *session) agentToClient(p *Proxy) {
	for {
		if p.idleTimeout > 0 {
			if err := s.agent.SetReadDeadline(time.Now().Add(p.idleTimeout)); err != nil {
				return
			}
		}
		msgType, payload, err := s.agent.ReadMessage()
		if err != nil {
			s.logReadEnd("agent", err)
			return
		}
		s.debugFrame(directionToClient, msgType, payload)
		if err := s.client.WriteMessage(msgType, payload); err != nil {
			s.logger.Debug("writing to client", "error", err)
			return
		}
		p.metrics.ProxyFrames.WithLabelValues(directionToClient).Inc()
	}
}

func (s *session) logReadEnd(side string, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("peer closed connection", "side", side)
		return
	}
	s.logger.Debug("read ended", "side", side, "error", err)
}

// debugFrame peeks at text frames for logging only. Payloads that are
// not JSON objects are still forwarded untouched.
func (s *session) debugFrame(direction string, msgType int, payload []byte) {
	if msgType != websocket.TextMessage {
		return
	}
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil || peek.Type == "" {
		return
	}
	s.logger.Debug("relaying frame", "direction", direction, "message_type", peek.Type)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.agent.Close()
	})
}

func (p *Proxy) writeError(conn *websocket.Conn, message string) {
	frame := errorFrame{Type: "error", Error: message}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		p.logger.Debug("writing error frame", "error", err)
	}
}
