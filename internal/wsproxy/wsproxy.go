// Package wsproxy implements the inline WebSocket gateway: it accepts the
// client connection, dials the single backend, and inspects every inbound
// text frame through the firewall orchestrator before relaying it. A
// denied frame is answered with a framed error and the connection stays
// open; the per-source-IP concurrent connection cap is the only
// condition that closes a connection outright.
package wsproxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"firewalld/internal/firewall"
)

// HeadersToForward lists client headers relayed to the backend dial.
var HeadersToForward = []string{
	"Authorization", "X-Api-Key", "X-Agent-Id", "X-Request-Id", "User-Agent", "Cookie",
}

// agentIDHdr and fallbackAgentIDHdr mirror the HTTP proxy's agent
// identification fallback: the primary header wins when both are set.
const (
	agentIDHdr         = "X-Agent-Id"
	fallbackAgentIDHdr = "X-Firewall-Agent-Id"
)

// Orchestrator is the narrow firewall surface the WS proxy depends on.
type Orchestrator interface {
	InspectMessage(ctx context.Context, agentID string, raw []byte) firewall.Result
}

// Config tunes connection handling.
type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxMessageSize   int64
	MaxConnsPerIP    int
}

// Handler is the inline WebSocket proxy.
type Handler struct {
	backend  *url.URL
	firewall Orchestrator
	cfg      Config

	connsMu sync.Mutex
	conns   map[string]int
}

// NewHandler constructs a Handler dialing backendURL (http/https; it is
// transformed to ws/wss per connection).
func NewHandler(backendURL string, fw Orchestrator, cfg Config) (*Handler, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Handler{backend: toWSURL(u), firewall: fw, cfg: cfg, conns: make(map[string]int)}, nil
}

func toWSURL(u *url.URL) *url.URL {
	out := *u
	switch out.Scheme {
	case "http":
		out.Scheme = "ws"
	case "https":
		out.Scheme = "wss"
	}
	return &out
}

// ServeHTTP upgrades the client connection, dials the backend, and runs
// two forwarding goroutines, inspecting every inbound text frame before
// relaying it in the client->backend direction.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(agentIDHdr)
	if agentID == "" {
		agentID = r.Header.Get(fallbackAgentIDHdr)
	}

	ip := clientIP(r)
	if !h.acquireConn(ip) {
		slog.Warn("websocket connection rejected: per-IP connection limit reached", "ip", ip, "agent_id", agentID)
		http.Error(w, "Too many concurrent connections from this address", http.StatusTooManyRequests)
		return
	}
	defer h.releaseConn(ip)

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("failed to accept websocket connection", "error", err)
		return
	}
	defer clientConn.CloseNow()

	dialCtx, cancelDial := context.WithTimeout(r.Context(), h.cfg.HandshakeTimeout)
	defer cancelDial()

	backendURL := *h.backend
	backendURL.Path = r.URL.Path
	backendURL.RawQuery = r.URL.RawQuery

	backendConn, resp, err := websocket.Dial(dialCtx, backendURL.String(), &websocket.DialOptions{
		HTTPHeader: forwardHeaders(r.Header),
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		slog.Error("failed to connect to backend websocket", "agent_id", agentID, "error", err)
		clientConn.Close(websocket.StatusInternalError, "Backend connection failed")
		return
	}
	defer backendConn.CloseNow()

	if h.cfg.MaxMessageSize > 0 {
		clientConn.SetReadLimit(h.cfg.MaxMessageSize)
		backendConn.SetReadLimit(h.cfg.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		h.forwardInspected(ctx, clientConn, backendConn, agentID, cancel)
	}()
	go func() {
		defer wg.Done()
		h.forwardRaw(ctx, backendConn, clientConn, cancel)
	}()

	if h.cfg.PingInterval > 0 {
		go h.keepAlive(ctx, clientConn)
	}

	wg.Wait()
	slog.Info("websocket connection closed", "agent_id", agentID)
}

// errorFrame is written back to the client in place of a denied message.
// The connection is left open: one deny is not a disconnect.
type errorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// forwardInspected relays client->backend frames, running every text
// frame through InspectMessage. A denied frame is answered with a framed
// error back to the client and dropped rather than forwarded; the
// connection itself is never closed on a deny.
func (h *Handler) forwardInspected(ctx context.Context, src, dst *websocket.Conn, agentID string, cancel context.CancelFunc) {
	defer cancel()
	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			return
		}

		if msgType == websocket.MessageText {
			result := h.firewall.InspectMessage(ctx, agentID, data)
			if !result.Allowed {
				slog.Warn("websocket message blocked", "agent_id", agentID, "reason", result.Reason, "level", result.ThreatLevel)
				frame, _ := json.Marshal(errorFrame{Type: "error", Error: "Message blocked by firewall", Reason: result.Reason})
				if err := src.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
				continue
			}
		}

		if err := dst.Write(ctx, msgType, data); err != nil {
			return
		}
	}
}

// forwardRaw relays backend->client frames uninspected; only the
// downstream service originates this direction, so the inbound gate on
// the orchestrator's InspectMessage does not apply to it.
func (h *Handler) forwardRaw(ctx context.Context, src, dst *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			return
		}
		if err := dst.Write(ctx, msgType, data); err != nil {
			return
		}
	}
}

func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.PongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// acquireConn reserves a connection slot for ip, rejecting once
// MaxConnsPerIP concurrent connections are already held. A non-positive
// MaxConnsPerIP disables the limit.
func (h *Handler) acquireConn(ip string) bool {
	if h.cfg.MaxConnsPerIP <= 0 {
		return true
	}
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	if h.conns[ip] >= h.cfg.MaxConnsPerIP {
		return false
	}
	h.conns[ip]++
	return true
}

func (h *Handler) releaseConn(ip string) {
	if h.cfg.MaxConnsPerIP <= 0 {
		return
	}
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	h.conns[ip]--
	if h.conns[ip] <= 0 {
		delete(h.conns, ip)
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if i := strings.Index(ip, ","); i >= 0 {
			return strings.TrimSpace(ip[:i])
		}
		return strings.TrimSpace(ip)
	}
	return r.RemoteAddr
}

func forwardHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, name := range HeadersToForward {
		if values := src.Values(name); len(values) > 0 {
			for _, v := range values {
				dst.Add(name, v)
			}
		}
	}
	return dst
}
