package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmail-dev/agentmail/internal/events"
)

func newTimeoutContext(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// handleSSE streams every published BusEvent as a text/event-stream,
// optionally filtered to a single project via ?project=<slug>, mirroring
// the dashboard feed described in SPEC_FULL §C.6.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, "streaming unsupported", nil, requestIDFromContext(r.Context()))
		return
	}
	project := r.URL.Query().Get("project")

	ch := make(chan events.BusEvent, 32)
	s.addSSEClient(ch)
	defer s.removeSSEClient(ch)

	var unsubscribe func()
	if s.bus != nil {
		unsubscribe = s.bus.SubscribeAll(func(ev events.BusEvent) {
			select {
			case ch <- ev:
			default:
			}
		})
		defer unsubscribe()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case ev := <-ch:
			if project != "" && eventProject(ev) != project {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("event: " + ev.EventType() + "\ndata: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func eventProject(ev events.BusEvent) string {
	type projected interface{ ProjectSlug() string }
	if p, ok := ev.(projected); ok {
		return p.ProjectSlug()
	}
	return ""
}

func (s *Server) addSSEClient(ch chan events.BusEvent) {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()
	s.sseClients[ch] = struct{}{}
}

func (s *Server) removeSSEClient(ch chan events.BusEvent) {
	s.sseClientsMu.Lock()
	defer s.sseClientsMu.Unlock()
	delete(s.sseClients, ch)
	close(ch)
}

func (s *Server) sseClientCount() int {
	s.sseClientsMu.RLock()
	defer s.sseClientsMu.RUnlock()
	return len(s.sseClients)
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return originAllowed(r.Header.Get("Origin"), wsOriginAllowlist)
	},
}

// wsOriginAllowlist is set by handleWebSocket from the server's CORS
// origins before each upgrade so the
// Upgrader's CheckOrigin can reuse the same CORS allowlist without needing
// a closure captured at router-build time (chi handlers are plain funcs).
var wsOriginAllowlist []string

// wsClient is one live WebSocket subscriber: events from the bus are
// funneled into send and drained by writePump, mirroring the read/write
// pump split every gorilla/websocket server uses to keep one goroutine
// owning the connection's writes.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	project string
}

// handleWebSocket upgrades to a WebSocket and streams the same bus events
// as handleSSE, for callers that want a persistent duplex connection
// instead of polling an SSE reconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsOriginAllowlist = s.corsAllowedOrigins
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 32), project: r.URL.Query().Get("project")}

	var unsubscribe func()
	if s.bus != nil {
		unsubscribe = s.bus.SubscribeAll(func(ev events.BusEvent) {
			if client.project != "" && eventProject(ev) != client.project {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return
			}
			select {
			case client.send <- payload:
			default:
			}
		})
	}

	done := make(chan struct{})
	go client.writePump(done)
	client.readPump(done)
	if unsubscribe != nil {
		unsubscribe()
	}
}

// readPump drains and discards inbound control frames (this feed is
// publish-only) until the client disconnects, enforcing the read
// deadline/pong handshake that keeps a dead peer from leaking the
// goroutine pair.
func (c *wsClient) readPump(done chan struct{}) {
	defer func() {
		close(done)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump(done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
