package wsapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/librenet/bufferbloat-test/internal/ratelimit"
	"github.com/librenet/bufferbloat-test/internal/session"
)

// maxSessionsPerWorker is the per-worker admission cap, independent of
// the per-IP rate-limit dimensions.
const maxSessionsPerWorker = 50

// Hub is the registry of active connections for one persona worker,
// keyed by session id, so the scheduler can range over live sessions
// without reaching into the transport layer directly.

type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	limiter *ratelimit.Limiter
}

// NewHub returns an empty Hub gating admission through limiter.
func NewHub(limiter *ratelimit.Limiter) *Hub {
	return &Hub{conns: make(map[string]*Connection), limiter: limiter}
}

// Accept upgrades r to a WebSocket, checking persona validity and the
// WebSocket concurrency dimension before admitting it. On success it
// registers the resulting Connection under its session id and returns it;
// the caller is responsible for running RunReadLoop/RunLatencyTask and
// calling Remove on exit.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, persona session.Persona, profile session.UserProfile) (*Connection, error) {
	if !persona.Valid() {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return nil, err
		}
		_ = ws.Close(StatusUnsupportedPersona, "unknown persona")
		return nil, fmt.Errorf("wsapi: unsupported persona %q", persona)
	}

	if h.Len() >= maxSessionsPerWorker {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return nil, err
		}
		_ = ws.Close(StatusUnavailable, "worker at capacity")
		return nil, fmt.Errorf("wsapi: worker at capacity (%d sessions)", maxSessionsPerWorker)
	}

	ip := ratelimit.ClientIP(r)
	bypass := h.limiter.Bypass(r)

	if !bypass {
		if ok, reason := h.limiter.AcquireWebSocket(ip); !ok {
			ws, err := websocket.Accept(w, r, nil)
			if err != nil {
				return nil, err
			}
			_ = ws.Close(StatusRateLimited, reason)
			return nil, fmt.Errorf("wsapi: %s", reason)
		}
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		if !bypass {
			h.limiter.Release(ip, ratelimit.ResourceWebSocket)
		}
		return nil, err
	}

	// Clients stream upload traffic in 1 MiB binary chunks; the library
	// default read limit of 32 KiB would reject them.
	ws.SetReadLimit(2 << 20)

	now := time.Now()
	id := session.NewSessionID(persona, now)
	sess := session.NewTrafficSession(id, profile, nil, now)

	ctx, cancel := context.WithCancel(context.Background())
	conn := New(ws, sess, cancel)

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		if !bypass {
			h.limiter.Release(ip, ratelimit.ResourceWebSocket)
		}
	}()

	slog.Info("wsapi: session admitted", "session", id, "persona", persona, "ip", ip)
	return conn, nil
}

// Remove unregisters id, closing its connection if it is still present.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// Get returns the live connection for id, if any.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// Range calls fn for every currently registered connection. fn must not
// call back into Remove or Accept on the same Hub.
func (h *Hub) Range(fn func(*Connection)) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// StopByTestID flags every session whose id matches testID for teardown,
// returning how many matched. Session ids follow the `<persona>_<ms>`
// convention; a session matches when floor(ms/1000) equals testID. The
// legacy literal "all" matches every session. Matched sessions are only
// deactivated here; the scheduler's next cleanup pass closes and
// unregisters them.
func (h *Hub) StopByTestID(testID string) int {
	stopped := 0
	h.Range(func(c *Connection) {
		if testID != "all" && !sessionMatchesTestID(c.Session.ID, testID) {
			return
		}
		c.Session.Deactivate(session.CloseStopRequested)
		stopped++
	})
	return stopped
}

func sessionMatchesTestID(sessionID, testID string) bool {
	i := strings.LastIndexByte(sessionID, '_')
	if i < 0 {
		return false
	}
	ms, err := strconv.ParseInt(sessionID[i+1:], 10, 64)
	if err != nil {
		return false
	}
	return strconv.FormatInt(ms/1000, 10) == testID
}

// Len returns the number of currently registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
