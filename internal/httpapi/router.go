package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/librenet/bufferbloat-test/internal/cache"
	"github.com/librenet/bufferbloat-test/internal/config"
	"github.com/librenet/bufferbloat-test/internal/middleware"
	"github.com/librenet/bufferbloat-test/internal/ratelimit"
	"github.com/librenet/bufferbloat-test/internal/session"
	"github.com/librenet/bufferbloat-test/internal/store"
	"github.com/librenet/bufferbloat-test/internal/supervisor"
	"github.com/librenet/bufferbloat-test/internal/wsapi"
)

// Fleet is the supervisor surface the router reads: worker health and
// port assignments for the lookup and stop-session relays.
type Fleet interface {
	Status() []supervisor.WorkerStatus
	Lookup(persona string) (supervisor.WorkerStatus, bool)
	HealthyPersonas() []string
}

// Router is the main server's HTTP surface: the top-level API, the
// persona lookup endpoint, the stop-session relay, the shared traffic
// endpoints, and the static client bundle.
type Router struct {
	server    config.Server
	rateCfg   config.RateLimit
	cacheTTL  time.Duration
	fleet     Fleet              // nil when multiprocess mode is disabled
	traffic   *Traffic
	limiter   *ratelimit.Limiter
	cache     *cache.Cache // optional lookup snapshot cache
	store     *store.Store // optional
	pingLimit *middleware.RateLimiter
	client    *http.Client
	startedAt time.Time

	// workerBase builds a worker's base URL from its port; overridable
	// for tests.
	workerBase func(port int) string
}

// NewRouter wires the main server's handlers. fleet, c, and st may be nil.
func NewRouter(cfg *config.Config, fleet Fleet, traffic *Traffic, limiter *ratelimit.Limiter, c *cache.Cache, st *store.Store) *Router {
	pingLimit := middleware.NewRateLimiter(float64(cfg.RateLimit.PingPerMinute)/60, 10)

	return &Router{
		server:     cfg.Server,
		rateCfg:    cfg.RateLimit,
		cacheTTL:   cfg.Cache.TTL,
		fleet:      fleet,
		traffic:    traffic,
		limiter:    limiter,
		cache:      c,
		store:      st,
		pingLimit:  pingLimit,
		client:     &http.Client{Timeout: 3 * time.Second},
		startedAt:  time.Now(),
		workerBase: func(port int) string { return fmt.Sprintf("http://127.0.0.1:%d", port) },
	}
}

// Routes builds the main router. API routes are registered before the
// static mount, so API paths always win over a same-named static file.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(rt.server.CORSOrigin))

	r.Get("/api/health", rt.handleHealth)
	r.Get("/api/rate-limit-status", rt.handleRateLimitStatus)
	r.Get("/api/stats", rt.handleStats)
	r.Get("/api/stats/history", rt.handleStatsHistory)

	r.Get("/ws/virtual-household/{persona}", rt.handleLookup)
	r.Post("/virtual-household/stop-user-sessions/{test_id}", rt.handleStopUserSessions)

	rt.traffic.Mount(r)
	r.With(rt.pingLimit.Handler).Get("/ping", rt.traffic.HandlePing)

	if rt.server.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(rt.server.StaticDir)))
	}

	return r
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "healthy",
		"mode":           rt.server.Mode,
		"uptime_seconds": int(time.Since(rt.startedAt).Seconds()),
	}
	if rt.fleet != nil {
		resp["workers"] = rt.fleet.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleRateLimitStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tracked_ips": rt.limiter.Len(),
		"limits": map[string]any{
			"max_concurrent_downloads":  rt.rateCfg.MaxConcurrentDownloads,
			"max_concurrent_uploads":    rt.rateCfg.MaxConcurrentUploads,
			"max_concurrent_websockets": rt.rateCfg.MaxConcurrentWebsockets,
			"max_tests_per_hour":        rt.rateCfg.MaxTestsPerHour,
			"max_bytes_per_hour":        rt.rateCfg.MaxBytesPerHour,
			"ping_per_minute":           rt.rateCfg.PingPerMinute,
		},
	})
}

func (rt *Router) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"tracked_ips":    rt.limiter.Len(),
		"uptime_seconds": int(time.Since(rt.startedAt).Seconds()),
	}
	if rt.fleet != nil {
		workers := rt.fleet.Status()
		total := 0
		for _, st := range workers {
			total += st.Sessions
		}
		resp["workers"] = workers
		resp["total_sessions"] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	if rt.store == nil {
		writeError(w, http.StatusServiceUnavailable, "session history store not configured")
		return
	}

	persona := r.URL.Query().Get("persona")
	if persona != "" && !session.Persona(persona).Valid() {
		writeError(w, http.StatusBadRequest, "unknown persona")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := parsePositiveInt(v, 500)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	summaries, err := rt.store.RecentSessionSummaries(r.Context(), persona, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

func parsePositiveInt(s string, max int) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("must be positive")
	}
	if n > max {
		n = max
	}
	return n, nil
}

type lookupResponse struct {
	Redirect     bool   `json:"redirect"`
	Persona      string `json:"persona"`
	Port         int    `json:"port"`
	Host         string `json:"host"`
	WebsocketURL string `json:"websocket_url"`
}

// handleLookup tells the browser which worker port to open its WebSocket
// to. A client that opened a WebSocket here directly instead of doing the
// JSON lookup is accepted and immediately closed with the redirect status,
// the target port embedded in the reason.
func (rt *Router) handleLookup(w http.ResponseWriter, r *http.Request) {
	personaName := urlParam(r, "persona")
	if !session.Persona(personaName).Valid() {
		writeError(w, http.StatusNotFound, "unknown persona")
		return
	}
	if rt.fleet == nil {
		writeError(w, http.StatusServiceUnavailable, "virtual household workers are not running")
		return
	}

	if isWebSocketUpgrade(r) {
		rt.redirectWebSocket(w, r, personaName)
		return
	}

	cacheKey := "lookup:" + personaName
	if rt.cache != nil {
		if data, ok, _ := rt.cache.Get(r.Context(), cacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
			return
		}
	}

	st, ok := rt.fleet.Lookup(personaName)
	if !ok || !st.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":            "persona worker unavailable",
			"healthy_personas": rt.fleet.HealthyPersonas(),
		})
		return
	}

	host := requestHost(r)
	scheme := "ws"
	if r.TLS != nil || rt.server.TLSEnabled() {
		scheme = "wss"
	}

	resp := lookupResponse{
		Redirect:     true,
		Persona:      personaName,
		Port:         st.Port,
		Host:         host,
		WebsocketURL: fmt.Sprintf("%s://%s:%d/ws/virtual-household/%s", scheme, host, st.Port, personaName),
	}

	data, err := json.Marshal(resp)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if rt.cache != nil {
		_ = rt.cache.Set(r.Context(), cacheKey, data, rt.cacheTTL)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (rt *Router) redirectWebSocket(w http.ResponseWriter, r *http.Request, personaName string) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	st, ok := rt.fleet.Lookup(personaName)
	if !ok || !st.Healthy {
		_ = ws.Close(wsapi.StatusUnavailable, "persona worker unavailable")
		return
	}
	_ = ws.Close(wsapi.StatusRedirect, fmt.Sprintf("redirect:%d", st.Port))
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func requestHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		return host
	}
	return r.Host
}

// handleStopUserSessions relays a test's stop request to every persona
// worker's /stop-session endpoint and aggregates the counts. test_id is
// the second-resolution timestamp convention embedded in session ids;
// the legacy literal "all" stops everything.
func (rt *Router) handleStopUserSessions(w http.ResponseWriter, r *http.Request) {
	testID := urlParam(r, "test_id")
	if testID == "" {
		writeError(w, http.StatusBadRequest, "test_id is required")
		return
	}
	if rt.fleet == nil {
		writeError(w, http.StatusServiceUnavailable, "virtual household workers are not running")
		return
	}

	perPersona := make(map[string]int)
	total := 0
	for _, st := range rt.fleet.Status() {
		stopped := rt.relayStop(r.Context(), st.Port, testID)
		perPersona[st.Persona] = stopped
		total += stopped
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"test_id":       testID,
		"total_stopped": total,
		"per_persona":   perPersona,
	})
}

func (rt *Router) relayStop(ctx context.Context, port int, testID string) int {
	body, _ := json.Marshal(stopSessionRequest{TestID: testID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		rt.workerBase(port)+"/stop-session", bytes.NewReader(body))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rt.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}

	var out struct {
		Stopped int `json:"stopped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0
	}
	return out.Stopped
}
