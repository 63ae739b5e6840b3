package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/librenet/bufferbloat-test/internal/middleware"
	"github.com/librenet/bufferbloat-test/internal/session"
	"github.com/librenet/bufferbloat-test/internal/store"
	"github.com/librenet/bufferbloat-test/internal/telemetry"
	"github.com/librenet/bufferbloat-test/internal/wsapi"
)

// maxAdjustableMbps clamps /update-profile's adaptive rate: the bulk
// persona may be tuned up from an external capacity measurement, but
// never past 1 Gb/s.
const maxAdjustableMbps = 1000

// Worker is one persona process's HTTP surface: the WebSocket endpoint,
// health/stats housekeeping, the adaptive profile update, the stop-session
// relay target, and the shared traffic endpoints.
type Worker struct {
	persona   session.Persona
	port      int
	hub       *wsapi.Hub
	traffic   *Traffic
	store     *store.Store       // optional
	metrics   *telemetry.Metrics // optional
	startedAt time.Time

	mu      sync.Mutex
	profile session.UserProfile
}

// NewWorker wires a persona worker's handlers. st and m may be nil.
func NewWorker(persona session.Persona, port int, profile session.UserProfile, hub *wsapi.Hub, traffic *Traffic, st *store.Store, m *telemetry.Metrics) *Worker {
	return &Worker{
		persona:   persona,
		port:      port,
		hub:       hub,
		traffic:   traffic,
		store:     st,
		metrics:   m,
		startedAt: time.Now(),
		profile:   profile,
	}
}

// Profile returns the worker's current default profile.
func (wk *Worker) Profile() session.UserProfile {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	return wk.profile
}

// Routes builds the worker's router.
func (wk *Worker) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(CORS("*"))

	r.Get("/health", wk.handleHealth)
	r.Get("/stats", wk.handleStats)
	r.Post("/update-profile", wk.handleUpdateProfile)
	r.Post("/stop-session", wk.handleStopSession)
	r.Get("/ws/virtual-household/{persona}", wk.handleWS)

	wk.traffic.Mount(r)
	r.Get("/ping", wk.traffic.HandlePing)

	return r
}

func (wk *Worker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"persona":        wk.persona,
		"sessions":       wk.hub.Len(),
		"uptime_seconds": int(time.Since(wk.startedAt).Seconds()),
	})
}

type sessionStats struct {
	SessionID           string  `json:"session_id"`
	Persona             string  `json:"persona"`
	Active              bool    `json:"active"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	ServerSentBytes     int64   `json:"server_sent_bytes"`
	ServerReceivedBytes int64   `json:"server_received_bytes"`
	DownloadRateBps     float64 `json:"download_rate_bps"`
	UploadRateBps       float64 `json:"upload_rate_bps"`
	LatencyMs           float64 `json:"latency_ms"`
	LatencyIncreaseMs   float64 `json:"latency_increase_ms"`
	BurstCycleCount     int     `json:"burst_cycle_count"`
}

func (wk *Worker) handleStats(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	profile := wk.Profile()

	var sessions []sessionStats
	wk.hub.Range(func(c *wsapi.Connection) {
		counters := c.Session.CountersSnapshot(now)
		lat := c.Session.Latency.Snapshot()
		sessions = append(sessions, sessionStats{
			SessionID:           c.Session.ID,
			Persona:             string(c.Session.Persona),
			Active:              c.Session.Active(),
			UptimeSeconds:       now.Sub(c.Session.StartTime).Seconds(),
			ServerSentBytes:     counters.ServerSentBytes,
			ServerReceivedBytes: counters.ServerReceivedBytes,
			DownloadRateBps:     counters.DownloadRateBps,
			UploadRateBps:       counters.UploadRateBps,
			LatencyMs:           lat.Mean,
			LatencyIncreaseMs:   lat.LatencyIncreaseMs,
			BurstCycleCount:     c.Session.Burst.Cycle,
		})
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"persona":        wk.persona,
		"port":           wk.port,
		"download_mbps":  profile.DownloadMbps,
		"upload_mbps":    profile.UploadMbps,
		"session_count":  len(sessions),
		"sessions":       sessions,
		"uptime_seconds": int(time.Since(wk.startedAt).Seconds()),
	})
}

type profileUpdates struct {
	DownloadMbps *float64 `json:"download_mbps"`
	UploadMbps   *float64 `json:"upload_mbps"`
}

type updateProfileRequest struct {
	UserType       string         `json:"user_type"`
	ProfileUpdates profileUpdates `json:"profile_updates"`
}

// handleUpdateProfile applies an adaptive rate adjustment to the worker's
// default profile and to every live session of its persona. Live sessions
// consume the update at their next tick boundary, never mid-tick.
func (wk *Worker) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[updateProfileRequest](w, r, 1<<16)
	if !ok {
		return
	}
	if session.Persona(req.UserType) != wk.persona {
		writeError(w, http.StatusNotFound, "persona not served by this worker")
		return
	}

	wk.mu.Lock()
	updated := wk.profile
	if req.ProfileUpdates.DownloadMbps != nil {
		v := *req.ProfileUpdates.DownloadMbps
		if v > maxAdjustableMbps {
			v = maxAdjustableMbps
		}
		if v > 0 && v != updated.DownloadMbps {
			// Two-phase shaping draws its rate from the burst pattern, not
			// DownloadMbps; scale both phase rates so the adjustment
			// reshapes the traffic, not just the reported target.
			if updated.Burst.Kind == session.BurstTwoPhase && updated.DownloadMbps > 0 {
				ratio := v / updated.DownloadMbps
				updated.Burst.ActiveRateMbps *= ratio
				updated.Burst.IdleRateMbps *= ratio
			}
			updated.DownloadMbps = v
		}
	}
	if req.ProfileUpdates.UploadMbps != nil {
		v := *req.ProfileUpdates.UploadMbps
		if v > maxAdjustableMbps {
			v = maxAdjustableMbps
		}
		if v > 0 {
			updated.UploadMbps = v
		}
	}
	changed := updated != wk.profile
	wk.profile = updated
	wk.mu.Unlock()

	if changed {
		wk.hub.Range(func(c *wsapi.Connection) {
			if c.Session.Persona == wk.persona {
				c.Session.RequestProfileUpdate(updated)
			}
		})
		wk.persistOverride(r.Context(), updated)
		slog.Info("worker: profile updated", "persona", wk.persona,
			"download_mbps", updated.DownloadMbps, "upload_mbps", updated.UploadMbps)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"changed": changed,
		"profile": map[string]any{
			"persona":       updated.Persona,
			"download_mbps": updated.DownloadMbps,
			"upload_mbps":   updated.UploadMbps,
		},
	})
}

func (wk *Worker) persistOverride(ctx context.Context, p session.UserProfile) {
	if wk.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := wk.store.UpsertProfileOverride(ctx, store.ProfileOverride{
		Persona:      string(p.Persona),
		DownloadMbps: p.DownloadMbps,
		UploadMbps:   p.UploadMbps,
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		slog.Warn("worker: persisting profile override failed", "persona", p.Persona, "error", err)
	}
}

type stopSessionRequest struct {
	TestID string `json:"test_id"`
}

func (wk *Worker) handleStopSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[stopSessionRequest](w, r, 1<<16)
	if !ok {
		return
	}
	if req.TestID == "" {
		writeError(w, http.StatusBadRequest, "test_id is required")
		return
	}

	stopped := wk.hub.StopByTestID(req.TestID)
	writeJSON(w, http.StatusOK, map[string]any{
		"persona": wk.persona,
		"stopped": stopped,
	})
}

// handleWS admits one traffic session and blocks for its lifetime: the
// read loop runs on the handler goroutine, the latency task beside it,
// and the background scheduler drives shaping writes onto the same
// connection from its own tick loop.
func (wk *Worker) handleWS(w http.ResponseWriter, r *http.Request) {
	persona := session.Persona(urlParam(r, "persona"))
	if persona != wk.persona {
		writeError(w, http.StatusNotFound, "persona not served by this worker")
		return
	}

	profile := wk.Profile()
	conn, err := wk.hub.Accept(w, r, persona, profile)
	if err != nil {
		// Accept already closed the socket with the right status code.
		slog.Debug("worker: websocket admission refused", "persona", persona, "error", err)
		return
	}

	if wk.metrics != nil {
		wk.metrics.SessionsStarted.Add(r.Context(), 1)
		wk.metrics.ActiveSessions.Add(r.Context(), 1)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SendSessionInfo(ctx, string(persona), profile.DownloadMbps, profile.UploadMbps)

	go conn.RunLatencyTask(ctx)
	conn.RunReadLoop(ctx)

	reason := conn.Session.CloseReason()
	if reason == session.CloseUnset {
		reason = session.CloseDisconnected
	}

	finishCtx, finishCancel := context.WithTimeout(context.Background(), time.Second)
	_ = conn.SendSessionComplete(finishCtx, string(reason))
	finishCancel()

	wk.hub.Remove(conn.Session.ID)
	wk.persistSummary(conn, reason)

	if wk.metrics != nil {
		bg := context.Background()
		wk.metrics.SessionsClosed.Add(bg, 1)
		wk.metrics.ActiveSessions.Add(bg, -1)
		if lat := conn.Session.Latency.Snapshot(); lat.BaselineEstablished {
			wk.metrics.LatencyIncreaseMs.Record(bg, lat.LatencyIncreaseMs)
		}
	}
}

// persistSummary records the finished session best-effort: a store
// failure is logged and dropped, never propagated into teardown.
func (wk *Worker) persistSummary(conn *wsapi.Connection, reason session.CloseReason) {
	if wk.store == nil {
		return
	}

	now := time.Now()
	counters := conn.Session.CountersSnapshot(now)
	lat := conn.Session.Latency.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := wk.store.InsertSessionSummary(ctx, store.SessionSummary{
		SessionID:             conn.Session.ID,
		Persona:               string(conn.Session.Persona),
		WorkerPort:            wk.port,
		StartedAt:             conn.Session.StartTime,
		EndedAt:               now,
		BytesSent:             counters.ServerSentBytes,
		BytesReceived:         counters.ServerReceivedBytes,
		PeakLatencyIncreaseMs: lat.LatencyIncreaseMs,
		CloseReason:           string(reason),
	})
	if err != nil {
		slog.Warn("worker: persisting session summary failed", "session", conn.Session.ID, "error", err)
	}
}
