package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/librenet/bufferbloat-test/internal/config"
	"github.com/librenet/bufferbloat-test/internal/supervisor"
)

// stubFleet is a canned supervisor snapshot for router tests.
type stubFleet struct {
	workers map[string]supervisor.WorkerStatus
}

func (f *stubFleet) Status() []supervisor.WorkerStatus {
	out := make([]supervisor.WorkerStatus, 0, len(f.workers))
	for _, st := range f.workers {
		out = append(out, st)
	}
	return out
}

func (f *stubFleet) Lookup(persona string) (supervisor.WorkerStatus, bool) {
	st, ok := f.workers[persona]
	return st, ok
}

func (f *stubFleet) HealthyPersonas() []string {
	var out []string
	for name, st := range f.workers {
		if st.Healthy {
			out = append(out, name)
		}
	}
	return out
}

func testRouter(t *testing.T, fleet Fleet) *Router {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.StaticDir = "" // no bundle in tests
	traffic, limiter := testTraffic(t, config.Upload{})
	return NewRouter(&cfg, fleet, traffic, limiter, nil, nil)
}

func TestLookupReturnsWorkerTarget(t *testing.T) {
	fleet := &stubFleet{workers: map[string]supervisor.WorkerStatus{
		"gamer": {Persona: "gamer", Port: 8002, Healthy: true},
	}}
	rt := testRouter(t, fleet)
	srv := httptest.NewServer(rt.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/virtual-household/gamer")
	if err != nil {
		t.Fatalf("GET lookup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Redirect || out.Port != 8002 || out.Persona != "gamer" {
		t.Fatalf("lookup = %+v, want redirect to gamer:8002", out)
	}
	if !strings.HasPrefix(out.WebsocketURL, "ws://") {
		t.Fatalf("websocket_url = %q, want ws:// scheme without TLS", out.WebsocketURL)
	}
	if !strings.HasSuffix(out.WebsocketURL, ":8002/ws/virtual-household/gamer") {
		t.Fatalf("websocket_url = %q, want worker port and persona path", out.WebsocketURL)
	}

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	if out.Host != u.Hostname() {
		t.Fatalf("host = %q, want request host %q", out.Host, u.Hostname())
	}
}

func TestLookupUnhealthyPersonaLists503(t *testing.T) {
	fleet := &stubFleet{workers: map[string]supervisor.WorkerStatus{
		"gamer":    {Persona: "gamer", Port: 8002, Healthy: false},
		"streamer": {Persona: "streamer", Port: 8001, Healthy: true},
	}}
	rt := testRouter(t, fleet)
	srv := httptest.NewServer(rt.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/virtual-household/gamer")
	if err != nil {
		t.Fatalf("GET lookup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	var out struct {
		HealthyPersonas []string `json:"healthy_personas"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.HealthyPersonas) != 1 || out.HealthyPersonas[0] != "streamer" {
		t.Fatalf("healthy_personas = %v, want [streamer]", out.HealthyPersonas)
	}
}

func TestLookupUnknownPersona404(t *testing.T) {
	rt := testRouter(t, &stubFleet{workers: map[string]supervisor.WorkerStatus{}})
	srv := httptest.NewServer(rt.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/virtual-household/nosuch")
	if err != nil {
		t.Fatalf("GET lookup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLookupWithoutFleet503(t *testing.T) {
	rt := testRouter(t, nil)
	srv := httptest.NewServer(rt.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/virtual-household/gamer")
	if err != nil {
		t.Fatalf("GET lookup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStopUserSessionsRelaysToWorkers(t *testing.T) {
	// Stand-in worker that stops 2 sessions for any test id.
	workerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stop-session" {
			http.NotFound(w, r)
			return
		}
		var req stopSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TestID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stopped": 2})
	}))
	defer workerSrv.Close()

	fleet := &stubFleet{workers: map[string]supervisor.WorkerStatus{
		"streamer": {Persona: "streamer", Port: 8001, Healthy: true},
	}}
	rt := testRouter(t, fleet)
	rt.workerBase = func(int) string { return workerSrv.URL }

	srv := httptest.NewServer(rt.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/virtual-household/stop-user-sessions/1712345678", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		TotalStopped int            `json:"total_stopped"`
		PerPersona   map[string]int `json:"per_persona"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TotalStopped != 2 || out.PerPersona["streamer"] != 2 {
		t.Fatalf("stop result = %+v, want 2 stopped on streamer", out)
	}
}

func TestRateLimitStatusReportsLimits(t *testing.T) {
	rt := testRouter(t, nil)
	srv := httptest.NewServer(rt.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/rate-limit-status")
	if err != nil {
		t.Fatalf("GET rate-limit-status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Limits struct {
			MaxConcurrentDownloads int `json:"max_concurrent_downloads"`
		} `json:"limits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Limits.MaxConcurrentDownloads != 3 {
		t.Fatalf("max_concurrent_downloads = %d, want 3", out.Limits.MaxConcurrentDownloads)
	}
}

func TestAPIHealthOK(t *testing.T) {
	rt := testRouter(t, nil)
	srv := httptest.NewServer(rt.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
