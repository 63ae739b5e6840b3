package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/librenet/bufferbloat-test/internal/middleware"
)

// NewPingServer builds the isolated ping listener: its own port, its own
// accept loop, and nothing on it but /ping, so upload and download work
// elsewhere in the process cannot starve latency measurement. pingLimit
// may be nil to serve unthrottled (e.g. behind an external limiter).
func NewPingServer(port int, traffic *Traffic, pingLimit *middleware.RateLimiter) *http.Server {
	mux := http.NewServeMux()

	var ping http.Handler = http.HandlerFunc(traffic.HandlePing)
	if pingLimit != nil {
		ping = pingLimit.Handler(ping)
	}
	mux.Handle("GET /ping", ping)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}
