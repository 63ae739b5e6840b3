// Command bufferbloatadmin prints a running service's fleet and
// admission-layer status from its HTTP API, for operators poking at a
// deployment from a shell.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/term"
)

type workerStatus struct {
	Persona  string `json:"persona"`
	Port     int    `json:"port"`
	Healthy  bool   `json:"healthy"`
	Adopted  bool   `json:"adopted"`
	Restarts int    `json:"restarts"`
	Sessions int    `json:"sessions"`
}

type statsResponse struct {
	Workers       []workerStatus `json:"workers"`
	TotalSessions int            `json:"total_sessions"`
	TrackedIPs    int            `json:"tracked_ips"`
	UptimeSeconds int            `json:"uptime_seconds"`
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "base URL of the running service")
	asJSON := flag.Bool("json", false, "print the raw /api/stats response")
	flag.Parse()

	if err := run(*baseURL, *asJSON); err != nil {
		fmt.Fprintln(os.Stderr, "bufferbloatadmin:", err)
		os.Exit(1)
	}
}

func run(baseURL string, asJSON bool) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(baseURL + "/api/stats")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/api/stats returned %s", resp.Status)
	}

	if asJSON {
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return err
		}
		var pretty map[string]any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return err
	}

	printStats(stats)
	return nil
}

// printStats renders a fixed-width table when stdout is a terminal wide
// enough to hold it, otherwise plain one-line-per-worker output that
// pipes cleanly.
func printStats(stats statsResponse) {
	fd := int(os.Stdout.Fd())
	pretty := term.IsTerminal(fd)
	if pretty {
		if width, _, err := term.GetSize(fd); err == nil && width < 56 {
			pretty = false
		}
	}

	if !pretty {
		for _, w := range stats.Workers {
			fmt.Printf("%s port=%d healthy=%t adopted=%t restarts=%d sessions=%d\n",
				w.Persona, w.Port, w.Healthy, w.Adopted, w.Restarts, w.Sessions)
		}
		fmt.Printf("total_sessions=%d tracked_ips=%d uptime_s=%d\n",
			stats.TotalSessions, stats.TrackedIPs, stats.UptimeSeconds)
		return
	}

	fmt.Printf("%-12s %6s %-9s %8s %8s\n", "PERSONA", "PORT", "STATE", "RESTARTS", "SESSIONS")
	for _, w := range stats.Workers {
		state := "healthy"
		if !w.Healthy {
			state = "degraded"
		}
		if w.Adopted {
			state += "*"
		}
		fmt.Printf("%-12s %6d %-9s %8d %8d\n", w.Persona, w.Port, state, w.Restarts, w.Sessions)
	}
	fmt.Printf("\nsessions: %d   tracked IPs: %d   uptime: %s\n",
		stats.TotalSessions, stats.TrackedIPs, (time.Duration(stats.UptimeSeconds) * time.Second).String())
	if hasAdopted(stats.Workers) {
		fmt.Println("* adopted: worker was already running when the supervisor started")
	}
}

func hasAdopted(workers []workerStatus) bool {
	for _, w := range workers {
		if w.Adopted {
			return true
		}
	}
	return false
}
