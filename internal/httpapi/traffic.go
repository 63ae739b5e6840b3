// Package httpapi is the HTTP endpoint surface shared by the router and
// the persona worker processes: the traffic-generation endpoints, the
// worker's WebSocket and housekeeping routes, the router's lookup and
// stop-session relays, and the isolated ping listener.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/librenet/bufferbloat-test/internal/config"
	"github.com/librenet/bufferbloat-test/internal/netflix"
	"github.com/librenet/bufferbloat-test/internal/pool"
	"github.com/librenet/bufferbloat-test/internal/ratelimit"
	"github.com/librenet/bufferbloat-test/internal/telemetry"
)

// downloadChunkSize is the per-write unit on /download: large enough to
// saturate gigabit links, small enough that disconnect checks between
// chunks stay responsive.
const downloadChunkSize = 128 << 10

const uploadReadBufSize = 64 << 10

// uploadSampleInterval paces the upload ceiling check: every 100ms the
// handler compares the window's instantaneous rate against the ceiling
// and injects just enough sleep to hold to it.
const uploadSampleInterval = 100 * time.Millisecond

// Traffic carries the traffic-generation endpoints mounted on both the
// router and every persona worker.
type Traffic struct {
	pool    *pool.Pool
	limiter *ratelimit.Limiter
	upload  config.Upload
	metrics *telemetry.Metrics // optional
}

// NewTraffic wires the traffic endpoints to their data pool, admission
// layer, and upload shaping config. metrics may be nil.
func NewTraffic(p *pool.Pool, l *ratelimit.Limiter, upload config.Upload, m *telemetry.Metrics) *Traffic {
	return &Traffic{pool: p, limiter: l, upload: upload, metrics: m}
}

// Mount registers the transfer endpoints on r. /ping is not included:
// each server registers it separately, so the per-minute limiter sits in
// front of it only where the caller wires one (the router and the
// isolated listener do; persona workers serve /ping without it).
func (t *Traffic) Mount(r chi.Router) {
	r.Get("/download", t.HandleDownload)
	r.Post("/upload", t.HandleUpload)
	r.Post("/netflix-chunk", t.HandleNetflixChunk)
	r.Get("/warmup/bulk-download", t.HandleWarmupBulkDownload)
}

// HandleDownload streams 128 KiB chunks from the data pool until the peer
// disconnects, optionally pacing chunks per the ?pattern= selector.
func (t *Traffic) HandleDownload(w http.ResponseWriter, r *http.Request) {
	t.streamDownload(w, r, func(i int) []byte {
		return t.pool.GetBulk(downloadChunkSize)
	}, patternDelayFunc(r.URL.Query().Get("pattern")))
}

// HandleWarmupBulkDownload is /download's warmup twin: 1 MiB windows from
// the warmup pool at a fixed 1ms inter-chunk pacing, for client-side
// capacity estimation before the household test.
func (t *Traffic) HandleWarmupBulkDownload(w http.ResponseWriter, r *http.Request) {
	t.streamDownload(w, r, t.pool.GetWarmupChunk, func(int) time.Duration {
		return time.Millisecond
	})
}

func (t *Traffic) streamDownload(w http.ResponseWriter, r *http.Request, chunkAt func(int) []byte, delayAt func(int) time.Duration) {
	ip := ratelimit.ClientIP(r)
	bypass := t.limiter.Bypass(r)

	if !bypass {
		ok, reason := t.limiter.AcquireDownload(ip)
		if !ok {
			t.recordReject()
			writeError(w, http.StatusTooManyRequests, reason)
			return
		}
		defer t.limiter.Release(ip, ratelimit.ResourceDownload)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")

	flusher, _ := w.(http.Flusher)
	ctx := r.Context()

	var sent int64
	defer func() {
		if !bypass {
			t.limiter.RecordDownloadBytes(ip, sent)
		}
		if t.metrics != nil {
			t.metrics.BytesSent.Add(context.Background(), sent)
		}
	}()

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}

		n, err := w.Write(chunkAt(i))
		sent += int64(n)
		if err != nil {
			return // peer disconnect is normal termination
		}
		if flusher != nil {
			flusher.Flush()
		}

		if d := delayAt(i); d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}
}

// patternDelayFunc maps the ?pattern= selector onto a per-chunk delay:
// steady holds a constant small gap, bursty alternates tight runs with
// longer pauses, adaptive ramps from slow to full speed. An empty or
// unknown selector streams with no inter-chunk delay.
func patternDelayFunc(pattern string) func(int) time.Duration {
	switch pattern {
	case "steady":
		return func(int) time.Duration { return 2 * time.Millisecond }
	case "bursty":
		return func(i int) time.Duration {
			if i%8 == 7 {
				return 10 * time.Millisecond
			}
			return time.Millisecond
		}
	case "adaptive":
		return func(i int) time.Duration {
			d := time.Duration(10-i/10) * time.Millisecond
			if d < time.Millisecond {
				return time.Millisecond
			}
			return d
		}
	default:
		return func(int) time.Duration { return 0 }
	}
}

// HandleUpload reads and discards the streamed request body, counting
// bytes, holding the instantaneous rate to the configured ceiling, and
// enforcing the request-size cap.
func (t *Traffic) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	bypass := t.limiter.Bypass(r)

	if !bypass {
		ok, reason := t.limiter.AcquireUpload(ip)
		if !ok {
			t.recordReject()
			writeError(w, http.StatusTooManyRequests, reason)
			return
		}
		defer t.limiter.Release(ip, ratelimit.ResourceUpload)
	}

	r.Body = http.MaxBytesReader(w, r.Body, t.upload.MaxBodyBytes)

	ceilingBytesPerSec := t.upload.RateCeilingMbps * 1e6 / 8

	buf := make([]byte, uploadReadBufSize)
	var total int64
	windowStart := time.Now()
	var windowBytes int64

	for {
		n, err := r.Body.Read(buf)
		total += int64(n)
		windowBytes += int64(n)

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds upload cap")
				return
			}
			return // peer disconnect mid-upload
		}

		if elapsed := time.Since(windowStart); elapsed >= uploadSampleInterval {
			ideal := time.Duration(float64(windowBytes) / ceilingBytesPerSec * float64(time.Second))
			if ideal > elapsed {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(ideal - elapsed):
				}
			}
			windowStart = time.Now()
			windowBytes = 0
		}
	}

	if t.metrics != nil {
		t.metrics.BytesReceived.Add(context.Background(), total)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"received_bytes": total,
	})
}

type netflixChunkRequest struct {
	Sequence     uint32 `json:"sequence"`
	ChunkSize    uint32 `json:"chunk_size"`
	QualityLevel uint8  `json:"quality_level"`
	Complexity   uint8  `json:"complexity"`
	ViewerCount  uint16 `json:"viewer_count"`
	BufferLevel  uint16 `json:"buffer_level"`
	SessionID    string `json:"session_id"`
	FlowID       string `json:"flow_id"`
}

// HandleNetflixChunk returns a synthetic video chunk of the requested
// size, headed by the fixed binary layout the client decodes back out.
func (t *Traffic) HandleNetflixChunk(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[netflixChunkRequest](w, r, 1<<20)
	if !ok {
		return
	}

	if req.ChunkSize > 64<<20 {
		writeError(w, http.StatusBadRequest, "chunk size too large")
		return
	}

	data, err := netflix.Encode(netflix.Params{
		Sequence:    req.Sequence,
		TimestampMs: uint32(time.Now().UnixMilli()), // mod 2^32 by truncation
		ChunkSize:   req.ChunkSize,
		ViewerCount: req.ViewerCount,
		Quality:     netflix.Quality(req.QualityLevel),
		Complexity:  req.Complexity,
		BufferLevel: req.BufferLevel,
		SessionID:   req.SessionID,
		FlowID:      req.FlowID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if t.metrics != nil {
		t.metrics.BytesSent.Add(context.Background(), int64(len(data)))
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// HandlePing answers with an empty 200 as fast as possible, echoing back
// the client's consecutive-timeouts header. It is registered both on the
// main surface and on the isolated ping listener, where heavy transfer
// work cannot starve it.
func (t *Traffic) HandlePing(w http.ResponseWriter, r *http.Request) {
	if v := r.Header.Get("X-Consecutive-Timeouts"); v != "" {
		w.Header().Set("X-Consecutive-Timeouts", v)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (t *Traffic) recordReject() {
	if t.metrics != nil {
		t.metrics.RateLimitRejects.Add(context.Background(), 1)
	}
}
