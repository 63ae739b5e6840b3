// Package scheduler runs one cooperative tick loop per worker process:
// cleanup, connection-test validation, shaping, and metrics emission, all
// paced to a fixed interval. It is the single place that mutates session
// lifecycle state, so the session package itself never needs its own
// background goroutine per session.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/librenet/bufferbloat-test/internal/pool"
	"github.com/librenet/bufferbloat-test/internal/session"
	"github.com/librenet/bufferbloat-test/internal/wsapi"
)

const bulkStreamMbpsThreshold = 1000 // >= 1 Gb/s takes one contiguous slice

// multiStreamCount is the fixed sub-stream fan-out when multi-stream
// shaping is enabled; sub-stream 0 takes any remainder bytes.
const multiStreamCount = 4

// Scheduler drives every registered connection in a Hub through one
// cleanup/validate/shape/emit pass per tick.
type Scheduler struct {
	hub         *wsapi.Hub
	pool        *pool.Pool
	clock       func() time.Time
	multiStream bool
}

// New returns a Scheduler for hub, drawing shaping bytes from p.
func New(hub *wsapi.Hub, p *pool.Pool) *Scheduler {
	return &Scheduler{hub: hub, pool: p, clock: time.Now}
}

// EnableMultiStream switches high-rate sessions from one contiguous
// slice per tick to four headered sub-streams the peer demultiplexes,
// for clients whose per-message receive path caps out below the
// session's target rate.
func (s *Scheduler) EnableMultiStream() {
	s.multiStream = true
}

// Run blocks, ticking every interval until ctx is done. Each persona
// worker runs its own Scheduler at its profile's TickInterval.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := s.clock()
			s.tick(ctx)
			elapsed := s.clock().Sub(start)
			if elapsed > interval {
				slog.Warn("scheduler: tick overran its interval", "elapsed", elapsed, "interval", interval)
			}
			// Ticker already paces subsequent fires to the interval; an
			// overrun tick is simply absorbed by a skipped/delayed next
			// fire rather than double-ticking.
		}
	}
}

// tick runs the four phases in order: cleanup, validate, shape, emit.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock()
	s.cleanup(now)
	s.validate(ctx)
	s.shapeAndEmit(ctx, now)
}

// cleanup removes every connection whose session has expired, closing its
// transport and dropping it from the hub. This runs first so shaping
// never spends effort on a session already doomed.
func (s *Scheduler) cleanup(now time.Time) {
	var doomed []string
	s.hub.Range(func(c *wsapi.Connection) {
		if reason := c.Session.ExpiryReason(now); reason != session.CloseUnset {
			c.Session.Deactivate(reason)
			doomed = append(doomed, c.Session.ID)
		} else if !c.Session.Active() {
			doomed = append(doomed, c.Session.ID)
		}
	})
	for _, id := range doomed {
		s.hub.Remove(id)
	}
}

// validate sends one connection-test frame per live session with a 1s
// deadline, incrementing the failure counter on timeout or send error.
func (s *Scheduler) validate(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	s.hub.Range(func(c *wsapi.Connection) {
		g.Go(func() error {
			if c.SendConnectionTest(gctx) {
				c.Session.Touch(s.clock())
			} else {
				c.Session.RecordConnTestFailure()
			}
			return nil
		})
	})
	_ = g.Wait()
}

// shapeAndEmit runs one shaping tick plus a metrics push per live session,
// fanned out with an errgroup, one goroutine per session and no
// concurrency bound, since each session's byte shaping
// and frame sends are independent of every other session's.
func (s *Scheduler) shapeAndEmit(ctx context.Context, now time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	s.hub.Range(func(c *wsapi.Connection) {
		g.Go(func() error {
			if !c.Session.Active() {
				return nil
			}
			c.Session.ApplyPendingProfile(now)
			s.shapeOne(gctx, c, now)
			if c.Session.Active() {
				_ = c.SendRealTimeUpdate(gctx, now)
			}
			return nil
		})
	})
	_ = g.Wait()
}

// shapeOne sends target_bytes of downstream traffic to one session, then
// requests a matching amount of upload traffic from the peer. It stops
// early and deactivates the session on a send error, except that every
// 20 chunks it also re-checks Active so a stop_test is observed promptly
// mid-burst.
func (s *Scheduler) shapeOne(ctx context.Context, c *wsapi.Connection, now time.Time) {
	targetBytes := c.Session.TargetBytes(now, c.Session.Profile.TickInterval())
	if targetBytes <= 0 {
		return
	}

	sent := 0
	chunkIndex := 0

	if c.Session.Profile.DownloadMbps >= bulkStreamMbpsThreshold {
		if s.multiStream {
			sent = s.shapeMultiStream(ctx, c, now, targetBytes)
			if sent < 0 {
				return
			}
		} else {
			data := s.pool.GetBulk(targetBytes)
			if err := c.WriteBinary(ctx, now, data); err != nil {
				c.Session.Deactivate(session.CloseDisconnected)
				return
			}
			sent = len(data)
		}
	} else {
		for sent < targetBytes {
			remaining := targetBytes - sent
			chunk := s.pool.GetWarmupChunk(chunkIndex)
			if remaining < len(chunk) {
				chunk = chunk[:remaining]
			}
			if err := c.WriteBinary(ctx, now, chunk); err != nil {
				c.Session.Deactivate(session.CloseDisconnected)
				return
			}
			sent += len(chunk)
			chunkIndex++

			if chunkIndex%20 == 0 && !c.Session.Active() {
				return
			}
		}
	}

	_ = c.SendUploadRequest(ctx, sent)
}

// shapeMultiStream splits targetBytes across four headered sub-streams;
// sub-stream 0 carries the remainder. Returns bytes sent, or -1 after a
// send failure (the session is deactivated before returning).
func (s *Scheduler) shapeMultiStream(ctx context.Context, c *wsapi.Connection, now time.Time, targetBytes int) int {
	per := targetBytes / multiStreamCount
	rem := targetBytes % multiStreamCount

	sent := 0
	for streamID := 0; streamID < multiStreamCount; streamID++ {
		n := per
		if streamID == 0 {
			n += rem
		}
		if n == 0 {
			continue
		}
		data := s.pool.GetBulk(n)
		if err := c.SendMultistreamChunk(ctx, now, streamID, data); err != nil {
			c.Session.Deactivate(session.CloseDisconnected)
			return -1
		}
		sent += len(data)
	}
	return sent
}
