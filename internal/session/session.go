package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CloseReason records why a session ended, for logging and for the
// persisted SessionSummary row.
type CloseReason string

const (
	CloseUnset          CloseReason = ""
	CloseInactive       CloseReason = "inactive"
	CloseExpired        CloseReason = "expired"
	CloseDisconnected   CloseReason = "disconnected"
	CloseStopRequested  CloseReason = "stop_requested"
	CloseConnTestFailed CloseReason = "connection_test_failed"
	CloseInternalError  CloseReason = "internal_error"
)

const (
	inactivityTimeout    = 30 * time.Second
	connTestFailureLimit = 3
	rateWindowInterval   = 2 * time.Second
)

// rateWindow tracks the bytes moved in the current 2s window, distinct
// from the cumulative total, so callers can report an instantaneous rate.
type rateWindow struct {
	mu          sync.Mutex
	bytes       int64
	windowStart time.Time
}

func newRateWindow(now time.Time) *rateWindow {
	return &rateWindow{windowStart: now}
}

// Add records n bytes in the window, resetting atomically if the 2s
// interval has elapsed.
func (w *rateWindow) Add(now time.Time, n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart) >= rateWindowInterval {
		w.bytes = 0
		w.windowStart = now
	}
	w.bytes += n
}

// Snapshot returns the current window's byte count and duration elapsed
// since it started, without resetting it.
func (w *rateWindow) Snapshot(now time.Time) (bytes int64, elapsed time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes, now.Sub(w.windowStart)
}

// Transport is the minimal surface TrafficSession needs from a WebSocket
// connection, so the session package does not import the transport
// library directly.
type Transport interface {
	Close(reason string) error
}

// TrafficSession owns all per-connection state for one persona test:
// profile, burst state, latency tracker, byte counters, and lifecycle
// bookkeeping. A TrafficSession does not own its transport's read/write
// loop; wsapi.Connection drives that and calls into TrafficSession's
// counters and shaping helpers.
type TrafficSession struct {
	ID      string
	Persona Persona
	Profile UserProfile

	Transport Transport

	Burst   BurstState
	Latency *LatencyTracker

	serverSentBytes     atomic.Int64
	serverReceivedBytes atomic.Int64
	clientReportedRecv  atomic.Int64
	clientReportedSent  atomic.Int64

	downloadWindow *rateWindow
	uploadWindow   *rateWindow

	pendingProfile atomic.Pointer[UserProfile]

	StartTime time.Time

	mu                     sync.Mutex
	lastActivity           time.Time
	active                 bool
	connectionTestFailures int
	closeReason            CloseReason
}

// NewTrafficSession creates a session for persona/profile over transport,
// starting its burst state and activity clock at now.
func NewTrafficSession(id string, profile UserProfile, transport Transport, now time.Time) *TrafficSession {
	return &TrafficSession{
		ID:             id,
		Persona:        profile.Persona,
		Profile:        profile,
		Transport:      transport,
		Burst:          NewBurstState(now),
		Latency:        NewLatencyTracker(),
		downloadWindow: newRateWindow(now),
		uploadWindow:   newRateWindow(now),
		StartTime:      now,
		lastActivity:   now,
		active:         true,
	}
}

// NewSessionID builds the opaque `<persona>_<ms>` session id convention
// the stop-session endpoint parses back out.
func NewSessionID(persona Persona, now time.Time) string {
	return fmt.Sprintf("%s_%d", persona, now.UnixMilli())
}

// Active reports whether the session is still eligible for shaping.
func (s *TrafficSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Deactivate flips active to false and records the close reason, if one
// is not already set. Idempotent: later calls with a different reason do
// not overwrite the first.
func (s *TrafficSession) Deactivate(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	if s.closeReason == CloseUnset {
		s.closeReason = reason
	}
}

// CloseReason returns the recorded close reason, or CloseUnset if the
// session is still active or was never deactivated through Deactivate.
func (s *TrafficSession) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Touch stamps last_activity to now and resets connection-test failures,
// called when a client_confirmation or connection_test_response frame
// arrives and after a successful connection-test send.
func (s *TrafficSession) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	s.connectionTestFailures = 0
}

// RecordConnTestFailure increments the failure count and returns the new
// total.
func (s *TrafficSession) RecordConnTestFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionTestFailures++
	return s.connectionTestFailures
}

// ExpiryReason evaluates the three expiry conditions against now and
// returns the reason the session should be torn down, or CloseUnset if
// it is still healthy. The duration cap is checked first, so a session
// past its cap reports CloseExpired even when it has also gone inactive.
func (s *TrafficSession) ExpiryReason(now time.Time) CloseReason {
	s.mu.Lock()
	lastActivity := s.lastActivity
	failures := s.connectionTestFailures
	s.mu.Unlock()

	if now.Sub(s.StartTime) > s.Profile.MaxSessionDuration() {
		return CloseExpired
	}
	if now.Sub(lastActivity) > inactivityTimeout {
		return CloseInactive
	}
	if failures >= connTestFailureLimit {
		return CloseConnTestFailed
	}
	return CloseUnset
}

// AddServerSent adds n to the monotonically non-decreasing sent-byte
// counter and the 2s download rate window.
func (s *TrafficSession) AddServerSent(now time.Time, n int64) {
	s.serverSentBytes.Add(n)
	s.downloadWindow.Add(now, n)
}

// AddServerReceived adds n to the received-byte counter and the 2s
// upload rate window.
func (s *TrafficSession) AddServerReceived(now time.Time, n int64) {
	s.serverReceivedBytes.Add(n)
	s.uploadWindow.Add(now, n)
}

// SetClientReported records the client's authoritative self-reported
// counters from a client_confirmation message.
func (s *TrafficSession) SetClientReported(received, sent int64) {
	s.clientReportedRecv.Store(received)
	s.clientReportedSent.Store(sent)
}

// Counters is an immutable snapshot of a session's byte counters and
// instantaneous rates, suitable for a real_time_update frame.
type Counters struct {
	ServerSentBytes     int64
	ServerReceivedBytes int64
	ClientReportedRecv  int64
	ClientReportedSent  int64
	DownloadRateBps     float64
	UploadRateBps       float64
}

// CountersSnapshot reads all counters and computes instantaneous rates
// from the current 2s windows without resetting them.
func (s *TrafficSession) CountersSnapshot(now time.Time) Counters {
	dlBytes, dlElapsed := s.downloadWindow.Snapshot(now)
	ulBytes, ulElapsed := s.uploadWindow.Snapshot(now)

	return Counters{
		ServerSentBytes:     s.serverSentBytes.Load(),
		ServerReceivedBytes: s.serverReceivedBytes.Load(),
		ClientReportedRecv:  s.clientReportedRecv.Load(),
		ClientReportedSent:  s.clientReportedSent.Load(),
		DownloadRateBps:     bitsPerSecond(dlBytes, dlElapsed),
		UploadRateBps:       bitsPerSecond(ulBytes, ulElapsed),
	}
}

func bitsPerSecond(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}

// RequestProfileUpdate queues profile as the session's next profile,
// applied by ApplyPendingProfile at the start of the next shaping tick
// rather than in place, so a tick already in progress always finishes
// against a single consistent profile.
func (s *TrafficSession) RequestProfileUpdate(profile UserProfile) {
	s.pendingProfile.Store(&profile)
}

// ApplyPendingProfile swaps in a queued profile update, if any, and
// resets burst state to the active phase so the new pattern starts
// cleanly rather than mid-cycle against stale phase timing.
func (s *TrafficSession) ApplyPendingProfile(now time.Time) {
	p := s.pendingProfile.Swap(nil)
	if p == nil {
		return
	}
	s.Profile = *p
	s.Burst = NewBurstState(now)
}

// TargetBytes computes the byte budget for one shaping tick of duration
// tickInterval, given the burst pattern's current effective rate. Capped
// to 64 MiB per the data pool's largest buffer.
func (s *TrafficSession) TargetBytes(now time.Time, tickInterval time.Duration) int {
	rateMbps := s.Profile.DownloadMbps
	if s.Profile.Burst.Kind == BurstTwoPhase {
		rateMbps = EffectiveRateMbps(s.Profile.Burst, &s.Burst, now)
	}

	bytesPerSecond := rateMbps * 1_000_000 / 8
	target := int(bytesPerSecond * tickInterval.Seconds())

	const maxTickBytes = 64 << 20
	if target > maxTickBytes {
		target = maxTickBytes
	}
	if target < 0 {
		target = 0
	}
	return target
}
