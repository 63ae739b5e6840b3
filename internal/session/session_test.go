package session

import (
	"testing"
	"time"
)

type noopTransport struct{ closed bool }

func (t *noopTransport) Close(reason string) error {
	t.closed = true
	return nil
}

func TestNewTrafficSessionStartsActive(t *testing.T) {
	now := time.Now()
	profile := DefaultProfiles()[PersonaGamer]
	s := NewTrafficSession(NewSessionID(PersonaGamer, now), profile, &noopTransport{}, now)

	if !s.Active() {
		t.Error("expected new session to be active")
	}
	if s.CloseReason() != CloseUnset {
		t.Error("expected no close reason on a fresh session")
	}
}

func TestDeactivateIsIdempotentOnReason(t *testing.T) {
	now := time.Now()
	profile := DefaultProfiles()[PersonaBulk]
	s := NewTrafficSession("bulk_1", profile, &noopTransport{}, now)

	s.Deactivate(CloseInactive)
	s.Deactivate(CloseDisconnected)

	if s.Active() {
		t.Error("expected session to be inactive")
	}
	if s.CloseReason() != CloseInactive {
		t.Errorf("expected first close reason to stick, got %s", s.CloseReason())
	}
}

func TestServerSentBytesMonotonic(t *testing.T) {
	now := time.Now()
	s := NewTrafficSession("s1", DefaultProfiles()[PersonaStreamer], &noopTransport{}, now)

	s.AddServerSent(now, 1000)
	s.AddServerSent(now, 2000)

	got := s.CountersSnapshot(now).ServerSentBytes
	if got != 3000 {
		t.Errorf("expected 3000 bytes sent, got %d", got)
	}
}

func TestExpiryReasonInactivity(t *testing.T) {
	now := time.Now()
	s := NewTrafficSession("s1", DefaultProfiles()[PersonaVideoCall], &noopTransport{}, now)

	later := now.Add(31 * time.Second)
	if reason := s.ExpiryReason(later); reason != CloseInactive {
		t.Errorf("expected CloseInactive, got %s", reason)
	}
}

func TestExpiryReasonDuration(t *testing.T) {
	now := time.Now()
	profile := DefaultProfiles()[PersonaBulk] // high-throughput: 45s cap
	s := NewTrafficSession("s1", profile, &noopTransport{}, now)
	s.Touch(now)

	later := now.Add(46 * time.Second)
	if reason := s.ExpiryReason(later); reason != CloseExpired {
		t.Errorf("expected CloseExpired, got %s", reason)
	}
}

func TestExpiryReasonConnTestFailures(t *testing.T) {
	now := time.Now()
	s := NewTrafficSession("s1", DefaultProfiles()[PersonaGamer], &noopTransport{}, now)
	s.Touch(now)

	s.RecordConnTestFailure()
	s.RecordConnTestFailure()
	if reason := s.ExpiryReason(now); reason != CloseUnset {
		t.Errorf("expected no expiry at 2 failures, got %s", reason)
	}
	s.RecordConnTestFailure()
	if reason := s.ExpiryReason(now); reason != CloseConnTestFailed {
		t.Errorf("expected CloseConnTestFailed at 3 failures, got %s", reason)
	}
}

func TestTouchResetsFailures(t *testing.T) {
	now := time.Now()
	s := NewTrafficSession("s1", DefaultProfiles()[PersonaGamer], &noopTransport{}, now)
	s.RecordConnTestFailure()
	s.RecordConnTestFailure()
	s.Touch(now)
	if reason := s.ExpiryReason(now); reason != CloseUnset {
		t.Errorf("expected failures reset after Touch, got %s", reason)
	}
}

func TestTargetBytesCappedAt64MiB(t *testing.T) {
	now := time.Now()
	profile := UserProfile{Persona: PersonaBulk, DownloadMbps: 100000, Burst: Constant()}
	s := NewTrafficSession("s1", profile, &noopTransport{}, now)

	got := s.TargetBytes(now, time.Second)
	if got != 64<<20 {
		t.Errorf("expected target capped to 64MiB, got %d", got)
	}
}

func TestTargetBytesConstantRate(t *testing.T) {
	now := time.Now()
	// 8 Mb/s => 1,000,000 bytes/s => 100,000 bytes in 100ms.
	profile := UserProfile{Persona: PersonaVideoCall, DownloadMbps: 8, Burst: Constant()}
	s := NewTrafficSession("s1", profile, &noopTransport{}, now)

	got := s.TargetBytes(now, 100*time.Millisecond)
	want := 100_000
	if got != want {
		t.Errorf("expected %d bytes, got %d", want, got)
	}
}

func TestEffectiveRateMbpsFlipsPhase(t *testing.T) {
	now := time.Now()
	bp := TwoPhase(10, 200*time.Millisecond, 1, 100*time.Millisecond)
	bs := NewBurstState(now)

	if r := EffectiveRateMbps(bp, &bs, now); r != 10 {
		t.Errorf("expected active rate 10, got %v", r)
	}

	flipped := now.Add(201 * time.Millisecond)
	if r := EffectiveRateMbps(bp, &bs, flipped); r != 1 {
		t.Errorf("expected idle rate 1 after flip, got %v", r)
	}
	if bs.Phase != PhaseIdle {
		t.Error("expected phase to flip to idle")
	}
	if bs.Cycle != 1 {
		t.Errorf("expected cycle incremented to 1, got %d", bs.Cycle)
	}
}

func TestLatencyBaselineLocksAfterTenSamples(t *testing.T) {
	lt := NewLatencyTracker()
	now := time.Now()

	for i := 0; i < 9; i++ {
		lt.Record(now.Add(time.Duration(i)*time.Millisecond), 20, uint64(i))
	}
	if lt.Snapshot().BaselineEstablished {
		t.Fatal("baseline should not establish before 10 samples")
	}

	lt.Record(now.Add(10*time.Millisecond), 20, 9)
	snap := lt.Snapshot()
	if !snap.BaselineEstablished {
		t.Fatal("expected baseline established at 10 samples")
	}
	if snap.Baseline != 20 {
		t.Errorf("expected baseline 20, got %v", snap.Baseline)
	}

	// A later high-RTT sample must not change the baseline.
	lt.Record(now.Add(11*time.Millisecond), 500, 10)
	snap2 := lt.Snapshot()
	if snap2.Baseline != 20 {
		t.Errorf("expected baseline to stay locked at 20, got %v", snap2.Baseline)
	}
	if snap2.Severity != SeveritySevere {
		t.Errorf("expected severe latency increase, got %v", snap2.Severity)
	}
}

func TestSeverityThresholds(t *testing.T) {
	cases := []struct {
		increase float64
		want     Severity
	}{
		{5, SeverityNone},
		{10, SeverityMild},
		{49, SeverityMild},
		{50, SeverityModerate},
		{199, SeverityModerate},
		{200, SeveritySevere},
	}
	for _, tc := range cases {
		if got := severityFor(tc.increase); got != tc.want {
			t.Errorf("severityFor(%v) = %v, want %v", tc.increase, got, tc.want)
		}
	}
}
