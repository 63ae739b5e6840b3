package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{
		MaxConcurrentDownloads:  3,
		MaxConcurrentUploads:    100,
		MaxConcurrentWebsockets: 4,
		MaxTestsPerHour:         16,
		MaxBytesPerHour:         45 << 30,
		CleanupInterval:         time.Hour,
		MaxIdleTime:             time.Hour,
	}
}

func TestAcquireDownloadEnforcesConcurrencyCap(t *testing.T) {
	l := New(testLimits())
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, _ := l.AcquireDownload("1.2.3.4")
		if !ok {
			t.Fatalf("download %d: expected acquire to succeed", i)
		}
	}

	ok, reason := l.AcquireDownload("1.2.3.4")
	if ok {
		t.Fatal("expected 4th concurrent download to be rejected")
	}
	if reason == "" {
		t.Error("expected a rejection reason")
	}
}

func TestAcquireDownloadOtherIPsUnaffected(t *testing.T) {
	l := New(testLimits())
	defer l.Close()

	for i := 0; i < 3; i++ {
		if ok, _ := l.AcquireDownload("1.2.3.4"); !ok {
			t.Fatalf("expected acquire %d to succeed for first IP", i)
		}
	}

	ok, _ := l.AcquireDownload("5.6.7.8")
	if !ok {
		t.Fatal("expected a different IP to be unaffected by the first IP's cap")
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	l := New(testLimits())
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.AcquireDownload("1.2.3.4")
	}
	l.Release("1.2.3.4", ResourceDownload)

	ok, _ := l.AcquireDownload("1.2.3.4")
	if !ok {
		t.Fatal("expected acquire to succeed after a release")
	}
}

func TestAcquireDownloadRejectsOverHourlyTestCount(t *testing.T) {
	limits := testLimits()
	limits.MaxTestsPerHour = 2
	l := New(limits)
	defer l.Close()

	for i := 0; i < 2; i++ {
		ok, _ := l.AcquireDownload("1.2.3.4")
		if !ok {
			t.Fatalf("test %d: expected acquire to succeed", i)
		}
		l.Release("1.2.3.4", ResourceDownload)
	}

	ok, _ := l.AcquireDownload("1.2.3.4")
	if ok {
		t.Fatal("expected 3rd test within the hour to be rejected")
	}
}

func TestAcquireDownloadRejectsOverHourlyByteQuota(t *testing.T) {
	limits := testLimits()
	limits.MaxBytesPerHour = 1000
	l := New(limits)
	defer l.Close()

	l.AcquireDownload("1.2.3.4")
	l.RecordDownloadBytes("1.2.3.4", 1000)
	l.Release("1.2.3.4", ResourceDownload)

	ok, _ := l.AcquireDownload("1.2.3.4")
	if ok {
		t.Fatal("expected acquire to be rejected once the byte quota is exhausted")
	}
}

func TestAcquireWebSocketEnforcesCap(t *testing.T) {
	l := New(testLimits())
	defer l.Close()

	for i := 0; i < 4; i++ {
		if ok, _ := l.AcquireWebSocket("9.9.9.9"); !ok {
			t.Fatalf("websocket %d: expected acquire to succeed", i)
		}
	}
	if ok, _ := l.AcquireWebSocket("9.9.9.9"); ok {
		t.Fatal("expected 5th concurrent websocket to be rejected")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.2")

	if got := ClientIP(r); got != "203.0.113.5" {
		t.Errorf("expected first X-Forwarded-For hop, got %q", got)
	}
}

func TestClientIPFallsBackToRealIPThenPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Real-Ip", "203.0.113.9")

	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("expected X-Real-Ip, got %q", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r2.RemoteAddr = "10.0.0.1:1234"
	if got := ClientIP(r2); got != "10.0.0.1" {
		t.Errorf("expected peer address fallback, got %q", got)
	}
}

func TestBypassRequiresConfiguredToken(t *testing.T) {
	l := New(testLimits())
	defer l.Close()

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.Header.Set("Authorization", "Bearer fleet-secret")
	if l.Bypass(r) {
		t.Fatal("expected no bypass when no fleet tokens are configured")
	}

	limits := testLimits()
	limits.FleetTokens = []string{"fleet-secret"}
	l2 := New(limits)
	defer l2.Close()

	if !l2.Bypass(r) {
		t.Fatal("expected bypass with a matching fleet token")
	}

	r.Header.Set("Authorization", "Bearer wrong-token")
	if l2.Bypass(r) {
		t.Fatal("expected no bypass with a non-matching token")
	}
}
