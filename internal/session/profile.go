// Package session implements the per-WebSocket traffic session domain
// model: user profiles, burst-pattern shaping, latency tracking, and the
// TrafficSession that ties them to byte counters and lifecycle bounds.
package session

import "time"

// Persona identifies one of the four virtual-household roles. Each maps to
// a fixed worker port at the supervisor layer.
type Persona string

const (
	PersonaGamer     Persona = "gamer"
	PersonaVideoCall Persona = "video-call"
	PersonaStreamer  Persona = "streamer"
	PersonaBulk      Persona = "bulk"
)

// Valid reports whether p is one of the four known personas.
func (p Persona) Valid() bool {
	switch p {
	case PersonaGamer, PersonaVideoCall, PersonaStreamer, PersonaBulk:
		return true
	default:
		return false
	}
}

// BurstKind tags the shape of a UserProfile's BurstPattern.
type BurstKind int

const (
	// BurstConstant emits at the profile rate continuously.
	BurstConstant BurstKind = iota
	// BurstTwoPhase alternates between an active and an idle rate on a
	// fixed period, covering the streaming persona's fill-then-idle cycle
	// and the bulk persona's burst/background cycle.
	BurstTwoPhase
)

// BurstPattern is a tagged variant: Constant or TwoPhase. Only the fields
// relevant to Kind are meaningful.
type BurstPattern struct {
	Kind BurstKind

	ActiveRateMbps   float64
	ActiveDuration   time.Duration
	IdleRateMbps     float64
	IdleDuration     time.Duration
}

// Constant returns a BurstPattern that always shapes at rateMbps.
func Constant() BurstPattern {
	return BurstPattern{Kind: BurstConstant}
}

// TwoPhase returns a periodic square-wave BurstPattern.
func TwoPhase(activeRateMbps float64, activeDuration time.Duration, idleRateMbps float64, idleDuration time.Duration) BurstPattern {
	return BurstPattern{
		Kind:           BurstTwoPhase,
		ActiveRateMbps: activeRateMbps,
		ActiveDuration: activeDuration,
		IdleRateMbps:   idleRateMbps,
		IdleDuration:   idleDuration,
	}
}

// UserProfile describes one persona's target shaping behavior. It is
// immutable after adjustment: /update-profile replaces it with a new value,
// it never mutates fields in place, so concurrent readers never observe a
// torn profile.
type UserProfile struct {
	Persona        Persona
	Name           string
	DownloadMbps   float64
	UploadMbps     float64
	Burst          BurstPattern
}

// HighThroughput reports whether the profile's download target is high
// enough to use the shorter session-duration cap and tick interval.
func (p UserProfile) HighThroughput() bool {
	return p.DownloadMbps >= 100
}

// TickInterval is the scheduler tick period a profile's throughput target
// requires: 100ms at or above 25 Mb/s, 250ms otherwise.
func (p UserProfile) TickInterval() time.Duration {
	if p.DownloadMbps >= 25 {
		return 100 * time.Millisecond
	}
	return 250 * time.Millisecond
}

// MaxSessionDuration is 45s for high-throughput personas, 60s otherwise.
func (p UserProfile) MaxSessionDuration() time.Duration {
	if p.HighThroughput() {
		return 45 * time.Second
	}
	return 60 * time.Second
}

// DefaultProfiles returns the canonical persona profiles, keyed by
// persona.
func DefaultProfiles() map[Persona]UserProfile {
	return map[Persona]UserProfile{
		PersonaGamer: {
			Persona: PersonaGamer, Name: "Gamer", DownloadMbps: 5, UploadMbps: 5,
			Burst: TwoPhase(8, 200*time.Millisecond, 2, 800*time.Millisecond),
		},
		PersonaVideoCall: {
			Persona: PersonaVideoCall, Name: "Video Call", DownloadMbps: 3, UploadMbps: 3,
			Burst: Constant(),
		},
		PersonaStreamer: {
			Persona: PersonaStreamer, Name: "Video Streamer", DownloadMbps: 25, UploadMbps: 3,
			Burst: TwoPhase(40, 4*time.Second, 5, 6*time.Second),
		},
		PersonaBulk: {
			Persona: PersonaBulk, Name: "Bulk Download", DownloadMbps: 200, UploadMbps: 100,
			Burst: TwoPhase(200, 8*time.Second, 20, 4*time.Second),
		},
	}
}

// BurstPhase identifies which half of a TwoPhase cycle is current.
type BurstPhase int

const (
	PhaseActive BurstPhase = iota
	PhaseIdle
)

// BurstState is the per-session mutable shaping state derived from a
// profile's BurstPattern. Transitions are computed on each shaping tick
// from wall-clock elapsed time in the current phase; there is no timer.
type BurstState struct {
	Phase      BurstPhase
	PhaseStart time.Time
	Cycle      int
}

// NewBurstState starts a session in the active phase at the given time.
func NewBurstState(now time.Time) BurstState {
	return BurstState{Phase: PhaseActive, PhaseStart: now}
}

// EffectiveRateMbps returns the current shaping rate for pattern bp given
// state bs at time now, flipping bs's phase (and bumping Cycle) in place if
// the current phase's duration has elapsed.
func EffectiveRateMbps(bp BurstPattern, bs *BurstState, now time.Time) float64 {
	if bp.Kind == BurstConstant {
		return 0 // caller falls back to profile.DownloadMbps
	}

	elapsed := now.Sub(bs.PhaseStart)
	switch bs.Phase {
	case PhaseActive:
		if elapsed >= bp.ActiveDuration {
			bs.Phase = PhaseIdle
			bs.PhaseStart = now
			bs.Cycle++
			return bp.IdleRateMbps
		}
		return bp.ActiveRateMbps
	case PhaseIdle:
		if elapsed >= bp.IdleDuration {
			bs.Phase = PhaseActive
			bs.PhaseStart = now
			return bp.ActiveRateMbps
		}
		return bp.IdleRateMbps
	default:
		return bp.ActiveRateMbps
	}
}
