package netflix

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Params{
		Sequence:    60,
		TimestampMs: 123456,
		ChunkSize:   4096,
		ViewerCount: 7,
		Quality:     Quality1080p,
		Complexity:  5,
		BufferLevel: 200,
		SessionID:   "sess-abc123",
		FlowID:      "flow-xyz789",
	}

	chunk, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunk) != int(p.ChunkSize) {
		t.Fatalf("expected chunk length %d, got %d", p.ChunkSize, len(chunk))
	}

	h, sessionID, flowID, err := Decode(chunk)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if h.Sequence != p.Sequence {
		t.Errorf("sequence: got %d, want %d", h.Sequence, p.Sequence)
	}
	if h.ChunkSize != p.ChunkSize {
		t.Errorf("chunk size: got %d, want %d", h.ChunkSize, p.ChunkSize)
	}
	if h.Quality != p.Quality {
		t.Errorf("quality: got %d, want %d", h.Quality, p.Quality)
	}
	if !h.Keyframe {
		t.Error("expected sequence 60 (multiple of 30) to be a keyframe")
	}
	if sessionID != p.SessionID {
		t.Errorf("session id: got %q, want %q", sessionID, p.SessionID)
	}
	if flowID != p.FlowID {
		t.Errorf("flow id: got %q, want %q", flowID, p.FlowID)
	}
}

func TestKeyframeFlagOnlyOnMultiplesOf30(t *testing.T) {
	cases := []struct {
		seq  uint32
		want bool
	}{
		{0, true},
		{30, true},
		{60, true},
		{1, false},
		{29, false},
		{31, false},
	}

	for _, tc := range cases {
		p := Params{Sequence: tc.seq, ChunkSize: 256, SessionID: "s", FlowID: "f"}
		chunk, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode(seq=%d): %v", tc.seq, err)
		}
		h, _, _, err := Decode(chunk)
		if err != nil {
			t.Fatalf("Decode(seq=%d): %v", tc.seq, err)
		}
		if h.Keyframe != tc.want {
			t.Errorf("sequence %d: keyframe = %v, want %v", tc.seq, h.Keyframe, tc.want)
		}
	}
}

func TestEncodeRejectsUndersizedChunk(t *testing.T) {
	_, err := Encode(Params{ChunkSize: PreludeSize - 1})
	if err == nil {
		t.Fatal("expected error for chunk size smaller than the prelude")
	}
}

func TestEncodeRejectsOversizedIDs(t *testing.T) {
	_, err := Encode(Params{ChunkSize: 256, SessionID: "this-session-id-is-too-long-for-16-bytes"})
	if err == nil {
		t.Fatal("expected error for session id exceeding 16 bytes")
	}
}

func TestDeltaPayloadPattern(t *testing.T) {
	p := Params{Sequence: 5, ChunkSize: PreludeSize + 8, SessionID: "s", FlowID: "f"}
	chunk, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	payload := chunk[PreludeSize:]
	want := 0x11111111 ^ (p.Sequence & 0xFFFF)
	got := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	if got != want {
		t.Errorf("delta word: got %#x, want %#x", got, want)
	}
}
