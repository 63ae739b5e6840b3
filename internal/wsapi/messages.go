package wsapi

import "encoding/json"

// envelope is every text frame's shared shape: a required type tag plus
// whatever fields that type carries. Unknown types are ignored by the
// read loop rather than treated as an error.
type envelope struct {
	Type string `json:"type"`
}

// Client-originated payloads.

type pingIn struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

type pongIn struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

type uploadSizeNotice struct {
	Size int64 `json:"size"`
}

type clientConfirmation struct {
	ReceivedBytes int64 `json:"received_bytes"`
	SentBytes     int64 `json:"sent_bytes"`
}

// Server-originated payloads.

type sessionInfo struct {
	Type         string  `json:"type"`
	SessionID    string  `json:"session_id"`
	Persona      string  `json:"persona"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
}

type realTimeUpdate struct {
	Type                string  `json:"type"`
	ServerSentBytes     int64   `json:"server_sent_bytes"`
	ServerReceivedBytes int64   `json:"server_received_bytes"`
	DownloadRateBps     float64 `json:"download_rate_bps"`
	UploadRateBps       float64 `json:"upload_rate_bps"`
	LatencyMs           float64 `json:"latency_ms"`
	LatencyIncreaseMs   float64 `json:"latency_increase_ms"`
	Severity            string  `json:"severity"`
}

type sessionComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type pingOut struct {
	Type      string `json:"type"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

type pongOut struct {
	Type            string `json:"type"`
	Sequence        uint64 `json:"sequence"`
	Timestamp       int64  `json:"timestamp"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

type realUploadRequest struct {
	Type        string `json:"type"`
	TargetBytes int    `json:"target_bytes"`
}

type connectionTest struct {
	Type string `json:"type"`
}

type stopTestAck struct {
	Type string `json:"type"`
}

type multistreamData struct {
	Type       string `json:"type"`
	StreamID   int    `json:"stream_id"`
	ChunkBytes int    `json:"chunk_bytes"`
}

func typeOf(data []byte) string {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return ""
	}
	return e.Type
}
