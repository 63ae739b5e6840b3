// Package wsapi is the WebSocket transport for a TrafficSession: frame
// read/dispatch, the ping/pong latency task, and the write path the
// background scheduler drives for shaping ticks. Each worker runs one
// Hub owning one session per connection; writes from the several
// goroutines that share a socket (read loop, latency task, scheduler
// tick) are serialized per connection.
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/librenet/bufferbloat-test/internal/session"
)

// Close codes used on the virtual-household WebSocket, per the wire
// protocol: 1003 unsupported persona, 1008 rate-limited, 1011 internal,
// 1013 at capacity / unavailable, 1014 redirect-to-port.
const (
	StatusUnsupportedPersona websocket.StatusCode = 1003
	StatusRateLimited        websocket.StatusCode = 1008
	StatusInternal           websocket.StatusCode = 1011
	StatusUnavailable        websocket.StatusCode = 1013
	StatusRedirect           websocket.StatusCode = 1014
)

const receivePollTimeout = time.Second

// Connection wraps one accepted WebSocket alongside its TrafficSession.
// All outbound writes go through writeMu so the read loop's replies, the
// latency task's pings, and the scheduler's shaping chunks never
// interleave mid-frame.
type Connection struct {
	ws      *websocket.Conn
	Session *session.TrafficSession

	writeMu sync.Mutex

	cancel context.CancelFunc
}

// New wraps an accepted *websocket.Conn with its session. cancel is
// called when the connection's run loop exits, to stop any
// session-scoped goroutines (the caller's latency task, if separately
// supervised).
func New(ws *websocket.Conn, sess *session.TrafficSession, cancel context.CancelFunc) *Connection {
	return &Connection{ws: ws, Session: sess, cancel: cancel}
}

// WriteText marshals v and sends it as a text frame.
func (c *Connection) WriteText(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// WriteBinary sends data as a single binary frame and, on success,
// advances the session's sent-byte counter.
func (c *Connection) WriteBinary(ctx context.Context, now time.Time, data []byte) error {
	c.writeMu.Lock()
	err := c.ws.Write(ctx, websocket.MessageBinary, data)
	c.writeMu.Unlock()
	if err == nil {
		c.Session.AddServerSent(now, int64(len(data)))
	}
	return err
}

// Close closes the underlying WebSocket with the given status and
// reason, and cancels the connection's context.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.ws.Close(code, reason)
}

// RunReadLoop reads frames until ctx is done or the peer closes,
// dispatching each one per the wire protocol. It returns when the
// session should be torn down; the caller is responsible for closing
// the transport and unregistering the session afterward.
func (c *Connection) RunReadLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.Session.Active() {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, receivePollTimeout)
		typ, data, err := c.ws.Read(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue // bounded poll expiring is not a disconnect
			}
			c.Session.Deactivate(session.CloseDisconnected)
			return
		}

		now := time.Now()
		switch typ {
		case websocket.MessageBinary:
			c.Session.AddServerReceived(now, int64(len(data)))
		case websocket.MessageText:
			c.dispatchText(ctx, now, data)
		}
	}
}

func (c *Connection) dispatchText(ctx context.Context, now time.Time, data []byte) {
	switch typeOf(data) {
	case "ping":
		var in pingIn
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		_ = c.WriteText(ctx, pongOut{
			Type:            "pong",
			Sequence:        in.Sequence,
			Timestamp:       in.Timestamp,
			ServerTimestamp: now.UnixMilli(),
		})

	case "pong":
		var in pongIn
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		rtt := float64(now.UnixMilli()-in.Timestamp)
		if rtt < 0 {
			rtt = 0
		}
		c.Session.Latency.Record(now, rtt, in.Sequence)

	case "real_upload_data", "bulk_upload_data":
		var in uploadSizeNotice
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		c.Session.AddServerReceived(now, in.Size)

	case "client_confirmation":
		var in clientConfirmation
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		c.Session.SetClientReported(in.ReceivedBytes, in.SentBytes)
		c.Session.Touch(now)

	case "stop_test":
		c.Session.Deactivate(session.CloseStopRequested)
		_ = c.WriteText(ctx, stopTestAck{Type: "stop_test_ack"})

	case "connection_test_response":
		c.Session.Touch(now)

	default:
		slog.Debug("wsapi: ignoring unknown frame type", "session", c.Session.ID)
	}
}

// RunLatencyTask sends a ping text frame every 500ms until ctx is done,
// advancing the session's latency sequence counter.
func (c *Connection) RunLatencyTask(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Session.Active() {
				return
			}
			seq := c.Session.Latency.NextSequence()
			_ = c.WriteText(ctx, pingOut{Type: "ping", Sequence: seq, Timestamp: time.Now().UnixMilli()})
		}
	}
}

// SendConnectionTest sends the scheduler's per-tick health-check frame
// with a 1s send deadline, reporting success/failure for the caller to
// feed into the session's connection-test-failure counter.
func (c *Connection) SendConnectionTest(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, time.Second)
	defer cancel()
	return c.WriteText(ctx, connectionTest{Type: "connection_test"}) == nil
}

// SendRealTimeUpdate pushes the current metrics snapshot.
func (c *Connection) SendRealTimeUpdate(ctx context.Context, now time.Time) error {
	counters := c.Session.CountersSnapshot(now)
	lat := c.Session.Latency.Snapshot()

	return c.WriteText(ctx, realTimeUpdate{
		Type:                "real_time_update",
		ServerSentBytes:     counters.ServerSentBytes,
		ServerReceivedBytes: counters.ServerReceivedBytes,
		DownloadRateBps:     counters.DownloadRateBps,
		UploadRateBps:       counters.UploadRateBps,
		LatencyMs:           lat.Mean,
		LatencyIncreaseMs:   lat.LatencyIncreaseMs,
		Severity:            severityName(lat.Severity),
	})
}

// SendMultistreamChunk sends one sub-stream's demux header followed by
// its binary payload. The write mutex is held across both frames, so no
// other writer can slip between a header and its chunk.
func (c *Connection) SendMultistreamChunk(ctx context.Context, now time.Time, streamID int, data []byte) error {
	header, err := json.Marshal(multistreamData{Type: "multistream_data", StreamID: streamID, ChunkBytes: len(data)})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = c.ws.Write(ctx, websocket.MessageText, header)
	if err == nil {
		err = c.ws.Write(ctx, websocket.MessageBinary, data)
	}
	c.writeMu.Unlock()

	if err == nil {
		c.Session.AddServerSent(now, int64(len(data)))
	}
	return err
}

// SendUploadRequest asks the client to produce targetBytes of upload
// traffic in the upcoming interval.
func (c *Connection) SendUploadRequest(ctx context.Context, targetBytes int) error {
	return c.WriteText(ctx, realUploadRequest{Type: "real_upload_request", TargetBytes: targetBytes})
}

// SendSessionInfo announces the session's persona and profile right
// after admission.
func (c *Connection) SendSessionInfo(ctx context.Context, persona string, downloadMbps, uploadMbps float64) error {
	return c.WriteText(ctx, sessionInfo{
		Type:         "session_info",
		SessionID:    c.Session.ID,
		Persona:      persona,
		DownloadMbps: downloadMbps,
		UploadMbps:   uploadMbps,
	})
}

// SendSessionComplete announces final teardown with the recorded reason.
func (c *Connection) SendSessionComplete(ctx context.Context, reason string) error {
	return c.WriteText(ctx, sessionComplete{Type: "session_complete", SessionID: c.Session.ID, Reason: reason})
}

func severityName(s session.Severity) string {
	switch s {
	case session.SeverityNone:
		return "none"
	case session.SeverityMild:
		return "mild"
	case session.SeverityModerate:
		return "moderate"
	case session.SeveritySevere:
		return "severe"
	default:
		return "none"
	}
}
