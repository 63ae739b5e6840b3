package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "bufferbloat"

// Metrics holds the service's metric instruments: session lifecycle
// counters, byte counters for both traffic directions, admission-control
// rejections, and the per-session latency-increase distribution recorded
// at teardown.
type Metrics struct {
	SessionsStarted   metric.Int64Counter
	SessionsClosed    metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
	BytesSent         metric.Int64Counter
	BytesReceived     metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
	LatencyIncreaseMs metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("bufferbloat.sessions.started",
		metric.WithDescription("Number of WebSocket traffic sessions admitted"))
	if err != nil {
		return nil, err
	}

	m.SessionsClosed, err = meter.Int64Counter("bufferbloat.sessions.closed",
		metric.WithDescription("Number of WebSocket traffic sessions torn down"))
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("bufferbloat.sessions.active",
		metric.WithDescription("Currently registered WebSocket traffic sessions"))
	if err != nil {
		return nil, err
	}

	m.BytesSent, err = meter.Int64Counter("bufferbloat.bytes.sent",
		metric.WithDescription("Bytes streamed to clients across all endpoints"))
	if err != nil {
		return nil, err
	}

	m.BytesReceived, err = meter.Int64Counter("bufferbloat.bytes.received",
		metric.WithDescription("Bytes absorbed from clients across all endpoints"))
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("bufferbloat.ratelimit.rejections",
		metric.WithDescription("Requests refused by the admission layer"))
	if err != nil {
		return nil, err
	}

	m.LatencyIncreaseMs, err = meter.Float64Histogram("bufferbloat.session.latency_increase_ms",
		metric.WithDescription("Latency increase over baseline at session teardown"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
