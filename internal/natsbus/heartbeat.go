// Package natsbus is a thin NATS publisher for the process supervisor's
// heartbeat side channel. A heartbeat has no payload schema to validate,
// no retry/DLQ semantics (a missed heartbeat is superseded by the next
// one), and no JetStream durability requirement, so it uses core NATS
// publish/subscribe directly.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/librenet/bufferbloat-test/internal/resilience"
)

// Heartbeat is one persona worker's liveness report. ID is a correlation
// id unique per publish so subscribers can dedupe across reconnects.
type Heartbeat struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	Port      int       `json:"port"`
	Sessions  int       `json:"sessions"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes heartbeats to a single subject and lets the supervisor
// subscribe to them as a side channel alongside its own HTTP health polling.
type Bus struct {
	nc      *nats.Conn
	subject string
	breaker *resilience.Breaker
}

// Connect dials url and returns a Bus publishing to subject.
func Connect(url, subject string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("natsbus connect: %w", err)
	}
	return &Bus{nc: nc, subject: subject}, nil
}

// SetBreaker attaches a circuit breaker to the publish path, so a NATS
// outage degrades the heartbeat channel instead of blocking the
// supervisor's own polling loop.
func (b *Bus) SetBreaker(breaker *resilience.Breaker) {
	b.breaker = breaker
}

// Publish sends one heartbeat. Best-effort: the supervisor's own
// HTTP-based health check is authoritative, so a publish failure here is
// logged by the caller, not treated as a restart signal.
func (b *Bus) Publish(hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("natsbus marshal: %w", err)
	}

	publish := func() error {
		return b.nc.Publish(b.subject, data)
	}
	if b.breaker != nil {
		return b.breaker.Execute(publish)
	}
	return publish()
}

// Subscribe registers handler for every heartbeat published to the bus's
// subject, returning an unsubscribe func.
func (b *Bus) Subscribe(ctx context.Context, handler func(Heartbeat)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var hb Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			return
		}
		handler(hb)
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close shuts down the NATS connection.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

// IsConnected reports whether the bus's NATS connection is active.
func (b *Bus) IsConnected() bool {
	return b.nc.IsConnected()
}
