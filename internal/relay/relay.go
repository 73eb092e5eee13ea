// Package relay publishes session events to NATS so external observers can
// watch a run live. The relay is strictly optional: a missing or failing
// broker never affects the session itself.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openloop/harness/internal/event"
	"github.com/openloop/harness/internal/logging"
)

// publisher is the broker surface the relay needs. *nats.Conn satisfies it.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Relay forwards events for one run. The zero-value (nil) Relay is a no-op,
// so callers never branch on whether relaying is configured.
type Relay struct {
	conn publisher
	log  *logging.Logger
}

// wireEvent is the published JSON shape.
type wireEvent struct {
	Session string            `json:"session"`
	Type    string            `json:"type"`
	Content string            `json:"content,omitempty"`
	Name    string            `json:"name,omitempty"`
	Args    map[string]any    `json:"args,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	Time    time.Time         `json:"time"`
}

// Connect dials the broker. An empty URL returns a nil Relay, which is valid
// and inert.
func Connect(url string, log *logging.Logger) (*Relay, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("harness-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay broker: %w", err)
	}
	return &Relay{conn: conn, log: log.WithComponent("relay")}, nil
}

// Publish forwards one event on harness.session.<id>.events. Failures are
// logged and swallowed.
func (r *Relay) Publish(sessionID string, ev event.Event) {
	if r == nil {
		return
	}
	payload := wireEvent{
		Session: sessionID,
		Type:    string(ev.Type),
		Content: ev.Content,
		Name:    ev.Name,
		Args:    ev.Args,
		Meta:    ev.Meta,
		Time:    time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("relay marshal failed", logging.Fields{"error": err})
		return
	}
	subject := fmt.Sprintf("harness.session.%s.events", sessionID)
	if err := r.conn.Publish(subject, data); err != nil {
		r.log.Warn("relay publish failed", logging.Fields{"subject": subject, "error": err})
	}
}

// Close drains pending publishes and disconnects.
func (r *Relay) Close() {
	if r == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.log.Warn("relay drain failed", logging.Fields{"error": err})
	}
}
