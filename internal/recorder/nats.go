package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/accord/internal/config"
)

// NATSRecorder publishes each event as JSON to <prefix>.<event type>, e.g.
//
//	accord.events.debate.resolved
type NATSRecorder struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATSRecorder publishes on an existing connection. The caller keeps
// ownership of nc.
func NewNATSRecorder(nc *nats.Conn, prefix string) *NATSRecorder {
	if prefix == "" {
		prefix = config.DefaultSubjectPrefix
	}
	return &NATSRecorder{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Dial connects using the events config. Close releases the connection.
func Dial(cfg config.EventsConfig) (*NATSRecorder, error) {
	opts := []nats.Option{nats.Name("accord")}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	if d := cfg.Timeout.Duration(); d > 0 {
		opts = append(opts, nats.Timeout(d))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	r := NewNATSRecorder(nc, cfg.SubjectPrefix)
	r.owned = true
	return r, nil
}

// Subject returns the subject an event type is published on.
func (r *NATSRecorder) Subject(t EventType) string {
	return r.prefix + "." + string(t)
}

// Record implements Recorder.
func (r *NATSRecorder) Record(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.nc.Publish(r.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending publishes and, for connections opened by Dial,
// closes the connection.
func (r *NATSRecorder) Close() error {
	if !r.owned {
		return r.nc.Flush()
	}
	return r.nc.Drain()
}
