// Package events publishes run lifecycle notifications over NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Type is the lifecycle stage a RunEvent reports.
type Type string

const (
	Started   Type = "started"
	Completed Type = "completed"
	Failed    Type = "failed"
)

// RunEvent describes one state change of a streaming run.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Type      Type      `json:"type"`
	Mode      string    `json:"mode"`
	Frames    int64     `json:"frames"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives run events. Implementations must not block the run
// for long; a failed notification is logged by the caller and ignored.
type Notifier interface {
	Notify(ctx context.Context, ev RunEvent) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, RunEvent) error { return nil }

// Options configures the NATS connection.
type Options struct {
	Servers        []string
	Subject        string // prefix, the event type is appended
	ConnectTimeout time.Duration
	Token          string
}

// Publisher sends RunEvents as JSON to "<subject>.<type>".
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the configured servers.
func Connect(opts Options) (*Publisher, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if opts.Subject == "" {
		opts.Subject = "facecast.run"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}

	options := []nats.Option{
		nats.Name("facecast"),
		nats.Timeout(opts.ConnectTimeout),
	}
	if opts.Token != "" {
		options = append(options, nats.Token(opts.Token))
	}

	url := strings.Join(opts.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Printf("Connected to NATS at %s, publishing on %s.*", url, opts.Subject)
	return &Publisher{conn: conn, subject: opts.Subject}, nil
}

// Notify publishes ev and flushes so the event is on the wire before a
// short-lived process exits.
func (p *Publisher) Notify(ctx context.Context, ev RunEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.subject+"."+string(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return p.conn.FlushWithContext(ctx)
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.conn.Drain()
	p.conn.Close()
}
