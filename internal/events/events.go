// Package events publishes run lifecycle events.
//
// Events are published to NATS on the subject
//
//	runs.{caller_id}.{run_id}.{type}
//
// so a client can follow one run with runs.*.{run_id}.* or every run of a
// caller with runs.{caller_id}.>.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type is the event name, the last subject token.
type Type string

const (
	Submitted Type = "submitted"
	Started   Type = "started"
	Phase     Type = "phase"
	Suspended Type = "suspended"
	Resumed   Type = "resumed"
	Completed Type = "completed"
	Failed    Type = "failed"
	Cancelled Type = "cancelled"
)

// Terminal reports whether no further events follow t for the run.
func (t Type) Terminal() bool {
	return t == Completed || t == Failed || t == Cancelled
}

// Event is one lifecycle notification.
type Event struct {
	Type     Type      `json:"type"`
	RunID    string    `json:"run_id"`
	CallerID string    `json:"caller_id"`
	Phase    string    `json:"phase,omitempty"`
	Round    int       `json:"round"`
	Outcome  string    `json:"outcome,omitempty"`
	Error    string    `json:"error,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Subject returns the NATS subject for e.
func (e Event) Subject() string {
	return Subject(e.CallerID, e.RunID, e.Type)
}

// Subject builds runs.{caller}.{run}.{type}. Empty tokens become "_" and
// NATS separators are replaced so a caller ID cannot widen the subject.
func Subject(callerID, runID string, t Type) string {
	return fmt.Sprintf("runs.%s.%s.%s", token(callerID), token(runID), t)
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Publisher sends lifecycle events. Publishing never blocks a run; callers
// log returned errors and continue.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// NATS publishes events as JSON.
type NATS struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, logger: logger}
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("itemforge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return NewNATS(nc, logger), nil
}

// Publish implements Publisher.
func (p *NATS) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(e.Subject(), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Subscribe delivers the events of one run to fn until the returned
// function is called.
func (p *NATS) Subscribe(runID string, fn func(Event)) (func(), error) {
	sub, err := p.nc.Subscribe(fmt.Sprintf("runs.*.%s.*", token(runID)), func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			p.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection.
func (p *NATS) Close() error {
	return p.nc.Drain()
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
