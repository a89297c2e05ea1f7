// Package recorder notifies an external memory or knowledge layer of
// coordination outcomes.
//
// Recording is one-way and best effort. Components call Notify, which logs
// and swallows every failure (including panics) so a broken recorder can
// never fail the coordination operation that produced the event.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/clock"
)

// EventType names an outcome. Types are dotted so they can be appended to a
// subject prefix.
type EventType string

const (
	EscalationOpened        EventType = "escalation.opened"
	EscalationStatusChanged EventType = "escalation.status_changed"
	DebateResolved          EventType = "debate.resolved"
	DebateExhausted         EventType = "debate.exhausted"
	OrchestrationCompleted  EventType = "orchestration.completed"
	OrchestrationFailed     EventType = "orchestration.failed"
)

// Event is a coordination outcome.
type Event struct {
	Type            EventType       `json:"type"`
	Source          string          `json:"source"`
	EntityID        string          `json:"entity_id"`
	OrchestrationID string          `json:"orchestration_id,omitempty"`
	Outcome         string          `json:"outcome,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	At              clock.Timestamp `json:"at"`
}

// Recorder receives coordination outcomes.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) error { return nil }

// Func adapts a function to Recorder.
type Func func(ctx context.Context, ev Event) error

// Record implements Recorder.
func (f Func) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every recorder and joins their errors.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogRecorder writes events to a zap logger.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder returns a recorder that logs each event at info.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger.Named("recorder")}
}

// Record implements Recorder.
func (r *LogRecorder) Record(_ context.Context, ev Event) error {
	r.logger.Info("coordination event",
		zap.String("type", string(ev.Type)),
		zap.String("source", ev.Source),
		zap.String("entity_id", ev.EntityID),
		zap.String("orchestration_id", ev.OrchestrationID),
		zap.String("outcome", ev.Outcome),
		zap.String("summary", ev.Summary),
		zap.Strings("tags", ev.Tags),
	)
	return nil
}

// Buffer keeps events in memory.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Recorder.
func (b *Buffer) Record(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Notify delivers ev to r. Errors and panics are logged, never returned.
func Notify(ctx context.Context, r Recorder, logger *zap.Logger, ev Event) {
	if r == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("event recorder panicked",
				zap.String("type", string(ev.Type)),
				zap.String("entity_id", ev.EntityID),
				zap.String("panic", fmt.Sprint(p)),
			)
		}
	}()
	if err := r.Record(ctx, ev); err != nil {
		logger.Warn("failed to record event",
			zap.String("type", string(ev.Type)),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err),
		)
	}
}
