package escalation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/ids"
	"github.com/fyrsmithlabs/accord/internal/recorder"
	"github.com/fyrsmithlabs/accord/internal/store"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/accord/internal/escalation"
	entityThread        = "escalation"
)

// Service manages escalation threads.
type Service struct {
	store    store.Store
	ids      ids.Generator
	clock    clock.Clock
	logger   *zap.Logger
	recorder recorder.Recorder
	retries  int

	tracer  trace.Tracer
	counter metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithIDs sets the identifier generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the recorder notified of new threads and status changes.
func WithRecorder(r recorder.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithRetries bounds read-modify-write attempts on a contended thread.
func WithRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.retries = n
		}
	}
}

// NewService creates a Service over st. A nil store keeps threads in memory
// for the life of the process.
func NewService(st store.Store, opts ...Option) *Service {
	if st == nil {
		st = store.NewMemoryStore()
	}
	s := &Service{
		store:    st,
		ids:      ids.UUID{},
		clock:    clock.System{},
		logger:   zap.NewNop(),
		recorder: recorder.Nop{},
		retries:  store.DefaultRetries,
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("escalation")

	var err error
	s.counter, err = otel.Meter(instrumentationName).Int64Counter(
		"accord.escalations_total",
		metric.WithDescription("Total number of escalation events by outcome"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create escalation counter", zap.Error(err))
	}
	return s
}

// Open routes req and stores a new pending thread.
func (s *Service) Open(ctx context.Context, req Request) (t *Thread, err error) {
	ctx, span := s.tracer.Start(ctx, "escalation.open", trace.WithAttributes(attribute.String("type", string(req.Type))))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.From) == "" {
		return nil, s.refuse(coorderr.New(coorderr.KindInvalidArgument, entityThread, "", "requester is required"))
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, s.refuse(coorderr.New(coorderr.KindInvalidArgument, entityThread, "", "message is required"))
	}
	if req.Type == "" {
		req.Type = TypeQuestion
	}
	if req.To == "" {
		req.To = AutoTarget
	}

	now := s.clock.Now()
	req.At = now
	t = &Thread{
		ID:        s.ids.New(ids.PrefixEscalation),
		Request:   req,
		RoutedTo:  Route(req),
		Responses: []Response{},
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("escalation_id", t.ID), attribute.String("routed_to", t.RoutedTo))

	if err := s.store.Put(ctx, store.KindEscalation, t.ID, t); err != nil {
		s.logger.Error("failed to persist escalation", zap.String("id", t.ID), zap.Error(err))
		return nil, err
	}
	s.appendActivity(ctx, t.ID, "opened", req)
	s.add(ctx, "opened")

	s.logger.Info("escalation opened",
		zap.String("id", t.ID),
		zap.String("type", string(req.Type)),
		zap.String("from", req.From),
		zap.String("routed_to", t.RoutedTo),
	)
	recorder.Notify(ctx, s.recorder, s.logger, recorder.Event{
		Type:            recorder.EscalationOpened,
		Source:          "escalation",
		EntityID:        t.ID,
		OrchestrationID: req.OrchestrationID,
		Outcome:         string(t.Status),
		Summary:         req.Message,
		Tags:            []string{string(req.Type), t.RoutedTo},
		At:              now,
	})
	return t, nil
}

// Respond appends resp to a thread and recomputes its status. Threads stay
// open to responses whatever their status.
func (s *Service) Respond(ctx context.Context, id string, resp Response) (t *Thread, err error) {
	ctx, span := s.tracer.Start(ctx, "escalation.respond", trace.WithAttributes(attribute.String("escalation_id", id)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(resp.From) == "" {
		return nil, s.refuse(coorderr.New(coorderr.KindInvalidArgument, entityThread, id, "responder is required"))
	}

	var previous Status
	t, err = store.Update(ctx, s.store, store.KindEscalation, id, func(th *Thread) error {
		previous = th.Status
		resp.At = s.clock.Now()
		th.Responses = append(th.Responses, resp)
		th.Status = DeriveStatus(th.Responses)
		th.UpdatedAt = resp.At
		return nil
	}, store.WithRetries(s.retries))
	if err != nil {
		return nil, s.refuse(err)
	}
	s.appendActivity(ctx, t.ID, "responded", resp)

	s.logger.Info("escalation response",
		zap.String("id", t.ID),
		zap.String("from", resp.From),
		zap.Bool("resolved", resp.Resolved),
		zap.String("status", string(t.Status)),
	)
	if t.Status != previous {
		s.add(ctx, string(t.Status))
		recorder.Notify(ctx, s.recorder, s.logger, recorder.Event{
			Type:            recorder.EscalationStatusChanged,
			Source:          "escalation",
			EntityID:        t.ID,
			OrchestrationID: t.Request.OrchestrationID,
			Outcome:         string(t.Status),
			Summary:         resp.Message,
			Tags:            []string{string(t.Request.Type), string(previous)},
			At:              resp.At,
		})
	}
	return t, nil
}

// Get loads a thread.
func (s *Service) Get(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	if err := s.store.Get(ctx, store.KindEscalation, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns the threads matching f, ordered by id.
func (s *Service) List(ctx context.Context, f Filter) ([]*Thread, error) {
	idList, err := s.store.List(ctx, store.KindEscalation)
	if err != nil {
		return nil, err
	}
	var out []*Thread
	for _, id := range idList {
		t, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, coorderr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if f.match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// NeedsUser loads a thread and applies ShouldEscalateToUser.
func (s *Service) NeedsUser(ctx context.Context, id string) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return ShouldEscalateToUser(t), nil
}

// FormatForUser renders t as a message for the end user.
func FormatForUser(t *Thread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escalation %s [%s]\n", t.ID, t.Status)
	fmt.Fprintf(&b, "%s from %s (handled by %s)\n", t.Request.Type, t.Request.From, t.RoutedTo)
	fmt.Fprintf(&b, "\n%s\n", t.Request.Message)

	if len(t.Request.Context) > 0 {
		b.WriteString("\nContext:\n")
		for _, k := range slices.Sorted(maps.Keys(t.Request.Context)) {
			fmt.Fprintf(&b, "  %s: %s\n", k, t.Request.Context[k])
		}
	}

	if len(t.Responses) > 0 {
		fmt.Fprintf(&b, "\nResponses (%d):\n", len(t.Responses))
		for i, r := range t.Responses {
			mark := " "
			if r.Resolved {
				mark = "x"
			}
			line := fmt.Sprintf("  %d. [%s] %s: %s", i+1, mark, r.From, r.Message)
			if r.NextAction != "" {
				line += " (next: " + r.NextAction + ")"
			}
			b.WriteString(line + "\n")
		}
	}

	if ShouldEscalateToUser(t) && t.Status != StatusResolved {
		b.WriteString("\nYour input is needed to continue.\n")
	}
	return b.String()
}

func (s *Service) appendActivity(ctx context.Context, id, action string, payload any) {
	entry := map[string]any{"action": action, "payload": payload}
	if err := s.store.AppendLog(ctx, store.KindEscalation, id, entry); err != nil {
		s.logger.Warn("failed to append activity log", zap.String("id", id), zap.Error(err))
	}
}

func (s *Service) refuse(err error) error {
	if coorderr.IsValidation(err) {
		s.logger.Debug("operation refused", zap.Error(err))
	} else {
		s.logger.Error("operation failed", zap.Error(err))
	}
	return err
}

func (s *Service) add(ctx context.Context, outcome string) {
	if s.counter != nil {
		s.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
