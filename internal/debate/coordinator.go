package debate

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/config"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/ids"
	"github.com/fyrsmithlabs/accord/internal/recorder"
	"github.com/fyrsmithlabs/accord/internal/store"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/accord/internal/debate"
	entityRoom          = "debate"
	entityConcern       = "concern"
)

// Coordinator manages debate rooms.
type Coordinator struct {
	store     store.Store
	ids       ids.Generator
	clock     clock.Clock
	logger    *zap.Logger
	recorder  recorder.Recorder
	retries   int
	maxRounds int

	tracer  trace.Tracer
	counter metric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDs sets the identifier generator.
func WithIDs(g ids.Generator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithClock sets the time source.
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder sets the recorder notified of debate outcomes.
func WithRecorder(r recorder.Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithRetries bounds read-modify-write attempts on a contended room.
func WithRetries(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithMaxRounds sets the round limit for rooms opened without one.
func WithMaxRounds(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// NewCoordinator creates a Coordinator over s.
func NewCoordinator(s store.Store, opts ...Option) (*Coordinator, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	c := &Coordinator{
		store:     s,
		ids:       ids.UUID{},
		clock:     clock.System{},
		logger:    zap.NewNop(),
		recorder:  recorder.Nop{},
		retries:   store.DefaultRetries,
		maxRounds: config.DefaultMaxDebateRounds,
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("debate")

	var err error
	c.counter, err = otel.Meter(instrumentationName).Int64Counter(
		"accord.debate.events_total",
		metric.WithDescription("Total number of debate events by kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		c.logger.Warn("failed to create debate counter", zap.Error(err))
	}
	return c, nil
}

// OpenRequest describes a debate to open.
type OpenRequest struct {
	Topic string
	// Proposal, when set, is posted as the first message by OpenedBy.
	Proposal        string
	OpenedBy        string
	OrchestrationID string
	Participants    []string
	// MaxRounds overrides the coordinator's round limit when positive.
	MaxRounds int
}

// Open creates a room in round 1.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (room *Room, err error) {
	ctx, span := c.startSpan(ctx, "debate.open")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.Topic) == "" {
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityRoom, "", "topic is required"))
	}
	if req.MaxRounds < 0 {
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityRoom, "", "max rounds must be positive, got %d", req.MaxRounds))
	}
	if req.Proposal != "" && strings.TrimSpace(req.OpenedBy) == "" {
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityRoom, "", "a proposal needs an author"))
	}

	maxRounds := req.MaxRounds
	if maxRounds == 0 {
		maxRounds = c.maxRounds
	}
	now := c.clock.Now()
	room = &Room{
		ID:              c.ids.New(ids.PrefixDebate),
		Topic:           req.Topic,
		OrchestrationID: req.OrchestrationID,
		Participants:    []string{},
		Messages:        []Message{},
		Concerns:        []Concern{},
		Round:           1,
		MaxRounds:       maxRounds,
		Status:          StatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, p := range req.Participants {
		room.join(p)
	}
	if req.Proposal != "" {
		room.join(req.OpenedBy)
		room.Messages = append(room.Messages, Message{
			ID:     c.ids.New(ids.PrefixMessage),
			Author: req.OpenedBy,
			Type:   MessageProposal,
			Body:   req.Proposal,
			Round:  1,
			At:     now,
		})
	}
	span.SetAttributes(attribute.String("debate_id", room.ID))

	if err := c.store.Put(ctx, store.KindDebate, room.ID, room); err != nil {
		c.logger.Error("failed to persist debate", zap.String("id", room.ID), zap.Error(err))
		return nil, err
	}
	c.appendActivity(ctx, room.ID, "opened", req)
	c.add(ctx, "opened")
	c.logger.Info("debate opened",
		zap.String("id", room.ID),
		zap.String("topic", room.Topic),
		zap.Int("max_rounds", room.MaxRounds),
	)
	return room, nil
}

// PostRequest describes a message to post.
type PostRequest struct {
	Author string
	Type   MessageType
	Body   string
}

// Post appends a message in the current round. Concerns go through
// RaiseConcern so they can be tracked.
func (c *Coordinator) Post(ctx context.Context, id string, req PostRequest) (room *Room, err error) {
	ctx, span := c.startSpan(ctx, "debate.post", attribute.String("debate_id", id))
	defer func() { endSpan(span, err) }()

	switch {
	case !req.Type.Valid():
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityRoom, id, "unknown message type %q", req.Type))
	case req.Type == MessageConcern:
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityRoom, id, "concerns are raised with RaiseConcern"))
	case strings.TrimSpace(req.Author) == "", strings.TrimSpace(req.Body) == "":
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityRoom, id, "author and body are required"))
	}

	room, err = c.update(ctx, id, "posted", req, func(r *Room) error {
		if err := requireOpen(r); err != nil {
			return err
		}
		r.join(req.Author)
		r.Messages = append(r.Messages, Message{
			ID:     c.ids.New(ids.PrefixMessage),
			Author: req.Author,
			Type:   req.Type,
			Body:   req.Body,
			Round:  r.Round,
			At:     c.clock.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("debate message posted", zap.String("id", id), zap.String("author", req.Author), zap.String("type", string(req.Type)))
	return room, nil
}

// ConcernRequest describes a concern to raise.
type ConcernRequest struct {
	RaisedBy    string
	Priority    Priority
	Description string
}

// RaiseConcern records a concern and a matching concern message. Priority
// defaults to medium.
func (c *Coordinator) RaiseConcern(ctx context.Context, id string, req ConcernRequest) (concern *Concern, err error) {
	ctx, span := c.startSpan(ctx, "debate.concern.raise", attribute.String("debate_id", id))
	defer func() { endSpan(span, err) }()

	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	switch {
	case !req.Priority.Valid():
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityConcern, "", "unknown priority %q", req.Priority))
	case strings.TrimSpace(req.RaisedBy) == "", strings.TrimSpace(req.Description) == "":
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityConcern, "", "author and description are required"))
	}

	var raised Concern
	_, err = c.update(ctx, id, "concern_raised", req, func(r *Room) error {
		if err := requireOpen(r); err != nil {
			return err
		}
		now := c.clock.Now()
		raised = Concern{
			ID:          c.ids.New(ids.PrefixConcern),
			Priority:    req.Priority,
			Description: req.Description,
			RaisedBy:    req.RaisedBy,
			Round:       r.Round,
			RaisedAt:    now,
		}
		r.join(req.RaisedBy)
		r.Concerns = append(r.Concerns, raised)
		r.Messages = append(r.Messages, Message{
			ID:     c.ids.New(ids.PrefixMessage),
			Author: req.RaisedBy,
			Type:   MessageConcern,
			Body:   req.Description,
			Round:  r.Round,
			At:     now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.add(ctx, "concern_"+string(raised.Priority))
	c.logger.Info("concern raised",
		zap.String("id", id),
		zap.String("concern", raised.ID),
		zap.String("priority", string(raised.Priority)),
	)
	return &raised, nil
}

// ResolveConcern marks a concern resolved by resolver. It fails with
// AlreadyResolved when the concern is already resolved or the room is closed.
func (c *Coordinator) ResolveConcern(ctx context.Context, id, concernID, resolver, note string) (concern *Concern, err error) {
	ctx, span := c.startSpan(ctx, "debate.concern.resolve",
		attribute.String("debate_id", id),
		attribute.String("concern_id", concernID),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(resolver) == "" {
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityConcern, concernID, "resolver is required"))
	}

	var resolved Concern
	payload := map[string]string{"concern_id": concernID, "resolved_by": resolver, "note": note}
	_, err = c.update(ctx, id, "concern_resolved", payload, func(r *Room) error {
		if err := requireOpen(r); err != nil {
			return err
		}
		i := r.concernIndex(concernID)
		if i < 0 {
			return coorderr.NotFound(entityConcern, concernID)
		}
		if r.Concerns[i].Resolved {
			return coorderr.New(coorderr.KindAlreadyResolved, entityConcern, concernID,
				"concern was resolved by %s", r.Concerns[i].ResolvedBy)
		}
		r.Concerns[i].Resolved = true
		r.Concerns[i].ResolvedBy = resolver
		r.Concerns[i].Resolution = note
		r.Concerns[i].ResolvedAt = c.clock.Now()
		resolved = r.Concerns[i]
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("concern resolved", zap.String("id", id), zap.String("concern", concernID), zap.String("resolved_by", resolver))
	return &resolved, nil
}

// AdvanceRound moves the room to the next round. In the final round it
// concludes the room as exhausted instead; the round number never exceeds
// the limit.
func (c *Coordinator) AdvanceRound(ctx context.Context, id, actor string) (room *Room, err error) {
	ctx, span := c.startSpan(ctx, "debate.advance", attribute.String("debate_id", id))
	defer func() { endSpan(span, err) }()

	room, err = c.update(ctx, id, "round_advanced", map[string]string{"actor": actor}, func(r *Room) error {
		if err := requireOpen(r); err != nil {
			return err
		}
		if !r.LastRound() {
			r.Round++
			return nil
		}
		r.Status = StatusExhausted
		r.Resolution = &Resolution{
			Outcome:    OutcomeExhausted,
			ResolvedBy: actor,
			Rationale:  "round limit reached without agreement",
			At:         c.clock.Now(),
		}
		for _, b := range r.Blockers() {
			r.Resolution.OverrodeBlockers = append(r.Resolution.OverrodeBlockers, b.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("round", room.Round))

	if room.Status != StatusExhausted {
		c.logger.Info("debate round advanced", zap.String("id", id), zap.Int("round", room.Round), zap.Int("max_rounds", room.MaxRounds))
		return room, nil
	}
	c.add(ctx, string(StatusExhausted))
	c.logger.Warn("debate exhausted", zap.String("id", id), zap.Int("rounds", room.Round))
	c.notify(ctx, recorder.DebateExhausted, room)
	return room, nil
}

// GetBlockers returns the unresolved blocker concerns of a room.
func (c *Coordinator) GetBlockers(ctx context.Context, id string) ([]Concern, error) {
	room, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return room.Blockers(), nil
}

// ResolveRequest concludes a debate.
type ResolveRequest struct {
	Outcome    string
	ResolvedBy string
	Rationale  string
	// OverrideBlockers resolves despite open blocker concerns. The skipped
	// blockers are recorded on the resolution.
	OverrideBlockers bool
}

// Resolve concludes an open room. It fails with AlreadyResolved when the
// room is not open and with UnresolvedBlockers while blocker concerns remain
// open, unless req.OverrideBlockers is set.
func (c *Coordinator) Resolve(ctx context.Context, id string, req ResolveRequest) (room *Room, err error) {
	ctx, span := c.startSpan(ctx, "debate.resolve",
		attribute.String("debate_id", id),
		attribute.Bool("override_blockers", req.OverrideBlockers),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.Outcome) == "" || strings.TrimSpace(req.ResolvedBy) == "" {
		return nil, c.refuse(coorderr.New(coorderr.KindInvalidArgument, entityRoom, id, "outcome and resolver are required"))
	}

	room, err = c.update(ctx, id, "resolved", req, func(r *Room) error {
		if err := requireOpen(r); err != nil {
			return err
		}
		blockers := r.Blockers()
		if len(blockers) > 0 && !req.OverrideBlockers {
			return coorderr.New(coorderr.KindUnresolvedBlockers, entityRoom, r.ID,
				"%d blocker concern(s) unresolved: %s", len(blockers), strings.Join(concernIDs(blockers), ", "))
		}
		now := c.clock.Now()
		r.Status = StatusResolved
		r.Resolution = &Resolution{
			Outcome:          req.Outcome,
			ResolvedBy:       req.ResolvedBy,
			Rationale:        req.Rationale,
			OverrodeBlockers: concernIDs(blockers),
			At:               now,
		}
		r.join(req.ResolvedBy)
		r.Messages = append(r.Messages, Message{
			ID:     c.ids.New(ids.PrefixMessage),
			Author: req.ResolvedBy,
			Type:   MessageResolution,
			Body:   req.Outcome,
			Round:  r.Round,
			At:     now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.add(ctx, string(StatusResolved))
	c.logger.Info("debate resolved",
		zap.String("id", id),
		zap.String("outcome", req.Outcome),
		zap.Int("round", room.Round),
		zap.Strings("overrode_blockers", room.Resolution.OverrodeBlockers),
	)
	c.notify(ctx, recorder.DebateResolved, room)
	return room, nil
}

// Get loads a room.
func (c *Coordinator) Get(ctx context.Context, id string) (*Room, error) {
	var r Room
	if err := c.store.Get(ctx, store.KindDebate, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns the rooms matching f, ordered by id.
func (c *Coordinator) List(ctx context.Context, f Filter) ([]*Room, error) {
	idList, err := c.store.List(ctx, store.KindDebate)
	if err != nil {
		return nil, err
	}
	var out []*Room
	for _, id := range idList {
		r, err := c.Get(ctx, id)
		if err != nil {
			if errors.Is(err, coorderr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if f.match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Coordinator) update(ctx context.Context, id, action string, payload any, mutate func(*Room) error) (*Room, error) {
	room, err := store.Update(ctx, c.store, store.KindDebate, id, func(r *Room) error {
		if err := mutate(r); err != nil {
			return err
		}
		r.UpdatedAt = c.clock.Now()
		return nil
	}, store.WithRetries(c.retries))
	if err != nil {
		return nil, c.refuse(err)
	}
	c.appendActivity(ctx, id, action, payload)
	return room, nil
}

func (c *Coordinator) notify(ctx context.Context, t recorder.EventType, room *Room) {
	ev := recorder.Event{
		Type:            t,
		Source:          "debate",
		EntityID:        room.ID,
		OrchestrationID: room.OrchestrationID,
		Summary:         room.Topic,
		Tags:            slices.Clone(room.Participants),
		At:              room.UpdatedAt,
	}
	if room.Resolution != nil {
		ev.Outcome = room.Resolution.Outcome
	}
	recorder.Notify(ctx, c.recorder, c.logger, ev)
}

func (c *Coordinator) appendActivity(ctx context.Context, id, action string, payload any) {
	entry := map[string]any{"action": action, "payload": payload}
	if err := c.store.AppendLog(ctx, store.KindDebate, id, entry); err != nil {
		c.logger.Warn("failed to append activity log", zap.String("id", id), zap.Error(err))
	}
}

func (c *Coordinator) refuse(err error) error {
	if coorderr.IsValidation(err) {
		c.logger.Debug("operation refused", zap.Error(err))
	} else {
		c.logger.Error("operation failed", zap.Error(err))
	}
	return err
}

func (c *Coordinator) add(ctx context.Context, kind string) {
	if c.counter != nil {
		c.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireOpen(r *Room) error {
	if r.Status != StatusOpen {
		return coorderr.New(coorderr.KindAlreadyResolved, entityRoom, r.ID, "debate is %s", r.Status)
	}
	return nil
}

func (r *Room) join(participant string) {
	if participant != "" && !slices.Contains(r.Participants, participant) {
		r.Participants = append(r.Participants, participant)
	}
}

func concernIDs(cs []Concern) []string {
	if len(cs) == 0 {
		return nil
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
