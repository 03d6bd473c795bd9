package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CourseBot/internal/metrics"
	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/BTreeMap/CourseBot/internal/records"
)

// Fixed replies for turns that leave the happy path.
const (
	ReplyUnknownUser  = "Hola. No hemos podido identificarte en nuestro sistema. Por favor, contacta con administración."
	ReplyNoActiveFlow = "No encontramos un flujo de conversación activo. Por favor, contacta con soporte."
	ReplyNoMatch      = "No entendimos tu respuesta. Intenta nuevamente o contacta con administración."
)

// Outcome is the branch a turn ended on.
type Outcome string

const (
	// OutcomeReplied means the conversation advanced to a new node.
	OutcomeReplied Outcome = "replied"
	// OutcomeUnknownUser means the sender matched no student.
	OutcomeUnknownUser Outcome = "unknown_user"
	// OutcomeNoActiveFlow means no flow could serve the conversation.
	OutcomeNoActiveFlow Outcome = "no_active_flow"
	// OutcomeNoMatch means the inbound text matched no outgoing edge.
	OutcomeNoMatch Outcome = "no_match"
)

// FlowSource provides a consistent snapshot of the flow collection.
type FlowSource interface {
	ListFlows() []models.Flow
}

// MessageLog is the part of the message store a turn needs.
type MessageLog interface {
	AddMessage(ctx context.Context, m models.Message) (models.Message, error)
	LastOutgoing(ctx context.Context, address string) (*models.Message, error)
	AddAlert(ctx context.Context, a models.DashboardAlert) (models.DashboardAlert, error)
}

// Sender delivers a text reply and returns the provider message id.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// TurnResult describes how a turn was handled.
type TurnResult struct {
	TurnID        string                 `json:"turn_id"`
	Outcome       Outcome                `json:"outcome"`
	Identity      *models.Identity       `json:"identity,omitempty"`
	FlowID        int                    `json:"flow_id,omitempty"`
	CurrentNodeID string                 `json:"current_node_id,omitempty"`
	NextNodeID    string                 `json:"next_node_id,omitempty"`
	Reply         string                 `json:"reply"`
	DeliveryID    string                 `json:"delivery_id,omitempty"`
	Alert         *models.DashboardAlert `json:"alert,omitempty"`
	Inbound       *models.Message        `json:"inbound,omitempty"`
	Outgoing      *models.Message        `json:"outgoing,omitempty"`
}

// Engine runs conversation turns. It holds no conversation state: the message log is the
// only memory between turns.
type Engine struct {
	flows      FlowSource
	log        MessageLog
	resolver   records.Resolver
	sender     Sender
	locker     TurnLocker
	detector   *AlertDetector
	vars       ContextBuilder
	botAddress string
	metrics    *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker serializes turns per sender address.
func WithLocker(l TurnLocker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithAlertDetector sets the intervention terminal detector.
func WithAlertDetector(d *AlertDetector) Option {
	return func(e *Engine) {
		e.detector = d
	}
}

// WithBotAddress sets the address recorded as sender of replies and recipient of inbound messages.
func WithBotAddress(addr string) Option {
	return func(e *Engine) {
		e.botAddress = addr
	}
}

// WithCourse sets the target course used for the rendering context.
func WithCourse(courseID int64) Option {
	return func(e *Engine) {
		e.vars.CourseID = courseID
	}
}

// WithRecoveryExam sets the event name searched for the recovery date.
func WithRecoveryExam(name string) Option {
	return func(e *Engine) {
		e.vars.RecoveryExam = name
	}
}

// WithMetrics records turn metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(flows FlowSource, log MessageLog, resolver records.Resolver, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		flows:    flows,
		log:      log,
		resolver: resolver,
		sender:   sender,
		locker:   NopLocker{},
		detector: NewAlertDetector(),
		vars:     ContextBuilder{Records: resolver, RecoveryExam: DefaultRecoveryExam},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleTurn processes one inbound message end to end: persist it, take the per-address
// turn lock, work out the reply, send it, and persist the reply with its state marker.
//
// Resolution failures degrade to fixed replies and are not errors. The returned error is
// non-nil only for lock, delivery or persistence faults; the result is still returned with it.
func (e *Engine) HandleTurn(ctx context.Context, in models.InboundMessage) (*TurnResult, error) {
	if strings.TrimSpace(in.From) == "" {
		return nil, fmt.Errorf("%w: inbound message without sender", models.ErrValidation)
	}
	start := time.Now()
	res := &TurnResult{TurnID: uuid.NewString()}
	logger := slog.With("turn_id", res.TurnID, "from", in.From)

	var errs []error

	inbound, err := e.log.AddMessage(ctx, models.Message{
		SenderID:  in.From,
		ToID:      e.botAddress,
		Body:      in.Body,
		Direction: models.DirectionIncoming,
		Timestamp: in.ReceivedAt,
	})
	if err != nil {
		logger.Error("Engine.HandleTurn: failed to persist inbound message", "error", err)
		errs = append(errs, fmt.Errorf("%w: inbound message: %w", models.ErrPersistence, err))
	} else {
		res.Inbound = &inbound
	}

	// The inbound row is kept even when the lock cannot be taken.
	unlock, err := e.locker.Lock(ctx, "turn:"+in.From)
	if err != nil {
		logger.Error("Engine.HandleTurn: failed to acquire turn lock", "error", err)
		errs = append(errs, fmt.Errorf("failed to acquire turn lock: %w", err))
		return res, errors.Join(errs...)
	}
	defer unlock()

	e.decide(ctx, logger, in, res)
	if res.Outcome == OutcomeReplied {
		e.raiseAlert(ctx, logger, in.From, res)
	}

	sid, err := e.sender.SendMessage(ctx, in.From, res.Reply)
	if err != nil {
		logger.Error("Engine.HandleTurn: failed to send reply", "outcome", res.Outcome, "error", err)
		errs = append(errs, fmt.Errorf("%w: %w", models.ErrDelivery, err))
		e.metrics.ObserveTurn(string(res.Outcome), time.Since(start))
		return res, errors.Join(errs...)
	}
	res.DeliveryID = sid

	outgoing, err := e.log.AddMessage(ctx, models.Message{
		SenderID:   e.botAddress,
		ToID:       in.From,
		Body:       res.Reply,
		Direction:  models.DirectionOutgoing,
		TemplateID: res.NextNodeID,
	})
	if err != nil {
		logger.Error("Engine.HandleTurn: failed to persist outgoing message", "next_node_id", res.NextNodeID, "error", err)
		errs = append(errs, fmt.Errorf("%w: outgoing message: %w", models.ErrPersistence, err))
	} else {
		res.Outgoing = &outgoing
	}

	e.metrics.ObserveTurn(string(res.Outcome), time.Since(start))
	logger.Info("Engine.HandleTurn: turn complete",
		"outcome", res.Outcome, "flow_id", res.FlowID,
		"current_node_id", res.CurrentNodeID, "next_node_id", res.NextNodeID)
	return res, errors.Join(errs...)
}

// decide fills in the outcome, reply and next node of a turn.
func (e *Engine) decide(ctx context.Context, logger *slog.Logger, in models.InboundMessage, res *TurnResult) {
	identity, err := e.resolver.Resolve(ctx, in.From)
	if err != nil {
		logger.Warn("Engine.HandleTurn: identity lookup failed, treating as unknown user", "error", err)
		identity = nil
	}
	if identity == nil {
		logger.Info("Engine.HandleTurn: unknown user", "error", models.ErrUnknownUser)
		res.Outcome, res.Reply = OutcomeUnknownUser, ReplyUnknownUser
		return
	}
	res.Identity = identity

	last, err := e.log.LastOutgoing(ctx, in.From)
	if err != nil {
		logger.Error("Engine.HandleTurn: failed to read conversation history", "error", err)
		res.Outcome, res.Reply = OutcomeNoActiveFlow, ReplyNoActiveFlow
		return
	}

	flows := e.flows.ListFlows()
	var (
		flow *models.Flow
		next string
		ok   bool
	)
	if !last.HasMarker() {
		flow, ok = activeFlow(flows)
		if !ok || flow.EntryNodeID == "" || !flow.HasNode(flow.EntryNodeID) {
			logger.Info("Engine.HandleTurn: no active flow to start")
			res.Outcome, res.Reply = OutcomeNoActiveFlow, ReplyNoActiveFlow
			return
		}
		next = flow.EntryNodeID
	} else {
		res.CurrentNodeID = last.TemplateID
		flow, ok = FindOwningFlow(flows, last.TemplateID)
		if !ok {
			logger.Warn("Engine.HandleTurn: state marker not owned by any flow",
				"node_id", last.TemplateID, "error", models.ErrFlowResolution)
			res.Outcome, res.Reply = OutcomeNoActiveFlow, ReplyNoActiveFlow
			return
		}
		next, ok = MatchTransition(flow, last.TemplateID, in.Body)
		if !ok {
			logger.Info("Engine.HandleTurn: no transition for inbound text",
				"flow_id", flow.ID, "node_id", last.TemplateID, "error", models.ErrNoTransition)
			res.FlowID = flow.ID
			res.Outcome, res.Reply = OutcomeNoMatch, ReplyNoMatch
			return
		}
	}

	node, ok := flow.NodeByID(next)
	if !ok {
		logger.Warn("Engine.HandleTurn: transition target missing from flow", "flow_id", flow.ID, "node_id", next)
		res.Outcome, res.Reply = OutcomeNoActiveFlow, ReplyNoActiveFlow
		return
	}
	res.FlowID = flow.ID
	res.NextNodeID = next
	res.Outcome = OutcomeReplied
	res.Reply = Render(node.Data.Label, e.vars.Build(ctx, identity))
}

// raiseAlert persists an alert when the next node is an intervention terminal. Failures
// are logged and never block the reply.
func (e *Engine) raiseAlert(ctx context.Context, logger *slog.Logger, address string, res *TurnResult) {
	alert := e.detector.Detect(res.NextNodeID, res.Identity, address)
	if alert == nil {
		return
	}
	if res.Inbound != nil {
		id := res.Inbound.ID
		alert.MessageID = &id
	}
	saved, err := e.log.AddAlert(ctx, *alert)
	if err != nil {
		logger.Error("Engine.HandleTurn: failed to persist alert", "node_id", res.NextNodeID, "error", err)
		res.Alert = alert
		return
	}
	e.metrics.AlertRaised()
	logger.Info("Engine.HandleTurn: intervention alert raised", "node_id", res.NextNodeID, "alert_id", saved.ID)
	res.Alert = &saved
}
