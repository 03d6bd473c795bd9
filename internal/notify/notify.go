// Package notify runs the grade notification campaign: it tells students their final course
// outcome and starts the matching conversation flow at its entry node.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/CourseBot/internal/flow"
	"github.com/BTreeMap/CourseBot/internal/metrics"
	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/BTreeMap/CourseBot/internal/records"
)

// Outcome is the classification of a final grade.
type Outcome string

const (
	OutcomePassed Outcome = "passed"
	OutcomeFailed Outcome = "failed"
	OutcomeAbsent Outcome = "absent"
)

// Outcomes lists every outcome in campaign order.
var Outcomes = []Outcome{OutcomePassed, OutcomeFailed, OutcomeAbsent}

// Campaign defaults.
const (
	DefaultPassThreshold = 6.0
	DefaultLookback      = 720 * time.Hour
	DefaultDelay         = 5 * time.Second
)

// DefaultFlowNames maps each outcome to the flow that handles it.
var DefaultFlowNames = map[Outcome]string{
	OutcomePassed: "Alumno APROBADO",
	OutcomeFailed: "Alumno DESAPROBADO",
	OutcomeAbsent: "Alumno AUSENTE",
}

// Classify returns the outcome for a final grade.
func Classify(grade, passThreshold float64) Outcome {
	switch {
	case grade >= passThreshold:
		return OutcomePassed
	case grade == 0:
		return OutcomeAbsent
	default:
		return OutcomeFailed
	}
}

// FlowSource looks up flows by name.
type FlowSource interface {
	FlowByName(name string) (*models.Flow, bool)
}

// MessageLog is the part of the message store the campaign needs.
type MessageLog interface {
	AddMessage(ctx context.Context, m models.Message) (models.Message, error)
	HasOutgoingMarker(ctx context.Context, address, templateID string) (bool, error)
}

// Sender delivers campaign messages. messaging.Service satisfies it.
type Sender interface {
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendMessage(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, contentSID string, vars map[string]string) (string, error)
}

// Report summarizes one campaign run.
type Report struct {
	Considered int             `json:"considered"`
	Sent       int             `json:"sent"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	ByOutcome  map[Outcome]int `json:"by_outcome"`
}

// Notifier sends the grade campaign.
type Notifier struct {
	records       records.Resolver
	flows         FlowSource
	log           MessageLog
	sender        Sender
	locker        flow.TurnLocker
	botAddress    string
	recoveryExam  string
	passThreshold float64
	lookback      time.Duration
	delay         time.Duration
	redirectTo    string
	flowNames     map[Outcome]string
	metrics       *metrics.Metrics
	now           func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithPassThreshold sets the lowest passing grade.
func WithPassThreshold(t float64) Option {
	return func(n *Notifier) { n.passThreshold = t }
}

// WithLookback sets how far back modified grades are considered.
func WithLookback(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.lookback = d
		}
	}
}

// WithDelay sets the pause between sends.
func WithDelay(d time.Duration) Option {
	return func(n *Notifier) {
		if d >= 0 {
			n.delay = d
		}
	}
}

// WithRedirect sends every message to a single test address instead of the students.
func WithRedirect(address string) Option {
	return func(n *Notifier) { n.redirectTo = address }
}

// WithFlowName overrides the flow used for an outcome.
func WithFlowName(o Outcome, name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.flowNames[o] = name
		}
	}
}

// WithLocker guards each outcome batch and each recipient.
func WithLocker(l flow.TurnLocker) Option {
	return func(n *Notifier) {
		if l != nil {
			n.locker = l
		}
	}
}

// WithBotAddress sets the address recorded as sender of campaign messages.
func WithBotAddress(addr string) Option {
	return func(n *Notifier) { n.botAddress = addr }
}

// WithRecoveryExam sets the event name searched for the recovery date.
func WithRecoveryExam(name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.recoveryExam = name
		}
	}
}

// WithMetrics records campaign metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// NewNotifier wires a Notifier from its collaborators.
func NewNotifier(rec records.Resolver, flows FlowSource, log MessageLog, sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		records:       rec,
		flows:         flows,
		log:           log,
		sender:        sender,
		locker:        flow.NopLocker{},
		recoveryExam:  flow.DefaultRecoveryExam,
		passThreshold: DefaultPassThreshold,
		lookback:      DefaultLookback,
		delay:         DefaultDelay,
		flowNames:     make(map[Outcome]string, len(DefaultFlowNames)),
		now:           time.Now,
	}
	for o, name := range DefaultFlowNames {
		n.flowNames[o] = name
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// errSkip marks a student that was deliberately not messaged.
var errSkip = errors.New("skipped")

// Run sends one campaign over the grades modified within the lookback window. Per-student
// failures are counted in the report; the error is non-nil only when grades cannot be read,
// a batch lock cannot be taken, or ctx ends.
func (n *Notifier) Run(ctx context.Context) (Report, error) {
	report := Report{ByOutcome: make(map[Outcome]int)}
	since := n.now().Add(-n.lookback)
	grades, err := n.records.RecentGrades(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to read recent grades: %w", err)
	}
	slog.Info("Notifier.Run: recent grades loaded", "count", len(grades), "since", since)

	redirect := ""
	if n.redirectTo != "" {
		redirect, err = n.sender.ValidateAndCanonicalizeRecipient(n.redirectTo)
		if err != nil {
			return report, fmt.Errorf("invalid redirect address: %w", err)
		}
		slog.Warn("Notifier.Run: safe mode, all messages go to a single address", "redirect_to", redirect)
	}

	batches := make(map[Outcome][]records.GradeRecord)
	for _, g := range grades {
		o := Classify(g.Grade, n.passThreshold)
		batches[o] = append(batches[o], g)
	}

	first := true
	for _, o := range Outcomes {
		batch := batches[o]
		if len(batch) == 0 {
			continue
		}
		unlock, err := n.locker.Lock(ctx, "campaign:"+string(o))
		if err != nil {
			return report, fmt.Errorf("failed to acquire campaign lock for %s: %w", o, err)
		}
		for _, g := range batch {
			if !first && n.delay > 0 {
				if err := sleep(ctx, n.delay); err != nil {
					unlock()
					return report, err
				}
			}
			report.Considered++
			err := n.notify(ctx, o, g, redirect)
			switch {
			case err == nil:
				first = false
				report.Sent++
				report.ByOutcome[o]++
				n.metrics.Campaign(string(o), "sent")
			case errors.Is(err, errSkip):
				report.Skipped++
				n.metrics.Campaign(string(o), "skipped")
			default:
				first = false
				report.Failed++
				n.metrics.Campaign(string(o), "error")
			}
		}
		unlock()
	}

	slog.Info("Notifier.Run: campaign finished",
		"considered", report.Considered, "sent", report.Sent,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// notify messages a single student. It returns an error wrapping errSkip when the student is
// deliberately left out.
func (n *Notifier) notify(ctx context.Context, o Outcome, g records.GradeRecord, redirect string) error {
	logger := slog.With("academic_id", g.AcademicID, "outcome", o)

	f, ok := n.flows.FlowByName(n.flowNames[o])
	if !ok {
		logger.Warn("Notifier.notify: no flow for outcome", "flow_name", n.flowNames[o])
		return fmt.Errorf("%w: no flow named %q", errSkip, n.flowNames[o])
	}
	entry, ok := f.EntryNode()
	if !ok {
		logger.Warn("Notifier.notify: flow has no entry node", "flow_id", f.ID)
		return fmt.Errorf("%w: flow %d has no entry node", errSkip, f.ID)
	}

	phone, err := n.records.PhoneOf(ctx, g.AcademicID)
	if err != nil {
		logger.Error("Notifier.notify: phone lookup failed", "error", err)
		return err
	}
	if phone == "" {
		logger.Info("Notifier.notify: student has no phone on record")
		return fmt.Errorf("%w: no phone", errSkip)
	}
	address, err := n.sender.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		logger.Warn("Notifier.notify: invalid phone on record", "error", err)
		return fmt.Errorf("%w: %w", errSkip, err)
	}
	dest := address
	if redirect != "" {
		dest = redirect
	}
	logger = logger.With("to", dest)

	unlock, err := n.locker.Lock(ctx, "turn:"+dest)
	if err != nil {
		return fmt.Errorf("failed to acquire turn lock: %w", err)
	}
	defer unlock()

	// In safe mode every student shares one address, so the marker check would stop the run
	// after the first send.
	if redirect == "" {
		seen, err := n.log.HasOutgoingMarker(ctx, dest, entry.ID)
		if err != nil {
			logger.Error("Notifier.notify: failed to read conversation history", "error", err)
			return err
		}
		if seen {
			logger.Debug("Notifier.notify: already notified", "node_id", entry.ID)
			return fmt.Errorf("%w: already notified", errSkip)
		}
	}

	identity := &models.Identity{AcademicID: g.AcademicID, DisplayName: g.FirstName}
	vars := flow.ContextBuilder{Records: n.records, CourseID: g.CourseID, RecoveryExam: n.recoveryExam}.Build(ctx, identity)
	if g.CourseName != "" {
		vars[flow.VarCourseName] = g.CourseName
	}
	vars[flow.VarFinalGrade] = strconv.FormatFloat(g.Grade, 'f', -1, 64)
	body := flow.Render(entry.Data.Label, vars)

	if entry.Data.TemplateSID != "" {
		_, err = n.sender.SendTemplate(ctx, dest, entry.Data.TemplateSID, map[string]string{
			"1": identity.FirstName(),
			"2": vars[flow.VarCourseName],
		})
	} else {
		_, err = n.sender.SendMessage(ctx, dest, body)
	}
	if err != nil {
		logger.Error("Notifier.notify: delivery failed", "node_id", entry.ID, "error", err)
		return fmt.Errorf("%w: %w", models.ErrDelivery, err)
	}

	if _, err := n.log.AddMessage(ctx, models.Message{
		SenderID:   n.botAddress,
		ToID:       dest,
		Body:       body,
		Direction:  models.DirectionOutgoing,
		TemplateID: entry.ID,
	}); err != nil {
		// The message went out; the student simply will not resume this flow.
		logger.Error("Notifier.notify: failed to persist outgoing message", "node_id", entry.ID, "error", err)
	}
	logger.Info("Notifier.notify: student notified", "flow_id", f.ID, "node_id", entry.ID)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
