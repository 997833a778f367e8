// Package lifecycle owns the template state machine: it validates input,
// persists templates, decides between sending now and registering timers,
// and runs the claim-then-dispatch step that timers and the sweep trigger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrymomot/saaskit/pkg/audit"
	"github.com/jonboulle/clockwork"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/observability/metrics"
	"notifyd/internal/storage"
	"notifyd/internal/task/scheduler"
	logx "notifyd/pkg/logx"
)

type Service struct {
	store    Store
	dispatch Dispatcher
	timers   Timers
	purger   Purger
	bus      eventbus.Bus
	audit    Auditor
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	log      logx.Logger

	checkExpr notification.ExprCheck
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithPurger(p Purger) Option            { return func(s *Service) { s.purger = p } }
func WithAudit(a Auditor) Option            { return func(s *Service) { s.audit = a } }

func New(store Store, d Dispatcher, timers Timers, clock clockwork.Clock, log logx.Logger, opts ...Option) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{
		store:    store,
		dispatch: d,
		timers:   timers,
		clock:    clock,
		log:      log.With(logx.String("comp", "lifecycle")),
	}
	s.checkExpr = checkRecurrence
	for _, o := range opts {
		o(s)
	}
	return s
}

func checkRecurrence(expr string) error {
	_, err := scheduler.ParseRecurrence(expr)
	return err
}

// Get returns a template by id.
func (s *Service) Get(ctx context.Context, id int64) (*notification.Template, error) {
	return s.store.GetTemplate(ctx, id)
}

// Create validates and stores t, then sends it (NOW) or registers its timers.
func (s *Service) Create(ctx context.Context, t *notification.Template, actor string) (Report, error) {
	now := s.clock.Now()
	if err := notification.Validate(t, now, s.checkExpr); err != nil {
		return Report{}, err
	}
	t = t.Clone()
	t.ID = 0
	t.CreatedBy, t.UpdatedBy, t.PublishedBy = actor, actor, ""
	t.CreatedAt, t.UpdatedAt = now, now
	if err := resetState(t); err != nil {
		return Report{}, err
	}

	id, err := s.store.CreateTemplate(ctx, t)
	if err != nil {
		return Report{}, fmt.Errorf("create template: %w", err)
	}
	t.ID = id
	s.emit(ctx, id, ActionCreate, actor, string(t.Mode))
	s.log.Info("template created", logx.Int64("template_id", id), logx.String("mode", string(t.Mode)), logx.String("kind", string(t.Kind)))
	return s.activate(ctx, t, actor)
}

// Update edits template id. An unpublished template is edited in place and
// re-drafted; a published one is superseded by a new row.
func (s *Service) Update(ctx context.Context, id int64, t *notification.Template, actor string) (Report, error) {
	now := s.clock.Now()
	if err := notification.Validate(t, now, s.checkExpr); err != nil {
		return Report{}, err
	}
	cur, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return Report{}, err
	}
	s.timers.Unregister(id)

	next := t.Clone()
	next.CreatedBy, next.CreatedAt = cur.CreatedBy, cur.CreatedAt
	next.UpdatedBy, next.UpdatedAt = actor, now
	if err := resetState(next); err != nil {
		return Report{}, err
	}

	if !cur.Published {
		if err := cur.Fire(notification.EventEdit); err != nil {
			return Report{}, err
		}
		next.ID = id
		err := s.store.UpdateTemplate(ctx, next)
		switch {
		case err == nil:
			s.emit(ctx, id, ActionUpdate, actor, "")
			return s.activate(ctx, next, actor)
		case !errors.Is(err, notification.ErrIllegalTransition):
			return Report{}, fmt.Errorf("update template: %w", err)
		}
		// Claimed by a timer between the read and the write.
	}

	next.ID = 0
	newID, err := s.store.SupersedeTemplate(ctx, id, next)
	if err != nil {
		return Report{}, fmt.Errorf("supersede template %d: %w", id, err)
	}
	next.ID = newID
	s.emit(ctx, newID, ActionSupersede, actor, "replaces "+strconv.FormatInt(id, 10))
	s.log.Info("template superseded", logx.Int64("old_id", id), logx.Int64("template_id", newID))
	return s.activate(ctx, next, actor)
}

// resetState drafts t so its mode decides the next step.
func resetState(t *notification.Template) error {
	t.Published = false
	t.Status = notification.StatusDraft
	t.PublishedAt = nil
	t.PublishedBy = ""
	t.LastFiredAt = nil
	if t.Mode == notification.ModeSchedule {
		return t.Fire(notification.EventSchedule)
	}
	return nil
}

// activate runs the mode-specific step after t was stored.
func (s *Service) activate(ctx context.Context, t *notification.Template, actor string) (Report, error) {
	switch t.Mode {
	case notification.ModeNow:
		return s.claimAndDispatch(ctx, t, actor, "now")
	default:
		if err := s.timers.Register(t); err != nil {
			return Report{TemplateID: t.ID, Status: t.Status}, fmt.Errorf("register timers: %w", err)
		}
		return Report{TemplateID: t.ID, Status: t.Status, Outcome: OutcomeScheduled}, nil
	}
}

// SendNow claims template id and dispatches it immediately, whatever its mode.
func (s *Service) SendNow(ctx context.Context, id int64, actor string) (Report, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if t.Published {
		return Report{TemplateID: id, Status: t.Status, Outcome: OutcomeClaimLost}, nil
	}
	s.timers.Unregister(id)
	return s.claimAndDispatch(ctx, t, actor, "manual")
}

// SendToAccount pushes template id to one account in shared mode. It does
// not change the template status.
func (s *Service) SendToAccount(ctx context.Context, id int64, accountID, actor string) (Report, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Report{}, &notification.ValidationError{Problems: []string{"account_id is required"}}
	}
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return Report{}, err
	}
	r, err := s.store.FindByAccountID(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	if r == nil {
		return Report{}, fmt.Errorf("%w: %s", ErrRecipientNotFound, accountID)
	}
	rep := Report{TemplateID: id, Status: t.Status}
	if t.Kind == notification.KindFlash {
		rep.Outcome = OutcomeSkipped
		return rep, nil
	}
	res, err := s.dispatch.Dispatch(ctx, s.batch(t, []notification.Recipient{*r}, true))
	rep.Result = &res
	switch {
	case errors.Is(err, notification.ErrNoUsableToken):
		rep.Outcome = OutcomeNoRecipients
		return rep, nil
	case err != nil:
		return rep, err
	}
	rep.Outcome = OutcomeSent
	s.emit(ctx, id, ActionSend, actor, "account "+accountID)
	return rep, nil
}

// Remove deletes template id and cancels its timers. force also drops the
// template's delivery records.
func (s *Service) Remove(ctx context.Context, id int64, force bool, actor string) (Report, error) {
	if _, err := s.store.GetTemplate(ctx, id); err != nil {
		return Report{}, err
	}
	s.timers.Unregister(id)
	if force && s.purger != nil {
		if _, err := s.purger.Purge(ctx, id); err != nil {
			return Report{}, fmt.Errorf("purge deliveries: %w", err)
		}
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return Report{}, err
	}
	detail := ""
	if force {
		detail = "force"
	}
	s.emit(ctx, id, ActionRemove, actor, detail)
	s.log.Info("template removed", logx.Int64("template_id", id), logx.Bool("force", force))
	return Report{TemplateID: id, Outcome: OutcomeRemoved}, nil
}

func (s *Service) emit(ctx context.Context, id int64, action, actor, detail string) {
	if s.audit != nil {
		opts := []audit.EventOption{audit.WithResource(storage.ResourceTemplate, strconv.FormatInt(id, 10))}
		if detail != "" {
			opts = append(opts, audit.WithMetadata("detail", detail))
		}
		if err := s.audit.Log(WithActor(context.WithoutCancel(ctx), actor), action, opts...); err != nil {
			s.log.Warn("audit log failed", logx.Int64("template_id", id), logx.String("action", action), logx.Err(err))
		}
	}
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTemplate, Data: eventbus.TemplateEvent{
		TemplateID: id,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
	}})
}
