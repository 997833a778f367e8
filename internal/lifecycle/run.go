package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

// RunScheduled claims and dispatches a SCHEDULE template. A lost claim or a
// deleted template is not an error.
func (s *Service) RunScheduled(ctx context.Context, id int64, source string) error {
	t, err := s.store.GetTemplate(ctx, id)
	if errors.Is(err, notification.ErrNotFound) {
		s.log.Debug("scheduled template gone", logx.Int64("template_id", id), logx.String("source", source))
		return nil
	}
	if err != nil {
		return err
	}
	if t.Published {
		return nil
	}
	_, err = s.claimAndDispatch(ctx, t, SystemActor, source)
	return err
}

// Expire claims template id and publishes it without dispatching.
func (s *Service) Expire(ctx context.Context, id int64, source string) error {
	t, err := s.store.GetTemplate(ctx, id)
	if errors.Is(err, notification.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.Fire(notification.EventExpire); err != nil {
		if notification.IsIllegalTransition(err) {
			return nil
		}
		return err
	}
	won, err := s.store.TryClaim(ctx, id, s.clock.Now(), SystemActor)
	if err != nil {
		return fmt.Errorf("claim template %d: %w", id, err)
	}
	s.metrics.Claim(source, won)
	if !won {
		return nil
	}
	s.emit(ctx, id, ActionExpire, SystemActor, source)
	s.log.Info("template expired", logx.Int64("template_id", id), logx.String("source", source))
	return nil
}

// ActivateInterval opens the window of an INTERVAL template.
func (s *Service) ActivateInterval(ctx context.Context, id int64) (*notification.Template, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Mode != notification.ModeInterval || t.Interval == nil {
		return nil, fmt.Errorf("template %d is not an INTERVAL template: %w", id, notification.ErrIllegalTransition)
	}
	if t.Status == notification.StatusIntervalActive {
		return t, nil
	}
	from := t.Status
	if err := t.Fire(notification.EventActivate); err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(ctx, id, from, t.Status); err != nil {
		if !errors.Is(err, notification.ErrIllegalTransition) {
			return nil, err
		}
		// Another start job got there first.
		cur, gerr := s.store.GetTemplate(ctx, id)
		if gerr != nil || cur.Status != notification.StatusIntervalActive {
			return nil, err
		}
		return cur, nil
	}
	s.emit(ctx, id, ActionActivate, SystemActor, "")
	s.log.Info("interval window opened", logx.Int64("template_id", id), logx.Time("until", t.Interval.WindowEnd))
	return t, nil
}

// RunInterval dispatches the occurrence of template id at slot. Each slot
// is claimed once; the template stays active.
func (s *Service) RunInterval(ctx context.Context, id int64, slot time.Time) error {
	t, err := s.store.GetTemplate(ctx, id)
	if errors.Is(err, notification.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.Fire(notification.EventOccur); err != nil {
		if notification.IsIllegalTransition(err) {
			return nil
		}
		return err
	}
	won, err := s.store.TryClaimOccurrence(ctx, id, slot)
	if err != nil {
		return fmt.Errorf("claim occurrence: %w", err)
	}
	s.metrics.Claim("interval", won)
	if !won {
		return nil
	}
	log := s.log.With(logx.Int64("template_id", id), logx.Time("slot", slot))

	recipients, err := s.recipientsFor(ctx, t)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		log.Info("interval occurrence has no recipients")
		return nil
	}
	b := s.batch(t, recipients, false)
	b.Slot = slot
	_, err = s.dispatch.Dispatch(ctx, b)
	if errors.Is(err, notification.ErrNoUsableToken) {
		log.Info("interval occurrence has no usable token")
		return nil
	}
	return err
}

// claimAndDispatch is the publish step shared by NOW, timers, the sweep and
// manual sends. Only the claim winner dispatches.
func (s *Service) claimAndDispatch(ctx context.Context, t *notification.Template, actor, source string) (Report, error) {
	id := t.ID
	rep := Report{TemplateID: id, Status: t.Status}
	claimed := t.Clone()
	if err := claimed.Fire(notification.EventPublish); err != nil {
		if !notification.IsIllegalTransition(err) {
			return rep, err
		}
		rep.Outcome = OutcomeClaimLost
		return rep, nil
	}
	won, err := s.store.TryClaim(ctx, id, s.clock.Now(), actor)
	if err != nil {
		return rep, fmt.Errorf("claim template %d: %w", id, err)
	}
	s.metrics.Claim(source, won)
	if !won {
		s.log.Debug("claim lost", logx.Int64("template_id", id), logx.String("source", source))
		rep.Outcome = OutcomeClaimLost
		return rep, nil
	}
	rep.Status = claimed.Status
	s.emit(ctx, id, ActionPublish, actor, source)

	if t.Kind == notification.KindFlash {
		// Flash templates are pulled by clients once published.
		rep.Outcome = OutcomePublished
		return rep, nil
	}

	recipients, err := s.recipientsFor(ctx, t)
	if err != nil {
		return rep, s.release(ctx, claimed, &rep, err)
	}
	if len(recipients) == 0 {
		rep.Outcome = OutcomeNoRecipients
		return rep, s.release(ctx, claimed, &rep, nil)
	}

	res, err := s.dispatch.Dispatch(ctx, s.batch(t, recipients, false))
	rep.Result = &res
	switch {
	case errors.Is(err, notification.ErrNoUsableToken):
		rep.Outcome = OutcomeNoRecipients
		return rep, s.release(ctx, claimed, &rep, nil)
	case err != nil:
		return rep, s.release(ctx, claimed, &rep, err)
	}
	rep.Outcome = OutcomeSent
	s.log.Info("template published",
		logx.Int64("template_id", id),
		logx.String("source", source),
		logx.Int("success", res.Success),
		logx.Int("fail", res.Fail),
	)
	return rep, nil
}

// release returns a claimed template to draft and passes cause through.
func (s *Service) release(ctx context.Context, claimed *notification.Template, rep *Report, cause error) error {
	id := claimed.ID
	if err := claimed.Fire(notification.EventRevert); err != nil {
		return errors.Join(cause, err)
	}
	if err := s.store.ReleaseClaim(ctx, id); err != nil {
		s.log.Error("release claim failed", logx.Int64("template_id", id), logx.Err(err))
		return errors.Join(cause, err)
	}
	rep.Status = claimed.Status
	detail := string(rep.Outcome)
	if cause != nil {
		detail = cause.Error()
	}
	s.emit(ctx, id, ActionRevert, SystemActor, detail)
	s.log.Info("template reverted to draft", logx.Int64("template_id", id), logx.String("reason", detail))
	return cause
}

// recipientsFor lists recipients with a token that t targets by brand and
// platform.
func (s *Service) recipientsFor(ctx context.Context, t *notification.Template) ([]notification.Recipient, error) {
	all, err := s.store.ListWithToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	out := make([]notification.Recipient, 0, len(all))
	for _, r := range all {
		if !t.AppliesToBrand(r.Brand) {
			continue
		}
		if !t.Platforms.All() && !t.Platforms.Contains(r.Platform) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// batch picks shared mode for announcements and targeted sends.
func (s *Service) batch(t *notification.Template, recipients []notification.Recipient, targeted bool) dispatch.Batch {
	mode := dispatch.ModeIndividual
	if targeted || t.Kind == notification.KindAnnouncement {
		mode = dispatch.ModeShared
	}
	return dispatch.Batch{Template: t, Recipients: recipients, Mode: mode}
}
