package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrymomot/saaskit/pkg/statemachine"
)

// Event drives a template from one Status to another.
type Event string

const (
	// EventSchedule parks a SCHEDULE template until its instant.
	EventSchedule Event = "schedule"
	// EventActivate starts an INTERVAL window.
	EventActivate Event = "activate"
	// EventOccur is one INTERVAL occurrence; the window stays open.
	EventOccur Event = "occur"
	// EventPublish is the claim: the template is (being) delivered.
	EventPublish Event = "publish"
	// EventExpire closes a missed schedule or an elapsed window without sending.
	EventExpire Event = "expire"
	// EventRevert returns a claimed template to DRAFT after a dispatch that
	// reached nobody, so an operator can fix targeting and retry.
	EventRevert Event = "revert"
	// EventEdit re-drafts an unpublished template whose schedule changed.
	EventEdit Event = "edit"
)

func (s Status) Name() string { return string(s) }
func (e Event) Name() string  { return string(e) }

// modeIs rejects the transition for templates of another mode. Without a
// template (Next) the guard passes.
func modeIs(m SendMode) statemachine.Guard {
	return func(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
		t, ok := data.(*Template)
		return !ok || t.Mode == m
	}
}

func edge(from, to Status, ev Event, guards ...statemachine.Guard) statemachine.TransitionDef {
	return statemachine.TransitionDef{From: from, To: to, Event: ev, Guards: guards}
}

var transitions = []statemachine.TransitionDef{
	edge(StatusDraft, StatusScheduled, EventSchedule, modeIs(ModeSchedule)),
	edge(StatusDraft, StatusIntervalActive, EventActivate, modeIs(ModeInterval)),
	edge(StatusDraft, StatusPublished, EventPublish),
	edge(StatusDraft, StatusPublished, EventExpire),
	edge(StatusDraft, StatusDraft, EventEdit),

	edge(StatusScheduled, StatusScheduled, EventSchedule),
	edge(StatusScheduled, StatusPublished, EventPublish),
	edge(StatusScheduled, StatusPublished, EventExpire),
	edge(StatusScheduled, StatusDraft, EventEdit),

	edge(StatusIntervalActive, StatusIntervalActive, EventOccur),
	edge(StatusIntervalActive, StatusPublished, EventPublish),
	edge(StatusIntervalActive, StatusPublished, EventExpire),
	edge(StatusIntervalActive, StatusDraft, EventEdit),

	edge(StatusPublished, StatusDraft, EventRevert),
}

// IllegalTransitionError reports an event that the current status does not accept.
type IllegalTransitionError struct {
	From  Status
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("no transition from status %q for event %q", e.From, e.Event)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// fire runs ev against a machine parked at cur. data is handed to guards.
func fire(cur Status, ev Event, data any) (Status, error) {
	if cur == "" {
		cur = StatusDraft
	}
	m, err := statemachine.New(cur, statemachine.WithTransitions(transitions))
	if err != nil {
		return cur, err
	}
	if err := m.Fire(context.Background(), ev, data); err != nil {
		if statemachine.IsNoTransitionAvailableError(err) || statemachine.IsTransitionRejectedError(err) {
			return cur, &IllegalTransitionError{From: cur, Event: ev}
		}
		return cur, err
	}
	to, ok := m.Current().(Status)
	if !ok {
		return cur, fmt.Errorf("unexpected state %q", m.Current().Name())
	}
	return to, nil
}

// Next returns the status that ev leads to from cur, ignoring mode guards.
func Next(cur Status, ev Event) (Status, error) {
	return fire(cur, ev, nil)
}

// Fire applies ev to t in place.
func (t *Template) Fire(ev Event) error {
	to, err := fire(t.Status, ev, t)
	if err != nil {
		return err
	}
	t.Status = to
	t.Published = to == StatusPublished
	return nil
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var e *IllegalTransitionError
	return errors.As(err, &e)
}
