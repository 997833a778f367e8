package lifecycle

import (
	"context"
	"errors"

	"github.com/dmitrymomot/saaskit/pkg/audit"

	"notifyd/internal/dispatch"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
)

// ErrRecipientNotFound is returned by SendToAccount for an unknown account.
var ErrRecipientNotFound = errors.New("recipient not found")

// Outcome is the operator-visible result of a lifecycle call.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomePublished    Outcome = "published"
	OutcomeScheduled    Outcome = "scheduled"
	OutcomeNoRecipients Outcome = "no_recipients"
	OutcomeClaimLost    Outcome = "claim_lost"
	OutcomeExpired      Outcome = "expired"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRemoved      Outcome = "removed"
)

// Audit actions, logged through the Auditor and published on the bus.
const (
	ActionCreate    = "create"
	ActionUpdate    = "update"
	ActionSupersede = "supersede"
	ActionActivate  = "activate"
	ActionPublish   = "publish"
	ActionRevert    = "revert"
	ActionExpire    = "expire"
	ActionRemove    = "remove"
	ActionSend      = "send"
)

// SystemActor is recorded for actions taken by timers and the sweep.
const SystemActor = "system"

// Report describes what a lifecycle call did.
type Report struct {
	TemplateID int64               `json:"template_id"`
	Status     notification.Status `json:"status"`
	Outcome    Outcome             `json:"outcome"`
	Result     *dispatch.Result    `json:"result,omitempty"`
}

// Store is the persistence the lifecycle needs.
type Store interface {
	storage.TemplateStore
	storage.RecipientStore
}

type Dispatcher interface {
	Dispatch(ctx context.Context, b dispatch.Batch) (dispatch.Result, error)
}

// Timers registers and cancels per-template timers.
type Timers interface {
	Register(t *notification.Template) error
	Unregister(id int64) int
}

// Auditor records lifecycle actions. *audit.Logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, action string, opts ...audit.EventOption) error
}

type actorKey struct{}

// WithActor attaches the acting operator to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext is the audit user extractor.
func ActorFromContext(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(actorKey{}).(string)
	return a, ok && a != ""
}

// Purger drops delivery records on forced removal.
type Purger interface {
	Purge(ctx context.Context, templateID int64) (int64, error)
}
