package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dmitrymomot/saaskit/pkg/audit"
)

// ResourceTemplate is the audit resource name for notification templates.
const ResourceTemplate = "template"

// AuditLog stores audit.Logger events in the audit table. An event's user is
// the actor and its resource id the template id.
type AuditLog struct {
	store AuditStore
}

func NewAuditLog(store AuditStore) *AuditLog { return &AuditLog{store: store} }

func (l *AuditLog) Store(ctx context.Context, events ...audit.Event) error {
	for _, ev := range events {
		e := AuditEntry{
			At:     ev.CreatedAt,
			Actor:  ev.UserID,
			Action: ev.Action,
			Detail: ev.Error,
		}
		if ev.Resource == ResourceTemplate && ev.ResourceID != "" {
			id, err := strconv.ParseInt(ev.ResourceID, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: template id %q", audit.ErrInvalidEvent, ev.ResourceID)
			}
			e.TemplateID = id
		}
		if d, ok := ev.Metadata["detail"].(string); ok && d != "" {
			e.Detail = d
		}
		if err := l.store.AppendAudit(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (l *AuditLog) Query(ctx context.Context, c audit.Criteria) ([]audit.Event, error) {
	rows, err := l.store.QueryAudit(ctx, AuditQuery{
		Action: c.Action,
		Actor:  c.UserID,
		Since:  c.StartTime,
		Until:  c.EndTime,
		Limit:  c.Limit,
		Offset: c.Offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]audit.Event, 0, len(rows))
	for _, r := range rows {
		ev := audit.Event{
			ID:         strconv.FormatInt(r.ID, 10),
			UserID:     r.Actor,
			Action:     r.Action,
			Resource:   ResourceTemplate,
			ResourceID: strconv.FormatInt(r.TemplateID, 10),
			Result:     audit.ResultSuccess,
			CreatedAt:  r.At,
		}
		if r.Detail != "" {
			ev.Metadata = map[string]any{"detail": r.Detail}
		}
		out = append(out, ev)
	}
	return out, nil
}
