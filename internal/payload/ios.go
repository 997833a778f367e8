package payload

import (
	"encoding/json"

	"notifyd/internal/notification"
)

type iosBuilder struct {
	opts Options
}

func (iosBuilder) Platform() notification.Platform { return notification.PlatformIOS }

func (b iosBuilder) Build(c Context) (*Message, error) {
	if err := checkContext(c); err != nil {
		return nil, err
	}
	meta := fields(c, b.opts)
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &Message{
		Token:    c.Recipient.Token(),
		Platform: notification.PlatformIOS,
		Alert: &Alert{
			Title: meta["title"],
			Body:  meta["body"],
			Sound: b.opts.Sound,
			Badge: b.opts.Badge,
		},
		Data: map[string]string{
			"metadata":    string(blob),
			"template_id": meta["template_id"],
		},
		Priority:    "high",
		CollapseKey: collapseKey(c.Template.ID),
	}, nil
}
