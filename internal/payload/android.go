package payload

import (
	"strconv"

	"notifyd/internal/notification"
)

type androidBuilder struct {
	opts Options
}

func (androidBuilder) Platform() notification.Platform { return notification.PlatformAndroid }

func (b androidBuilder) Build(c Context) (*Message, error) {
	if err := checkContext(c); err != nil {
		return nil, err
	}
	data := fields(c, b.opts)
	data["priority"] = strconv.Itoa(c.Template.Priority)
	data["send_count"] = strconv.Itoa(c.SendCount)
	return &Message{
		Token:       c.Recipient.Token(),
		Platform:    notification.PlatformAndroid,
		Data:        data,
		Priority:    "high",
		TTL:         b.opts.AndroidTTL,
		CollapseKey: collapseKey(c.Template.ID),
	}, nil
}
