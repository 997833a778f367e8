package payload

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"notifyd/internal/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(p notification.Platform) Context {
	tok := "device-token"
	return Context{
		Template: &notification.Template{ID: 17, Kind: notification.KindAnnouncement, Mode: notification.ModeSchedule, Priority: 3},
		Translation: &notification.Translation{
			Language:    "en",
			Title:       strings.Repeat("t", 80),
			Body:        strings.Repeat("b", 120),
			LinkPreview: "https://example.com/promo",
		},
		Recipient:  notification.Recipient{AccountID: "a1", PushToken: &tok, Platform: p},
		ImageURL:   "https://cdn.example.com/img.png",
		DeliveryID: 99,
		SendCount:  2,
	}
}

func TestBuild_IOSAlertWithMetadata(t *testing.T) {
	s := NewSet(Options{})
	msg, err := s.Build(testContext(notification.PlatformIOS))
	require.NoError(t, err)

	require.NotNil(t, msg.Alert)
	assert.Equal(t, "device-token", msg.Token)
	assert.Equal(t, 60, len([]rune(msg.Alert.Title)))
	assert.Equal(t, 90, len([]rune(msg.Alert.Body)))
	assert.True(t, strings.HasSuffix(msg.Alert.Title, "…"))
	assert.Equal(t, DefaultSound, msg.Alert.Sound)
	assert.Equal(t, 1, msg.Alert.Badge)
	assert.Equal(t, "template-17", msg.CollapseKey)

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(msg.Data["metadata"]), &meta))
	assert.Equal(t, "99", meta["id"])
	assert.Equal(t, "17", meta["template_id"])
	assert.Equal(t, "announcement", meta["type"])
	assert.Equal(t, "scheduled", meta["category"])
	assert.Equal(t, "https://cdn.example.com/img.png", meta["image"])
	assert.Equal(t, "https://example.com/promo", meta["link_preview"])
}

func TestBuild_AndroidDataOnly(t *testing.T) {
	s := NewSet(Options{TitleMax: 10, AndroidTTL: time.Hour})
	msg, err := s.Build(testContext(notification.PlatformAndroid))
	require.NoError(t, err)

	assert.Nil(t, msg.Alert)
	assert.Equal(t, "high", msg.Priority)
	assert.Equal(t, time.Hour, msg.TTL)
	assert.Equal(t, "template-17", msg.CollapseKey)
	assert.Equal(t, 10, len([]rune(msg.Data["title"])))
	assert.Equal(t, "17", msg.Data["template_id"])
	assert.Equal(t, "3", msg.Data["priority"])
	assert.Equal(t, "2", msg.Data["send_count"])
	assert.Equal(t, "announcement", msg.Data["type"])
}

func TestBuild_UnsupportedPlatform(t *testing.T) {
	s := NewSet(Options{})
	_, err := s.Build(testContext(notification.Platform("web")))
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestBuild_NoToken(t *testing.T) {
	c := testContext(notification.PlatformIOS)
	empty := " "
	c.Recipient.PushToken = &empty
	_, err := NewSet(Options{}).Build(c)
	require.ErrorIs(t, err, notification.ErrNoUsableToken)
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"hello world", 6, "hello…"},
		{"សួស្តីពិភពលោក", 4, "សួស…"},
		{"abc", 1, "a"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Truncate(tc.in, tc.max), tc.in)
	}
}
