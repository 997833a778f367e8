package dispatch

import (
	"strconv"
	"strings"
)

// ParseMessageID extracts the numeric message id from a transport response.
// FCM answers "projects/<p>/messages/0:<id>%<suffix>"; other shapes that do
// not reduce to an integer give 0.
func ParseMessageID(raw string) int64 {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
