package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notifyd/pkg/logx"
)

func TestServerLifecycle(t *testing.T) {
	deps := Deps{Health: func(context.Context) any { return map[string]string{"status": "ok"} }}
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, deps, logx.Nop())
	ctx := context.Background()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Equal(t, "", s.Addr())

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Equal(t, "", s.Addr())
}
