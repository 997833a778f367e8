package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/ledger"
	"notifyd/internal/notification"
	"notifyd/internal/payload"
	"notifyd/internal/provider"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	sent    []string
	fail    map[string]error
	panicOn string
}

func (c *fakeClient) Send(_ context.Context, msg *payload.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg.Token)
	if msg.Token == c.panicOn {
		panic("transport exploded")
	}
	if err := c.fail[msg.Token]; err != nil {
		return "", err
	}
	return "projects/demo/messages/0:1500415314455276%31bd1c96", nil
}

func (c *fakeClient) tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeProviders map[string]provider.Client

func (p fakeProviders) Lookup(_ context.Context, brand string) provider.Client {
	if c, ok := p[brand]; ok {
		return c
	}
	return nil
}

type harness struct {
	d      *Dispatcher
	client *fakeClient
	store  storage.Store
	bus    eventbus.Bus
	clock  clockwork.FakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "dispatch.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	led := ledger.New(st, clk, ledger.Config{}, logx.Nop())
	client := &fakeClient{fail: map[string]error{}}
	bus := eventbus.New()
	d := New(cfg, led, fakeProviders{"acme": client}, logx.Nop(), WithBus(bus), WithImageResolver(BaseURLImages{Base: "https://cdn.example.com/"}))
	return &harness{d: d, client: client, store: st, bus: bus, clock: clk}
}

func tmpl(id int64, kind notification.Kind) *notification.Template {
	return &notification.Template{
		ID:   id,
		Kind: kind,
		Mode: notification.ModeNow,
		Translations: []notification.Translation{
			{Language: "en", Title: "Hello", Body: "World", ImageRef: "img/a.png"},
			{Language: "km", Title: "សួស្តី", Body: "ពិភពលោក"},
		},
	}
}

func rcpt(id, token string, p notification.Platform) notification.Recipient {
	tok := token
	return notification.Recipient{AccountID: id, PushToken: &tok, Platform: p, Language: "en", Brand: "acme"}
}

func TestDispatch_PartialFailureIsContained(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.fail["t2"] = errors.New("invalid registration")

	res, err := h.d.Dispatch(context.Background(), Batch{
		Template: tmpl(1, notification.KindOrdinary),
		Recipients: []notification.Recipient{
			rcpt("a1", "t1", notification.PlatformIOS),
			rcpt("a2", "t2", notification.PlatformAndroid),
			rcpt("a3", "t3", notification.PlatformAndroid),
		},
		Mode: ModeIndividual,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Fail)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "a2", res.Failed[0].AccountID)
	assert.Equal(t, []string{"t1", "t2", "t3"}, h.client.tokens())
	assert.NotEmpty(t, res.BatchID)

	d, err := h.store.FindRecentDelivery(context.Background(), "a1", 1, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(1500415314455276), d.MessageID)

	d, err = h.store.FindRecentDelivery(context.Background(), "a2", 1, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, d, "record is created before sending")
	assert.Zero(t, d.MessageID)
	assert.False(t, d.Confirmed())
}

func TestDispatch_PanicIsolatedToRecipient(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.panicOn = "t1"

	res, err := h.d.Dispatch(context.Background(), Batch{
		Template: tmpl(2, notification.KindOrdinary),
		Recipients: []notification.Recipient{
			rcpt("a1", "t1", notification.PlatformIOS),
			rcpt("a2", "t2", notification.PlatformIOS),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, res.Fail)
	assert.Contains(t, res.Failed[0].Error, "panic")
}

func TestDispatch_NoUsableToken(t *testing.T) {
	h := newHarness(t, Config{})
	empty := notification.Recipient{AccountID: "a1", Platform: notification.PlatformIOS, Brand: "acme"}

	res, err := h.d.Dispatch(context.Background(), Batch{
		Template:   tmpl(3, notification.KindOrdinary),
		Recipients: []notification.Recipient{empty, rcpt("a2", "  ", notification.PlatformIOS)},
	})
	require.ErrorIs(t, err, notification.ErrNoUsableToken)
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, h.client.tokens())

	n, err := h.store.CountDeliveries(context.Background(), "a1", 3, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatch_TotalFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.fail["t1"] = errors.New("down")

	ch, unsub := h.bus.Subscribe(4)
	defer unsub()

	res, err := h.d.Dispatch(context.Background(), Batch{
		Template:   tmpl(4, notification.KindOrdinary),
		Recipients: []notification.Recipient{rcpt("a1", "t1", notification.PlatformIOS)},
	})
	require.ErrorIs(t, err, notification.ErrTotalDeliveryFailure)
	assert.Equal(t, 1, res.Fail)

	select {
	case ev := <-ch:
		be, ok := ev.Data.(eventbus.BatchEvent)
		require.True(t, ok)
		assert.Equal(t, int64(4), be.TemplateID)
		assert.NotEmpty(t, be.Err)
	case <-time.After(time.Second):
		t.Fatal("no batch event")
	}
}

func TestDispatch_UnsupportedPlatformAndMissingProvider(t *testing.T) {
	h := newHarness(t, Config{})
	web := rcpt("a1", "t1", notification.Platform("web"))
	other := rcpt("a2", "t2", notification.PlatformIOS)
	other.Brand = "nobrand"
	ok := rcpt("a3", "t3", notification.PlatformAndroid)

	res, err := h.d.Dispatch(context.Background(), Batch{
		Template:   tmpl(5, notification.KindOrdinary),
		Recipients: []notification.Recipient{web, other, ok},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Success)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, notification.ErrProviderUnavailable.Error())
}

func TestDispatch_SharedMode(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, Batch{
		Template:   tmpl(6, notification.KindFlash),
		Recipients: []notification.Recipient{rcpt("a1", "t1", notification.PlatformIOS)},
		Mode:       ModeShared,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.client.tokens(), "flash is never pushed in shared mode")

	res, err = h.d.Dispatch(ctx, Batch{
		Template: tmpl(7, notification.KindAnnouncement),
		Recipients: []notification.Recipient{
			rcpt("a1", "t1", notification.PlatformIOS),
			rcpt("a2", "t2", notification.PlatformAndroid),
		},
		Mode: ModeShared,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)

	n, err := h.store.CountDeliveries(ctx, SharedAccount, 7, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.store.CountDeliveries(ctx, "a1", 7, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatch_ConfirmedDuplicateIsNotResent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	b := Batch{
		Template:   tmpl(8, notification.KindOrdinary),
		Recipients: []notification.Recipient{rcpt("a1", "t1", notification.PlatformIOS)},
	}

	_, err := h.d.Dispatch(ctx, b)
	require.NoError(t, err)
	res, err := h.d.Dispatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, []string{"t1"}, h.client.tokens())
}

func TestDispatch_SharedSingleAccountWithinWindow(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	b := Batch{
		Template:   tmpl(10, notification.KindOrdinary),
		Recipients: []notification.Recipient{rcpt("a1", "t1", notification.PlatformIOS)},
		Mode:       ModeShared,
	}

	_, err := h.d.Dispatch(ctx, b)
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)
	res, err := h.d.Dispatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, []string{"t1"}, h.client.tokens())
}

type uuidClient struct{ calls int }

func (c *uuidClient) Send(context.Context, *payload.Message) (string, error) {
	c.calls++
	return "7d2f0c9e-2b3a-4c1d-9e8f-000000000000", nil
}

func TestDispatch_NonNumericMessageIDStillConfirms(t *testing.T) {
	h := newHarness(t, Config{})
	sns := &uuidClient{}
	h.d.providers = fakeProviders{"acme": sns}
	ctx := context.Background()
	b := Batch{
		Template:   tmpl(11, notification.KindOrdinary),
		Recipients: []notification.Recipient{rcpt("a1", "t1", notification.PlatformAndroid)},
	}

	_, err := h.d.Dispatch(ctx, b)
	require.NoError(t, err)
	res, err := h.d.Dispatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, sns.calls)

	d, err := h.store.FindRecentDelivery(ctx, "a1", 11, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Zero(t, d.MessageID)
	assert.True(t, d.Confirmed())
}

func TestDispatch_EachSlotIsDelivered(t *testing.T) {
	for _, mode := range []Mode{ModeIndividual, ModeShared} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, Config{})
			ctx := context.Background()
			tpl := tmpl(12, notification.KindOrdinary)
			tpl.Mode = notification.ModeInterval

			for i := 0; i < 3; i++ {
				if i > 0 {
					h.clock.Advance(ledger.DefaultDedupWindow)
				}
				res, err := h.d.Dispatch(ctx, Batch{
					Template:   tpl,
					Recipients: []notification.Recipient{rcpt("a1", "t1", notification.PlatformIOS)},
					Mode:       mode,
					Slot:       h.clock.Now(),
				})
				require.NoError(t, err)
				assert.Equal(t, 1, res.Success)
			}
			assert.Len(t, h.client.tokens(), 3)
		})
	}
}

func TestDispatch_RetriesTransientErrors(t *testing.T) {
	h := newHarness(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	flaky := &flakyClient{failures: 2}
	h.d.providers = fakeProviders{"acme": flaky}

	res, err := h.d.Dispatch(context.Background(), Batch{
		Template:   tmpl(9, notification.KindOrdinary),
		Recipients: []notification.Recipient{rcpt("a1", "t1", notification.PlatformAndroid)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 3, flaky.calls)
}

type slowClient struct{ delay time.Duration }

func (c slowClient) Send(ctx context.Context, _ *payload.Message) (string, error) {
	select {
	case <-time.After(c.delay):
		return "1", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestDispatch_OutlivesShortCallerDeadline(t *testing.T) {
	h := newHarness(t, Config{SendTimeout: time.Second})
	h.d.providers = fakeProviders{"acme": slowClient{delay: 40 * time.Millisecond}}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	res, err := h.d.Dispatch(ctx, Batch{
		Template: tmpl(13, notification.KindOrdinary),
		Recipients: []notification.Recipient{
			rcpt("a1", "t1", notification.PlatformIOS),
			rcpt("a2", "t2", notification.PlatformIOS),
			rcpt("a3", "t3", notification.PlatformIOS),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Success)
}

func TestWithBudget(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ctx, stop := withBudget(parent, time.Minute)
	defer stop()

	dl, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Greater(t, time.Until(dl), 50*time.Second)
	<-parent.Done()
	assert.NoError(t, ctx.Err())

	parent2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	ctx2, stop2 := withBudget(parent2, time.Minute)
	defer stop2()
	cancel2()
	require.Eventually(t, func() bool { return errors.Is(ctx2.Err(), context.Canceled) }, time.Second, time.Millisecond)

	long, cancel3 := context.WithTimeout(context.Background(), time.Hour)
	defer cancel3()
	same, stop3 := withBudget(long, time.Minute)
	defer stop3()
	assert.Equal(t, long, same)
}

func TestConfigBudget(t *testing.T) {
	c := Config{SendTimeout: time.Second, RetryMax: 2, RetryMaxDelay: 3 * time.Second, RatePerSec: 10}
	// (3 attempts × 1s + 2 retries × 3s) per recipient, plus 100ms of rate limiting.
	assert.Equal(t, 10*(9*time.Second+100*time.Millisecond), c.Budget(10))
	assert.Zero(t, c.Budget(0))
}

type flakyClient struct {
	failures int
	calls    int
}

func (c *flakyClient) Send(context.Context, *payload.Message) (string, error) {
	c.calls++
	if c.calls <= c.failures {
		return "", &provider.SendError{Err: errors.New("unavailable"), Retryable: true}
	}
	return "42", nil
}

func TestParseMessageID(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"projects/p/messages/0:1500415314455276%31bd1c9631bd1c96", 1500415314455276},
		{"0:42%abc", 42},
		{"12345", 12345},
		{"7d2f0c9e-2b3a-4c1d-9e8f-000000000000", 0},
		{"", 0},
		{"projects/p/messages/abc", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseMessageID(tc.raw), tc.raw)
	}
}

func TestBaseURLImages(t *testing.T) {
	r := BaseURLImages{Base: "https://cdn.example.com/"}
	assert.Equal(t, "https://cdn.example.com/img/a.png", r.PublicURL("/img/a.png"))
	assert.Equal(t, "https://other/x.png", r.PublicURL("https://other/x.png"))
	assert.Equal(t, "", r.PublicURL(" "))
	assert.Equal(t, "img.png", BaseURLImages{}.PublicURL("img.png"))
}
