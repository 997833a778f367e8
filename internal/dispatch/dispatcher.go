// Package dispatch fans a template out to recipients.
//
// A batch is processed sequentially. Each recipient is isolated: an error or
// panic is recorded against that recipient and the loop moves on. The caller
// gets ErrNoUsableToken when nobody could be addressed and
// ErrTotalDeliveryFailure when every attempt failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/ledger"
	"notifyd/internal/notification"
	"notifyd/internal/observability/metrics"
	"notifyd/internal/payload"
	"notifyd/internal/provider"
	"notifyd/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Dispatcher struct {
	ledger    *ledger.Ledger
	providers Providers
	images    ImageResolver
	bus       eventbus.Bus
	metrics   *metrics.Metrics
	log       logx.Logger

	mu       sync.RWMutex
	cfg      Config
	limiter  *rate.Limiter
	builders *payload.Set
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option            { return func(d *Dispatcher) { d.bus = b } }
func WithMetrics(m *metrics.Metrics) Option    { return func(d *Dispatcher) { d.metrics = m } }
func WithImageResolver(r ImageResolver) Option { return func(d *Dispatcher) { d.images = r } }

func New(cfg Config, l *ledger.Ledger, providers Providers, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:    l,
		providers: providers,
		images:    BaseURLImages{},
		log:       log.With(logx.String("comp", "dispatch")),
	}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps rate limits, retry policy and payload options.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	set := payload.NewSet(cfg.Payload)

	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.builders = set
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter, *payload.Set) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.limiter, d.builders
}

// Dispatch sends b. The Result is valid even when an error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch) (Result, error) {
	res := Result{BatchID: uuid.NewString()}
	t := b.Template
	if t == nil {
		return res, errors.New("dispatch: nil template")
	}
	if b.Mode == "" {
		b.Mode = ModeIndividual
	}
	log := d.log.With(
		logx.String("batch", res.BatchID),
		logx.Int64("template_id", t.ID),
		logx.String("mode", string(b.Mode)),
	)
	started := time.Now()

	if b.Mode == ModeShared && t.Kind == notification.KindFlash {
		res.Skipped = len(b.Recipients)
		log.Info("flash template not pushed in shared mode")
		return res, nil
	}

	usable := make([]notification.Recipient, 0, len(b.Recipients))
	for _, r := range b.Recipients {
		if r.HasToken() {
			usable = append(usable, r)
		} else {
			res.Skipped++
		}
	}
	if len(usable) == 0 {
		d.finish(log, t, b.Mode, &res, started, notification.ErrNoUsableToken)
		return res, notification.ErrNoUsableToken
	}

	cfg, lim, builders := d.snapshot()
	ctx, cancel := withBudget(ctx, cfg.Budget(len(usable)))
	defer cancel()

	var shared *notification.Delivery
	if b.Mode == ModeShared {
		acct := SharedAccount
		if len(usable) == 1 {
			acct = usable[0].AccountID
		}
		rec, fresh, err := d.ledger.Acquire(ctx, ledger.Entry{
			AccountID:  acct,
			TemplateID: t.ID,
			Token:      usable[0].Token(),
			NotBefore:  b.Slot,
		}, nil)
		if err != nil {
			err = fmt.Errorf("dispatch: ledger: %w", err)
			d.finish(log, t, b.Mode, &res, started, err)
			return res, err
		}
		if !fresh && rec.Confirmed() {
			// The whole batch went out within the dedup window.
			for _, r := range usable {
				res.Attempted++
				res.Success++
				d.metrics.Delivery(string(r.Platform), string(outcomeDuplicate))
			}
			log.Info("shared batch already delivered", logx.Int64("delivery_id", rec.ID))
			d.finish(log, t, b.Mode, &res, started, nil)
			return res, nil
		}
		shared = rec
	}

	for _, r := range usable {
		if err := ctx.Err(); err != nil {
			res.Attempted++
			res.Fail++
			res.Failed = append(res.Failed, FailedRecipient{AccountID: r.AccountID, Error: err.Error()})
			continue
		}
		outcome, err := d.safeSend(ctx, cfg, lim, builders, b, r, shared)
		switch outcome {
		case outcomeSkipped:
			res.Skipped++
			log.Warn("recipient skipped", logx.String("account", r.AccountID), logx.Err(err))
			d.metrics.Delivery(string(r.Platform), "skipped")
		case outcomeSent, outcomeDuplicate:
			res.Attempted++
			res.Success++
			d.metrics.Delivery(string(r.Platform), string(outcome))
		default:
			res.Attempted++
			res.Fail++
			res.Failed = append(res.Failed, FailedRecipient{AccountID: r.AccountID, Error: errString(err)})
			log.Warn("recipient failed", logx.String("account", r.AccountID), logx.Err(err))
			d.metrics.Delivery(string(r.Platform), "failed")
		}
	}

	var err error
	switch {
	case res.Attempted == 0:
		err = notification.ErrNoUsableToken
	case res.Success == 0:
		err = notification.ErrTotalDeliveryFailure
	}
	d.finish(log, t, b.Mode, &res, started, err)
	return res, err
}

func (d *Dispatcher) finish(log logx.Logger, t *notification.Template, mode Mode, res *Result, started time.Time, err error) {
	took := time.Since(started)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
	case res.Fail > 0:
		outcome = "partial"
	}
	d.metrics.Batch(string(mode), outcome, took.Seconds())

	fields := []logx.Field{
		logx.Int("success", res.Success),
		logx.Int("fail", res.Fail),
		logx.Int("skipped", res.Skipped),
		logx.Duration("took", took),
	}
	if err != nil {
		log.Warn("batch failed", append(fields, logx.Err(err))...)
	} else {
		log.Info("batch done", fields...)
	}

	if d.bus != nil {
		ev := eventbus.BatchEvent{
			BatchID:    res.BatchID,
			TemplateID: t.ID,
			Mode:       string(mode),
			Success:    res.Success,
			Fail:       res.Fail,
			Skipped:    res.Skipped,
			Duration:   took,
		}
		if err != nil {
			ev.Err = err.Error()
		}
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeBatch, Data: ev})
	}
}

type outcome string

const (
	outcomeSent      outcome = "sent"
	outcomeDuplicate outcome = "duplicate"
	outcomeSkipped   outcome = "skipped"
	outcomeFailed    outcome = "failed"
)

// safeSend converts a panic in one recipient into a failure.
func (d *Dispatcher) safeSend(ctx context.Context, cfg Config, lim *rate.Limiter, builders *payload.Set,
	batch Batch, r notification.Recipient, shared *notification.Delivery) (out outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = outcomeFailed, fmt.Errorf("panic: %v", rec)
		}
	}()
	return d.sendOne(ctx, cfg, lim, builders, batch, r, shared)
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, builders *payload.Set,
	batch Batch, r notification.Recipient, shared *notification.Delivery) (outcome, error) {
	t := batch.Template
	b, err := builders.For(r.Platform)
	if err != nil {
		return outcomeSkipped, err
	}
	tr := notification.BestTranslation(t, r.Language, cfg.FallbackLanguages)
	if tr == nil {
		return outcomeFailed, errors.New("no usable translation")
	}

	rec := shared
	if rec == nil {
		var fresh bool
		rec, fresh, err = d.ledger.Acquire(ctx, ledger.Entry{
			AccountID:  r.AccountID,
			TemplateID: t.ID,
			Token:      r.Token(),
			NotBefore:  batch.Slot,
		}, nil)
		if err != nil {
			return outcomeFailed, fmt.Errorf("ledger: %w", err)
		}
		if !fresh && rec.Confirmed() {
			return outcomeDuplicate, nil
		}
	}

	msg, err := b.Build(payload.Context{
		Template:    t,
		Translation: tr,
		Recipient:   r,
		ImageURL:    d.images.PublicURL(tr.ImageRef),
		DeliveryID:  rec.ID,
		SendCount:   rec.SendCount,
	})
	if err != nil {
		return outcomeFailed, err
	}

	client := d.providers.Lookup(ctx, r.Brand)
	if client == nil {
		return outcomeFailed, fmt.Errorf("%w: brand %q", notification.ErrProviderUnavailable, r.Brand)
	}

	raw, err := d.sendWithRetry(ctx, cfg, lim, client, msg)
	if err != nil {
		return outcomeFailed, err
	}
	if err := d.ledger.Confirm(ctx, rec.ID, ParseMessageID(raw)); err != nil {
		d.log.Warn("confirm delivery failed", logx.Int64("delivery_id", rec.ID), logx.Err(err))
	}
	return outcomeSent, nil
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, c provider.Client, msg *payload.Message) (string, error) {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return "", err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		raw, err := c.Send(callCtx, msg)
		cancel()
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if attempt >= attempts || !provider.IsRetryable(err) {
			break
		}
		d.log.Debug("send failed; retrying", logx.Int("attempt", attempt), logx.Err(err))

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// withBudget replaces a deadline of ctx that is shorter than budget. The
// batch still stops when ctx is cancelled.
func withBudget(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	dl, ok := ctx.Deadline()
	if !ok || time.Until(dl) >= budget {
		return ctx, func() {}
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			cancel()
		}
	})
	return bctx, func() {
		stop()
		cancel()
	}
}

// retryDelay is exponential from RetryBase, capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
