// Package provider is the registry of outbound push clients, one per
// (brand, environment).
//
// Init resolves a credential file per configured brand; brands without one
// are logged and skipped. Lookup falls back from the brand's cached client to
// its initialized app, then to the default brand's client, then to nil.
package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"notifyd/internal/payload"
	"notifyd/pkg/logx"
)

// Client sends one message and returns the transport's raw message id.
type Client interface {
	Send(ctx context.Context, msg *payload.Message) (string, error)
}

// App is an initialized per-brand SDK handle that can produce a Client.
type App interface {
	Client(ctx context.Context) (Client, error)
}

// Driver opens Apps for one transport.
type Driver interface {
	Name() string
	// NeedsCredentialFile reports whether Init must find a file per brand.
	NeedsCredentialFile() bool
	Open(ctx context.Context, brand, credentialFile string) (App, error)
}

type Config struct {
	Environment    string
	Brands         []string
	CredentialDirs []string
	DefaultBrand   string
}

type Registry struct {
	driver Driver
	log    logx.Logger

	mu           sync.RWMutex
	env          string
	defaultBrand string
	apps         map[string]App
	clients      map[string]Client
}

func NewRegistry(d Driver, log logx.Logger) *Registry {
	return &Registry{
		driver:  d,
		log:     log.With(logx.String("comp", "provider")),
		apps:    map[string]App{},
		clients: map[string]Client{},
	}
}

func normBrand(b string) string { return strings.ToLower(strings.TrimSpace(b)) }

func (r *Registry) key(brand string) string { return normBrand(brand) + "|" + r.env }

// Init opens an App for every configured brand. A brand that cannot be
// initialized is skipped. It returns the number of initialized brands.
func (r *Registry) Init(ctx context.Context, cfg Config) int {
	r.mu.Lock()
	r.env = strings.TrimSpace(cfg.Environment)
	r.defaultBrand = normBrand(cfg.DefaultBrand)
	r.mu.Unlock()

	if r.driver == nil {
		r.log.Warn("no provider driver configured")
		return 0
	}

	ok := 0
	for _, brand := range cfg.Brands {
		brand = normBrand(brand)
		if brand == "" {
			continue
		}
		file := ""
		if r.driver.NeedsCredentialFile() {
			file = ResolveCredentialFile(cfg.CredentialDirs, brand, r.env)
			if file == "" {
				r.log.Warn("credential file not found; brand skipped",
					logx.String("brand", brand),
					logx.String("env", r.env),
					logx.Any("dirs", cfg.CredentialDirs),
				)
				continue
			}
		}
		app, err := r.driver.Open(ctx, brand, file)
		if err != nil {
			r.log.Warn("provider init failed; brand skipped", logx.String("brand", brand), logx.Err(err))
			continue
		}
		r.Register(brand, app)
		ok++
		r.log.Info("provider ready", logx.String("brand", brand), logx.String("driver", r.driver.Name()))
	}
	if ok == 0 && len(cfg.Brands) > 0 {
		r.log.Warn("no provider initialized; pushes will fail until credentials are present")
	}
	return ok
}

// Register installs an App for brand, replacing any cached client.
func (r *Registry) Register(brand string, app App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(brand)
	r.apps[k] = app
	delete(r.clients, k)
}

// Lookup returns the client for brand, or nil when messaging is unavailable.
func (r *Registry) Lookup(ctx context.Context, brand string) Client {
	if c := r.resolve(ctx, brand); c != nil {
		return c
	}
	r.mu.RLock()
	def := r.defaultBrand
	r.mu.RUnlock()
	if def == "" || def == normBrand(brand) {
		return nil
	}
	return r.resolve(ctx, def)
}

func (r *Registry) resolve(ctx context.Context, brand string) Client {
	r.mu.RLock()
	k := r.key(brand)
	c := r.clients[k]
	app := r.apps[k]
	r.mu.RUnlock()
	if c != nil {
		return c
	}
	if app == nil {
		return nil
	}

	c, err := app.Client(ctx)
	if err != nil || c == nil {
		r.log.Warn("provider client unavailable", logx.String("brand", brand), logx.Err(err))
		return nil
	}
	r.mu.Lock()
	if cur := r.clients[k]; cur != nil {
		c = cur
	} else {
		r.clients[k] = c
	}
	r.mu.Unlock()
	return c
}

// Brands lists brands with an initialized App.
func (r *Registry) Brands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.apps))
	for k := range r.apps {
		b, _, _ := strings.Cut(k, "|")
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// ResolveCredentialFile searches dirs for "<brand>-<env>.json", then
// "<brand>.json". It returns "" when neither exists.
func ResolveCredentialFile(dirs []string, brand, env string) string {
	var names []string
	if env != "" {
		names = append(names, brand+"-"+env+".json")
	}
	names = append(names, brand+".json")
	for _, name := range names {
		for _, dir := range dirs {
			p := filepath.Join(dir, name)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p
			}
		}
	}
	return ""
}

// SendError classifies a transport failure.
type SendError struct {
	Err error
	// Retryable marks transient failures (throttling, 5xx).
	Retryable bool
	// Unregistered marks a dead token.
	Unregistered bool
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Retryable
}
