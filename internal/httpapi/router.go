package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notifyd/internal/flash"
	"notifyd/internal/lifecycle"
	"notifyd/internal/notification"
)

// Templates is the admin trigger surface.
type Templates interface {
	Get(ctx context.Context, id int64) (*notification.Template, error)
	Create(ctx context.Context, t *notification.Template, actor string) (lifecycle.Report, error)
	Update(ctx context.Context, id int64, t *notification.Template, actor string) (lifecycle.Report, error)
	SendNow(ctx context.Context, id int64, actor string) (lifecycle.Report, error)
	SendToAccount(ctx context.Context, id int64, accountID, actor string) (lifecycle.Report, error)
	Remove(ctx context.Context, id int64, force bool, actor string) (lifecycle.Report, error)
}

type Flash interface {
	Show(ctx context.Context, req flash.Request) (*flash.View, error)
}

// Deps are the handlers' collaborators. Nil fields disable their routes.
type Deps struct {
	Templates Templates
	Flash     Flash
	// Health returns the body of GET /healthz.
	Health  func(ctx context.Context) any
	Metrics http.Handler
}

// ActorHeader names the operator recorded in the audit trail.
const ActorHeader = "X-Actor"

const defaultActor = "api"

const maxBodyBytes = 1 << 20

// NewRouter builds the chi router. A non-empty token protects every route.
func NewRouter(d Deps, token string, pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(token))

	if d.Health != nil {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Health(r.Context()))
		})
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		if d.Templates != nil {
			h := templateHandlers{svc: d.Templates}
			v1.Post("/templates", h.create)
			v1.Route("/templates/{id}", func(t chi.Router) {
				t.Get("/", h.get)
				t.Put("/", h.update)
				t.Delete("/", h.remove)
				t.Post("/send", h.send)
			})
		}
		if d.Flash != nil {
			v1.Get("/flash", flashHandler(d.Flash))
		}
	})

	if pprof {
		r.Route("/debug/pprof", func(p chi.Router) {
			p.HandleFunc("/", hpprof.Index)
			p.HandleFunc("/cmdline", hpprof.Cmdline)
			p.HandleFunc("/profile", hpprof.Profile)
			p.HandleFunc("/symbol", hpprof.Symbol)
			p.HandleFunc("/trace", hpprof.Trace)
			p.HandleFunc("/{name}", hpprof.Index)
		})
	}
	return r
}

type templateHandlers struct {
	svc Templates
}

func (h templateHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h templateHandlers) create(w http.ResponseWriter, r *http.Request) {
	t, ok := decodeTemplate(w, r)
	if !ok {
		return
	}
	rep, err := h.svc.Create(r.Context(), t, actor(r))
	writeReport(w, http.StatusCreated, rep, err)
}

func (h templateHandlers) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, ok := decodeTemplate(w, r)
	if !ok {
		return
	}
	rep, err := h.svc.Update(r.Context(), id, t, actor(r))
	writeReport(w, http.StatusOK, rep, err)
}

func (h templateHandlers) send(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var (
		rep lifecycle.Report
		err error
	)
	if acct := strings.TrimSpace(r.URL.Query().Get("account_id")); acct != "" {
		rep, err = h.svc.SendToAccount(r.Context(), id, acct, actor(r))
	} else {
		rep, err = h.svc.SendNow(r.Context(), id, actor(r))
	}
	writeReport(w, http.StatusOK, rep, err)
}

func (h templateHandlers) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	rep, err := h.svc.Remove(r.Context(), id, force, actor(r))
	writeReport(w, http.StatusOK, rep, err)
}

func flashHandler(f Flash) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := flash.Request{
			AccountID: strings.TrimSpace(q.Get("account_id")),
			Language:  q.Get("language"),
			Brand:     q.Get("brand"),
		}
		if raw := q.Get("template_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				writeProblem(w, http.StatusBadRequest, "invalid template_id")
				return
			}
			req.TemplateID = id
		}
		v, err := f.Show(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func decodeTemplate(w http.ResponseWriter, r *http.Request) (*notification.Template, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var t notification.Template
	if err := dec.Decode(&t); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid template body: "+err.Error())
		return nil, false
	}
	return &t, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, http.StatusBadRequest, "invalid template id")
		return 0, false
	}
	return id, true
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return defaultActor
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeProblem(w, http.StatusUnauthorized, "unauthorized")
}

type problem struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Current  int      `json:"current,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// writeReport writes rep, or the error when there is one. Total delivery
// failures carry the report so the operator sees the per-recipient errors.
func writeReport(w http.ResponseWriter, okStatus int, rep lifecycle.Report, err error) {
	if err == nil {
		writeJSON(w, okStatus, rep)
		return
	}
	if errors.Is(err, notification.ErrTotalDeliveryFailure) && rep.TemplateID != 0 {
		writeJSON(w, http.StatusBadGateway, struct {
			lifecycle.Report
			Error string `json:"error"`
		}{rep, err.Error()})
		return
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		verr *notification.ValidationError
		qerr *notification.QuotaError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, problem{Error: "validation failed", Problems: verr.Problems})
	case errors.As(err, &qerr):
		writeJSON(w, http.StatusTooManyRequests, problem{Error: err.Error(), Rule: string(qerr.Rule), Current: qerr.Current, Limit: qerr.Limit})
	case errors.Is(err, notification.ErrValidation):
		writeProblem(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notification.ErrLimitReached):
		writeProblem(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, notification.ErrNotFound),
		errors.Is(err, notification.ErrNoTemplates),
		errors.Is(err, lifecycle.ErrRecipientNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notification.ErrIllegalTransition),
		errors.Is(err, notification.ErrNotFlash):
		writeProblem(w, http.StatusConflict, err.Error())
	case errors.Is(err, notification.ErrNoUsableToken):
		writeProblem(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, notification.ErrTotalDeliveryFailure),
		errors.Is(err, notification.ErrProviderUnavailable):
		writeProblem(w, http.StatusBadGateway, err.Error())
	default:
		writeProblem(w, http.StatusInternalServerError, err.Error())
	}
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, problem{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
