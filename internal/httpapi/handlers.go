package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tokengate.org/internal/audit"
	"tokengate.org/internal/auth"
	"tokengate.org/internal/obs"
	"tokengate.org/internal/stream"
)

// Pinger is anything with a connectivity check, e.g. the Redis revocation store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing stores the service depends on.
type ReadyProbe struct {
	DB      *sql.DB
	Pingers []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, p := range rp.Pingers {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP boundary in front of auth.Service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	events     *stream.Stream
	readyProbe readinessChecker
	version    string
	now        func() time.Time

	maxBodyBytes int64
	rateBurst    int
	ratePerSec   float64
	corsOrigins  []string

	// roles a public registration may request
	registrableRoles []string
}

// Option configures API.
type Option func(*API)

// WithRateLimit enables per-client token buckets. perSecond <= 0 disables them.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithCORSOrigins lists browser origins allowed to call the API.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = append([]string(nil), origins...) }
}

// WithRegistrableRoles replaces the roles a caller may request at
// registration. An empty list leaves the default, auth.DefaultRole.
func WithRegistrableRoles(roles ...string) Option {
	return func(a *API) {
		if len(roles) > 0 {
			a.registrableRoles = append([]string(nil), roles...)
		}
	}
}

// WithEventStream exposes events on /v1/revocations/events for admins.
func WithEventStream(s *stream.Stream) Option {
	return func(a *API) { a.events = s }
}

func New(svc *auth.Service, rp readinessChecker, version string, opts ...Option) *API {
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		readyProbe:   rp,
		version:      version,
		now:          time.Now,
		maxBodyBytes: 1 << 20,

		registrableRoles: []string{auth.DefaultRole},
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// credential lifecycle
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/introspect", a.handleIntrospect)
	a.mux.Handle("/v1/auth/me", a.withAuth(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/v1/accounts", a.withAuth(RequireRole("admin")(http.HandlerFunc(a.handleAccounts))))
	a.mux.Handle("/v1/accounts/", a.withAuth(http.HandlerFunc(a.handleAccount)))
	a.mux.Handle("/v1/revocations/events", a.withAuth(RequireRole("admin")(http.HandlerFunc(a.handleRevocationEvents))))

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(a.corsOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.version,
		"time":    a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    obs.ServiceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.svc != nil {
		iss := a.svc.Issuer()
		info["token_ttl_seconds"] = int64(iss.TTL() / time.Second)
		info["token_signed"] = iss.Signed()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

var errBodyTooLarge = errors.New("request body too large")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	reader := http.MaxBytesReader(w, r.Body, limit)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return errBodyTooLarge
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

func logError(r *http.Request, err error, msg string) {
	l := obs.Logger()
	l.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg(msg)
}

func logWarn(r *http.Request, err error, msg string) {
	l := obs.Logger()
	l.Warn().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg(msg)
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}
