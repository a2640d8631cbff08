package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"usermanage.org/internal/audit"
	"usermanage.org/internal/auth"
	"usermanage.org/internal/obs"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReadyProbe checks every named dependency in turn.
type ReadyProbe map[string]Pinger

func (rp ReadyProbe) Check(ctx context.Context) error {
	for name, p := range rp {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Options tunes the HTTP layer.
type Options struct {
	Version       string
	MaxBodyBytes  int64
	RateBurst     int
	RatePerSecond int
	ReadyTimeout  time.Duration
}

// API is the HTTP surface of the user management service.
type API struct {
	svc        *auth.Service
	events     audit.Publisher
	readyProbe ReadyProbe
	version    string

	maxBody      int64
	rateBurst    int
	ratePerSec   int
	readyTimeout time.Duration
}

func New(svc *auth.Service, events audit.Publisher, rp ReadyProbe, opts Options) *API {
	if events == nil {
		events = audit.Multi()
	}
	a := &API{
		svc:          svc,
		events:       events,
		readyProbe:   rp,
		version:      opts.Version,
		maxBody:      opts.MaxBodyBytes,
		rateBurst:    opts.RateBurst,
		ratePerSec:   opts.RatePerSecond,
		readyTimeout: opts.ReadyTimeout,
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 10
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 5
	}
	if a.readyTimeout <= 0 {
		a.readyTimeout = 2 * time.Second
	}
	return a
}

// Operations protected by the permission evaluator.
var (
	opMe       = auth.Operation{Name: "me"}
	opRevoke   = auth.Operation{Name: "revoke"}
	opGetUsers = auth.Operation{Name: "get-users", Permissions: []string{auth.PermUserGetAll}}
)

func (a *API) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// health/ready
	mux.HandleFunc("/healthz", a.Healthz)
	mux.HandleFunc("/readyz", a.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", obs.Handler())

	// credentials exchange, rate limited per client IP
	mux.Handle("/login", RateLimit(http.HandlerFunc(a.handleLogin), a.rateBurst, a.ratePerSec))
	mux.Handle("/refresh-token", RateLimit(http.HandlerFunc(a.handleRefresh), a.rateBurst, a.ratePerSec))

	// protected operations
	mux.Handle("/revoke", a.protect(opRevoke, http.HandlerFunc(a.handleRevoke)))
	mux.Handle("/me", a.protect(opMe, http.HandlerFunc(a.handleMe)))
	mux.Handle("/get-users", a.protect(opGetUsers, http.HandlerFunc(a.handleGetUsers)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return mux
}

// Handler returns the full middleware chain around the routes.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.routes())
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "usermanage-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.readyTimeout)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) publish(ctx context.Context, eventType, subject string, fields map[string]any) {
	ev := audit.NewEvent(ctx, eventType, subject, fields)
	if err := a.events.Publish(ctx, ev); err != nil {
		obs.Logger().Sugar().Warnw("audit publish failed", "event_type", eventType, "error", err)
	}
}
