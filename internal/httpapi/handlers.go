// Package httpapi exposes the selection-process engine over JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"equiduty.org/internal/audit"
	"equiduty.org/internal/auth"
	"equiduty.org/internal/obs"
	"equiduty.org/internal/routine"
	"equiduty.org/internal/selection"
	"equiduty.org/internal/stream"
)

// API is the HTTP layer. It owns no domain state; every operation delegates
// to the injected services.
type API struct {
	mux      *http.ServeMux
	procs    selection.Service
	routines routine.Service
	events   *stream.Stream
	recorder *audit.Recorder
	log      *zap.Logger

	version    string
	readyCheck func(context.Context) error

	rateBurst     int
	ratePerSecond int
}

// Option customises the API.
type Option func(*API)

// WithEvents attaches the live event stream served on /v1/events.
func WithEvents(s *stream.Stream) Option {
	return func(a *API) { a.events = s }
}

// WithAudit attaches the audit recorder.
func WithAudit(rec *audit.Recorder) Option {
	return func(a *API) { a.recorder = rec }
}

// WithLogger attaches the request logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// WithReadyCheck installs a readiness probe for /readyz.
func WithReadyCheck(check func(context.Context) error) Option {
	return func(a *API) { a.readyCheck = check }
}

// WithRateLimit overrides the default per-IP rate limit.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSecond = perSecond
	}
}

// New wires the routes.
func New(procs selection.Service, routines routine.Service, version string, opts ...Option) *API {
	a := &API{
		mux:           http.NewServeMux(),
		procs:         procs,
		routines:      routines,
		log:           zap.NewNop(),
		version:       version,
		rateBurst:     50,
		ratePerSecond: 25,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/processes", a.handleProcessCollection)
	a.mux.HandleFunc("/v1/processes/", a.handleProcessResource)
	a.mux.HandleFunc("/v1/turn-order/compute", a.handleComputeTurnOrder)
	a.mux.HandleFunc("/v1/stables/", a.handleStableResource)
	a.mux.HandleFunc("/v1/routine-instances/", a.handleRoutineResource)

	a.mux.HandleFunc("/v1/events", a.StreamEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler: metrics, auth, rate limit,
// body cap, security headers, request id, logging.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Logging(h, a.log)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "equiduty-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyCheck != nil {
		if err := a.readyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "equiduty-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, action, resourceType, resourceID string, fields ...zap.Field) {
	a.recorder.Record(ctx, action, resourceType, resourceID, fields...)
}

func (a *API) publish(ev stream.Event) {
	if a.events != nil {
		a.events.Publish(ev)
	}
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
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
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

// handleSelectionError maps domain sentinels onto HTTP statuses. An
// authorization failure without a principal is a 401, with one a 403.
func handleSelectionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, selection.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, selection.ErrUnauthorized):
		if _, ok := auth.PrincipalFromContext(r.Context()); ok {
			writeError(w, r, http.StatusForbidden, err.Error())
		} else {
			writeError(w, r, http.StatusUnauthorized, err.Error())
		}
	case errors.Is(err, selection.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, selection.ErrInvalidStatus), errors.Is(err, selection.ErrNotCurrentTurn):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
