package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	"reliefhub.org/internal/audit"
	"reliefhub.org/internal/auth"
	"reliefhub.org/internal/collab"
	"reliefhub.org/internal/obs"
	"reliefhub.org/internal/stream"
)

const serviceName = "reliefhub-collab"

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over a collab.Service.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	docs   collab.Service
	stream *stream.Stream
	auth   *auth.Issuer

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64

	commits [commitStripes]sync.Mutex
}

const commitStripes = 64

// commitLock returns the stripe serializing commit+publish for docID.
func (a *API) commitLock(docID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return &a.commits[h.Sum32()%commitStripes]
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(rp readinessChecker, version string, docs collab.Service, st *stream.Stream, issuer *auth.Issuer, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		docs:         docs,
		stream:       st,
		auth:         issuer,
		rateBurst:    40,
		ratePerSec:   20,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("POST /v1/documents", a.createDocument)
	a.mux.HandleFunc("GET /v1/documents", a.listMyDocuments)
	a.mux.HandleFunc("GET /v1/documents/{id}", a.getDocument)
	a.mux.HandleFunc("POST /v1/documents/{id}/join", a.joinDocument)
	a.mux.HandleFunc("POST /v1/documents/{id}/leave", a.leaveDocument)
	a.mux.HandleFunc("POST /v1/documents/{id}/changes", a.applyChanges)
	a.mux.HandleFunc("GET /v1/documents/{id}/changes", a.listChanges)
	a.mux.HandleFunc("GET /v1/documents/{id}/participants", a.listParticipants)
	a.mux.HandleFunc("PUT /v1/documents/{id}/permissions", a.updatePermissions)
	a.mux.HandleFunc("GET /v1/documents/{id}/events", a.Stream)
	a.mux.HandleFunc("GET /v1/documents/{id}/ws", a.serveWS)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = obs.Instrument(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
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
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
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

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
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

func handleCollabError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, collab.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, collab.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, collab.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, collab.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request canceled")
	default:
		obs.Logger().Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("collab_error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) audit(ctx context.Context, event, docID string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["document_id"] = docID
	_ = audit.LogEvent(ctx, event, fields)
}

func (a *API) publish(evt stream.Event) {
	if a.stream != nil {
		a.stream.Publish(evt)
	}
}
