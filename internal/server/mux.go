// Package server implements the local HTTP bridge between a UI and the studio core.
// Every route maps onto one core operation; list views are served from the TTL caches and
// report the last good data alongside any refresh error.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/api"
	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/grouping"
	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/studio"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxBodyBytes bounds request bodies; drafts are the largest payload.
const maxBodyBytes = 1 << 20

// Mux handles HTTP requests for the studio.
type Mux struct {
	mux     *http.ServeMux
	studio  *studio.Studio
	metrics *metrics.Metrics
	logger  *slog.Logger

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Options configures NewMux.
type Options struct {
	CORSAllowedOrigins []string
	Metrics            *metrics.Metrics // defaults to metrics.NewMetrics()
	Logger             *slog.Logger
}

// NewMux registers every studio endpoint on a new ServeMux.
func NewMux(st *studio.Studio, opts Options) *http.ServeMux {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Mux{
		mux:                http.NewServeMux(),
		studio:             st,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.route("/v1/session", map[string]http.HandlerFunc{
		http.MethodGet:    m.handleGetSession,
		http.MethodPut:    m.handleSignIn,
		http.MethodDelete: m.handleSignOut,
	})
	m.route("/v1/groups", map[string]http.HandlerFunc{http.MethodGet: m.handleGroups})
	m.route("/v1/groups/scripts", map[string]http.HandlerFunc{http.MethodGet: m.handleGroupScripts})
	m.route("/v1/brands", map[string]http.HandlerFunc{http.MethodGet: m.handleBrands})
	m.route("/v1/scripts/{id}/chain", map[string]http.HandlerFunc{http.MethodGet: m.handleChain})
	m.route("/v1/scripts/{id}/current", map[string]http.HandlerFunc{http.MethodPut: m.handleSelect})
	m.route("/v1/scripts/{id}/regenerate", map[string]http.HandlerFunc{http.MethodPost: m.handleRegenerate})
	m.route("/v1/scripts/{id}/versions/{versionId}/like", map[string]http.HandlerFunc{http.MethodPut: m.handleLike})
	m.route("/v1/scripts/{id}/content", map[string]http.HandlerFunc{http.MethodPut: m.handleEdit})
	m.route("/v1/draft", map[string]http.HandlerFunc{
		http.MethodGet:    m.handleGetDraft,
		http.MethodPut:    m.handleSaveDraft,
		http.MethodDelete: m.handleResetDraft,
	})
	m.route("/v1/generate", map[string]http.HandlerFunc{http.MethodPost: m.handleGenerate})

	return m.mux
}

func (m *Mux) route(pattern string, handlers map[string]http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(pattern, m.method(handlers)))
}

// method dispatches on the request method.
func (m *Mux) method(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	allowed := make([]string, 0, len(handlers))
	for k := range handlers {
		allowed = append(allowed, k)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method]
		if !ok {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			err := errordefs.New(errordefs.BAD_REQUEST, "method not allowed", api.CorrelationID(r.Context()))
			err.HTTPStatus = http.StatusMethodNotAllowed
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation, tracing, logging and metrics.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		correlationID := r.Header.Get(api.HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(api.HeaderCorrelationID, correlationID)

		ctx, span := otel.Tracer("scriptstudio-server").Start(api.WithCorrelationID(r.Context(), correlationID), r.Method+" "+route)
		defer span.End()
		span.SetAttributes(attribute.String("http.route", route), attribute.String("correlation_id", correlationID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start), correlationID)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			return true
		}
	}
	return false
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	m.writeJSON(w, statusCode, map[string]interface{}{"data": data})
}

// writeView writes a cached view. Views that still hold data are served with the
// refresh error attached; views with nothing to show fail outright.
func (m *Mux) writeView(w http.ResponseWriter, r *http.Request, data interface{}, fetchedAt time.Time, err error) {
	if err == nil {
		m.writeSuccess(w, http.StatusOK, data)
		return
	}
	e := m.errorFor(r, err)
	if fetchedAt.IsZero() {
		m.writeErrorDef(w, e)
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]interface{}{"data": data, "error": e})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeJSON(w, err.HTTPStatus, map[string]interface{}{"error": err})
}

func (m *Mux) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m.writeErrorDef(w, m.errorFor(r, err))
}

func (m *Mux) errorFor(r *http.Request, err error) *errordefs.Error {
	e := errordefs.As(err)
	if e.CorrelationID == "" {
		e = e.WithCorrelationID(api.CorrelationID(r.Context()))
	}
	if e.Code == errordefs.INTERNAL {
		m.logger.Error("internal error", "path", r.URL.Path, "correlation_id", e.CorrelationID, "error", err)
	}
	return e
}

func (m *Mux) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errordefs.New(errordefs.BAD_REQUEST, "request body too large", "")
		}
		return errordefs.New(errordefs.BAD_REQUEST, "invalid JSON", "")
	}
	return nil
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the draft store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := m.studio.Ready(r.Context()); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type sessionView struct {
	Authenticated bool       `json:"authenticated"`
	Subject       string     `json:"subject,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Opaque        bool       `json:"opaque,omitempty"`
}

func (m *Mux) currentSession() sessionView {
	sess := m.studio.Session()
	v := sessionView{Authenticated: sess.Authenticated()}
	if sess.Scope() == "" {
		return v
	}
	c := sess.Claims()
	v.Subject = c.Subject
	v.Opaque = c.Opaque
	if !c.ExpiresAt.IsZero() {
		exp := c.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

func (m *Mux) handleGetSession(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, m.currentSession())
}

func (m *Mux) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "token is required", ""))
		return
	}
	m.studio.SignIn(req.Token)
	m.writeSuccess(w, http.StatusOK, m.currentSession())
}

func (m *Mux) handleSignOut(w http.ResponseWriter, r *http.Request) {
	m.studio.Logout()
	m.writeSuccess(w, http.StatusOK, m.currentSession())
}

func refreshRequested(r *http.Request) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return b
}

func (m *Mux) handleGroups(w http.ResponseWriter, r *http.Request) {
	order := grouping.ParseOrder(r.URL.Query().Get("sort"))
	view := m.studio.ScriptGroups(r.Context(), refreshRequested(r), order)
	m.writeView(w, r, view, view.FetchedAt, view.Err)
}

func (m *Mux) handleBrands(w http.ResponseWriter, r *http.Request) {
	view := m.studio.BrandSummaries(r.Context(), refreshRequested(r))
	m.writeView(w, r, view, view.FetchedAt, view.Err)
}

func (m *Mux) handleGroupScripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view := m.studio.GroupScripts(r.Context(), q.Get("brand"), q.Get("product"), refreshRequested(r))
	m.writeView(w, r, view, view.FetchedAt, view.Err)
}

func (m *Mux) handleChain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	load := m.studio.VersionChain
	if refreshRequested(r) {
		load = m.studio.RefreshChain
	}
	c, err := load(r.Context(), id)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, c.Snapshot())
}

func (m *Mux) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if err := decode(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	c, err := m.studio.VersionChain(r.Context(), r.PathValue("id"))
	if err == nil {
		err = c.Select(req.Version)
	}
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, c.Snapshot())
}

func (m *Mux) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instructions string `json:"instructions"`
	}
	if err := decode(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	c, err := m.studio.VersionChain(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	snap, err := c.Regenerate(r.Context(), req.Instructions)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, snap)
}

func (m *Mux) handleLike(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Liked *bool `json:"liked"`
	}
	if err := decode(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	if req.Liked == nil {
		m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "liked is required", ""))
		return
	}
	c, err := m.studio.VersionChain(r.Context(), r.PathValue("id"))
	if err == nil {
		err = c.SetLiked(r.Context(), r.PathValue("versionId"), *req.Liked)
	}
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, c.Snapshot())
}

func (m *Mux) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VersionID string `json:"versionId"`
		Content   string `json:"content"`
	}
	if err := decode(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	c, err := m.studio.VersionChain(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	var synced bool
	if req.VersionID != "" {
		synced, err = c.EditVersion(r.Context(), req.VersionID, req.Content)
	} else {
		synced, err = c.EditCurrent(r.Context(), req.Content)
	}
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"synced": synced, "chain": c.Snapshot()})
}

func (m *Mux) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	sess, err := m.studio.Drafts().Load(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"draft":      sess.Draft,
		"result":     sess.Result,
		"resultView": sess.InResultView(),
	})
}

func (m *Mux) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var d model.Draft
	if err := decode(w, r, &d); err != nil {
		m.writeError(w, r, err)
		return
	}
	if err := m.studio.Drafts().Save(r.Context(), d); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Mux) handleResetDraft(w http.ResponseWriter, r *http.Request) {
	if err := m.studio.Drafts().Reset(r.Context()); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Mux) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var d model.Draft
	if err := decode(w, r, &d); err != nil {
		m.writeError(w, r, err)
		return
	}
	rec, err := m.studio.Generate(r.Context(), d)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, rec)
}
