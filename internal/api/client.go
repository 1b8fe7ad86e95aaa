// Package api is the client for the script backend collaborator.
// Every call carries the session's bearer token and a correlation id, and every payload
// is schema-checked before it is decoded into model types.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/schema"
	"github.com/RegistryAccord/scriptstudio-go/internal/session"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HeaderCorrelationID carries the request correlation id to the backend.
const HeaderCorrelationID = "X-Correlation-Id"

// maxBody bounds how much of a response is read.
const maxBody = 16 << 20

type correlationKey struct{}

// WithCorrelationID returns a context whose backend calls reuse id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Client talks to the script backend.
type Client struct {
	base      *url.URL
	hc        *http.Client
	tokens    session.TokenSource
	validator *schema.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithTimeout sets the whole-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithMetrics enables request metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a client for the backend rooted at baseURL.
func New(baseURL string, tokens session.TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", baseURL)
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	c := &Client{
		base:      u,
		hc:        &http.Client{Transport: transport, Timeout: 15 * time.Second},
		tokens:    tokens,
		validator: validator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListScripts fetches every script visible to the session.
func (c *Client) ListScripts(ctx context.Context) ([]model.ScriptRecord, error) {
	payload, err := c.doUnwrapped(ctx, "list", http.MethodGet, nil, "scripts")
	if err != nil {
		return nil, err
	}
	if err := c.validate(ctx, schema.ScriptList, payload); err != nil {
		return nil, err
	}
	var records []model.ScriptRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, malformed(ctx, "decode script list", err)
	}
	return records, nil
}

// GetScript fetches one script with its version history when the backend provides it.
func (c *Client) GetScript(ctx context.Context, id string) (*model.ScriptDetail, error) {
	payload, err := c.doUnwrapped(ctx, "get", http.MethodGet, nil, "scripts", id)
	if err != nil {
		return nil, err
	}
	return c.decodeDetail(ctx, payload)
}

// Regenerate asks the backend for a new version of id. Only the instruction text is
// sent. The result is nil when the backend acknowledged without returning a record.
func (c *Client) Regenerate(ctx context.Context, id, instructions string) (*model.ScriptDetail, error) {
	body := map[string]string{"instructions": instructions}
	payload, err := c.doUnwrapped(ctx, "regenerate", http.MethodPost, body, "scripts", id, "regenerate")
	if err != nil {
		return nil, err
	}
	if isAcknowledgement(payload) {
		return nil, nil
	}
	return c.decodeDetail(ctx, payload)
}

// SetLiked records or removes the like on a version.
func (c *Client) SetLiked(ctx context.Context, id string, liked bool) error {
	method := http.MethodPost
	if !liked {
		method = http.MethodDelete
	}
	_, err := c.doUnwrapped(ctx, "like", method, nil, "scripts", id, "like")
	return err
}

// UpdateScript overwrites the content of a version in place.
func (c *Client) UpdateScript(ctx context.Context, id, content string) error {
	body := map[string]string{"content": content}
	_, err := c.doUnwrapped(ctx, "update", http.MethodPut, body, "scripts", id)
	return err
}

// Generate submits a completed brief. A response with success=false is a failure and its
// message is returned verbatim.
func (c *Client) Generate(ctx context.Context, d model.Draft) (*model.ScriptRecord, error) {
	fields := d.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	raw, err := c.do(ctx, "generate", http.MethodPost, fields, "scripts", "generate")
	if err != nil {
		return nil, err
	}
	if err := c.validate(ctx, schema.GenerateResponse, raw); err != nil {
		return nil, err
	}
	var res model.GenerateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, malformed(ctx, "decode generate response", err)
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "generation failed"
		}
		return nil, errordefs.New(errordefs.NETWORK_FAILURE, msg, CorrelationID(ctx))
	}
	return res.Script, nil
}

func (c *Client) decodeDetail(ctx context.Context, payload []byte) (*model.ScriptDetail, error) {
	if err := c.validate(ctx, schema.ScriptDetail, payload); err != nil {
		return nil, err
	}
	var detail model.ScriptDetail
	if err := json.Unmarshal(payload, &detail); err != nil {
		return nil, malformed(ctx, "decode script", err)
	}
	return &detail, nil
}

func (c *Client) validate(ctx context.Context, kind schema.Kind, payload []byte) error {
	if err := c.validator.Validate(kind, payload); err != nil {
		return malformed(ctx, fmt.Sprintf("%s response failed validation", kind), err)
	}
	return nil
}

// doUnwrapped performs one request and strips the response envelope.
func (c *Client) doUnwrapped(ctx context.Context, op, method string, body interface{}, segments ...string) ([]byte, error) {
	if CorrelationID(ctx) == "" {
		ctx = WithCorrelationID(ctx, uuid.NewString())
	}
	raw, err := c.do(ctx, op, method, body, segments...)
	if err != nil {
		return nil, err
	}
	return unwrap(ctx, raw)
}

// do performs one request and returns the raw response body.
func (c *Client) do(ctx context.Context, op, method string, body interface{}, segments ...string) ([]byte, error) {
	ctx, span := otel.Tracer("scriptstudio/api").Start(ctx, "api."+op)
	defer span.End()

	corrID := CorrelationID(ctx)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("correlation_id", corrID), attribute.String("http.method", method))

	start := time.Now()
	payload, err := c.roundTrip(ctx, corrID, method, body, segments)
	if c.metrics != nil {
		status := metrics.Status(err)
		c.metrics.BackendRequestTotal.WithLabelValues(op, status).Inc()
		c.metrics.BackendRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("backend request failed", "op", op, "correlation_id", corrID, "error", err)
		return nil, err
	}
	return payload, nil
}

func (c *Client) roundTrip(ctx context.Context, corrID, method string, body interface{}, segments []string) ([]byte, error) {
	// Checked before anything touches the network.
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.base.JoinPath(escaped...)

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.BAD_REQUEST, "encode request body", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.INTERNAL, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderCorrelationID, corrID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		e := errordefs.Wrap(errordefs.NETWORK_FAILURE, "backend unreachable", err)
		return nil, e.WithCorrelationID(corrID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		e := errordefs.Wrap(errordefs.NETWORK_FAILURE, "read response", err)
		return nil, e.WithCorrelationID(corrID)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, raw).WithCorrelationID(corrID)
	}
	return raw, nil
}

// statusError maps a non-2xx response, proxying the backend's message when it sent one.
func statusError(status int, raw []byte) *errordefs.Error {
	msg := backendMessage(raw)
	if msg == "" {
		msg = fmt.Sprintf("backend returned %d %s", status, http.StatusText(status))
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errordefs.New(errordefs.AUTH_REQUIRED, msg, "")
	case http.StatusNotFound:
		return errordefs.New(errordefs.NOT_FOUND, msg, "")
	default:
		return errordefs.NewWithDetails(errordefs.NETWORK_FAILURE, msg, "", map[string]int{"status": status})
	}
}

func backendMessage(raw []byte) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	var s string
	if json.Unmarshal(body.Error, &s) == nil && s != "" {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body.Error, &nested) == nil {
		return nested.Message
	}
	return ""
}

// unwrap strips the response envelopes the backend uses: {success, data} and {script}.
// Bare arrays and records pass through. success=false inside a 2xx is still a failure.
func unwrap(ctx context.Context, raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if raw[0] != '{' {
		return raw, nil
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed(ctx, "response is not valid JSON", err)
	}
	if !succeeded(env) {
		msg := orDefault(backendMessage(raw), "backend reported failure")
		return nil, errordefs.New(errordefs.NETWORK_FAILURE, msg, CorrelationID(ctx))
	}
	if data, ok := env["data"]; ok {
		return data, nil
	}
	if _, hasID := env["id"]; !hasID {
		if script, ok := env["script"]; ok {
			return script, nil
		}
	}
	return raw, nil
}

func succeeded(env map[string]json.RawMessage) bool {
	v, ok := env["success"]
	if !ok {
		return true
	}
	var b bool
	return json.Unmarshal(v, &b) == nil && b
}

// isAcknowledgement reports whether payload carries no record.
func isAcknowledgement(payload []byte) bool {
	var probe struct {
		ID *json.RawMessage `json:"id"`
	}
	if json.Unmarshal(payload, &probe) != nil {
		return false
	}
	return probe.ID == nil
}

func malformed(ctx context.Context, msg string, err error) error {
	return errordefs.Wrap(errordefs.MALFORMED_RESPONSE, msg, err).WithCorrelationID(CorrelationID(ctx))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
