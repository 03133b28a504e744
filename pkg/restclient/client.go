// Package restclient talks to the CRM REST API: directory snapshots, list
// queries and presence commands.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roboricindustries/raycon-realtime/pkg/refresh"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

const tracerName = "github.com/roboricindustries/raycon-realtime/pkg/restclient"

// TokenSource supplies the current bearer credential per request.
type TokenSource interface {
	Token() string
}

type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// SharedToken is a TokenSource that can be rotated while requests are in flight.
type SharedToken struct {
	v atomic.Pointer[string]
}

func NewSharedToken(token string) *SharedToken {
	t := &SharedToken{}
	t.Set(token)
	return t
}

func (t *SharedToken) Set(token string) { t.v.Store(&token) }

func (t *SharedToken) Token() string {
	if p := t.v.Load(); p != nil {
		return *p
	}
	return ""
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// SnapshotRetries applies to directory fetches only; list queries and
	// commands are sent once.
	SnapshotRetries int
	RetryWaitMin    time.Duration
	RetryWaitMax    time.Duration
	Tokens          TokenSource
}

type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	base     *url.URL
	snapshot *retryablehttp.Client
	once     *retryablehttp.Client
	tokens   TokenSource
	tracer   trace.Tracer
	log      *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("restclient: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("restclient: base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SnapshotRetries < 0 {
		cfg.SnapshotRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "restclient")
	return &Client{
		base:     base,
		snapshot: newHTTP(cfg, cfg.SnapshotRetries, log),
		once:     newHTTP(cfg, 0, log),
		tokens:   cfg.Tokens,
		tracer:   otel.Tracer(tracerName),
		log:      log,
	}, nil
}

func newHTTP(cfg Config, retries int, log *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	if cfg.RetryWaitMin > 0 {
		c.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		c.RetryWaitMax = cfg.RetryWaitMax
	}
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = log
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// FetchHierarchy returns the manager/counselor directory with current presence.
func (c *Client) FetchHierarchy(ctx context.Context) (rtv1.HierarchySnapshotV1, error) {
	var snap rtv1.HierarchySnapshotV1
	err := c.do(ctx, c.snapshot, http.MethodGet, "/directory/hierarchy", nil, nil, &snap)
	return snap, err
}

type listResponse struct {
	Items []json.RawMessage `json:"items"`
	Total int               `json:"total"`
}

// List runs q against /{resource}.
func (c *Client) List(ctx context.Context, q refresh.Query) (refresh.Page, error) {
	if q.Resource == "" {
		return refresh.Page{}, fmt.Errorf("restclient: query resource is required")
	}
	var resp listResponse
	if err := c.do(ctx, c.once, http.MethodGet, "/"+strings.Trim(q.Resource, "/"), q.Params, nil, &resp); err != nil {
		return refresh.Page{}, err
	}
	return refresh.Page{Query: q, Items: resp.Items, Total: resp.Total}, nil
}

// UpdatePresence asks the server to set the user's presence.
func (c *Client) UpdatePresence(ctx context.Context, cmd rtv1.PresenceUpdateV1) error {
	if cmd.UserID == "" {
		return fmt.Errorf("restclient: user id is required")
	}
	path := "/users/" + url.PathEscape(string(cmd.UserID)) + "/presence"
	return c.do(ctx, c.once, http.MethodPut, path, nil, cmd, nil)
}

func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, method, path string, query url.Values, in, out any) error {
	ctx, span := c.tracer.Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	err := c.roundTrip(ctx, hc, method, path, query, in, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, hc *retryablehttp.Client, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", u.Path),
	)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
