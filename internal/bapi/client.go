// Package bapi is the HTTP client for the backend REST API.
package bapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrUnauthorized is matched by errors for 401/403 responses.
var ErrUnauthorized = errors.New("unauthorized")

// TokenStore supplies the bearer token and is cleared when the backend rejects it.
type TokenStore interface {
	Token() string
	Clear(ctx context.Context) error
}

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Route   string `json:"route,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend %s: status %d", e.Route, e.Status)
	}
	return fmt.Sprintf("backend %s: status %d: %s", e.Route, e.Status, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match auth failures.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client calls the backend on behalf of the logged-in user.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
	logger     *slog.Logger
	latency    metric.Float64Histogram
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a backend client rooted at baseURL (e.g. https://host/bapi).
func New(baseURL string, tokens TokenStore, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	hist, err := otel.Meter("github.com/ashureev/expertline/internal/bapi").Float64Histogram(
		"bapi.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Backend request latency"),
	)
	if err != nil {
		c.logger.Warn("failed to create bapi latency histogram", "error", err)
	}
	c.latency = hist
	return c
}

// request describes one backend call. Route is the templated path used for
// metrics and errors; Path is the concrete one.
type request struct {
	method string
	route  string
	path   string
	body   any
	out    any

	contentType string
	rawBody     io.Reader
}

func (c *Client) do(ctx context.Context, req request) error {
	var body io.Reader
	contentType := req.contentType
	switch {
	case req.rawBody != nil:
		body = req.rawBody
	case req.body != nil:
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", req.route, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", req.route, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.recordLatency(ctx, req, status, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.route, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close backend response body", "route", req.route, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp, req.route)
		if errors.Is(apiErr, ErrUnauthorized) && c.tokens != nil {
			c.logger.Warn("backend rejected credentials, clearing login", "route", req.route, "status", resp.StatusCode)
			if clearErr := c.tokens.Clear(context.WithoutCancel(ctx)); clearErr != nil {
				c.logger.Error("failed to clear credentials", "error", clearErr)
			}
		}
		return apiErr
	}

	if req.out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(req.out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s response: %w", req.route, err)
	}
	return nil
}

func (c *Client) recordLatency(ctx context.Context, req request, status int, elapsed time.Duration) {
	if c.latency == nil {
		return
	}
	c.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", req.method),
		attribute.String("route", req.route),
		attribute.Int("status", status),
	))
}

// decodeError reads an error body in any of the shapes the backend uses:
// {"detail": "..."}, {"error": "..."} or {"message": "...", "code": "..."}.
func decodeError(resp *http.Response, route string) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Route: route}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
		Code    string          `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	apiErr.Code = payload.Code
	switch {
	case payload.Message != "":
		apiErr.Message = payload.Message
	case payload.Error != "":
		apiErr.Message = payload.Error
	case len(payload.Detail) > 0:
		var detail string
		if json.Unmarshal(payload.Detail, &detail) == nil {
			apiErr.Message = detail
		} else {
			apiErr.Message = string(payload.Detail)
		}
	default:
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// FilePart is one file in a multipart upload.
type FilePart struct {
	Field       string
	FileName    string
	ContentType string
	Data        []byte
}

func (c *Client) doMultipart(ctx context.Context, route, path string, fields map[string]string, files []FilePart, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.FileName))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		header.Set("Content-Type", ct)
		part, err := mw.CreatePart(header)
		if err != nil {
			return fmt.Errorf("create part %s: %w", f.FileName, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return fmt.Errorf("write part %s: %w", f.FileName, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	return c.do(ctx, request{
		method:      http.MethodPost,
		route:       route,
		path:        path,
		out:         out,
		contentType: mw.FormDataContentType(),
		rawBody:     &buf,
	})
}
