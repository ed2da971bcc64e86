// Package platform is the Remote Client for the record-keeping platform:
// a thin retrying HTTP wrapper every other component goes through to read
// and write jobs, templates, files and links.
//
// The client owns the transport-level retry policy. 5xx responses and
// network errors are retried up to three times with 1s/2s/4s backoff; a 401
// invalidates the cached token and retries the request exactly once with a
// fresh one; any other 4xx is returned immediately. Job-level retries are a
// separate policy that nests outside this one.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/Shyp/rest"
	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/config"
	"github.com/canopus-hq/docforge/models"
)

const defaultHTTPTimeout = 6500 * time.Millisecond

// retrySchedule is the sleep before each transport-level retry.
var retrySchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// A TokenSource supplies bearer tokens for outbound calls. auth.Manager
// implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the correlation ID that the
// client stamps on every outbound request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation ID from ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewCorrelationID mints a req_-prefixed request ID for callers that did
// not bring their own.
func NewCorrelationID() string {
	id := types.GenerateUUID("req_")
	return id.String()
}

// Client is the retrying HTTP core. Create one per process and share it;
// the service structs (JobService &c.) hang off of it.
type Client struct {
	Base   string
	Tokens TokenSource

	// RetryBackoff overrides the default 1s/2s/4s schedule. Tests shrink it.
	RetryBackoff []time.Duration

	httpClient *http.Client
	logger     *zap.Logger

	Jobs      *JobService
	Templates *TemplateService
	Files     *FileService
	Links     *LinkService
}

// NewClient creates a Client rooted at base.
func NewClient(base string, tokens TokenSource, logger *zap.Logger) *Client {
	c := &Client{
		Base:         base,
		Tokens:       tokens,
		RetryBackoff: retrySchedule,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		logger:       logger,
	}
	c.Jobs = &JobService{client: c}
	c.Templates = &TemplateService{client: c}
	c.Files = &FileService{client: c}
	c.Links = &LinkService{client: c}
	return c
}

// JSON sends reqBody (may be nil) as JSON and unmarshals the response into
// v (may be nil).
func (c *Client) JSON(ctx context.Context, method, path string, reqBody interface{}, v interface{}) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return err
		}
	}
	resBody, err := c.do(ctx, method, path, payload, "application/json; charset=utf-8")
	if err != nil {
		return err
	}
	if v == nil || len(resBody) == 0 {
		return nil
	}
	return json.Unmarshal(resBody, v)
}

// Raw performs the request and returns the response body verbatim. Used
// for template content downloads.
func (c *Client) Raw(ctx context.Context, method, path string) ([]byte, error) {
	return c.do(ctx, method, path, nil, "")
}

// Binary uploads body as an octet stream and unmarshals the JSON response
// into v.
func (c *Client) Binary(ctx context.Context, path string, body []byte, headers map[string]string, v interface{}) error {
	resBody, err := c.doWithHeaders(ctx, "POST", path, body, "application/octet-stream", headers)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(resBody, v)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	return c.doWithHeaders(ctx, method, path, body, contentType, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path string, body []byte, contentType string, headers map[string]string) ([]byte, error) {
	refreshed := false
	attempt := 0
	for {
		resBody, status, err := c.once(ctx, method, path, body, contentType, headers)
		if err == nil && status < 400 {
			return resBody, nil
		}

		if err != nil {
			// Transport-level failure. Retry on the same schedule as a 5xx
			// unless the context is done.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			go metrics.Increment("platform.request.network_error")
			if attempt < len(c.RetryBackoff) {
				time.Sleep(c.RetryBackoff[attempt])
				attempt++
				continue
			}
			return nil, err
		}

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			// One shot at a fresh token, never more, so a genuinely bad
			// credential cannot loop.
			go metrics.Increment("platform.request.token_refresh")
			c.Tokens.Invalidate()
			refreshed = true
			continue
		case status >= 500 && attempt < len(c.RetryBackoff):
			go metrics.Increment("platform.request.retry_5xx")
			time.Sleep(c.RetryBackoff[attempt])
			attempt++
			continue
		default:
			return nil, decodeError(status, resBody, path)
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, contentType string, headers map[string]string) ([]byte, int, error) {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return nil, 0, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", fmt.Sprintf("docforge/%s", config.Version))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if id := CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	go metrics.Time("platform.request.latency", time.Since(start))
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, 0, err
	}
	return resBody, res.StatusCode, nil
}

// decodeError turns a non-2xx platform response into an error. Platform
// error bodies follow the HTTP problem shape the rest package models; bodies
// that don't parse become a generic rest.Error so callers can still switch
// on StatusCode. A 401 that survived the single token refresh is an auth
// failure.
func decodeError(status int, body []byte, instance string) error {
	restErr := &rest.Error{
		Title:    fmt.Sprintf("platform returned %d", status),
		ID:       "platform_error",
		Instance: instance,
		Status:   status,
	}
	var parsed rest.Error
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Title != "" {
		parsed.Status = status
		if parsed.Instance == "" {
			parsed.Instance = instance
		}
		restErr = &parsed
	}
	if status == http.StatusUnauthorized {
		return models.NewPipelineError("platform", models.CodeAuthFailed, restErr)
	}
	return restErr
}

// StatusCode returns the HTTP status carried by err, or 0 if err is not a
// platform response error.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	if perr, ok := err.(*models.PipelineError); ok {
		err = perr.Err
	}
	if restErr, ok := err.(*rest.Error); ok {
		return restErr.Status
	}
	return 0
}
