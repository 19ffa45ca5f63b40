// Package client is a small Supabase client covering the pieces the circulation
// service uses: PostgREST queries, GoTrue password auth, storage buckets and the
// realtime change feed.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/librarysingkat/circulation/internal/logging"
)

// Client is a Supabase REST API client.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
}

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// WithAccessToken returns a copy of the client that calls PostgREST as the
// signed-in user, so row-level security policies apply. An empty token returns
// an anonymous copy.
func (c *Client) WithAccessToken(token string) *Client {
	cp := *c
	cp.accessToken = token
	return &cp
}

// BaseURL returns the project URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIKey returns the anon key the client was built with.
func (c *Client) APIKey() string {
	return c.apiKey
}

// =============================================================================
// Response Types
// =============================================================================

// Response is a raw API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Into returns the response error, if any, and otherwise decodes the body into v.
func (r *Response) Into(v any) error {
	if err := r.Error(); err != nil {
		return err
	}
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := r.JSON(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Error returns an *APIError when the status is 400 or above.
func (r *Response) Error() error {
	if r.StatusCode < 400 {
		return nil
	}
	return parseAPIError(r.StatusCode, r.Body)
}

// TotalCount returns the total from a Content-Range header ("0-24/573"), present
// when the query asked for a count.
func (r *Response) TotalCount() (int, bool) {
	cr := r.Headers.Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 || idx == len(cr)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(cr[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// APIError is a failed PostgREST, GoTrue or storage call. Message carries the
// server's message unchanged.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
	Hint       string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsAPIStatus reports whether err is an *APIError with the given status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// parseAPIError reads the message fields used by PostgREST ({code, message,
// details, hint}), GoTrue ({error, error_description} or {code, msg}) and storage
// ({statusCode, error, message}).
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		apiErr.Code = firstString(res, "code", "error_code", "error")
		apiErr.Message = firstString(res, "message", "error_description", "msg", "error")
		apiErr.Details = res.Get("details").String()
		apiErr.Hint = res.Get("hint").String()
	} else if text := strings.TrimSpace(string(body)); text != "" {
		apiErr.Message = text
	}

	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("supabase: status %d %s", status, http.StatusText(status))
	}
	return apiErr
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) setHeaders(req *http.Request) {
	bearer := c.apiKey
	if c.accessToken != "" {
		bearer = c.accessToken
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if traceID := logging.GetTraceID(req.Context()); traceID != "" {
		req.Header.Set(RequestIDHeader, traceID)
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}
