// Package supabase is a small client for the Supabase backend: PostgREST rows,
// stored procedures, auth, storage buckets and realtime postgres changes.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

// ErrNotConfigured is returned by LoadConfig when SUPABASE_URL is empty.
var ErrNotConfigured = errors.New("supabase is not configured")

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string // anon key, sent as apikey header
	ServiceKey string // service role key, used as bearer for server side calls
	JWTSecret  string
	Bucket     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      RetryConfig
}

// LoadConfig reads SUPABASE_* variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		URL:        strings.TrimSpace(env.GetEnv("SUPABASE_URL", "")),
		APIKey:     env.GetEnv("SUPABASE_ANON_KEY", ""),
		ServiceKey: env.GetEnv("SUPABASE_SERVICE_KEY", ""),
		JWTSecret:  env.GetEnv("SUPABASE_JWT_SECRET", ""),
		Bucket:     env.GetEnv("SUPABASE_STORAGE_BUCKET", "generations"),
		Timeout:    env.GetEnvDuration("SUPABASE_TIMEOUT", 15*time.Second),
		Retry:      DefaultRetryConfig(),
	}
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if cfg.APIKey == "" {
		return nil, errors.New("SUPABASE_ANON_KEY is required when SUPABASE_URL is set")
	}
	return cfg, nil
}

// Client is a Supabase REST client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	bearer     string
	timeout    time.Duration
	httpClient *http.Client
	retry      RetryConfig
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	bearer := cfg.ServiceKey
	if bearer == "" {
		bearer = cfg.APIKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		bearer:     bearer,
		timeout:    timeout,
		httpClient: httpClient,
		retry:      retry,
	}, nil
}

// BaseURL returns the project URL without trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIKey returns the anon key (realtime and auth calls need it).
func (c *Client) APIKey() string {
	return c.apiKey
}

// =============================================================================
// Rows (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table}
}

type filter struct {
	column string
	expr   string
}

// QueryBuilder builds PostgREST queries. Builders are single-use.
type QueryBuilder struct {
	client     *Client
	table      string
	columns    string
	filters    []filter
	orders     []string
	limit      int
	offset     int
	single     bool
	count      string
	onConflict string
	ignoreDups bool
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

func (q *QueryBuilder) where(column, op string, value any) *QueryBuilder {
	q.filters = append(q.filters, filter{column: column, expr: fmt.Sprintf("%s.%v", op, value)})
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder { return q.where(column, "eq", value) }

// Neq adds a not-equal filter.
func (q *QueryBuilder) Neq(column string, value any) *QueryBuilder { return q.where(column, "neq", value) }

// Gt adds a greater-than filter.
func (q *QueryBuilder) Gt(column string, value any) *QueryBuilder { return q.where(column, "gt", value) }

// Gte adds a greater-than-or-equal filter.
func (q *QueryBuilder) Gte(column string, value any) *QueryBuilder { return q.where(column, "gte", value) }

// Lt adds a less-than filter.
func (q *QueryBuilder) Lt(column string, value any) *QueryBuilder { return q.where(column, "lt", value) }

// Lte adds a less-than-or-equal filter.
func (q *QueryBuilder) Lte(column string, value any) *QueryBuilder { return q.where(column, "lte", value) }

// Is adds an IS filter (null, true, false).
func (q *QueryBuilder) Is(column string, value any) *QueryBuilder { return q.where(column, "is", value) }

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []string) *QueryBuilder {
	q.filters = append(q.filters, filter{column: column, expr: "in.(" + strings.Join(values, ",") + ")"})
	return q
}

// Order adds an ORDER BY clause.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

// Limit sets the LIMIT.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Offset sets the OFFSET.
func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	q.offset = n
	return q
}

// Single expects exactly one row; PostgREST answers 406 otherwise.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

// Count asks PostgREST for a row count (exact, planned, estimated).
func (q *QueryBuilder) Count(countType string) *QueryBuilder {
	q.count = countType
	return q
}

// OnConflict turns inserts into upserts on the given columns.
func (q *QueryBuilder) OnConflict(columns string) *QueryBuilder {
	q.onConflict = columns
	return q
}

// IgnoreDuplicates makes an OnConflict insert skip existing rows instead of
// merging into them.
func (q *QueryBuilder) IgnoreDuplicates() *QueryBuilder {
	q.ignoreDups = true
	return q
}

func (q *QueryBuilder) endpoint(withRead bool) string {
	params := url.Values{}
	if withRead {
		if q.columns != "" {
			params.Set("select", q.columns)
		}
		if len(q.orders) > 0 {
			params.Set("order", strings.Join(q.orders, ","))
		}
		if q.limit > 0 {
			params.Set("limit", strconv.Itoa(q.limit))
		}
		if q.offset > 0 {
			params.Set("offset", strconv.Itoa(q.offset))
		}
	}
	for _, f := range q.filters {
		params.Add(f.column, f.expr)
	}
	if q.onConflict != "" {
		params.Set("on_conflict", q.onConflict)
	}

	u := q.client.baseURL + "/rest/v1/" + q.table
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Execute executes a SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	headers := http.Header{}
	if q.single {
		headers.Set("Accept", "application/vnd.pgrst.object+json")
	}
	if q.count != "" {
		headers.Set("Prefer", "count="+q.count)
	}
	return q.client.send(ctx, http.MethodGet, q.endpoint(true), nil, headers)
}

// ExecuteInsert inserts (or upserts, see OnConflict) data and returns the rows.
func (q *QueryBuilder) ExecuteInsert(ctx context.Context, data any) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	prefer := "return=representation"
	if q.onConflict != "" {
		resolution := "resolution=merge-duplicates"
		if q.ignoreDups {
			resolution = "resolution=ignore-duplicates"
		}
		prefer = resolution + "," + prefer
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Prefer", prefer)
	return q.client.send(ctx, http.MethodPost, q.endpoint(false), body, headers)
}

// ExecuteUpdate patches the filtered rows.
func (q *QueryBuilder) ExecuteUpdate(ctx context.Context, data any) (*Response, error) {
	if len(q.filters) == 0 {
		return nil, errors.New("refusing unfiltered update")
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Prefer", "return=representation")
	return q.client.send(ctx, http.MethodPatch, q.endpoint(false), body, headers)
}

// ExecuteDelete deletes the filtered rows.
func (q *QueryBuilder) ExecuteDelete(ctx context.Context) (*Response, error) {
	if len(q.filters) == 0 {
		return nil, errors.New("refusing unfiltered delete")
	}
	headers := http.Header{}
	headers.Set("Prefer", "return=representation")
	return q.client.send(ctx, http.MethodDelete, q.endpoint(false), nil, headers)
}

// =============================================================================
// Stored procedures
// =============================================================================

// RPC calls a stored procedure.
func (c *Client) RPC(ctx context.Context, fn string, params any) (*Response, error) {
	var body []byte
	headers := http.Header{}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = data
		headers.Set("Content-Type", "application/json")
	}
	return c.send(ctx, http.MethodPost, c.baseURL+"/rest/v1/rpc/"+fn, body, headers)
}

// =============================================================================
// Responses
// =============================================================================

// Response is a buffered API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Scalar returns a scalar RPC result ("uuid", 42 or [{"fn": 42}]) as a string.
func (r *Response) Scalar() string {
	res := gjson.ParseBytes(r.Body)
	if res.IsArray() {
		res = res.Get("0")
	}
	if res.IsObject() {
		var first gjson.Result
		res.ForEach(func(_, value gjson.Result) bool {
			first = value
			return false
		})
		res = first
	}
	return res.String()
}

// APIError is a PostgREST / GoTrue / storage error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
	Hint       string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("supabase error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("supabase error: %s", e.Message)
}

// Error returns an *APIError if the response indicates failure.
func (r *Response) Error() error {
	if r.StatusCode < 400 {
		return nil
	}
	body := gjson.ParseBytes(r.Body)
	msg := body.Get("message").String()
	if msg == "" {
		msg = body.Get("msg").String()
	}
	if msg == "" {
		msg = body.Get("error_description").String()
	}
	if msg == "" {
		msg = body.Get("error").String()
	}
	return &APIError{
		StatusCode: r.StatusCode,
		Code:       body.Get("code").String(),
		Message:    msg,
		Details:    body.Get("details").String(),
		Hint:       body.Get("hint").String(),
	}
}

// IsNotFound reports a PostgREST "no rows" answer to a Single() query.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotAcceptable || apiErr.Code == "PGRST116" || apiErr.StatusCode == http.StatusNotFound
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

func (c *Client) send(ctx context.Context, method, u string, body []byte, headers http.Header) (*Response, error) {
	return c.sendAs(ctx, c.bearer, method, u, body, headers)
}

// sendAs performs the request with retries. Each attempt runs under the
// client timeout unless the caller's deadline is shorter. POST (inserts and
// stored procedures) is never retried: a timed out deduction may already
// have been applied on the server.
func (c *Client) sendAs(ctx context.Context, bearer, method, u string, body []byte, headers http.Header) (*Response, error) {
	attempts := c.retry.MaxAttempts
	if method == http.MethodPost {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.once(ctx, bearer, method, u, body, headers)
		if err == nil && (attempt == attempts || !c.retry.retryableStatus(resp.StatusCode)) {
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = resp.Error()
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retry.backoff(attempt)):
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, bearer, method, u string, body []byte, headers http.Header) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	c.setHeaders(req, bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header}, nil
}
