// Package gloup is the client-side sync SDK for the Gloup social app.
//
// It bundles a TTL cache, a durable offline action queue, a realtime
// subscription manager and a query optimizer, composed by SyncEngine into
// feed and social operations with optimistic updates.
//
// Example:
//
//	client := gloup.NewClient("https://xyz.gloup.app", "anon-key")
//	storage := gloup.NewMemoryStorage()
//
//	cache := gloup.NewCache(storage)
//	opt := gloup.NewOptimizer(client, cache)
//	queue := gloup.NewQueue(client, storage)
//	rt := gloup.NewRealtimeManager(client.Realtime())
//
//	engine := gloup.NewSyncEngine("user-1", gloup.Deps{
//		Optimizer: opt,
//		Queue:     queue,
//		Realtime:  rt,
//		Notifier:  client.Notifications("signing-secret"),
//	})
//	posts, _ := engine.LoadFeed(ctx, gloup.FeedPage{Limit: 20})
//	engine.ToggleReaction(ctx, posts[0].ID, gloup.ReactionFire)
package gloup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	restPrefix     = "/rest/v1/"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the hosted backend's REST surface. It implements Backend.
type Client struct {
	apiKey     string
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAccessToken authenticates requests as a signed-in user instead of the
// anonymous key.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the project at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the user access token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the project URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Realtime returns a dialer for the project's realtime endpoint.
func (c *Client) Realtime() *WSDialer {
	d := NewWSDialer(c.baseURL, c.apiKey)
	d.AccessToken = c.token
	d.Logger = c.logger
	return d
}

// Notifications returns a notifier posting to the project's dispatch function.
func (c *Client) Notifications(secret string) *Notifier {
	return NewNotifier(c.baseURL+"/functions/v1/send-notification", secret,
		WithNotifierHTTPClient(c.httpClient),
		WithNotifierHeader("apikey", c.apiKey),
		WithNotifierHeader("Authorization", "Bearer "+c.bearer()),
		WithNotifierLogger(c.logger),
	)
}

func (c *Client) bearer() string {
	if c.token != "" {
		return c.token
	}
	return c.apiKey
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values, prefer []string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if b := c.bearer(); b != "" {
		req.Header.Set("Authorization", "Bearer "+b)
	}
	if len(prefer) > 0 {
		req.Header.Set("Prefer", strings.Join(prefer, ","))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeError(status int, data []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	if apiErr.Code == "" {
		apiErr.Code = "HTTP_" + strconv.Itoa(status)
	}
	return apiErr
}

func decodeRows(data []byte) ([]Row, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return rows, nil
}

// ============================================================================
// Backend
// ============================================================================

// Select reads rows from a table.
func (c *Client) Select(ctx context.Context, q SelectQuery) ([]Row, error) {
	if q.Table == "" {
		return nil, &APIError{Code: CodeInvalidInput, Message: "table is required"}
	}
	params := filterParams(q.Filters)
	if len(q.Columns) > 0 {
		params.Set("select", strings.Join(q.Columns, ","))
	} else {
		params.Set("select", "*")
	}
	if len(q.Order) > 0 {
		orders := make([]string, len(q.Order))
		for i, o := range q.Order {
			orders[i] = o.String()
		}
		params.Set("order", strings.Join(orders, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	data, err := c.doRequest(ctx, http.MethodGet, restPrefix+q.Table, nil, params, nil)
	if err != nil {
		return nil, err
	}
	return decodeRows(data)
}

// Mutate writes rows and returns the representation the backend sends back.
func (c *Client) Mutate(ctx context.Context, m Mutation) ([]Row, error) {
	if m.Table == "" {
		return nil, &APIError{Code: CodeInvalidInput, Message: "table is required"}
	}
	path := restPrefix + m.Table
	prefer := []string{"return=representation"}

	var (
		data []byte
		err  error
	)
	switch m.Verb {
	case VerbInsert:
		data, err = c.doRequest(ctx, http.MethodPost, path, m.Values, nil, prefer)
	case VerbUpsert:
		params := url.Values{}
		if len(m.OnConflict) > 0 {
			params.Set("on_conflict", strings.Join(m.OnConflict, ","))
		}
		prefer = append(prefer, "resolution=merge-duplicates")
		data, err = c.doRequest(ctx, http.MethodPost, path, m.Values, params, prefer)
	case VerbUpdate:
		if len(m.Match) == 0 {
			return nil, &APIError{Code: CodeInvalidInput, Message: "update requires a match filter"}
		}
		data, err = c.doRequest(ctx, http.MethodPatch, path, m.Values, filterParams(m.Match), prefer)
	case VerbDelete:
		if len(m.Match) == 0 {
			return nil, &APIError{Code: CodeInvalidInput, Message: "delete requires a match filter"}
		}
		data, err = c.doRequest(ctx, http.MethodDelete, path, nil, filterParams(m.Match), prefer)
	default:
		return nil, &APIError{Code: CodeInvalidInput, Message: fmt.Sprintf("unknown verb %q", m.Verb)}
	}
	if err != nil {
		return nil, err
	}
	return decodeRows(data)
}

// Health checks that the REST endpoint answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, restPrefix, nil, nil, nil)
	return err
}

// filterParams encodes filters as query parameters: "col=op.val" for column
// predicates and "or=(...)" / "and=(...)" for compound ones.
func filterParams(filters []Filter) url.Values {
	params := url.Values{}
	for _, f := range filters {
		switch f.Op {
		case OpOr, OpAnd:
			expr := f.Expr()
			params.Add(string(f.Op), strings.TrimPrefix(expr, string(f.Op)))
		default:
			params.Add(f.Column, string(f.Op)+"."+f.operand())
		}
	}
	return params
}
