package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/carlmjohnson/requests"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/ratelimit"
)

const DefaultAPIVersion = "2025-09-03"

// ErrConfiguration signals a required setting is absent. Surfaced as 500, never retried.
var ErrConfiguration = errors.New("upstream: missing required configuration")

// UpstreamError is any non-2xx response from the upstream API
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Status, e.Body)
}

// Client issues authenticated calls to the upstream workspace API. Every
// request first takes a slot on the shared "upstream" rate-limit channel.
type Client struct {
	conf    requests.Config
	limiter *ratelimit.Limiter
	httpc   *http.Client

	mu            sync.Mutex
	dataSourceIDs map[string]string // containerID -> resolved data source id
}

type Option func(*Client)

func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		c.httpc = httpc
	}
}

// New creates a client for the given base URL and API key
func New(baseURL, apiKey, version string, limiter *ratelimit.Limiter, opts ...Option) *Client {
	if version == "" {
		version = DefaultAPIVersion
	}
	c := &Client{
		limiter:       limiter,
		httpc:         http.DefaultClient,
		dataSourceIDs: map[string]string{},
	}
	c.conf = func(rb *requests.Builder) {
		rb.
			BaseURL(baseURL).
			Bearer(apiKey).
			Header("Upstream-Version", version).
			Header("Cache-Control", "no-cache").
			Accept("application/json")
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewFromEnv builds the client from the environment. Fails with
// ErrConfiguration when the API key is absent.
func NewFromEnv(limiter *ratelimit.Limiter) (*Client, error) {
	apiKey := env.GetEnv("UPSTREAM_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: UPSTREAM_API_KEY", ErrConfiguration)
	}
	baseURL := env.GetEnv("UPSTREAM_BASE_URL", "https://api.upstream.example.com")
	version := env.GetEnv("UPSTREAM_VERSION", DefaultAPIVersion)
	return New(baseURL, apiKey, version, limiter), nil
}

// Request performs one call against the upstream API and decodes the JSON
// response. Non-2xx responses become *UpstreamError.
func (c *Client) Request(ctx context.Context, method, path string, body any) (map[string]any, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.ChannelUpstream); err != nil {
		return nil, err
	}

	var (
		status int
		buf    bytes.Buffer
	)
	rb := requests.New(c.conf).
		Client(c.httpc).
		Method(method).
		Path(path).
		AddValidator(nil).
		Handle(func(res *http.Response) error {
			status = res.StatusCode
			_, err := io.Copy(&buf, res.Body)
			return err
		})
	if body != nil {
		rb = rb.BodyJSON(body)
	}
	if err := rb.Fetch(ctx); err != nil {
		return nil, fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}

	if status < 200 || status > 299 {
		return nil, &UpstreamError{Status: status, Body: buf.String()}
	}

	parsed := map[string]any{}
	if buf.Len() > 0 {
		if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
			return nil, fmt.Errorf("upstream: decoding %s %s response: %w", method, path, err)
		}
	}
	return parsed, nil
}

// ResolveDataSourceID returns the first data-source id nested under the given
// container. The store models every container as having exactly one
// addressable sub-resource that all writes and queries target.
func (c *Client) ResolveDataSourceID(ctx context.Context, containerID string) (string, error) {
	if containerID == "" {
		return "", fmt.Errorf("%w: container id", ErrConfiguration)
	}

	c.mu.Lock()
	if id, ok := c.dataSourceIDs[containerID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	parsed, err := c.Request(ctx, http.MethodGet, "/containers/"+containerID, nil)
	if err != nil {
		return "", err
	}

	sources, _ := parsed["dataSources"].([]any)
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: container %s has no data sources", ErrConfiguration, containerID)
	}
	first, _ := sources[0].(map[string]any)
	id, _ := first["id"].(string)
	if id == "" {
		return "", fmt.Errorf("%w: container %s data source without id", ErrConfiguration, containerID)
	}

	c.mu.Lock()
	c.dataSourceIDs[containerID] = id
	c.mu.Unlock()

	log.Debugf("[Upstream] Resolved container %s to data source %s", containerID, id)
	return id, nil
}

// QueryDataSource runs a filtered, sorted query against a data source
func (c *Client) QueryDataSource(ctx context.Context, dataSourceID string, pageSize int, filter map[string]any, sorts []map[string]any) ([]map[string]any, error) {
	body := map[string]any{"pageSize": pageSize}
	if filter != nil {
		body["filter"] = filter
	}
	if sorts != nil {
		body["sorts"] = sorts
	}

	parsed, err := c.Request(ctx, http.MethodPost, "/containers/"+dataSourceID+"/query", body)
	if err != nil {
		return nil, err
	}

	raw, _ := parsed["results"].([]any)
	results := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if row, ok := r.(map[string]any); ok {
			results = append(results, row)
		}
	}
	return results, nil
}

// CreateItem appends a new row to a data source
func (c *Client) CreateItem(ctx context.Context, dataSourceID string, properties map[string]any) (map[string]any, error) {
	body := map[string]any{
		"parent":     map[string]any{"dataSourceId": dataSourceID},
		"properties": properties,
	}
	return c.Request(ctx, http.MethodPost, "/items", body)
}

// PatchItem applies a partial property update to an existing row
func (c *Client) PatchItem(ctx context.Context, itemID string, properties map[string]any) (map[string]any, error) {
	return c.Request(ctx, http.MethodPatch, "/items/"+itemID, map[string]any{"properties": properties})
}
