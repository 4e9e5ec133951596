package delta

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// Databricks SQL API paths and client defaults
const (
	StatementsPath   = "/api/2.0/sql/statements"
	WarehousesPath   = "/api/2.0/sql/warehouses"
	QueryHistoryPath = "/api/2.0/sql/history/queries"

	DefaultCatalog      = "hive_metastore"
	DefaultPollInterval = 5 * time.Second
	UserAgent           = "delta-go"
	ContentEncodingGzip = "gzip"
	MaxRetryAttempts    = 10
	MaxRetryDelay       = 30 * time.Second
)

// RequestOption allows for functional overrides on individual requests
type RequestOption func(*http.Request)

// Session represents an isolated execution context linked to a Databricks client:
// the warehouse, the default catalog and schema, and the credentials statements run with.
type Session struct {
	client         *Client // Link to the parent client for network transport
	token          string
	warehouseId    string
	catalog        string
	schema         string
	format         Format
	disposition    Disposition
	requestOptions []RequestOption

	// mu protects session state during concurrent access
	mu sync.RWMutex
}

// Client serves as the factory and network configuration provider
type Client struct {
	Session         // Embedded default session
	httpClient      *http.Client
	workspaceUrl    *url.URL
	forceHTTPS      bool
	pollInterval    time.Duration
	maxPollAttempts int
	metrics         *Metrics
}

// --- Initialization & Lifecycle ---

// NewClient initializes the client and links its embedded session to itself.
// token is an optional variadic parameter holding a personal access token.
func NewClient(workspaceUrl string, token ...string) (*Client, error) {
	parsedUrl, err := url.Parse(strings.TrimRight(workspaceUrl, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid workspace URL: %w", err)
	}

	c := &Client{
		httpClient:   &http.Client{},
		workspaceUrl: parsedUrl,
		pollInterval: DefaultPollInterval,
		Session: Session{
			catalog:     DefaultCatalog,
			format:      FormatJSONArray,
			disposition: DispositionExternalLinks,
		},
	}

	// Link the embedded session to the client
	c.Session.client = c

	if len(token) > 0 {
		c.token = token[0]
	}

	return c, nil
}

// WorkspaceURL returns the URL of an Azure Databricks workspace given its id.
func WorkspaceURL(workspaceId string) string {
	return "https://adb-" + workspaceId + ".azuredatabricks.net"
}

// Clone creates an isolated session copy that maintains the same client link
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opts := make([]RequestOption, len(s.requestOptions))
	copy(opts, s.requestOptions)

	return &Session{
		client:         s.client, // Maintain the same network client
		token:          s.token,
		warehouseId:    s.warehouseId,
		catalog:        s.catalog,
		schema:         s.schema,
		format:         s.format,
		disposition:    s.disposition,
		requestOptions: opts,
	}
}

// Validate reports every identifier or credential the session is missing as a
// *ConfigurationError. It sends no request. A session with request options is
// assumed to authenticate through them.
func (s *Session) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	if s.client == nil || s.client.workspaceUrl == nil || s.client.workspaceUrl.Host == "" {
		missing = append(missing, "workspace URL")
	}
	if s.warehouseId == "" {
		missing = append(missing, "warehouse id")
	}
	if s.token == "" && len(s.requestOptions) == 0 {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// --- Session Setters (Fluent API) ---

func (s *Session) Warehouse(warehouseId string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warehouseId = warehouseId
	return s
}

func (s *Session) Catalog(catalog string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = catalog
	return s
}

func (s *Session) Schema(schema string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = schema
	return s
}

// Token sets the personal access token sent as a bearer token on API requests.
func (s *Session) Token(token string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return s
}

func (s *Session) Format(format Format) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	return s
}

func (s *Session) Disposition(disposition Disposition) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposition = disposition
	return s
}

// RequestOptions replaces the options applied to every API request made by
// this session. Per-call options are applied after these.
func (s *Session) RequestOptions(opts ...RequestOption) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestOptions = opts
	return s
}

// Client returns the client the session sends requests through.
func (s *Session) Client() *Client {
	return s.client
}

// --- Request Lifecycle ---

// NewRequest builds an http.Request using internal session and client states, accepting optional overrides.
func (s *Session) NewRequest(method, urlStr string, body any, options ...RequestOption) (*http.Request, error) {
	u, err := s.client.prepareURL(urlStr)
	if err != nil {
		return nil, err
	}

	bodyReader, contentType, err := s.client.prepareRequestBody(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	s.applyHeaders(req)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept-Encoding", ContentEncodingGzip)

	// Apply functional options for specific request overrides
	for _, opt := range options {
		opt(req)
	}

	return req, nil
}

func (s *Session) applyHeaders(req *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req.Header.Set("User-Agent", UserAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for _, opt := range s.requestOptions {
		opt(req)
	}
}

// --- Execution ---

// Do executes the request, retrying on 429, 503 and transient network errors,
// and decodes a 2xx response into v. If v is an io.Writer the raw body is
// copied into it. Any other status is returned as an *ErrorResponse.
func (s *Session) Do(ctx context.Context, req *http.Request, v any) (*http.Response, error) {
	req = req.WithContext(ctx)

	// Buffer the request body so it can be replayed on retries.
	// io.Reader is consumed after the first attempt, so we need GetBody.
	if req.Body != nil && req.GetBody == nil {
		bodyBytes, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	retryDelay := time.Second
	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			// Retry on transient network errors, but not on context cancellation
			if !isRetryableNetError(err) {
				return nil, err
			}
			log.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying on connection error")
		} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			err = s.client.decodeResponseBody(resp, v)
			return resp, err
		} else if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
			if closeErr := resp.Body.Close(); closeErr != nil {
				log.Debug().Err(closeErr).Msg("failed to close response body")
			}
			log.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("retrying on throttled response")
		} else {
			return resp, NewErrorResponse(resp)
		}

		// Reset the request body for the next attempt
		if req.GetBody != nil {
			req.Body, _ = req.GetBody()
		}

		if err := sleepContext(ctx, retryDelay); err != nil {
			return nil, err
		}
		retryDelay *= 2
		if retryDelay > MaxRetryDelay {
			retryDelay = MaxRetryDelay
		}
	}
	return nil, fmt.Errorf("max retries exceeded")
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryableNetError returns true for transient network errors that warrant
// a retry (connection refused, DNS failures, connection reset, network timeouts).
// Context cancellation and deadline exceeded errors are NOT retried.
func isRetryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// --- Client Configuration ---

// HTTPClient replaces the underlying http.Client.
func (c *Client) HTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// TLSConfig installs a transport with the given TLS configuration.
func (c *Client) TLSConfig(cfg *tls.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = cfg
	c.httpClient.Transport = transport
	return c
}

func (c *Client) ForceHTTPS(force bool) *Client {
	c.forceHTTPS = force
	return c
}

// PollInterval sets how long to wait between status polls of a pending statement.
func (c *Client) PollInterval(d time.Duration) *Client {
	c.pollInterval = d
	return c
}

// MaxPollAttempts caps the number of status polls; 0 polls until the
// statement is terminal or the context is done.
func (c *Client) MaxPollAttempts(n int) *Client {
	c.maxPollAttempts = n
	return c
}

// Metrics sets the collectors updated by every session of this client.
func (c *Client) Metrics(m *Metrics) *Client {
	c.metrics = m
	return c
}

// --- Client Networking Utilities ---

func (c *Client) prepareURL(urlStr string) (*url.URL, error) {
	u, err := c.workspaceUrl.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	if c.forceHTTPS && u.Scheme == "http" {
		u.Scheme = "https"
	}
	return u, nil
}

func (c *Client) prepareRequestBody(body any) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	if s, ok := body.(string); ok {
		return strings.NewReader(s), "text/plain", nil
	}
	jsonBuf := &bytes.Buffer{}
	if err := json.NewEncoder(jsonBuf).Encode(body); err != nil {
		return nil, "", err
	}
	return jsonBuf, "application/json", nil
}

func (c *Client) decodeResponseBody(resp *http.Response, v any) (err error) {
	// Ensure the main response body is always closed
	defer func() {
		closeErr := resp.Body.Close()
		if err == nil {
			err = closeErr
		}
	}()

	// 1. Early return if no destination is provided
	if v == nil {
		return nil
	}

	var reader io.Reader = resp.Body

	// 2. Handle decompression
	if resp.Header.Get("Content-Encoding") == ContentEncodingGzip {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return fmt.Errorf("failed to create gzip reader: %w", gzErr)
		}

		defer func() {
			if cErr := gz.Close(); cErr != nil {
				log.Debug().Err(cErr).Msg("failed to close gzip reader")
			}
		}()
		reader = gz
	}

	// 3. Decode payload
	if w, ok := v.(io.Writer); ok {
		_, err = io.Copy(w, reader)
		return err
	}

	if err = json.NewDecoder(reader).Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to decode JSON: %w", err)
	}

	return nil
}

// NewSession creates a new, isolated session using the client's current
// connection settings. The new session is linked to this client but
// keeps its own warehouse, catalog, schema and credentials.
func (c *Client) NewSession() *Session {
	return c.Session.Clone()
}
