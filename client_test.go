package delta

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Segment 1: Initialization & Lifecycle ---

func TestNewClient_VariadicToken(t *testing.T) {
	t.Run("Valid URL without token", func(t *testing.T) {
		c, err := NewClient("https://adb-1.azuredatabricks.net/")
		require.NoError(t, err)
		assert.Empty(t, c.token)
		assert.Equal(t, c, c.Session.client)
		assert.Equal(t, "https://adb-1.azuredatabricks.net", c.workspaceUrl.String())
		assert.Equal(t, DefaultCatalog, c.catalog)
		assert.Equal(t, FormatJSONArray, c.format)
		assert.Equal(t, DispositionExternalLinks, c.disposition)
		assert.Equal(t, DefaultPollInterval, c.pollInterval)
	})

	t.Run("Valid URL with token", func(t *testing.T) {
		c, err := NewClient("https://adb-1.azuredatabricks.net", "dapi123")
		require.NoError(t, err)
		assert.Equal(t, "dapi123", c.token)
	})

	t.Run("Invalid URL error", func(t *testing.T) {
		_, err := NewClient("://invalid")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid workspace URL")
	})
}

func TestWorkspaceURL(t *testing.T) {
	assert.Equal(t, "https://adb-1234567890.azuredatabricks.net", WorkspaceURL("1234567890"))
}

func TestSession_CloneAndIsolation(t *testing.T) {
	c, _ := NewClient("https://host", "tok")
	c.Warehouse("wh").Catalog("base")

	s := c.NewSession()
	s.Catalog("new").Schema("sch").Token("other")

	assert.Equal(t, "base", c.catalog)
	assert.Empty(t, c.schema)
	assert.Equal(t, "tok", c.token)

	assert.Equal(t, "new", s.catalog)
	assert.Equal(t, "sch", s.schema)
	assert.Equal(t, "wh", s.warehouseId)
	assert.Equal(t, "other", s.token)
	assert.Equal(t, c, s.client)
}

func TestSession_Validate(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		c, _ := NewClient("https://host", "tok")
		assert.NoError(t, c.Warehouse("wh").Validate())
	})

	t.Run("everything missing", func(t *testing.T) {
		c, _ := NewClient("")
		err := c.Validate()
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, []string{"workspace URL", "warehouse id", "token"}, cfgErr.Missing)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("request options stand in for the token", func(t *testing.T) {
		c, _ := NewClient("https://host")
		s := c.NewSession().Warehouse("wh").RequestOptions(func(r *http.Request) {})
		assert.NoError(t, s.Validate())
	})

	t.Run("submit does not send anything", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
		defer srv.Close()

		c, _ := NewClient(srv.URL, "tok")
		_, err := c.NewSession().Submit(context.Background(), "SELECT 1")
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.False(t, called)
	})
}

// --- Segment 2: Request Building & Body Handling ---

func TestNewRequest_HeadersAndEncoding(t *testing.T) {
	c, _ := NewClient("http://localhost", "dapi123")
	c.ForceHTTPS(true)
	s := c.NewSession()

	t.Run("JSON body encoding", func(t *testing.T) {
		req, err := s.NewRequest("POST", StatementsPath, s.NewStatementRequest("SELECT 1"))
		require.NoError(t, err)
		assert.Equal(t, "https://localhost/api/2.0/sql/statements", req.URL.String())
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer dapi123", req.Header.Get("Authorization"))
		assert.Equal(t, UserAgent, req.Header.Get("User-Agent"))
		assert.Equal(t, ContentEncodingGzip, req.Header.Get("Accept-Encoding"))
	})

	t.Run("Raw string body", func(t *testing.T) {
		req, _ := s.NewRequest("POST", "/", "SELECT 1")
		assert.Equal(t, "text/plain", req.Header.Get("Content-Type"))
	})

	t.Run("Request options override", func(t *testing.T) {
		opt := func(r *http.Request) { r.Header.Set("X-Custom", "123") }
		req, _ := s.NewRequest("GET", "/", nil, opt)
		assert.Equal(t, "123", req.Header.Get("X-Custom"))
	})
}

// --- Segment 3: Do & Retries ---

func TestDo_RetryBodyHandling(t *testing.T) {
	newRetryServer := func(failStatus, failCount int) (*httptest.Server, *int, *[]string) {
		attempts := new(int)
		var bodies []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*attempts++
			body, _ := io.ReadAll(r.Body)
			bodies = append(bodies, string(body))
			if *attempts <= failCount {
				w.WriteHeader(failStatus)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		return srv, attempts, &bodies
	}

	t.Run("Opaque body preserved across retries", func(t *testing.T) {
		srv, attempts, bodies := newRetryServer(http.StatusServiceUnavailable, 1)
		defer srv.Close()

		c, _ := NewClient(srv.URL)
		s := c.NewSession()

		bodyContent := `{"statement":"SELECT 1"}`
		req, _ := http.NewRequest("POST", srv.URL+"/", io.NopCloser(strings.NewReader(bodyContent)))
		s.applyHeaders(req)

		var res map[string]string
		_, err := s.Do(context.Background(), req, &res)

		require.NoError(t, err)
		assert.Equal(t, 2, *attempts)
		for i, body := range *bodies {
			assert.Equal(t, bodyContent, body, "attempt %d should have full body", i+1)
		}
	})

	t.Run("Throttled responses are retried", func(t *testing.T) {
		srv, attempts, _ := newRetryServer(http.StatusTooManyRequests, 1)
		defer srv.Close()

		c, _ := NewClient(srv.URL)
		s := c.NewSession()

		req, _ := s.NewRequest("GET", "/", nil)
		var res map[string]string
		_, err := s.Do(context.Background(), req, &res)

		require.NoError(t, err)
		assert.Equal(t, 2, *attempts)
		assert.Equal(t, "ok", res["status"])
	})

	t.Run("Retry wait honors context", func(t *testing.T) {
		srv, _, _ := newRetryServer(http.StatusServiceUnavailable, 100)
		defer srv.Close()

		c, _ := NewClient(srv.URL)
		s := c.NewSession()

		ctx, cancel := context.WithCancel(context.Background())
		req, _ := s.NewRequest("GET", "/", nil)
		go cancel()
		_, err := s.Do(ctx, req, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDo_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"INVALID_PARAMETER_VALUE","message":"warehouse_id is required"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	s := c.NewSession()

	req, _ := s.NewRequest("GET", "/", nil)
	resp, err := s.Do(context.Background(), req, nil)

	require.Error(t, err)
	assert.Equal(t, "INVALID_PARAMETER_VALUE: warehouse_id is required (status code: 400)", err.Error())
	assert.NotNil(t, resp)
}

func TestNewErrorResponse(t *testing.T) {
	t.Run("Plain text body is kept verbatim", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(strings.NewReader("upstream unavailable\n")),
		}
		err := NewErrorResponse(resp)

		var errResp *ErrorResponse
		require.ErrorAs(t, err, &errResp)
		assert.Empty(t, errResp.ErrorCode)
		assert.Equal(t, "upstream unavailable", errResp.Message)
		assert.Equal(t, "upstream unavailable (status code: 502)", err.Error())
	})

	t.Run("Databricks error document", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no statement"}`)),
		}
		var errResp *ErrorResponse
		require.ErrorAs(t, NewErrorResponse(resp), &errResp)
		assert.Equal(t, "RESOURCE_DOES_NOT_EXIST", errResp.ErrorCode)
		assert.Equal(t, "no statement", errResp.Message)
	})

	t.Run("Empty body", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("")),
		}
		var errResp *ErrorResponse
		require.ErrorAs(t, NewErrorResponse(resp), &errResp)
		assert.Empty(t, errResp.Message)
	})
}

// failingRoundTripper simulates transient connection failures before delegating
// to a real transport.
type failingRoundTripper struct {
	failCount int
	calls     int
	wrapped   http.RoundTripper
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failCount {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}
	}
	return f.wrapped.RoundTrip(req)
}

func TestDo_ConnectionErrorRetry(t *testing.T) {
	t.Run("Retries on connection error then succeeds", func(t *testing.T) {
		attempts := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		defer srv.Close()

		c, _ := NewClient(srv.URL)
		s := c.NewSession()
		c.httpClient.Transport = &failingRoundTripper{failCount: 1, wrapped: srv.Client().Transport}

		var res map[string]string
		req, _ := s.NewRequest("GET", "/", nil)
		_, err := s.Do(context.Background(), req, &res)

		require.NoError(t, err)
		assert.Equal(t, 1, attempts, "server should be hit once after a transport failure")
		assert.Equal(t, "ok", res["status"])
	})

	t.Run("Does not retry on context cancellation", func(t *testing.T) {
		c, _ := NewClient("http://127.0.0.1:1")
		s := c.NewSession()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		req, _ := s.NewRequest("GET", "/", nil)
		_, err := s.Do(ctx, req, nil)

		require.Error(t, err)
		assert.NotContains(t, err.Error(), "max retries exceeded")
	})
}

func TestIsRetryableNetError(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}

	assert.False(t, isRetryableNetError(context.Canceled))
	assert.False(t, isRetryableNetError(context.DeadlineExceeded))
	assert.False(t, isRetryableNetError(errors.New("some other error")))
	assert.True(t, isRetryableNetError(opErr))
	assert.True(t, isRetryableNetError(fmt.Errorf("request failed: %w", opErr)))
}

// --- Segment 4: Decode & Decompression ---

func TestDecodeResponseBody_Corners(t *testing.T) {
	c := &Client{}

	t.Run("Nil destination", func(t *testing.T) {
		resp := &http.Response{Body: io.NopCloser(strings.NewReader("data"))}
		assert.NoError(t, c.decodeResponseBody(resp, nil))
	})

	t.Run("io.Writer destination", func(t *testing.T) {
		resp := &http.Response{Header: make(http.Header), Body: io.NopCloser(strings.NewReader(`[["1"]]`))}
		buf := &bytes.Buffer{}
		require.NoError(t, c.decodeResponseBody(resp, buf))
		assert.Equal(t, `[["1"]]`, buf.String())
	})

	t.Run("Empty body", func(t *testing.T) {
		resp := &http.Response{Header: make(http.Header), Body: io.NopCloser(strings.NewReader(""))}
		var out map[string]any
		assert.NoError(t, c.decodeResponseBody(resp, &out))
	})

	t.Run("Gzip handling", func(t *testing.T) {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		_, _ = gw.Write([]byte(`{"statement_id":"abc"}`))
		_ = gw.Close()

		resp := &http.Response{Header: make(http.Header), Body: io.NopCloser(&buf)}
		resp.Header.Set("Content-Encoding", "gzip")

		var out StatementResponse
		require.NoError(t, c.decodeResponseBody(resp, &out))
		assert.Equal(t, "abc", out.StatementId)
	})

	t.Run("Gzip error", func(t *testing.T) {
		resp := &http.Response{Header: make(http.Header), Body: io.NopCloser(strings.NewReader("not-gzipped"))}
		resp.Header.Set("Content-Encoding", "gzip")
		assert.Error(t, c.decodeResponseBody(resp, &map[string]any{}))
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		resp := &http.Response{Header: make(http.Header), Body: io.NopCloser(strings.NewReader("{"))}
		err := c.decodeResponseBody(resp, &map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode JSON")
	})
}

// --- Segment 5: Persistent RequestOptions ---

func TestSession_RequestOptions(t *testing.T) {
	c, _ := NewClient("http://localhost", "pat")
	s := c.NewSession()

	s.RequestOptions(func(r *http.Request) { r.Header.Set("Authorization", "Bearer oauth") })

	req, err := s.NewRequest("GET", "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer oauth", req.Header.Get("Authorization"), "session options apply after the token")

	callOpt := func(r *http.Request) { r.Header.Set("Authorization", "Bearer call") }
	req, err = s.NewRequest("GET", "/", nil, callOpt)
	require.NoError(t, err)
	assert.Equal(t, "Bearer call", req.Header.Get("Authorization"), "per-call options should override session-level")

	cloned := s.Clone()
	cloned.RequestOptions()
	origReq, _ := s.NewRequest("GET", "/", nil)
	assert.Equal(t, "Bearer oauth", origReq.Header.Get("Authorization"))
	clonedReq, _ := cloned.NewRequest("GET", "/", nil)
	assert.Equal(t, "Bearer pat", clonedReq.Header.Get("Authorization"))
}

// --- Segment 6: Client Configuration ---

func TestClient_TLSConfig(t *testing.T) {
	c, _ := NewClient("http://localhost")
	tlsCfg := &tls.Config{InsecureSkipVerify: true}
	c.TLSConfig(tlsCfg)

	transport, ok := c.httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, tlsCfg, transport.TLSClientConfig)
}

func TestClient_HTTPClient(t *testing.T) {
	c, _ := NewClient("http://localhost")
	custom := &http.Client{Timeout: 42}
	c.HTTPClient(custom)
	assert.Equal(t, custom, c.httpClient)
}

func TestSession_Concurrency(t *testing.T) {
	c, _ := NewClient("http://localhost")
	var wg sync.WaitGroup
	const count = 50

	for i := range count {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s := c.NewSession().Warehouse(fmt.Sprintf("wh-%d", id))
			body := s.NewStatementRequest("SELECT 1")
			assert.Equal(t, fmt.Sprintf("wh-%d", id), body.WarehouseId)
		}(i)
	}
	wg.Wait()
}
