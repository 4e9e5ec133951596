package delta

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
)

// Format is the encoding of result chunks.
type Format string

const (
	// FormatJSONArray encodes each chunk as a JSON array of rows whose values are strings or null.
	FormatJSONArray Format = "JSON_ARRAY"
	// FormatArrowStream encodes each chunk as an Arrow IPC stream.
	FormatArrowStream Format = "ARROW_STREAM"
)

// Disposition selects how results are delivered.
type Disposition string

const (
	// DispositionExternalLinks delivers every chunk through a pre-signed URL.
	DispositionExternalLinks Disposition = "EXTERNAL_LINKS"
	// DispositionInline embeds the rows in the API responses. Only JSON_ARRAY is allowed.
	DispositionInline Disposition = "INLINE"
)

// DefaultParameterType is the SQL type given to parameters created by NewParameter.
const DefaultParameterType = "STRING"

// StatementParameter is a named parameter referenced as :name in the statement text.
type StatementParameter struct {
	Name string `json:"name"`
	// Value is nil for SQL NULL
	Value *string `json:"value,omitempty"`
	Type  string  `json:"type,omitempty"`
}

// NewParameter returns a STRING parameter. A nil value is sent as NULL; any
// other value is formatted with fmt.Sprint.
func NewParameter(name string, value any) StatementParameter {
	p := StatementParameter{Name: name, Type: DefaultParameterType}
	if value != nil {
		str := fmt.Sprint(value)
		p.Value = &str
	}
	return p
}

// StatementRequest is the body of a statement submission.
type StatementRequest struct {
	WarehouseId string               `json:"warehouse_id"`
	Catalog     string               `json:"catalog,omitempty"`
	Schema      string               `json:"schema,omitempty"`
	Statement   string               `json:"statement"`
	Disposition Disposition          `json:"disposition,omitempty"`
	Format      Format               `json:"format,omitempty"`
	WaitTimeout string               `json:"wait_timeout,omitempty"`
	RowLimit    int64                `json:"row_limit,omitempty"`
	ByteLimit   int64                `json:"byte_limit,omitempty"`
	Parameters  []StatementParameter `json:"parameters,omitempty"`
}

// NewStatementRequest builds an asynchronous submission (wait_timeout 0s)
// from the session's warehouse, catalog, schema, format and disposition.
func (s *Session) NewStatementRequest(statement string, params ...StatementParameter) *StatementRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &StatementRequest{
		WarehouseId: s.warehouseId,
		Catalog:     s.catalog,
		Schema:      s.schema,
		Statement:   statement,
		Disposition: s.disposition,
		Format:      s.format,
		WaitTimeout: "0s",
		Parameters:  params,
	}
}

// requestStatement executes an HTTP request and processes the response as a StatementResponse.
func (s *Session) requestStatement(ctx context.Context, req *http.Request) (*StatementResponse, *http.Response, error) {
	sr := new(StatementResponse)
	resp, err := s.Do(ctx, req, sr)
	if err != nil {
		return nil, resp, err
	}
	if sr.StatementId == "" {
		return nil, resp, protocolErrorf("", "empty or malformed statement response")
	}
	// Maintain the link to the session for the StatementResponse object
	sr.session = s
	return sr, resp, nil
}

// ExecuteStatement submits req as is.
//
// Example:
//
//	sr, _, err := session.ExecuteStatement(ctx, session.NewStatementRequest("SELECT 1"))
//	if err != nil {
//	    return err
//	}
//	sr, err = session.AwaitCompletion(ctx, sr)
func (s *Session) ExecuteStatement(ctx context.Context, req *StatementRequest, opts ...RequestOption) (*StatementResponse, *http.Response, error) {
	httpReq, err := s.NewRequest("POST", StatementsPath, req, opts...)
	if err != nil {
		return nil, nil, err
	}
	sr, resp, err := s.requestStatement(ctx, httpReq)
	if err != nil {
		return nil, resp, err
	}
	s.client.metrics.statementSubmitted()
	log.Debug().Str("statement_id", sr.StatementId).Stringer("state", sr.Status.State).Msg("statement submitted")
	return sr, resp, nil
}

// Submit validates the session and submits statement asynchronously.
// It returns a *ConfigurationError without sending anything if the session
// lacks a workspace, warehouse or token.
func (s *Session) Submit(ctx context.Context, statement string, params ...StatementParameter) (*StatementResponse, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	sr, _, err := s.ExecuteStatement(ctx, s.NewStatementRequest(statement, params...))
	if err != nil {
		return nil, fmt.Errorf("submit statement: %w", err)
	}
	return sr, nil
}

// GetStatement fetches the current status, manifest and first result page of a statement.
func (s *Session) GetStatement(ctx context.Context, statementId string, opts ...RequestOption) (*StatementResponse, *http.Response, error) {
	req, err := s.NewRequest("GET", StatementsPath+"/"+url.PathEscape(statementId), nil, opts...)
	if err != nil {
		return nil, nil, err
	}
	return s.requestStatement(ctx, req)
}

// GetResultChunk fetches the result page behind a next_chunk_internal_link.
func (s *Session) GetResultChunk(ctx context.Context, internalLink string, opts ...RequestOption) (*ResultData, *http.Response, error) {
	req, err := s.NewRequest("GET", internalLink, nil, opts...)
	if err != nil {
		return nil, nil, err
	}
	var result *ResultData
	resp, err := s.Do(ctx, req, &result)
	if err != nil {
		return nil, resp, err
	}
	if result == nil {
		return nil, resp, protocolErrorf("", "empty result page at %s", internalLink)
	}
	return result, resp, nil
}

// FetchExternalLink downloads the chunk behind link into w and returns the
// number of bytes written. The pre-signed URL is requested without the
// session's credentials; only the link's own headers are sent.
func (s *Session) FetchExternalLink(ctx context.Context, link *ExternalLink, w io.Writer) (int64, error) {
	if link == nil || link.ExternalLink == "" {
		return 0, protocolErrorf("", "result page has no external link")
	}
	req, err := http.NewRequest("GET", link.ExternalLink, nil)
	if err != nil {
		return 0, &ProtocolError{Message: "invalid external link", Err: err}
	}
	for k, v := range link.HttpHeaders {
		req.Header.Set(k, v)
	}

	log.Debug().Str("url", redactURL(link.ExternalLink)).Int("chunk_index", link.ChunkIndex).Msg("fetching external link")
	cw := &countingWriter{w: w}
	if _, err = s.Do(ctx, req, cw); err != nil {
		return cw.n, fmt.Errorf("fetch chunk %d: %w", link.ChunkIndex, err)
	}
	s.client.metrics.chunkFetched(cw.n)
	return cw.n, nil
}

// CancelStatement requests cancellation of a running statement.
func (s *Session) CancelStatement(ctx context.Context, statementId string, opts ...RequestOption) (*http.Response, error) {
	req, err := s.NewRequest("POST", StatementsPath+"/"+url.PathEscape(statementId)+"/cancel", nil, opts...)
	if err != nil {
		return nil, err
	}
	return s.Do(ctx, req, nil)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// redactURL drops the query string, which carries the signature of a pre-signed URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
