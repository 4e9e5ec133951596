package delta

import (
	"encoding/json"
	"time"
)

// StatementStatus is the execution status of a statement.
type StatementStatus struct {
	State StatementState `json:"state"`

	// Error is set when State is FAILED
	Error *StatementError `json:"error,omitempty"`
}

// ChunkInfo describes one chunk of a result as listed in the manifest.
type ChunkInfo struct {
	ChunkIndex int   `json:"chunk_index"`
	RowOffset  int64 `json:"row_offset"`
	RowCount   int64 `json:"row_count"`
	ByteCount  int64 `json:"byte_count,omitempty"`
}

// Manifest is the schema and chunk metadata of a completed statement.
type Manifest struct {
	Format          Format      `json:"format"`
	Schema          *Schema     `json:"schema"`
	TotalChunkCount int         `json:"total_chunk_count"`
	Chunks          []ChunkInfo `json:"chunks,omitempty"`
	TotalRowCount   int64       `json:"total_row_count"`
	TotalByteCount  int64       `json:"total_byte_count,omitempty"`
	Truncated       bool        `json:"truncated,omitempty"`
}

// ExternalLink points at the pre-signed URL holding one chunk's rows.
type ExternalLink struct {
	ChunkIndex            int    `json:"chunk_index"`
	RowOffset             int64  `json:"row_offset"`
	RowCount              int64  `json:"row_count"`
	ByteCount             int64  `json:"byte_count,omitempty"`
	NextChunkIndex        *int   `json:"next_chunk_index,omitempty"`
	NextChunkInternalLink string `json:"next_chunk_internal_link,omitempty"`

	// ExternalLink is a pre-signed URL; it must be fetched without the bearer token.
	ExternalLink string    `json:"external_link"`
	Expiration   time.Time `json:"expiration"`

	// HttpHeaders must be sent along with the request to ExternalLink
	HttpHeaders map[string]string `json:"http_headers,omitempty"`
}

// ResultData is one page of a statement result. With EXTERNAL_LINKS it holds
// at most one link plus a pointer to the next chunk; with INLINE it holds the
// rows themselves.
type ResultData struct {
	ChunkIndex            int    `json:"chunk_index"`
	RowOffset             int64  `json:"row_offset"`
	RowCount              int64  `json:"row_count"`
	ByteCount             int64  `json:"byte_count,omitempty"`
	NextChunkIndex        *int   `json:"next_chunk_index,omitempty"`
	NextChunkInternalLink string `json:"next_chunk_internal_link,omitempty"`

	// DataArray is the raw [[...],[...]] row list of an INLINE result
	DataArray json.RawMessage `json:"data_array,omitempty"`

	ExternalLinks []ExternalLink `json:"external_links,omitempty"`
}

// Link returns the current external link, or nil if the page has none.
func (r *ResultData) Link() *ExternalLink {
	if r == nil || len(r.ExternalLinks) == 0 {
		return nil
	}
	return &r.ExternalLinks[0]
}

// NextLink returns the internal link of the next page, or "" on the last page.
// The link on the current external link takes precedence over the page's own.
func (r *ResultData) NextLink() string {
	if r == nil {
		return ""
	}
	if link := r.Link(); link != nil && link.NextChunkInternalLink != "" {
		return link.NextChunkInternalLink
	}
	return r.NextChunkInternalLink
}

// StatementResponse is the state of a statement as returned by submission and polling.
type StatementResponse struct {
	StatementId string          `json:"statement_id"`
	Status      StatementStatus `json:"status"`
	Manifest    *Manifest       `json:"manifest,omitempty"`
	Result      *ResultData     `json:"result,omitempty"`

	// session is the Session that created this response; it is used to
	// poll and to fetch further chunks
	session *Session
}

// Columns returns the result columns ordered by position, or nil before the
// statement has succeeded.
func (sr *StatementResponse) Columns() []Column {
	if sr == nil || sr.Manifest == nil {
		return nil
	}
	return sr.Manifest.Schema.SortedColumns()
}
