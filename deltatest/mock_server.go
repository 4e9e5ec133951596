package deltatest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/ethanyzhang/delta-go"
)

// ChunkHeader is the header every external link asks the client to send.
// Requests for a chunk without it, or with an Authorization header, are rejected.
const ChunkHeader = "X-Mock-Chunk-Signature"

// --- Data Models ---

// MockStatementTemplate defines the static result of a specific SQL string.
// It acts as an immutable blueprint from which MockStatement instances are created.
//
// Chunking:
// The rows in Data are split into Chunks sequential chunks of
// ceil(len(Data)/Chunks) rows each. Chunks is capped at the row count by
// AddStatement, and a template without rows has no chunks at all.
type MockStatementTemplate struct {
	SQL          string                // The statement text used for template matching.
	Columns      []delta.Column        // Result columns; positions are assigned by AddStatement.
	Data         [][]any               // The full result set, rendered into JSON_ARRAY strings.
	Chunks       int                   // The number of result chunks, capped by row count.
	PendingPolls int                   // How many polls the statement stays RUNNING before it is terminal.
	Error        *delta.StatementError // Optional error to simulate a FAILED statement.
	Latency      time.Duration         // Latency added to every statement API response.
}

// MockStatement represents a live execution of a template.
type MockStatement struct {
	ID       string
	Template *MockStatementTemplate
	Request  delta.StatementRequest
	State    delta.StatementState
	Polls    int
	Started  time.Time
	Ended    time.Time
}

// --- Mock Server Implementation ---

// MockWarehouseServer simulates the Databricks SQL Statement Execution API,
// the warehouses API, the query history API, and the blob storage behind
// pre-signed external links.
type MockWarehouseServer struct {
	server *httptest.Server

	// templates maps statement text to their MockStatementTemplate blueprints.
	templates map[string]*MockStatementTemplate

	// statements maps statement ids to their current MockStatement state.
	statements map[string]*MockStatement
	history    []string

	warehouses map[string]*delta.Warehouse

	mu sync.RWMutex // Protects the maps during concurrent test execution.

	token   string
	gzip    bool
	failing []int // Status codes returned, in order, to the next statement API calls

	externalFetches atomic.Int64
}

// NewMockWarehouseServer initializes a new mock server using the standard library.
func NewMockWarehouseServer() *MockWarehouseServer {
	mock := &MockWarehouseServer{
		templates:  make(map[string]*MockStatementTemplate),
		statements: make(map[string]*MockStatement),
		warehouses: make(map[string]*delta.Warehouse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+delta.StatementsPath, mock.handleSubmit)
	mux.HandleFunc("GET "+delta.StatementsPath+"/{id}", mock.handleGetStatement)
	mux.HandleFunc("POST "+delta.StatementsPath+"/{id}/cancel", mock.handleCancel)
	mux.HandleFunc("GET "+delta.StatementsPath+"/{id}/result/chunks/{index}", mock.handleResultChunk)
	mux.HandleFunc("GET /external/{id}/{index}", mock.handleExternalLink)
	mux.HandleFunc("GET "+delta.WarehousesPath, mock.handleListWarehouses)
	mux.HandleFunc("GET "+delta.WarehousesPath+"/{id}", mock.handleGetWarehouse)
	mux.HandleFunc("POST "+delta.WarehousesPath+"/{id}/start", mock.handleStartWarehouse)
	mux.HandleFunc("GET "+delta.QueryHistoryPath, mock.handleQueryHistory)

	mock.server = httptest.NewServer(mux)
	return mock
}

// AddStatement registers a template, numbers its columns and caps its chunk count.
func (m *MockWarehouseServer) AddStatement(tmpl *MockStatementTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range tmpl.Columns {
		tmpl.Columns[i].Position = i
		if tmpl.Columns[i].TypeName == "" {
			tmpl.Columns[i].TypeName = outerTypeName(tmpl.Columns[i].TypeText)
		}
	}
	if tmpl.Chunks < 1 {
		tmpl.Chunks = 1
	}
	if totalRows := len(tmpl.Data); totalRows < tmpl.Chunks {
		tmpl.Chunks = totalRows
	}
	m.templates[tmpl.SQL] = tmpl
}

// AddWarehouse registers a warehouse served by the warehouses API.
func (m *MockWarehouseServer) AddWarehouse(w delta.Warehouse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warehouses[w.Id] = &w
}

// RequireToken makes every API call (but not external links) require the bearer token.
func (m *MockWarehouseServer) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// EnableGzip compresses API responses for clients that accept gzip.
func (m *MockWarehouseServer) EnableGzip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gzip = true
}

// FailNext makes the next statement API calls fail with the given status codes, in order.
func (m *MockWarehouseServer) FailNext(statusCodes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = append(m.failing, statusCodes...)
}

// Statement returns a copy of the state of a submitted statement.
func (m *MockWarehouseServer) Statement(id string) (MockStatement, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statements[id]
	if !ok {
		return MockStatement{}, false
	}
	return *st, true
}

// ExternalFetches returns how many chunks were served through external links.
func (m *MockWarehouseServer) ExternalFetches() int64 {
	return m.externalFetches.Load()
}

// --- Request Handlers ---

func (m *MockWarehouseServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	var req delta.StatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, r, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
		return
	}
	if req.WarehouseId == "" {
		m.writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "warehouse_id is required")
		return
	}
	if req.Format == delta.FormatArrowStream && req.Disposition == delta.DispositionInline {
		m.writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "ARROW_STREAM requires EXTERNAL_LINKS")
		return
	}

	m.mu.Lock()
	tmpl, exists := m.templates[req.Statement]
	if !exists {
		tmpl = &MockStatementTemplate{
			SQL:     req.Statement,
			Chunks:  1,
			Columns: []delta.Column{{Name: "result", TypeText: "STRING", TypeName: "STRING"}},
			Data:    [][]any{{"Statement template not found; default success"}},
		}
	}
	st := &MockStatement{
		ID:       uuid.NewString(),
		Template: tmpl,
		Request:  req,
		State:    delta.StatementStatePending,
		Started:  time.Now(),
	}
	m.advance(st, false)
	m.statements[st.ID] = st
	m.history = append(m.history, st.ID)
	resp := m.statementResponse(st)
	m.mu.Unlock()

	m.sleep(tmpl)
	m.writeJSON(w, r, http.StatusOK, resp)
}

func (m *MockWarehouseServer) handleGetStatement(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	m.mu.Lock()
	st, ok := m.statements[r.PathValue("id")]
	if !ok {
		m.mu.Unlock()
		m.writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "statement not found")
		return
	}
	m.advance(st, true)
	resp := m.statementResponse(st)
	m.mu.Unlock()

	m.sleep(st.Template)
	m.writeJSON(w, r, http.StatusOK, resp)
}

func (m *MockWarehouseServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	m.mu.Lock()
	st, ok := m.statements[r.PathValue("id")]
	if ok && !st.State.IsTerminal() {
		st.State = delta.StatementStateCanceled
		st.Ended = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		m.writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "statement not found")
		return
	}
	m.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (m *MockWarehouseServer) handleResultChunk(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		m.writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "bad chunk index")
		return
	}
	m.mu.RLock()
	st, ok := m.statements[r.PathValue("id")]
	var page *delta.ResultData
	if ok && st.State == delta.StatementStateSucceeded && index < st.Template.Chunks {
		page = m.resultPage(st, index)
	}
	m.mu.RUnlock()
	if page == nil {
		m.writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "chunk not found")
		return
	}
	m.writeJSON(w, r, http.StatusOK, page)
}

// handleExternalLink plays the part of cloud storage: it refuses bearer
// tokens and requires the header carried by the link.
func (m *MockWarehouseServer) handleExternalLink(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		http.Error(w, "authorization header is not allowed on pre-signed URLs", http.StatusBadRequest)
		return
	}
	id, indexText := r.PathValue("id"), r.PathValue("index")
	if r.Header.Get(ChunkHeader) != signature(id, indexText) {
		http.Error(w, "missing or invalid signature", http.StatusForbidden)
		return
	}
	index, _ := strconv.Atoi(indexText)

	m.mu.RLock()
	st, ok := m.statements[id]
	m.mu.RUnlock()
	if !ok || index >= st.Template.Chunks {
		http.Error(w, "no such blob", http.StatusNotFound)
		return
	}
	m.externalFetches.Add(1)

	rows := chunkSlice(st.Template, index)
	if st.Request.Format == delta.FormatArrowStream {
		payload, err := arrowPayload(st.Template.Columns, rows)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
		_, _ = w.Write(payload)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(renderRows(rows))
}

func (m *MockWarehouseServer) handleListWarehouses(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	m.mu.RLock()
	list := make([]delta.Warehouse, 0, len(m.warehouses))
	for _, wh := range m.warehouses {
		list = append(list, *wh)
	}
	m.mu.RUnlock()
	m.writeJSON(w, r, http.StatusOK, map[string]any{"warehouses": list})
}

func (m *MockWarehouseServer) handleGetWarehouse(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	m.mu.RLock()
	wh, ok := m.warehouses[r.PathValue("id")]
	var copied delta.Warehouse
	if ok {
		copied = *wh
	}
	m.mu.RUnlock()
	if !ok {
		m.writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "warehouse not found")
		return
	}
	m.writeJSON(w, r, http.StatusOK, copied)
}

func (m *MockWarehouseServer) handleStartWarehouse(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	m.mu.Lock()
	wh, ok := m.warehouses[r.PathValue("id")]
	if ok {
		wh.State = delta.WarehouseRunning
	}
	m.mu.Unlock()
	if !ok {
		m.writeError(w, r, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "warehouse not found")
		return
	}
	m.writeJSON(w, r, http.StatusOK, struct{}{})
}

func (m *MockWarehouseServer) handleQueryHistory(w http.ResponseWriter, r *http.Request) {
	if !m.admit(w, r) {
		return
	}
	query := r.URL.Query()
	statuses := query["filter_by.statuses"]

	m.mu.RLock()
	maxResults := len(m.history)
	if v := query.Get("max_results"); v != "" {
		maxResults, _ = strconv.Atoi(v)
	}
	history := delta.QueryHistory{Queries: []delta.QueryInfo{}}
	// Most recent first
	for i := len(m.history) - 1; i >= 0; i-- {
		st := m.statements[m.history[i]]
		info := queryInfo(st)
		if len(statuses) > 0 && !contains(statuses, info.Status) {
			continue
		}
		if len(history.Queries) == maxResults {
			history.HasNextPage = true
			break
		}
		history.Queries = append(history.Queries, info)
	}
	m.mu.RUnlock()
	m.writeJSON(w, r, http.StatusOK, history)
}

// --- Protocol Response Logic ---

// admit checks the bearer token and consumes an injected failure, writing
// the error response itself when the request is not admitted.
func (m *MockWarehouseServer) admit(w http.ResponseWriter, r *http.Request) bool {
	m.mu.Lock()
	token := m.token
	status := 0
	if len(m.failing) > 0 {
		status, m.failing = m.failing[0], m.failing[1:]
	}
	m.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		m.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid access token")
		return false
	}
	if status != 0 {
		m.writeError(w, r, status, "TEMPORARILY_UNAVAILABLE", http.StatusText(status))
		return false
	}
	return true
}

// advance moves a statement through its lifecycle. Every poll counts
// towards the template's PendingPolls; once exhausted the statement fails
// or succeeds.
func (m *MockWarehouseServer) advance(st *MockStatement, poll bool) {
	if st.State.IsTerminal() {
		return
	}
	if poll {
		st.Polls++
	}
	if st.Polls < st.Template.PendingPolls {
		if poll {
			st.State = delta.StatementStateRunning
		}
		return
	}
	st.Ended = time.Now()
	if st.Template.Error != nil {
		st.State = delta.StatementStateFailed
		return
	}
	st.State = delta.StatementStateSucceeded
}

func (m *MockWarehouseServer) statementResponse(st *MockStatement) *delta.StatementResponse {
	resp := &delta.StatementResponse{
		StatementId: st.ID,
		Status:      delta.StatementStatus{State: st.State},
	}
	if st.State == delta.StatementStateFailed {
		resp.Status.Error = st.Template.Error
	}
	if st.State != delta.StatementStateSucceeded {
		return resp
	}

	tmpl := st.Template
	format := st.Request.Format
	if format == "" {
		format = delta.FormatJSONArray
	}
	resp.Manifest = &delta.Manifest{
		Format:          format,
		Schema:          &delta.Schema{ColumnCount: len(tmpl.Columns), Columns: tmpl.Columns},
		TotalChunkCount: tmpl.Chunks,
		TotalRowCount:   int64(len(tmpl.Data)),
	}
	for i := 0; i < tmpl.Chunks; i++ {
		offset, count := chunkBounds(tmpl, i)
		resp.Manifest.Chunks = append(resp.Manifest.Chunks, delta.ChunkInfo{ChunkIndex: i, RowOffset: int64(offset), RowCount: int64(count)})
	}
	if tmpl.Chunks > 0 {
		resp.Result = m.resultPage(st, 0)
	} else {
		resp.Result = &delta.ResultData{}
	}
	return resp
}

// resultPage returns the page of chunk index, either inline or as an external link.
func (m *MockWarehouseServer) resultPage(st *MockStatement, index int) *delta.ResultData {
	offset, count := chunkBounds(st.Template, index)
	page := &delta.ResultData{ChunkIndex: index, RowOffset: int64(offset), RowCount: int64(count)}
	if next := index + 1; next < st.Template.Chunks {
		page.NextChunkIndex = &next
		page.NextChunkInternalLink = fmt.Sprintf("%s/%s/result/chunks/%d", delta.StatementsPath, st.ID, next)
	}

	if st.Request.Disposition == delta.DispositionInline {
		page.DataArray, _ = json.Marshal(renderRows(chunkSlice(st.Template, index)))
		return page
	}
	indexText := strconv.Itoa(index)
	page.ExternalLinks = []delta.ExternalLink{{
		ChunkIndex:            index,
		RowOffset:             page.RowOffset,
		RowCount:              page.RowCount,
		NextChunkIndex:        page.NextChunkIndex,
		NextChunkInternalLink: page.NextChunkInternalLink,
		ExternalLink:          fmt.Sprintf("%s/external/%s/%d?sig=%s", m.server.URL, st.ID, index, uuid.NewString()),
		Expiration:            time.Now().Add(15 * time.Minute).UTC(),
		HttpHeaders:           map[string]string{ChunkHeader: signature(st.ID, indexText)},
	}}
	page.NextChunkInternalLink = ""
	return page
}

func (m *MockWarehouseServer) sleep(tmpl *MockStatementTemplate) {
	if tmpl.Latency > 0 {
		time.Sleep(tmpl.Latency)
	}
}

// writeJSON encodes v as JSON, gzip-compressed if enabled and accepted.
func (m *MockWarehouseServer) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	m.mu.RLock()
	compress := m.gzip && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
	m.mu.RUnlock()
	if !compress {
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(v)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(statusCode)
	gz := gzip.NewWriter(w)
	_ = json.NewEncoder(gz).Encode(v)
	_ = gz.Close()
}

func (m *MockWarehouseServer) writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	m.writeJSON(w, r, statusCode, map[string]string{"error_code": code, "message": message})
}

// URL returns the base URL of the mock server.
func (m *MockWarehouseServer) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockWarehouseServer) Close() { m.server.Close() }

// --- Rendering ---

func chunkBounds(tmpl *MockStatementTemplate, index int) (offset, count int) {
	if tmpl.Chunks == 0 {
		return 0, 0
	}
	rowsPerChunk := (len(tmpl.Data) + tmpl.Chunks - 1) / tmpl.Chunks
	offset = min(index*rowsPerChunk, len(tmpl.Data))
	end := min(offset+rowsPerChunk, len(tmpl.Data))
	return offset, end - offset
}

func chunkSlice(tmpl *MockStatementTemplate, index int) [][]any {
	offset, count := chunkBounds(tmpl, index)
	return tmpl.Data[offset : offset+count]
}

// renderRows renders rows the way JSON_ARRAY does: every value is a string
// or null, and composite values are JSON documents inside the string.
func renderRows(rows [][]any) [][]*string {
	out := make([][]*string, len(rows))
	for i, row := range rows {
		out[i] = make([]*string, len(row))
		for j, v := range row {
			out[i][j] = renderCell(v)
		}
	}
	return out
}

func renderCell(v any) *string {
	var s string
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		s = val
	case bool:
		s = strconv.FormatBool(val)
	case int, int8, int16, int32, int64, float32, float64, fmt.Stringer:
		s = fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprint(val)
		} else {
			s = string(b)
		}
	}
	return &s
}

// arrowPayload encodes rows as an Arrow IPC stream with one utf8 column per result column.
func arrowPayload(columns []delta.Column, rows [][]any) ([]byte, error) {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c.Name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer builder.Release()
	for _, row := range rows {
		for i := range columns {
			sb := builder.Field(i).(*array.StringBuilder)
			var cell *string
			if i < len(row) {
				cell = renderCell(row[i])
			}
			if cell == nil {
				sb.AppendNull()
			} else {
				sb.Append(*cell)
			}
		}
	}
	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := writer.Write(record); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func queryInfo(st *MockStatement) delta.QueryInfo {
	status := "RUNNING"
	switch st.State {
	case delta.StatementStateSucceeded:
		status = "FINISHED"
	case delta.StatementStateFailed:
		status = "FAILED"
	case delta.StatementStateCanceled:
		status = "CANCELED"
	case delta.StatementStatePending:
		status = "QUEUED"
	}
	info := delta.QueryInfo{
		QueryId:          st.ID,
		Status:           status,
		QueryText:        st.Request.Statement,
		WarehouseId:      st.Request.WarehouseId,
		UserName:         "mock@example.com",
		QueryStartTimeMs: st.Started.UnixMilli(),
	}
	if !st.Ended.IsZero() {
		info.QueryEndTimeMs = st.Ended.UnixMilli()
		info.Duration = st.Ended.Sub(st.Started).Milliseconds()
	}
	if st.State == delta.StatementStateSucceeded {
		info.RowsProduced = int64(len(st.Template.Data))
	}
	if st.Template.Error != nil {
		info.ErrorMessage = st.Template.Error.Message
	}
	return info
}

func signature(id, index string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id+"/"+index)).String()
}

func outerTypeName(typeText string) string {
	name := strings.ToUpper(strings.TrimSpace(typeText))
	if i := strings.IndexAny(name, "<("); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
