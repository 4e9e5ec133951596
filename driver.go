package delta

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DriverName is the name the driver is registered under with database/sql.
const DriverName = "databricks"

func init() {
	sql.Register(DriverName, &deltaDriver{})
}

// --- DSN Parsing ---

// dsnConfig holds the parsed DSN parameters.
type dsnConfig struct {
	host            string
	port            string
	token           string
	catalog         string
	schema          string
	warehouseId     string
	format          Format
	insecure        bool
	pollInterval    time.Duration
	maxPollAttempts int
}

// parseDSN parses a Databricks DSN string.
//
// Format: databricks://token:<pat>@host[:port][/catalog[/schema]]?warehouse_id=<id>[&key=value...]
//
// Query params: warehouse_id (required), format, insecure, poll_interval, max_poll_attempts.
func parseDSN(dsn string) (*dsnConfig, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	if u.Scheme != DriverName {
		return nil, fmt.Errorf("unsupported scheme %q: must be %s", u.Scheme, DriverName)
	}

	cfg := &dsnConfig{format: FormatJSONArray}

	// The password is the token; the user name is conventionally "token"
	if u.User != nil {
		if p, ok := u.User.Password(); ok {
			cfg.token = p
		}
	}

	cfg.host = u.Hostname()
	if cfg.host == "" {
		return nil, fmt.Errorf("missing host in DSN")
	}
	cfg.port = u.Port()

	// Path: /catalog/schema
	path := strings.TrimPrefix(u.Path, "/")
	if path != "" {
		parts := strings.SplitN(path, "/", 2)
		cfg.catalog = parts[0]
		if len(parts) > 1 {
			cfg.schema = parts[1]
		}
	}

	for key, values := range u.Query() {
		val := values[0]
		switch key {
		case "warehouse_id":
			cfg.warehouseId = val
		case "format":
			cfg.format = Format(strings.ToUpper(val))
			if cfg.format != FormatJSONArray && cfg.format != FormatArrowStream {
				return nil, fmt.Errorf("unsupported format %q", val)
			}
		case "insecure":
			if cfg.insecure, err = strconv.ParseBool(val); err != nil {
				return nil, fmt.Errorf("invalid insecure value %q: %w", val, err)
			}
		case "poll_interval":
			if cfg.pollInterval, err = time.ParseDuration(val); err != nil {
				return nil, fmt.Errorf("invalid poll_interval %q: %w", val, err)
			}
		case "max_poll_attempts":
			if cfg.maxPollAttempts, err = strconv.Atoi(val); err != nil {
				return nil, fmt.Errorf("invalid max_poll_attempts %q: %w", val, err)
			}
		default:
			return nil, fmt.Errorf("unknown DSN parameter %q", key)
		}
	}
	if cfg.warehouseId == "" {
		return nil, fmt.Errorf("missing warehouse_id in DSN")
	}

	return cfg, nil
}

// workspaceURL returns the base HTTP URL of the workspace.
func (cfg *dsnConfig) workspaceURL() string {
	scheme := "https"
	if cfg.insecure {
		scheme = "http"
	}
	if cfg.port == "" {
		return scheme + "://" + cfg.host
	}
	return scheme + "://" + cfg.host + ":" + cfg.port
}

// --- Parameter Interpolation ---

// valueToSQL converts a Go driver.Value to a Databricks SQL literal string.
func valueToSQL(v driver.Value) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		escaped := strings.ReplaceAll(val, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, "'", `\'`)
		return "'" + escaped + "'", nil
	case []byte:
		return "X'" + hex.EncodeToString(val) + "'", nil
	case time.Time:
		return "TIMESTAMP '" + val.UTC().Format("2006-01-02 15:04:05.000000") + "'", nil
	default:
		return "", fmt.Errorf("unsupported parameter type: %T", v)
	}
}

// interpolateParams replaces ? placeholders in the query with SQL literals.
// It skips ? characters inside single-quoted string literals, which may
// escape quotes either by doubling them or with a backslash.
func interpolateParams(query string, args []driver.Value) (string, error) {
	if len(args) == 0 {
		return query, nil
	}

	var buf strings.Builder
	buf.Grow(len(query) + len(args)*8)
	argIdx := 0
	inString := false

	for i := 0; i < len(query); i++ {
		ch := query[i]
		if inString && ch == '\\' && i+1 < len(query) {
			buf.WriteByte(ch)
			buf.WriteByte(query[i+1])
			i++
			continue
		}
		if ch == '\'' {
			if inString && i+1 < len(query) && query[i+1] == '\'' {
				// Escaped quote inside string literal
				buf.WriteByte('\'')
				buf.WriteByte('\'')
				i++
				continue
			}
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if ch == '?' && !inString {
			if argIdx >= len(args) {
				return "", fmt.Errorf("not enough arguments: query has more placeholders than the %d provided arguments", len(args))
			}
			s, err := valueToSQL(args[argIdx])
			if err != nil {
				return "", err
			}
			buf.WriteString(s)
			argIdx++
			continue
		}
		buf.WriteByte(ch)
	}

	if argIdx != len(args) {
		return "", fmt.Errorf("too many arguments: %d provided but only %d placeholders in query", len(args), argIdx)
	}
	return buf.String(), nil
}

// splitArgs separates named arguments, which become statement parameters
// referenced as :name, from positional ones, which are interpolated.
func splitArgs(args []driver.NamedValue) ([]driver.Value, []StatementParameter, error) {
	var positional []driver.Value
	var params []StatementParameter
	for _, arg := range args {
		if arg.Name == "" {
			positional = append(positional, arg.Value)
			continue
		}
		p, err := namedParameter(arg.Name, arg.Value)
		if err != nil {
			return nil, nil, err
		}
		params = append(params, p)
	}
	return positional, params, nil
}

func namedParameter(name string, v driver.Value) (StatementParameter, error) {
	p := NewParameter(name, nil)
	var str string
	switch val := v.(type) {
	case nil:
		return p, nil
	case int64:
		str, p.Type = strconv.FormatInt(val, 10), "BIGINT"
	case float64:
		str, p.Type = strconv.FormatFloat(val, 'g', -1, 64), "DOUBLE"
	case bool:
		str, p.Type = strconv.FormatBool(val), "BOOLEAN"
	case string:
		str = val
	case []byte:
		str, p.Type = hex.EncodeToString(val), "STRING"
	case time.Time:
		str, p.Type = val.UTC().Format("2006-01-02T15:04:05.000000Z"), "TIMESTAMP"
	default:
		return p, fmt.Errorf("unsupported parameter type: %T", v)
	}
	p.Value = &str
	return p, nil
}

// --- Type Conversion ---

// scanTypeForKind returns the reflect.Type that Scan should use for a column kind.
func scanTypeForKind(kind TypeKind) reflect.Type {
	switch kind {
	case TypeByte, TypeShort, TypeInt, TypeLong:
		return reflect.TypeOf(int64(0))
	case TypeFloat, TypeDouble:
		return reflect.TypeOf(float64(0))
	case TypeBoolean:
		return reflect.TypeOf(false)
	case TypeBinary:
		return reflect.TypeOf([]byte(nil))
	case TypeDate, TypeTimestamp:
		return reflect.TypeOf(time.Time{})
	default:
		// decimal, array, map, struct and unknown types -> string
		return reflect.TypeOf("")
	}
}

// toDriverValue converts a decoded value to one of the types database/sql
// accepts. Composite values become JSON strings.
func toDriverValue(kind TypeKind, v any) (driver.Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case bool:
		return val, nil
	case decimal.Decimal:
		return val.String(), nil
	case string:
		switch kind {
		case TypeDate:
			return time.Parse("2006-01-02", val)
		case TypeTimestamp:
			return parseTimestamp(val)
		case TypeBinary:
			return base64.StdEncoding.DecodeString(val)
		}
		return val, nil
	default:
		b, err := marshalValue(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

// parseTimestamp parses a Databricks timestamp, with or without a zone.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// --- Driver Types ---

// deltaDriver implements driver.Driver and driver.DriverContext.
type deltaDriver struct{}

var _ driver.Driver = (*deltaDriver)(nil)
var _ driver.DriverContext = (*deltaDriver)(nil)

// Open implements driver.Driver. It parses the DSN and returns a new connection.
func (d *deltaDriver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *deltaDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

// --- Connector ---

// ConnectorOption configures a deltaConnector.
type ConnectorOption func(*deltaConnector)

// WithSessionSetup registers a hook that is called on every new Session created
// by the connector's Connect method. This allows external modules (e.g., OAuth2
// auth) to configure sessions without modifying the core driver.
func WithSessionSetup(fn func(*Session)) ConnectorOption {
	return func(c *deltaConnector) {
		c.sessionSetup = fn
	}
}

// deltaConnector implements driver.Connector. It creates a shared Client
// (via sync.Once) and produces new Sessions for each Connect call.
type deltaConnector struct {
	cfg          *dsnConfig
	client       *Client
	once         sync.Once
	err          error
	sessionSetup func(*Session)
}

var _ driver.Connector = (*deltaConnector)(nil)

// NewConnector creates a new driver.Connector from a DSN string.
// Use this with sql.OpenDB for connection pool management.
func NewConnector(dsn string, opts ...ConnectorOption) (driver.Connector, error) {
	cfg, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	c := &deltaConnector{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect implements driver.Connector.
func (c *deltaConnector) Connect(ctx context.Context) (driver.Conn, error) {
	c.once.Do(func() {
		c.client, c.err = NewClient(c.cfg.workspaceURL())
		if c.err != nil {
			return
		}
		if c.cfg.pollInterval > 0 {
			c.client.PollInterval(c.cfg.pollInterval)
		}
		c.client.MaxPollAttempts(c.cfg.maxPollAttempts)
	})
	if c.err != nil {
		return nil, c.err
	}

	session := c.client.NewSession()
	session.Warehouse(c.cfg.warehouseId).Format(c.cfg.format)
	if c.cfg.token != "" {
		session.Token(c.cfg.token)
	}
	if c.cfg.catalog != "" {
		session.Catalog(c.cfg.catalog)
	}
	if c.cfg.schema != "" {
		session.Schema(c.cfg.schema)
	}

	if c.sessionSetup != nil {
		c.sessionSetup(session)
	}

	return &deltaConn{session: session}, nil
}

// Driver implements driver.Connector.
func (c *deltaConnector) Driver() driver.Driver {
	return &deltaDriver{}
}

// --- Connection ---

// deltaConn implements driver.Conn, driver.QueryerContext, driver.ExecerContext,
// and driver.ConnBeginTx.
type deltaConn struct {
	session *Session
	closed  bool
}

var _ driver.Conn = (*deltaConn)(nil)
var _ driver.QueryerContext = (*deltaConn)(nil)
var _ driver.ExecerContext = (*deltaConn)(nil)
var _ driver.ConnBeginTx = (*deltaConn)(nil)
var _ driver.NamedValueChecker = (*deltaConn)(nil)

// Prepare implements driver.Conn.
func (c *deltaConn) Prepare(query string) (driver.Stmt, error) {
	return &deltaStmt{conn: c, query: query}, nil
}

// Close implements driver.Conn.
func (c *deltaConn) Close() error {
	c.closed = true
	return nil
}

// Begin implements driver.Conn. Use BeginTx instead.
func (c *deltaConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. The Statement Execution API has no
// transactions, so it always fails.
func (c *deltaConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return nil, errors.New("delta: transactions are not supported")
}

// CheckNamedValue implements driver.NamedValueChecker so that named
// arguments reach QueryContext with their names intact.
func (c *deltaConn) CheckNamedValue(nv *driver.NamedValue) error {
	v, err := driver.DefaultParameterConverter.ConvertValue(nv.Value)
	if err != nil {
		return err
	}
	nv.Value = v
	return nil
}

// run interpolates positional args, binds named ones and waits for the statement.
func (c *deltaConn) run(ctx context.Context, query string, args []driver.NamedValue) (*StatementResponse, error) {
	positional, params, err := splitArgs(args)
	if err != nil {
		return nil, err
	}
	interpolated, err := interpolateParams(query, positional)
	if err != nil {
		return nil, err
	}
	return c.session.Query(ctx, interpolated, params...)
}

// QueryContext implements driver.QueryerContext.
func (c *deltaConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	sr, err := c.run(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return newDeltaRows(ctx, sr)
}

// ExecContext implements driver.ExecerContext.
func (c *deltaConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	sr, err := c.run(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return newDeltaResult(ctx, sr)
}

// --- Result ---

// deltaResult implements driver.Result.
type deltaResult struct {
	rowsAffected int64
}

var _ driver.Result = (*deltaResult)(nil)

// newDeltaResult reads num_affected_rows from the result of a DML statement.
// Other statements affect no rows.
func newDeltaResult(ctx context.Context, sr *StatementResponse) (*deltaResult, error) {
	columns := sr.Columns()
	if len(columns) == 0 || columns[0].Name != "num_affected_rows" {
		return &deltaResult{}, nil
	}
	rows, err := newDeltaRows(ctx, sr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dest := make([]driver.Value, len(columns))
	if err := rows.Next(dest); err != nil {
		if err == io.EOF {
			return &deltaResult{}, nil
		}
		return nil, err
	}
	n, _ := dest[0].(int64)
	return &deltaResult{rowsAffected: n}, nil
}

// LastInsertId implements driver.Result. Databricks does not support auto-increment IDs.
func (r *deltaResult) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("delta: LastInsertId is not supported")
}

// RowsAffected implements driver.Result.
func (r *deltaResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows ---

// deltaRows implements driver.Rows along with optional column type interfaces.
type deltaRows struct {
	ctx     context.Context
	chunks  *ChunkIterator
	format  Format
	decoder *rowDecoder
	// Current chunk of raw row tokens
	rows [][]string
	// Current position within the chunk
	pos    int
	closed bool
}

var _ driver.Rows = (*deltaRows)(nil)
var _ driver.RowsColumnTypeDatabaseTypeName = (*deltaRows)(nil)
var _ driver.RowsColumnTypeScanType = (*deltaRows)(nil)

func newDeltaRows(ctx context.Context, sr *StatementResponse) (*deltaRows, error) {
	if err := validateSucceeded(sr); err != nil {
		return nil, err
	}
	var metrics *Metrics
	if sr.session != nil {
		metrics = sr.session.client.metrics
	}
	decoder, err := newRowDecoder(sr.Manifest.Schema, metrics)
	if err != nil {
		return nil, err
	}
	return &deltaRows{
		ctx:     ctx,
		chunks:  sr.Chunks(),
		format:  sr.Manifest.Format,
		decoder: decoder,
	}, nil
}

// Columns implements driver.Rows.
func (r *deltaRows) Columns() []string {
	names := make([]string, len(r.decoder.columns))
	for i, col := range r.decoder.columns {
		names[i] = col.Name
	}
	return names
}

// Close implements driver.Rows.
func (r *deltaRows) Close() error {
	r.closed = true
	r.rows = nil
	return nil
}

// Next implements driver.Rows.
func (r *deltaRows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}

	for r.pos >= len(r.rows) {
		// Current chunk exhausted; fetch the next one
		chunk, err := r.chunks.Next(r.ctx)
		if err != nil {
			return err
		}
		if r.rows, err = chunkRows(r.format, chunk.Payload); err != nil {
			return &ProtocolError{Message: "malformed result chunk", Err: err}
		}
		r.pos = 0
	}

	values := r.decoder.values(r.rows[r.pos])
	r.pos++

	for i, v := range values {
		sig := r.decoder.signatures[i]
		val, err := toDriverValue(sig.Kind, v)
		if err != nil {
			r.decoder.fields[i].report(sig, fmt.Sprint(v), err)
			val = nil
		}
		dest[i] = val
	}
	return nil
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *deltaRows) ColumnTypeDatabaseTypeName(index int) string {
	if index < 0 || index >= len(r.decoder.signatures) {
		return ""
	}
	if name := r.decoder.columns[index].TypeName; name != "" {
		return strings.ToUpper(name)
	}
	return r.decoder.signatures[index].Name
}

// ColumnTypeScanType implements driver.RowsColumnTypeScanType.
func (r *deltaRows) ColumnTypeScanType(index int) reflect.Type {
	if index < 0 || index >= len(r.decoder.signatures) {
		return reflect.TypeOf("")
	}
	return scanTypeForKind(r.decoder.signatures[index].Kind)
}

// --- Statement ---

// deltaStmt implements driver.Stmt, driver.StmtQueryContext, and driver.StmtExecContext.
type deltaStmt struct {
	conn  *deltaConn
	query string
}

var _ driver.Stmt = (*deltaStmt)(nil)
var _ driver.StmtQueryContext = (*deltaStmt)(nil)
var _ driver.StmtExecContext = (*deltaStmt)(nil)

// Close implements driver.Stmt.
func (s *deltaStmt) Close() error {
	return nil
}

// NumInput implements driver.Stmt. Returns -1 to disable driver-side validation.
func (s *deltaStmt) NumInput() int {
	return -1
}

// Exec implements driver.Stmt.
func (s *deltaStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query implements driver.Stmt.
func (s *deltaStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext implements driver.StmtExecContext.
func (s *deltaStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

// QueryContext implements driver.StmtQueryContext.
func (s *deltaStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

// namedValues converts positional args to NamedValue slice.
func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}
