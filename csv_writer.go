package delta

import (
	"encoding/csv"
	"io"
)

// CSVWriter renders result chunks as CSV. The header row, with column names
// ordered by position, is written once before the first row. Each field is
// written as its text, null as an empty field, and quoting follows RFC 4180,
// so values containing commas, quotes, brackets or newlines survive intact.
type CSVWriter struct {
	w             *csv.Writer
	format        Format
	headers       []string
	headerWritten bool
}

// NewCSVWriter returns a writer for JSON_ARRAY chunks of a result with the given schema.
func NewCSVWriter(w io.Writer, schema *Schema) *CSVWriter {
	return &CSVWriter{
		w:       csv.NewWriter(w),
		format:  FormatJSONArray,
		headers: schema.Headers(),
	}
}

// Format sets the encoding of the chunks passed to WriteChunk.
func (cw *CSVWriter) Format(format Format) *CSVWriter {
	cw.format = format
	return cw
}

// WriteHeader writes the header row unless it has been written already.
func (cw *CSVWriter) WriteHeader() error {
	if cw.headerWritten {
		return nil
	}
	cw.headerWritten = true
	return cw.w.Write(cw.headers)
}

// WriteChunk writes every row of a chunk payload.
func (cw *CSVWriter) WriteChunk(payload []byte) error {
	if err := cw.WriteHeader(); err != nil {
		return err
	}
	rows, err := chunkRows(cw.format, payload)
	if err != nil {
		return &ProtocolError{Message: "malformed result chunk", Err: err}
	}
	record := make([]string, len(cw.headers))
	for _, tokens := range rows {
		for i := range record {
			record[i] = ""
			if i < len(tokens) {
				record[i], _ = unquoteField(tokens[i])
			}
		}
		if err := cw.w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any buffered data, including the header of an empty result,
// to the underlying writer.
func (cw *CSVWriter) Flush() error {
	if err := cw.WriteHeader(); err != nil {
		return err
	}
	cw.w.Flush()
	return cw.w.Error()
}
