package delta

// Document is the typed rendering of a whole result. When marshaled to JSON,
// DECIMAL values are written as numbers, not strings.
type Document struct {
	Count   int      `json:"count"`
	Records []Record `json:"records"`
}

// DocumentBuilder decodes result chunks into one Record per row, typed by
// the column signatures of the schema. Values that fail to decode become nil
// and the row is kept.
type DocumentBuilder struct {
	rows   *rowDecoder
	format Format
	doc    Document
}

// NewDocumentBuilder parses the column signatures of schema once for all
// chunks. A malformed signature is returned as a *ProtocolError.
func NewDocumentBuilder(schema *Schema, metrics *Metrics) (*DocumentBuilder, error) {
	rows, err := newRowDecoder(schema, metrics)
	if err != nil {
		return nil, err
	}
	return &DocumentBuilder{
		rows:   rows,
		format: FormatJSONArray,
		doc:    Document{Records: []Record{}},
	}, nil
}

// Format sets the encoding of the chunks passed to AddChunk.
func (b *DocumentBuilder) Format(format Format) *DocumentBuilder {
	b.format = format
	return b
}

// AddChunk decodes and appends every row of a chunk payload.
func (b *DocumentBuilder) AddChunk(payload []byte) error {
	rows, err := chunkRows(b.format, payload)
	if err != nil {
		return &ProtocolError{Message: "malformed result chunk", Err: err}
	}
	for _, tokens := range rows {
		b.doc.Records = append(b.doc.Records, b.rows.record(tokens))
	}
	b.doc.Count = len(b.doc.Records)
	return nil
}

// Document returns the records collected so far.
func (b *DocumentBuilder) Document() *Document {
	return &b.doc
}
