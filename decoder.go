package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var errNonFinite = errors.New("non-finite floating point value")

// Decode decodes raw, the text of a single value with its outer quoting
// already removed, against sig:
//
//	BYTE, SHORT, INT, LONG      int8, int16, int32, int64
//	FLOAT, DOUBLE               float32, float64
//	DECIMAL                     decimal.Decimal
//	BOOLEAN                     bool
//	ARRAY<T>                    []any
//	MAP<K,V>                    map[string]any
//	STRUCT<...>                 Record
//	anything else               string, unchanged
//
// Decode never fails. A primitive that cannot be parsed becomes nil, and a
// composite whose structure cannot be parsed becomes nil as a whole. Every
// substitution is logged.
func Decode(sig *TypeSignature, raw string) any {
	d := &valueDecoder{onError: logFieldDecodeError(nil)}
	return d.value(sig, raw)
}

// DecodeStrict is Decode without substitution: the first value that cannot
// be decoded is returned as a *FieldDecodeError.
func DecodeStrict(sig *TypeSignature, raw string) (any, error) {
	d := &valueDecoder{}
	return d.decode(sig, raw)
}

// valueDecoder walks a TypeSignature alongside the raw text. When onError is
// set, primitives that fail to parse are reported and replaced by nil;
// otherwise the first failure is returned.
type valueDecoder struct {
	column  string
	onError func(*FieldDecodeError)
}

func newFieldDecoder(column string, metrics *Metrics) *valueDecoder {
	return &valueDecoder{column: column, onError: logFieldDecodeError(metrics)}
}

func logFieldDecodeError(metrics *Metrics) func(*FieldDecodeError) {
	return func(err *FieldDecodeError) {
		log.Warn().Err(err.Err).
			Str("column", err.Column).
			Str("type", err.Type).
			Str("raw", abbreviate(err.Raw)).
			Msg("Field could not be decoded and was replaced by null")
		metrics.fieldDecodeFailed(outerTag(err.Type))
	}
}

// value decodes raw, substituting nil for a structural failure.
func (d *valueDecoder) value(sig *TypeSignature, raw string) any {
	v, err := d.decode(sig, raw)
	if err != nil {
		d.report(sig, raw, err)
		return nil
	}
	return v
}

// token decodes a raw field token as found in a row: null, a JSON string or a bare literal.
func (d *valueDecoder) token(sig *TypeSignature, token string) any {
	text, ok := unquoteField(token)
	if !ok {
		return nil
	}
	return d.value(sig, text)
}

func (d *valueDecoder) report(sig *TypeSignature, raw string, err error) {
	if d.onError == nil {
		return
	}
	var fieldErr *FieldDecodeError
	if !errors.As(err, &fieldErr) {
		fieldErr = d.fieldError(sig, raw, err)
	}
	d.onError(fieldErr)
}

func (d *valueDecoder) fieldError(sig *TypeSignature, raw string, err error) *FieldDecodeError {
	return &FieldDecodeError{Column: d.column, Type: sig.String(), Raw: raw, Err: err}
}

func (d *valueDecoder) decode(sig *TypeSignature, raw string) (any, error) {
	switch sig.Kind {
	case TypeArray:
		return d.decodeArray(sig, raw)
	case TypeMap:
		return d.decodeMap(sig, raw)
	case TypeStruct:
		return d.decodeStruct(sig, raw)
	default:
		v, err := parsePrimitive(sig.Kind, raw)
		if err == nil {
			return v, nil
		}
		fieldErr := d.fieldError(sig, raw, err)
		if d.onError != nil {
			d.onError(fieldErr)
			return nil, nil
		}
		return nil, fieldErr
	}
}

// element decodes a nested token. Nested nulls stay nil.
func (d *valueDecoder) element(sig *TypeSignature, token string) (any, error) {
	text, ok := unquoteField(token)
	if !ok {
		return nil, nil
	}
	return d.decode(sig, text)
}

func (d *valueDecoder) decodeArray(sig *TypeSignature, raw string) (any, error) {
	elems, err := splitList(raw)
	if err != nil {
		return nil, d.fieldError(sig, raw, err)
	}
	values := make([]any, len(elems))
	for i, elem := range elems {
		if values[i], err = d.element(sig.Elem, elem); err != nil {
			return nil, err
		}
	}
	return values, nil
}

func (d *valueDecoder) decodeMap(sig *TypeSignature, raw string) (any, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, d.fieldError(sig, raw, err)
	}
	values := make(map[string]any, len(entries))
	for key, entry := range entries {
		v, err := d.element(sig.Elem, string(entry))
		if err != nil {
			return nil, err
		}
		values[key] = v
	}
	return values, nil
}

// decodeStruct accepts a JSON object keyed by field name, where missing keys
// decode as nil, or a positional list that must cover every declared field.
func (d *valueDecoder) decodeStruct(sig *TypeSignature, raw string) (any, error) {
	record := make(Record, len(sig.Fields))
	for i, f := range sig.Fields {
		record[i].Name = f.Name
	}

	if trimmed := strings.TrimSpace(raw); strings.HasPrefix(trimmed, "[") {
		elems, err := splitList(trimmed)
		if err != nil {
			return nil, d.fieldError(sig, raw, err)
		}
		if len(elems) < len(sig.Fields) {
			return nil, d.fieldError(sig, raw, fmt.Errorf("struct has %d values, want %d", len(elems), len(sig.Fields)))
		}
		for i, f := range sig.Fields {
			if record[i].Value, err = d.element(f.Type, elems[i]); err != nil {
				return nil, err
			}
		}
		return record, nil
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, d.fieldError(sig, raw, err)
	}
	for i, f := range sig.Fields {
		member, ok := members[f.Name]
		if !ok {
			continue
		}
		v, err := d.element(f.Type, string(member))
		if err != nil {
			return nil, err
		}
		record[i].Value = v
	}
	return record, nil
}

func parsePrimitive(kind TypeKind, raw string) (any, error) {
	switch kind {
	case TypeByte:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 8)
		if err != nil {
			return nil, err
		}
		return int8(n), nil
	case TypeShort:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 16)
		if err != nil {
			return nil, err
		}
		return int16(n), nil
	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case TypeLong:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 32)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errNonFinite
		}
		return float32(f), nil
	case TypeDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errNonFinite
		}
		return f, nil
	case TypeDecimal:
		dec, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		return dec, nil
	case TypeBoolean:
		switch s := strings.TrimSpace(raw); {
		case strings.EqualFold(s, "true"):
			return true, nil
		case strings.EqualFold(s, "false"):
			return false, nil
		default:
			return nil, fmt.Errorf("invalid boolean %q", s)
		}
	default:
		return raw, nil
	}
}

// outerTag returns the tag of a rendered signature, e.g. ARRAY for ARRAY<INT>.
func outerTag(typeText string) string {
	if i := strings.IndexAny(typeText, "<("); i >= 0 {
		return typeText[:i]
	}
	return typeText
}

// rowDecoder decodes the raw tokens of a row against the position-ordered
// columns of a schema. Signatures are parsed once and shared by every row.
type rowDecoder struct {
	columns    []Column
	signatures []*TypeSignature
	fields     []*valueDecoder
}

func newRowDecoder(schema *Schema, metrics *Metrics) (*rowDecoder, error) {
	columns := schema.SortedColumns()
	signatures, err := ParseColumnSignatures(columns)
	if err != nil {
		return nil, err
	}
	fields := make([]*valueDecoder, len(columns))
	for i, c := range columns {
		fields[i] = newFieldDecoder(c.Name, metrics)
	}
	return &rowDecoder{columns: columns, signatures: signatures, fields: fields}, nil
}

// values decodes one row. Missing trailing fields are nil and extra fields are ignored.
func (r *rowDecoder) values(tokens []string) []any {
	values := make([]any, len(r.columns))
	for i := range r.columns {
		if i < len(tokens) {
			values[i] = r.fields[i].token(r.signatures[i], tokens[i])
		}
	}
	return values
}

// record decodes one row into a Record keyed by column name.
func (r *rowDecoder) record(tokens []string) Record {
	return r.recordOf(r.values(tokens))
}

func (r *rowDecoder) recordOf(values []any) Record {
	record := make(Record, len(r.columns))
	for i, c := range r.columns {
		record[i] = Field{Name: c.Name}
		if i < len(values) {
			record[i].Value = values[i]
		}
	}
	return record
}
