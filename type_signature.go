package delta

import (
	"fmt"
	"strings"

	"github.com/ethanyzhang/delta-go/utils"
)

// TypeKind is the outer tag of a column type.
type TypeKind int8

const (
	// TypeUnknown covers tags this package does not interpret; values pass through as strings.
	TypeUnknown TypeKind = iota
	TypeByte
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeDecimal
	TypeBoolean
	TypeString
	TypeBinary
	TypeDate
	TypeTimestamp
	TypeArray
	TypeMap
	TypeStruct
)

var typeKindMap = utils.NewBiMap(map[TypeKind]string{
	TypeByte:      "BYTE",
	TypeShort:     "SHORT",
	TypeInt:       "INT",
	TypeLong:      "LONG",
	TypeFloat:     "FLOAT",
	TypeDouble:    "DOUBLE",
	TypeDecimal:   "DECIMAL",
	TypeBoolean:   "BOOLEAN",
	TypeString:    "STRING",
	TypeBinary:    "BINARY",
	TypeDate:      "DATE",
	TypeTimestamp: "TIMESTAMP",
	TypeArray:     "ARRAY",
	TypeMap:       "MAP",
	TypeStruct:    "STRUCT",
}).WithAliases(map[string]TypeKind{
	"TINYINT":       TypeByte,
	"SMALLINT":      TypeShort,
	"INTEGER":       TypeInt,
	"BIGINT":        TypeLong,
	"REAL":          TypeFloat,
	"DEC":           TypeDecimal,
	"NUMERIC":       TypeDecimal,
	"BOOL":          TypeBoolean,
	"VARCHAR":       TypeString,
	"CHAR":          TypeString,
	"TIMESTAMP_NTZ": TypeTimestamp,
})

// String returns the canonical tag, or "UNKNOWN".
func (k TypeKind) String() string {
	if value, ok := typeKindMap.Lookup(k); ok {
		return value
	}
	return "UNKNOWN"
}

// IsComposite reports whether values of this kind nest other values.
func (k TypeKind) IsComposite() bool {
	return k == TypeArray || k == TypeMap || k == TypeStruct
}

// TypeSignature is a parsed column type. Composite kinds carry their nested
// signatures: Elem is the element type of an ARRAY and the value type of a
// MAP, Fields lists the members of a STRUCT in declared order.
type TypeSignature struct {
	Kind TypeKind
	// Name is the canonical tag for known kinds and the upper-cased tag as
	// written for unknown ones.
	Name string
	// Params holds a parenthesized parameter list such as "(10,2)", if any.
	Params string
	// KeyText is the unparsed key type of a MAP. Keys are always rendered as
	// strings, so the key type is not interpreted.
	KeyText string
	Elem    *TypeSignature
	Fields  []StructField
	// Text is the type text the signature was parsed from.
	Text string
}

// StructField is a named member of a STRUCT signature.
type StructField struct {
	Name string
	Type *TypeSignature
}

// SignatureError reports type text that cannot be parsed.
type SignatureError struct {
	Text   string
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("malformed type signature %q: %s", e.Text, e.Reason)
}

// ParseTypeSignature parses type text such as ARRAY<STRUCT<a:STRING,b:ARRAY<INT>>>.
// Tags are case-insensitive and common SQL aliases (BIGINT, VARCHAR, ...) map
// to their canonical kind. Unknown tags parse as TypeUnknown.
func ParseTypeSignature(text string) (*TypeSignature, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &SignatureError{Text: text, Reason: "empty type"}
	}

	tag, inner, hasBody := text, "", false
	if lt := strings.IndexByte(text, '<'); lt >= 0 {
		gt := strings.LastIndexByte(text, '>')
		if gt < lt {
			return nil, &SignatureError{Text: text, Reason: "unbalanced <>"}
		}
		if strings.TrimSpace(text[gt+1:]) != "" {
			return nil, &SignatureError{Text: text, Reason: "trailing text after >"}
		}
		tag, inner, hasBody = text[:lt], text[lt+1:gt], true
	}

	sig := &TypeSignature{Text: text}
	tag = strings.TrimSpace(tag)
	if p := strings.IndexByte(tag, '('); p >= 0 {
		sig.Params = strings.TrimSpace(tag[p:])
		tag = tag[:p]
	}
	kind, ok := utils.RLookupFold(typeKindMap, tag)
	if ok {
		sig.Kind = kind
		sig.Name = typeKindMap.DirectLookup(kind)
	} else {
		sig.Kind = TypeUnknown
		sig.Name = strings.ToUpper(strings.TrimSpace(tag))
	}

	if kind.IsComposite() && !hasBody {
		return nil, &SignatureError{Text: text, Reason: sig.Name + " without <...> body"}
	}

	var err error
	switch sig.Kind {
	case TypeArray:
		sig.Elem, err = ParseTypeSignature(inner)
	case TypeMap:
		parts := splitTopLevel(inner, ',', 2)
		if len(parts) != 2 {
			return nil, &SignatureError{Text: text, Reason: "MAP needs a key and a value type"}
		}
		sig.KeyText = strings.TrimSpace(parts[0])
		sig.Elem, err = ParseTypeSignature(parts[1])
	case TypeStruct:
		sig.Fields, err = parseStructFields(inner)
	case TypeUnknown:
		if sig.Name == "" {
			return nil, &SignatureError{Text: text, Reason: "missing type tag"}
		}
		// Forward compatible: the body is kept verbatim and values decode as strings.
		if hasBody {
			sig.Params += "<" + inner + ">"
		}
	default:
		if hasBody {
			return nil, &SignatureError{Text: text, Reason: sig.Name + " takes no <...> body"}
		}
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func parseStructFields(inner string) ([]StructField, error) {
	if strings.TrimSpace(inner) == "" {
		return nil, nil
	}
	segments := SplitTopLevel(inner)
	fields := make([]StructField, 0, len(segments))
	for _, segment := range segments {
		parts := splitTopLevel(segment, ':', 2)
		if len(parts) != 2 {
			return nil, &SignatureError{Text: segment, Reason: "STRUCT field has no type"}
		}
		name := strings.TrimSpace(parts[0])
		name = strings.TrimSuffix(strings.TrimPrefix(name, "`"), "`")
		if name == "" {
			return nil, &SignatureError{Text: segment, Reason: "STRUCT field has no name"}
		}
		fieldType, err := ParseTypeSignature(parts[1])
		if err != nil {
			return nil, err
		}
		fields = append(fields, StructField{Name: name, Type: fieldType})
	}
	return fields, nil
}

// String renders the signature in canonical form, e.g. MAP<STRING,ARRAY<LONG>>.
func (s *TypeSignature) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	s.render(&b)
	return b.String()
}

func (s *TypeSignature) render(b *strings.Builder) {
	b.WriteString(s.Name)
	b.WriteString(s.Params)
	switch s.Kind {
	case TypeArray:
		b.WriteByte('<')
		s.Elem.render(b)
		b.WriteByte('>')
	case TypeMap:
		b.WriteByte('<')
		b.WriteString(s.KeyText)
		b.WriteByte(',')
		s.Elem.render(b)
		b.WriteByte('>')
	case TypeStruct:
		b.WriteByte('<')
		for i, f := range s.Fields {
			if i > 0 {
				b.WriteByte(',')
			}
			if isPlainIdentifier(f.Name) {
				b.WriteString(f.Name)
			} else {
				b.WriteByte('`')
				b.WriteString(f.Name)
				b.WriteByte('`')
			}
			b.WriteByte(':')
			f.Type.render(b)
		}
		b.WriteByte('>')
	}
}

// Depth returns the composite nesting depth: 0 for a primitive, 1 for
// ARRAY<INT>, 2 for ARRAY<STRUCT<a:INT>> and so on.
func (s *TypeSignature) Depth() int {
	switch s.Kind {
	case TypeArray, TypeMap:
		return 1 + s.Elem.Depth()
	case TypeStruct:
		deepest := 0
		for _, f := range s.Fields {
			if d := f.Type.Depth(); d > deepest {
				deepest = d
			}
		}
		return 1 + deepest
	default:
		return 0
	}
}

func isPlainIdentifier(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '_' && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (i == 0 || c < '0' || c > '9') {
			return false
		}
	}
	return name != ""
}

// ParseColumnSignatures parses the type text of every column, in order.
// The first malformed signature is reported as a ProtocolError naming its column.
func ParseColumnSignatures(columns []Column) ([]*TypeSignature, error) {
	signatures := make([]*TypeSignature, len(columns))
	for i, column := range columns {
		text := column.TypeText
		if text == "" {
			text = column.TypeName
		}
		sig, err := ParseTypeSignature(text)
		if err != nil {
			return nil, &ProtocolError{
				Message: fmt.Sprintf("column %q has a malformed type", column.Name),
				Err:     err,
			}
		}
		signatures[i] = sig
	}
	return signatures, nil
}
