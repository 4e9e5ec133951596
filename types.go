package delta

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// scanJSON unmarshals a JSON string or []byte produced by the driver into dst.
// It reports whether src was non-NULL.
func scanJSON(src any, dst any, target, kind string) (bool, error) {
	var data []byte
	switch v := src.(type) {
	case nil:
		return false, nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return false, fmt.Errorf("delta: cannot scan %T into %s", src, target)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("delta: cannot unmarshal %s: %w", kind, err)
	}
	return true, nil
}

func jsonValue(valid bool, v any) (driver.Value, error) {
	if !valid {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// NullSlice is a nullable JSON array that implements sql.Scanner and driver.Valuer.
// Use it to scan ARRAY columns into Go slices.
//
//	var tags NullSlice[string]
//	err := row.Scan(&tags)
type NullSlice[T any] struct {
	Slice []T
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullSlice[any])(nil)
var _ driver.Valuer = (*NullSlice[any])(nil)

// Scan implements sql.Scanner.
func (s *NullSlice[T]) Scan(src any) error {
	s.Slice = nil
	valid, err := scanJSON(src, &s.Slice, "NullSlice", "array")
	s.Valid = valid
	return err
}

// Value implements driver.Valuer.
func (s NullSlice[T]) Value() (driver.Value, error) {
	return jsonValue(s.Valid, s.Slice)
}

// NullMap is a nullable JSON object that implements sql.Scanner and driver.Valuer.
// Use it to scan MAP columns into Go maps. MAP keys always arrive as strings.
//
//	var props NullMap[string, int]
//	err := row.Scan(&props)
type NullMap[K comparable, V any] struct {
	Map   map[K]V
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullMap[string, any])(nil)
var _ driver.Valuer = (*NullMap[string, any])(nil)

// Scan implements sql.Scanner.
func (m *NullMap[K, V]) Scan(src any) error {
	m.Map = nil
	valid, err := scanJSON(src, &m.Map, "NullMap", "map")
	m.Valid = valid
	return err
}

// Value implements driver.Valuer.
func (m NullMap[K, V]) Value() (driver.Value, error) {
	return jsonValue(m.Valid, m.Map)
}

// NullStruct is a nullable JSON object that implements sql.Scanner and driver.Valuer.
// Use it to scan STRUCT columns into Go structs or maps. Fields arrive in
// declaration order and keep their column names.
//
//	type Address struct {
//	    Street string `json:"street"`
//	    City   string `json:"city"`
//	}
//	var addr NullStruct[Address]
//	err := row.Scan(&addr)
type NullStruct[T any] struct {
	Struct T
	Valid  bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullStruct[any])(nil)
var _ driver.Valuer = (*NullStruct[any])(nil)

// Scan implements sql.Scanner.
func (r *NullStruct[T]) Scan(src any) error {
	var zero T
	r.Struct = zero
	valid, err := scanJSON(src, &r.Struct, "NullStruct", "struct")
	r.Valid = valid
	return err
}

// Value implements driver.Valuer.
func (r NullStruct[T]) Value() (driver.Value, error) {
	return jsonValue(r.Valid, r.Struct)
}

// NullDecimal is a nullable arbitrary-precision DECIMAL. The driver surfaces
// DECIMAL columns as strings so that no precision is lost on the way.
type NullDecimal struct {
	Decimal decimal.Decimal
	Valid   bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullDecimal)(nil)
var _ driver.Valuer = (*NullDecimal)(nil)

// Scan implements sql.Scanner.
func (d *NullDecimal) Scan(src any) error {
	d.Decimal, d.Valid = decimal.Decimal{}, false
	if src == nil {
		return nil
	}
	if err := d.Decimal.Scan(src); err != nil {
		return fmt.Errorf("delta: cannot scan %T into NullDecimal: %w", src, err)
	}
	d.Valid = true
	return nil
}

// Value implements driver.Valuer.
func (d NullDecimal) Value() (driver.Value, error) {
	if !d.Valid {
		return nil, nil
	}
	return d.Decimal.String(), nil
}
