package delta

import (
	"fmt"
	"sort"
)

// Column represents metadata about a column in a statement result.
type Column struct {
	// Name is the column name
	Name string `json:"name"`

	// TypeText is the full type signature, e.g. "ARRAY<STRUCT<a:INT>>"
	TypeText string `json:"type_text"`

	// TypeName is the outer type tag only, e.g. "ARRAY"
	TypeName string `json:"type_name"`

	// Position is the zero-based ordinal of the column in each row
	Position int `json:"position"`

	TypePrecision int `json:"type_precision,omitempty"`
	TypeScale     int `json:"type_scale,omitempty"`
}

// Schema describes the columns of a statement result.
type Schema struct {
	ColumnCount int      `json:"column_count"`
	Columns     []Column `json:"columns"`
}

// Validate checks that the schema has at least one column and that
// column_count agrees with the column list.
func (s *Schema) Validate() error {
	if s == nil || len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	if s.ColumnCount != len(s.Columns) {
		return fmt.Errorf("schema column_count is %d but %d columns are listed", s.ColumnCount, len(s.Columns))
	}
	return nil
}

// SortedColumns returns a copy of the columns ordered by Position.
func (s *Schema) SortedColumns() []Column {
	if s == nil {
		return nil
	}
	columns := make([]Column, len(s.Columns))
	copy(columns, s.Columns)
	sort.SliceStable(columns, func(i, j int) bool {
		return columns[i].Position < columns[j].Position
	})
	return columns
}

// Headers returns the column names ordered by Position.
func (s *Schema) Headers() []string {
	columns := s.SortedColumns()
	headers := make([]string, len(columns))
	for i, c := range columns {
		headers[i] = c.Name
	}
	return headers
}
