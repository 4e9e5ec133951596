package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// arrowChunkRows reads an ARROW_STREAM chunk and renders every value as the
// token JSON_ARRAY would have carried: null, or a JSON string holding the
// value's text. Composite values are rendered as JSON documents, so both
// formats go through the same tokens and decoder.
func arrowChunkRows(payload []byte) ([][]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	reader, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("reading arrow chunk: %w", err)
	}
	defer reader.Release()

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading arrow record batch: %w", err)
		}
		batch, err := arrowRecordRows(record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}

func arrowRecordRows(record arrow.Record) ([][]string, error) {
	numRows, numCols := int(record.NumRows()), int(record.NumCols())
	rows := make([][]string, numRows)
	for r := range rows {
		rows[r] = make([]string, numCols)
	}
	for c := 0; c < numCols; c++ {
		col := record.Column(c)
		for r := 0; r < numRows; r++ {
			token, err := arrowToken(col, r)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", record.ColumnName(c), err)
			}
			rows[r][c] = token
		}
	}
	return rows, nil
}

func arrowToken(arr arrow.Array, i int) (string, error) {
	if arr.IsNull(i) {
		return "null", nil
	}
	var text string
	switch arr.(type) {
	case *array.Map, *array.List, *array.LargeList, *array.Struct:
		doc, err := json.Marshal(arrowValue(arr, i))
		if err != nil {
			return "", err
		}
		text = string(doc)
	default:
		text = arr.ValueStr(i)
	}
	token, err := json.Marshal(text)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// arrowValue converts one value into something encoding/json renders the way
// the JSON_ARRAY format does: maps as objects, structs as ordered objects.
func arrowValue(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Map:
		start, end := a.ValueOffsets(i)
		keys, items := a.Keys(), a.Items()
		m := make(map[string]any, end-start)
		for j := int(start); j < int(end); j++ {
			m[keys.ValueStr(j)] = arrowValue(items, j)
		}
		return m
	case *array.List:
		start, end := a.ValueOffsets(i)
		return arrowListValues(a.ListValues(), start, end)
	case *array.LargeList:
		start, end := a.ValueOffsets(i)
		return arrowListValues(a.ListValues(), start, end)
	case *array.Struct:
		st := a.DataType().(*arrow.StructType)
		record := make(Record, a.NumField())
		for f := range record {
			record[f] = Field{Name: st.Field(f).Name, Value: arrowValue(a.Field(f), i)}
		}
		return record
	default:
		return arr.GetOneForMarshal(i)
	}
}

func arrowListValues(values arrow.Array, start, end int64) []any {
	out := make([]any, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, arrowValue(values, int(j)))
	}
	return out
}

// chunkRows splits a chunk payload into rows of raw field tokens according to format.
func chunkRows(format Format, payload []byte) ([][]string, error) {
	if format == FormatArrowStream {
		return arrowChunkRows(payload)
	}
	return SplitRows(string(payload))
}
