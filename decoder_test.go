package delta

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSignature(t *testing.T, text string) *TypeSignature {
	t.Helper()
	sig, err := ParseTypeSignature(text)
	require.NoError(t, err)
	return sig
}

func TestDecode_Primitives(t *testing.T) {
	tests := []struct {
		typeText string
		raw      string
		want     any
	}{
		{"INT", "42", int32(42)},
		{"INT", "not-a-number", nil},
		{"INT", "4294967296", nil},
		{"TINYINT", "-8", int8(-8)},
		{"SMALLINT", "300", int16(300)},
		{"BIGINT", "9007199254740993", int64(9007199254740993)},
		{"FLOAT", "1.5", float32(1.5)},
		{"DOUBLE", "2.25", 2.25},
		{"DOUBLE", "NaN", nil},
		{"DOUBLE", "Infinity", nil},
		{"DECIMAL(10,2)", "12.30", decimal.RequireFromString("12.30")},
		{"DECIMAL(10,2)", "abc", nil},
		{"BOOLEAN", "true", true},
		{"BOOLEAN", "yes", nil},
		{"BOOLEAN", "TRUE", true},
		{"BOOLEAN", "False", false},
		{"BOOLEAN", "1", nil},
		{"BOOLEAN", "t", nil},
		{"STRING", "hello, world", "hello, world"},
		{"TIMESTAMP", "2024-01-02T03:04:05.000Z", "2024-01-02T03:04:05.000Z"},
		{"DATE", "2024-01-02", "2024-01-02"},
		{"INTERVAL DAY", "1", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.typeText+"/"+tt.raw, func(t *testing.T) {
			got := Decode(mustSignature(t, tt.typeText), tt.raw)
			if want, ok := tt.want.(decimal.Decimal); ok {
				require.IsType(t, decimal.Decimal{}, got)
				assert.True(t, want.Equal(got.(decimal.Decimal)))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Array(t *testing.T) {
	assert.Equal(t, []any{int32(1), int32(2), int32(3)}, Decode(mustSignature(t, "ARRAY<INT>"), "[1,2,3]"))
	assert.Equal(t, []any{}, Decode(mustSignature(t, "ARRAY<INT>"), "[]"))
	assert.Equal(t, []any{"a,b", nil, "c"}, Decode(mustSignature(t, "ARRAY<STRING>"), `["a,b",null,"c"]`))

	t.Run("Nested arrays", func(t *testing.T) {
		got := Decode(mustSignature(t, "ARRAY<ARRAY<LONG>>"), "[[1,2],[],[3]]")
		assert.Equal(t, []any{[]any{int64(1), int64(2)}, []any{}, []any{int64(3)}}, got)
	})

	t.Run("Bad element becomes null", func(t *testing.T) {
		got := Decode(mustSignature(t, "ARRAY<INT>"), "[1,x,3]")
		assert.Equal(t, []any{int32(1), nil, int32(3)}, got)
	})

	t.Run("Bad structure nulls the field", func(t *testing.T) {
		assert.Nil(t, Decode(mustSignature(t, "ARRAY<INT>"), "1,2,3"))
	})
}

func TestDecode_Map(t *testing.T) {
	got := Decode(mustSignature(t, "MAP<STRING,ARRAY<INT>>"), `{"a":[1,2],"b":null,"c":[]}`)
	assert.Equal(t, map[string]any{
		"a": []any{int32(1), int32(2)},
		"b": nil,
		"c": []any{},
	}, got)

	got = Decode(mustSignature(t, "MAP<INT,STRING>"), `{"1":"one","2":"two"}`)
	assert.Equal(t, map[string]any{"1": "one", "2": "two"}, got)

	assert.Nil(t, Decode(mustSignature(t, "MAP<STRING,INT>"), `{"a":`))
}

func TestDecode_Struct(t *testing.T) {
	sig := mustSignature(t, "STRUCT<a:STRING,b:INT>")

	t.Run("Object", func(t *testing.T) {
		got := Decode(sig, `{"a":"x","b":7}`)
		assert.Equal(t, Record{{Name: "a", Value: "x"}, {Name: "b", Value: int32(7)}}, got)
	})

	t.Run("Declared order wins", func(t *testing.T) {
		got := Decode(sig, `{"b":"7","a":"x"}`)
		assert.Equal(t, Record{{Name: "a", Value: "x"}, {Name: "b", Value: int32(7)}}, got)
	})

	t.Run("Missing key is null", func(t *testing.T) {
		got := Decode(sig, `{"a":"x"}`)
		assert.Equal(t, Record{{Name: "a", Value: "x"}, {Name: "b", Value: nil}}, got)
	})

	t.Run("Positional", func(t *testing.T) {
		got := Decode(sig, `["x",7]`)
		assert.Equal(t, Record{{Name: "a", Value: "x"}, {Name: "b", Value: int32(7)}}, got)
		assert.Nil(t, Decode(sig, `["x"]`))
	})

	t.Run("Deeply nested", func(t *testing.T) {
		nested := mustSignature(t, "ARRAY<STRUCT<name:STRING,scores:MAP<STRING,DOUBLE>>>")
		got := Decode(nested, `[{"name":"n1","scores":{"m":1.5}},{"name":"n2","scores":{}}]`)
		assert.Equal(t, []any{
			Record{{Name: "name", Value: "n1"}, {Name: "scores", Value: map[string]any{"m": 1.5}}},
			Record{{Name: "name", Value: "n2"}, {Name: "scores", Value: map[string]any{}}},
		}, got)
	})
}

func TestDecodeStrict(t *testing.T) {
	v, err := DecodeStrict(mustSignature(t, "ARRAY<INT>"), "[1,2]")
	require.NoError(t, err)
	assert.Equal(t, []any{int32(1), int32(2)}, v)

	_, err = DecodeStrict(mustSignature(t, "ARRAY<INT>"), "[1,x]")
	var fieldErr *FieldDecodeError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "INT", fieldErr.Type)
	assert.Equal(t, "x", fieldErr.Raw)
	assert.ErrorIs(t, err, ErrFieldDecode)

	_, err = DecodeStrict(mustSignature(t, "STRUCT<a:INT>"), "nope")
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "STRUCT<a:INT>", fieldErr.Type)
}

func TestRowDecoder(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	schema := &Schema{ColumnCount: 3, Columns: []Column{
		{Name: "tags", TypeText: "ARRAY<STRING>", Position: 2},
		{Name: "id", TypeText: "INT", Position: 0},
		{Name: "score", TypeText: "DOUBLE", Position: 1},
	}}
	rows, err := newRowDecoder(schema, metrics)
	require.NoError(t, err)

	record := rows.record([]string{`"1"`, `"oops"`, `"[\"a\",\"b\"]"`})
	assert.Equal(t, Record{
		{Name: "id", Value: int32(1)},
		{Name: "score", Value: nil},
		{Name: "tags", Value: []any{"a", "b"}},
	}, record)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FieldDecodeErrors.WithLabelValues("DOUBLE")))

	short := rows.values([]string{"null"})
	assert.Equal(t, []any{nil, nil, nil}, short)

	_, err = newRowDecoder(&Schema{ColumnCount: 1, Columns: []Column{{Name: "x", TypeText: "MAP<INT>"}}}, nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestRecord(t *testing.T) {
	record := Record{
		{Name: "z", Value: int32(1)},
		{Name: "a", Value: Record{{Name: "inner", Value: []any{Record{{Name: "k", Value: "v"}}}}}},
		{Name: "m", Value: nil},
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":{"inner":[{"k":"v"}]},"m":null}`, string(data))

	v, ok := record.Get("z")
	assert.True(t, ok)
	assert.Equal(t, int32(1), v)
	_, ok = record.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, map[string]any{
		"z": int32(1),
		"a": map[string]any{"inner": []any{map[string]any{"k": "v"}}},
		"m": nil,
	}, record.Map())

	withDecimals := Record{
		{Name: "price", Value: decimal.RequireFromString("12.30")},
		{Name: "history", Value: []any{decimal.RequireFromString("1.5"), nil}},
		{Name: "by_region", Value: map[string]any{"north": decimal.RequireFromString("-0.25")}},
	}
	data, err = json.Marshal(withDecimals)
	require.NoError(t, err)
	assert.Equal(t, `{"price":12.30,"history":[1.5,null],"by_region":{"north":-0.25}}`, string(data))

	var empty Record
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
