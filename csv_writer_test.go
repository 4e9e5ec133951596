package delta

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func csvSchema(names ...string) *Schema {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, TypeText: "STRING", Position: i}
	}
	return &Schema{ColumnCount: len(cols), Columns: cols}
}

func TestCSVWriter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "header once across chunks",
			chunks: []string{`[["1","a"]]`, `[["2","b"],["3","c"]]`},
			want:   "h1,h2\n1,a\n2,b\n3,c\n",
		},
		{
			name:   "nulls become empty fields",
			chunks: []string{`[[null,"a"],["2",null]]`},
			want:   "h1,h2\n,a\n2,\n",
		},
		{
			name:   "delimiters inside values are quoted",
			chunks: []string{`[["x, y","say \"hi\""],["[1,2]","line\nbreak"]]`},
			want:   "h1,h2\n\"x, y\",\"say \"\"hi\"\"\"\n\"[1,2]\",\"line\nbreak\"\n",
		},
		{
			name:   "short rows are padded",
			chunks: []string{`[["only"]]`},
			want:   "h1,h2\nonly,\n",
		},
		{
			name:   "empty chunk",
			chunks: []string{`[]`},
			want:   "h1,h2\n",
		},
		{
			name: "no chunks still writes the header",
			want: "h1,h2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			cw := NewCSVWriter(&b, csvSchema("h1", "h2"))
			for _, chunk := range tt.chunks {
				require.NoError(t, cw.WriteChunk([]byte(chunk)))
			}
			require.NoError(t, cw.Flush())
			assert.Equal(t, tt.want, b.String())
		})
	}
}

func TestCSVWriter_HeaderOrderedByPosition(t *testing.T) {
	schema := &Schema{ColumnCount: 2, Columns: []Column{
		{Name: "second", TypeText: "STRING", Position: 1},
		{Name: "first", TypeText: "STRING", Position: 0},
	}}
	var b strings.Builder
	cw := NewCSVWriter(&b, schema)
	require.NoError(t, cw.WriteChunk([]byte(`[["1","2"]]`)))
	require.NoError(t, cw.Flush())
	assert.Equal(t, "first,second\n1,2\n", b.String())
}

func TestCSVWriter_MalformedChunk(t *testing.T) {
	var b strings.Builder
	cw := NewCSVWriter(&b, csvSchema("h1"))
	err := cw.WriteChunk([]byte(`not a row list`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestCSVWriter_ArrowStream(t *testing.T) {
	var b strings.Builder
	cw := NewCSVWriter(&b, arrowTestSchema()).Format(FormatArrowStream)
	require.NoError(t, cw.WriteChunk(arrowTestPayload(t)))
	require.NoError(t, cw.Flush())
	assert.Equal(t,
		"id,name,tags,owner,props\n"+
			"1,\"a\"\"b\",\"[1,2]\",\"{\"\"n\"\":\"\"ann\"\",\"\"a\"\":41}\",\"{\"\"k\"\":1.5}\"\n"+
			",,,,\n",
		b.String())
}
