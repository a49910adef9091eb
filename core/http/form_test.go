package http

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFields(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
		want   map[string]any
	}{
		{
			name:   "append in submission order",
			fields: []Field{{"list[]", "1"}, {"list[]", "2"}, {"list[]", "3"}},
			want:   map[string]any{"list": []any{"1", "2", "3"}},
		},
		{
			name:   "repeated value is spliced",
			fields: []Field{{"list[]", []any{"1", "2", "3"}}},
			want:   map[string]any{"list": []any{"1", "2", "3"}},
		},
		{
			name:   "nested brackets",
			fields: []Field{{"obj[a][b]", "x"}},
			want:   map[string]any{"obj": map[string]any{"a": map[string]any{"b": "x"}}},
		},
		{
			name:   "dot notation",
			fields: []Field{{"a.b.c", "x"}},
			want:   map[string]any{"a": map[string]any{"b": map[string]any{"c": "x"}}},
		},
		{
			name:   "index pads with nil",
			fields: []Field{{"list[2]", "x"}},
			want:   map[string]any{"list": []any{nil, nil, "x"}},
		},
		{
			name:   "objects inside arrays",
			fields: []Field{{"users[0][name]", "ann"}, {"users[1][name]", "bob"}, {"users[0][age]", "30"}},
			want: map[string]any{"users": []any{
				map[string]any{"name": "ann", "age": "30"},
				map[string]any{"name": "bob"},
			}},
		},
		{
			name:   "key under a string is dropped",
			fields: []Field{{"a", "1"}, {"a[b]", "2"}},
			want:   map[string]any{"a": "1"},
		},
		{
			name:   "key under an array is dropped",
			fields: []Field{{"a[0]", "x"}, {"a[b]", "y"}},
			want:   map[string]any{"a": []any{"x"}},
		},
		{
			name:   "index under a map is dropped",
			fields: []Field{{"a[b]", "x"}, {"a[0]", "y"}},
			want:   map[string]any{"a": map[string]any{"b": "x"}},
		},
		{
			name:   "first value wins",
			fields: []Field{{"a.b", "1"}, {"a[b]", "2"}},
			want:   map[string]any{"a": map[string]any{"b": "1"}},
		},
		{
			name:   "whitespace stripped",
			fields: []Field{{" ob j[ a ] ", "x"}},
			want:   map[string]any{"obj": map[string]any{"a": "x"}},
		},
		{
			name:   "plain repeated name",
			fields: []Field{{"tag", []any{"a", "b"}}},
			want:   map[string]any{"tag": []any{"a", "b"}},
		},
		{
			name:   "empty name ignored",
			fields: []Field{{"", "x"}, {"[]", "y"}},
			want:   map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeFields(tt.fields))
		})
	}
}

func TestNormalizeFieldsIndexIsBounded(t *testing.T) {
	got := NormalizeFields([]Field{{"list[99999999999999999999]", "x"}})
	list := got["list"].([]any)
	require.Len(t, list, maxIndexGrowth+1)
	require.Equal(t, "x", list[maxIndexGrowth])
}

func TestParseURLEncoded(t *testing.T) {
	fields := ParseURLEncoded("b=2&a=1&b=3&c&name=hello+world&q=%7Bx%7D&&bad=%zz")
	require.Equal(t, []Field{
		{"b", []any{"2", "3"}},
		{"a", "1"},
		{"c", ""},
		{"name", "hello world"},
		{"q", "{x}"},
		{"bad", "%zz"},
	}, fields)
}

func TestParseURLEncodedThenNormalize(t *testing.T) {
	got := NormalizeFields(ParseURLEncoded("list[]=1&list[]=2&list[]=3&obj[a][b]=x"))
	require.Equal(t, map[string]any{
		"list": []any{"1", "2", "3"},
		"obj":  map[string]any{"a": map[string]any{"b": "x"}},
	}, got)
}
