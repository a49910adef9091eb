package http

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Field is one decoded form field. Value is a string, an *UploadedFile, or
// a []any when the name was repeated.
type Field struct {
	Name  string
	Value any
}

// maxIndexGrowth bounds how far a numeric index may reach past the current
// end of an array.
const maxIndexGrowth = 10000

var (
	fragmentSplit = regexp.MustCompile(`\]\[|\]|\[|\.`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// ParseURLEncoded parses an application/x-www-form-urlencoded payload into
// fields in first-appearance order. Repeated names collapse into a []any
// holding every value in submission order.
func ParseURLEncoded(raw string) []Field {
	var fields []Field
	index := make(map[string]int)

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name = unescapeQuery(name)
		value = unescapeQuery(value)

		i, seen := index[name]
		if !seen {
			index[name] = len(fields)
			fields = append(fields, Field{Name: name, Value: value})
			continue
		}
		switch prev := fields[i].Value.(type) {
		case []any:
			fields[i].Value = append(prev, value)
		default:
			fields[i].Value = []any{prev, value}
		}
	}

	return fields
}

func unescapeQuery(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return strings.ReplaceAll(s, "+", " ")
}

// array is the mutable list used while fields are folded; finalize turns
// every array into a plain []any.
type array struct {
	items []any
}

// NormalizeFields folds bracket and dot notation field names into nested
// maps and slices:
//
//	obj[a][b]=x          -> {"obj": {"a": {"b": "x"}}}
//	a.b.c=x              -> {"a": {"b": {"c": "x"}}}
//	list[]=1, list[]=2   -> {"list": ["1", "2"]}
//	list[2]=x            -> {"list": [nil, nil, "x"]}
//
// "[]" appends (splicing a repeated value's elements). A numeric index pads
// the array with nils. When a fragment's container has the wrong kind, the
// rest of that field is dropped. An existing value is never overwritten.
func NormalizeFields(fields []Field) map[string]any {
	result := make(map[string]any, len(fields))

	for _, f := range fields {
		path := fieldPath(f.Name)
		if len(path) == 0 {
			continue
		}
		place(result, path, liftArrays(f.Value))
	}

	return finalize(result).(map[string]any)
}

func fieldPath(name string) []string {
	name = whitespace.ReplaceAllString(name, "")
	name = strings.ReplaceAll(name, "[]", "[-1]")

	var path []string
	for _, s := range fragmentSplit.Split(name, -1) {
		if s != "" {
			path = append(path, s)
		}
	}
	return path
}

func place(root map[string]any, path []string, value any) {
	var parent any = root

	for i, fragment := range path {
		numeric := isIndex(fragment)

		var next any
		switch p := parent.(type) {
		case map[string]any:
			if numeric {
				return
			}
			next = p[fragment]
			if next == nil {
				next = fresh(path, i, value)
			}
			p[fragment] = next

		case *array:
			if !numeric {
				return
			}
			idx := clampIndex(fragment, len(p.items))
			if idx < 0 {
				next = fresh(path, i, value)
				if nested, ok := next.(*array); ok && i == len(path)-1 {
					p.items = append(p.items, nested.items...)
				} else if next != nil {
					p.items = append(p.items, next)
				}
			} else {
				for len(p.items) <= idx {
					p.items = append(p.items, nil)
				}
				next = p.items[idx]
				if next == nil {
					next = fresh(path, i, value)
				}
				p.items[idx] = next
			}

		default:
			return
		}

		parent = next
	}
}

// fresh returns the value stored at path[i] when nothing is there yet: the
// field value for the last fragment, otherwise an empty container whose kind
// is chosen by the following fragment.
func fresh(path []string, i int, value any) any {
	if i == len(path)-1 {
		return value
	}
	if isIndex(path[i+1]) {
		return &array{}
	}
	return make(map[string]any)
}

func isIndex(s string) bool {
	digits := strings.TrimPrefix(s, "-")
	if digits == "" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

func clampIndex(fragment string, length int) int {
	limit := length + maxIndexGrowth
	n, err := strconv.Atoi(fragment)
	if err != nil {
		if strings.HasPrefix(fragment, "-") {
			return -1
		}
		return limit
	}
	return min(n, limit)
}

func liftArrays(v any) any {
	if list, ok := v.([]any); ok {
		items := make([]any, len(list))
		copy(items, list)
		return &array{items: items}
	}
	return v
}

func finalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = finalize(child)
		}
		return t
	case *array:
		out := make([]any, len(t.items))
		for i, child := range t.items {
			out[i] = finalize(child)
		}
		return out
	default:
		return v
	}
}
