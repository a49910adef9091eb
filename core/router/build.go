package router

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/middleware"
)

// MustBuild is like Build but panics on an invalid configuration.
func MustBuild(routes Routes) *Table {
	t, err := Build(routes)
	if err != nil {
		panic(err)
	}
	return t
}

// Build compiles routes into a Table. Pre-middlewares of a leaf run
// ancestor first, post-middlewares leaf first. Lists are concatenated as
// given, without deduplication.
func Build(routes Routes) (*Table, error) {
	t := &Table{root: newNode()}
	if err := t.walk(map[string]any(routes), nil, nil, nil); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) walk(level map[string]any, prefix []string, pre []middleware.PreFunc, post []middleware.PostFunc) error {
	localPre, err := preList(level[PreMiddlewaresKey])
	if err != nil {
		return errors.Wrapf(err, "%s at /%s", PreMiddlewaresKey, strings.Join(prefix, "/"))
	}
	localPost, err := postList(level[PostMiddlewaresKey])
	if err != nil {
		return errors.Wrapf(err, "%s at /%s", PostMiddlewaresKey, strings.Join(prefix, "/"))
	}
	pre = append(slices.Clip(pre), localPre...)
	post = append(slices.Clone(localPost), post...)

	keys := lo.Keys(level)
	slices.Sort(keys)

	for _, key := range keys {
		if key == PreMiddlewaresKey || key == PostMiddlewaresKey {
			continue
		}
		segments := append(slices.Clip(prefix), splitKey(key)...)
		value := level[key]

		if nested, ok := asRoutes(value); ok {
			if len(segments) > len(prefix) && isMethod(segments[len(segments)-1]) {
				return errors.Wrapf(ErrInvalidRoute, "method key %q holds nested routes", key)
			}
			if err := t.walk(nested, segments, pre, post); err != nil {
				return err
			}
			continue
		}

		handler, ok := asHandler(value)
		if !ok {
			return errors.Wrapf(ErrInvalidRoute, "unsupported value %T at key %q", value, key)
		}

		method := "GET"
		if len(segments) > len(prefix) && isMethod(segments[len(segments)-1]) {
			method = strings.ToUpper(segments[len(segments)-1])
			segments = segments[:len(segments)-1]
		}
		if err := t.insert(method, segments, middleware.NewChain(pre, handler, post)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) insert(method string, segments []string, chain *middleware.Chain) error {
	n := t.root
	for _, segment := range segments {
		if m := paramSegment.FindStringSubmatch(segment); m != nil {
			if n.param == nil {
				n.param = newNode()
				n.paramName = m[1]
			} else if n.paramName != m[1] {
				return errors.Wrapf(ErrAmbiguousParam, "{%s} and {%s} under /%s",
					n.paramName, m[1], strings.Join(segments, "/"))
			}
			n = n.param
			continue
		}
		child, ok := n.children[segment]
		if !ok {
			child = newNode()
			n.children[segment] = child
		}
		n = child
	}

	pattern := "/" + strings.Join(segments, "/")
	if _, exists := n.methods[method]; exists {
		return errors.Wrapf(ErrDuplicateRoute, "%s %s", method, pattern)
	}
	n.methods[method] = entry{chain: chain, pattern: pattern}
	return nil
}

func splitKey(key string) []string {
	return lo.Filter(strings.Split(key, "/"), func(s string, _ int) bool { return s != "" })
}

func asRoutes(v any) (map[string]any, bool) {
	switch r := v.(type) {
	case Routes:
		return r, true
	case map[string]any:
		return r, true
	}
	return nil, false
}

func asHandler(v any) (middleware.HandlerFunc, bool) {
	switch h := v.(type) {
	case middleware.HandlerFunc:
		return h, h != nil
	case func(context.Context, *http.Request) (http.Response, error):
		return h, h != nil
	}
	return nil, false
}

func preList(v any) ([]middleware.PreFunc, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []middleware.PreFunc:
		return l, nil
	case middleware.PreFunc:
		return []middleware.PreFunc{l}, nil
	case []func(context.Context, *http.Request) (*http.Request, error):
		return lo.Map(l, func(f func(context.Context, *http.Request) (*http.Request, error), _ int) middleware.PreFunc {
			return f
		}), nil
	}
	return nil, errors.Wrapf(ErrInvalidRoute, "unsupported pre-middleware list %T", v)
}

func postList(v any) ([]middleware.PostFunc, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []middleware.PostFunc:
		return l, nil
	case middleware.PostFunc:
		return []middleware.PostFunc{l}, nil
	case []func(context.Context, *http.Request, http.Response) (http.Response, error):
		return lo.Map(l, func(f func(context.Context, *http.Request, http.Response) (http.Response, error), _ int) middleware.PostFunc {
			return f
		}), nil
	}
	return nil, errors.Wrapf(ErrInvalidRoute, "unsupported post-middleware list %T", v)
}
