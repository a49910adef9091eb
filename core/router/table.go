// Package router builds the routing trie from a nested route configuration
// and resolves requests against it.
package router

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/middleware"
)

// Reserved configuration keys holding middleware lists.
const (
	PreMiddlewaresKey  = "preMiddlewares"
	PostMiddlewaresKey = "postMiddlewares"
)

// Methods that may end a route path. A path without one means GET.
var Methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"}

var (
	ErrAmbiguousParam = errors.New("more than one parameter name at the same route level")
	ErrDuplicateRoute = errors.New("route registered twice")
	ErrInvalidRoute   = errors.New("invalid route configuration")
)

var paramSegment = regexp.MustCompile(`^\{(\w+)\}$`)

// Routes is a nested route configuration. Keys are path segments (they may
// contain slashes), a trailing method name, {name} parameters or the
// reserved middleware keys. Values are nested Routes (or map[string]any),
// handlers, or middleware lists:
//
//	router.Routes{
//		"preMiddlewares": []middleware.PreFunc{auth},
//		"users": router.Routes{
//			"{id}": router.Routes{
//				"GET":    getUser,
//				"DELETE": deleteUser,
//			},
//			"POST": createUser,
//		},
//	}
type Routes map[string]any

// Handle registers h for method and path, which may use {name} segments.
func (r Routes) Handle(method, path string, h middleware.HandlerFunc) {
	key := strings.Trim(path, "/")
	if key != "" {
		key += "/"
	}
	r[key+strings.ToUpper(method)] = h
}

// Merge copies the entries of other into r.
func (r Routes) Merge(other Routes) {
	for k, v := range other {
		r[k] = v
	}
}

// Mode says how a matched chain has to be run.
type Mode int

const (
	// ModeNormal runs the chain as registered.
	ModeNormal Mode = iota
	// ModePreflight runs the chain around an empty 200 instead of the
	// handler (OPTIONS without an explicit entry).
	ModePreflight
	// ModeHeadFallback runs the GET chain; the body must not be sent.
	ModeHeadFallback
)

// Match is a resolved route.
type Match struct {
	Chain   *middleware.Chain
	Params  map[string]string
	Mode    Mode
	Pattern string
}

// Run executes the matched chain according to its mode.
func (m Match) Run(ctx context.Context, req *http.Request) (http.Response, *http.Request, error) {
	if m.Mode == ModePreflight {
		return m.Chain.Preflight(ctx, req)
	}
	return m.Chain.Execute(ctx, req)
}

type entry struct {
	chain   *middleware.Chain
	pattern string
}

// node is one trie level: literal children, at most one parameter binder
// and the handlers registered at this path.
type node struct {
	children  map[string]*node
	param     *node
	paramName string
	methods   map[string]entry
}

func newNode() *node {
	return &node{children: make(map[string]*node), methods: make(map[string]entry)}
}

// Table is the immutable routing trie.
type Table struct {
	root *node
}

// Lookup resolves method and path (segments joined by '/', no leading
// slash). At every level a literal child wins over the parameter binder;
// there is no backtracking. preflightMethod is the
// Access-Control-Request-Method header, used for OPTIONS requests without
// an explicit OPTIONS entry.
func (t *Table) Lookup(method, path, preflightMethod string) (Match, bool) {
	n := t.root
	params := make(map[string]string)

	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		if child, ok := n.children[segment]; ok {
			n = child
			continue
		}
		if n.param == nil {
			return Match{}, false
		}
		params[n.paramName] = unescapeParam(segment)
		n = n.param
	}

	method = strings.ToUpper(method)
	if e, ok := n.methods[method]; ok {
		return Match{Chain: e.chain, Params: params, Mode: ModeNormal, Pattern: e.pattern}, true
	}

	switch method {
	case "OPTIONS":
		if e, ok := n.methods[strings.ToUpper(preflightMethod)]; ok {
			return Match{Chain: e.chain, Params: params, Mode: ModePreflight, Pattern: e.pattern}, true
		}
	case "HEAD":
		if e, ok := n.methods["GET"]; ok {
			return Match{Chain: e.chain, Params: params, Mode: ModeHeadFallback, Pattern: e.pattern}, true
		}
	}
	return Match{}, false
}

func unescapeParam(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// isMethod reports whether segment names a method.
func isMethod(segment string) bool {
	return lo.Contains(Methods, strings.ToUpper(segment))
}
