package server

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go-polyglot/bridge"
	"go-polyglot/extract"
	"go-polyglot/schema"
)

// CompileError lists every problem found while compiling a manifest. The
// engine refuses to start on it.
type CompileError struct {
	Problems []string
}

func (e *CompileError) Error() string {
	if len(e.Problems) == 1 {
		return "route table: " + e.Problems[0]
	}
	return fmt.Sprintf("route table: %d problems:\n  %s", len(e.Problems), strings.Join(e.Problems, "\n  "))
}

func (e *CompileError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Route is a compiled RouteSpec. It is immutable and shared by every
// request that matches it.
type Route struct {
	Spec      RouteSpec
	Method    string
	Pattern   string
	Handler   string
	Streaming Streaming
	Timeout   time.Duration

	extractor *extract.Extractor
	response  *schema.Schema
	message   *schema.Schema
}

func (r *Route) String() string {
	return r.Method + " " + r.Pattern
}

// RouteTable is an immutable snapshot of compiled routes.
type RouteTable struct {
	routes []*Route
}

// Routes returns the compiled routes in manifest order.
func (t *RouteTable) Routes() []*Route {
	return append([]*Route(nil), t.routes...)
}

// Len is the number of routes.
func (t *RouteTable) Len() int {
	return len(t.routes)
}

var (
	segmentParam = regexp.MustCompile(`\{([^{}/]*)\}`)
	paramName    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true,
}

// Compile checks a manifest and builds its route table. Unresolvable
// schema references, duplicate method and path pairs, malformed templates
// and, when catalog is non-nil, handlers the guest does not know are all
// reported together in a *CompileError.
func Compile(m Manifest, catalog bridge.Catalog, opts ...extract.Option) (*RouteTable, error) {
	cerr := &CompileError{}
	reg := schema.NewRegistry(m.Schemas)
	if err := reg.Compile(); err != nil {
		mergeSchemaError(cerr, "schemas", err)
	}

	seen := make(map[string]int)
	table := &RouteTable{}
	for i, spec := range m.Routes {
		route, key := compileRoute(i, spec, reg, catalog, cerr, opts)
		if route == nil {
			continue
		}
		if prev, dup := seen[key]; dup {
			cerr.add("routes[%d] %s: duplicates routes[%d]", i, route, prev)
			continue
		}
		seen[key] = i
		table.routes = append(table.routes, route)
	}

	if len(cerr.Problems) > 0 {
		return nil, cerr
	}
	return table, nil
}

func compileRoute(i int, spec RouteSpec, reg *schema.Registry, catalog bridge.Catalog, cerr *CompileError, opts []extract.Option) (*Route, string) {
	at := fmt.Sprintf("routes[%d]", i)
	before := len(cerr.Problems)

	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if !knownMethods[method] {
		cerr.add("%s: unknown method %q", at, spec.Method)
	}
	at = fmt.Sprintf("%s %s %s", at, method, spec.Path)

	names, err := templateParams(spec.Path)
	if err != nil {
		cerr.add("%s: %v", at, err)
	}

	if spec.Handler == "" {
		cerr.add("%s: handler is required", at)
	} else if catalog != nil && !catalog.Has(spec.Handler) {
		cerr.add("%s: unknown handler %q", at, spec.Handler)
	}
	if spec.Streaming == StreamWebSocket && method != http.MethodGet {
		cerr.add("%s: websocket routes must use GET", at)
	}
	if spec.TimeoutMS < 0 {
		cerr.add("%s: timeout_ms must not be negative", at)
	}

	declared := make(map[string]bool)
	params := make([]extract.Param, len(spec.Params))
	for j, p := range spec.Params {
		where := fmt.Sprintf("%s: params[%d] %q", at, j, p.Name)
		if p.Name == "" {
			cerr.add("%s: name is required", where)
		}
		key := p.Source.String() + "." + strings.ToLower(p.Name)
		if declared[key] {
			cerr.add("%s: declared twice in %s", where, p.Source)
		}
		declared[key] = true
		if p.Source == schema.Path && !names[p.Name] {
			cerr.add("%s: not a segment of the path template", where)
		}
		p.Schema = resolve(reg, p.Schema, where, cerr)
		params[j] = p
	}

	body := resolve(reg, spec.Body, at+": body", cerr)
	response := resolve(reg, spec.Response, at+": response", cerr)
	msg := resolve(reg, spec.Message, at+": message", cerr)

	if len(cerr.Problems) > before {
		return nil, ""
	}

	ext := extract.New(extract.Spec{
		Params:       params,
		Body:         body,
		BodyRequired: spec.BodyRequired,
		Files:        spec.Files,
	}, opts...)

	return &Route{
		Spec:      spec,
		Method:    method,
		Pattern:   spec.Path,
		Handler:   spec.Handler,
		Streaming: spec.Streaming,
		Timeout:   spec.timeout(),
		extractor: ext,
		response:  response,
		message:   msg,
	}, method + " " + segmentParam.ReplaceAllString(spec.Path, "{}")
}

func resolve(reg *schema.Registry, s *schema.Schema, at string, cerr *CompileError) *schema.Schema {
	out, err := reg.Resolve(s)
	if err != nil {
		mergeSchemaError(cerr, at, err)
		return nil
	}
	return out
}

func mergeSchemaError(cerr *CompileError, at string, err error) {
	var se *schema.CompileError
	if errors.As(err, &se) {
		for _, p := range se.Problems {
			cerr.add("%s: %s", at, p)
		}
		return
	}
	cerr.add("%s: %v", at, err)
}

// templateParams returns the named segments of a path template such as
// "/users/{id}/posts/{post_id}".
func templateParams(path string) (map[string]bool, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path template must start with '/'")
	}
	if strings.Count(path, "{") != strings.Count(path, "}") {
		return nil, fmt.Errorf("unbalanced braces in path template")
	}
	names := make(map[string]bool)
	for _, m := range segmentParam.FindAllStringSubmatch(path, -1) {
		name := m[1]
		if !paramName.MatchString(name) {
			return nil, fmt.Errorf("invalid path parameter name %q", name)
		}
		if names[name] {
			return nil, fmt.Errorf("path parameter %q appears twice", name)
		}
		names[name] = true
	}
	return names, nil
}

// Describe lists the routes as "METHOD /path -> handler", sorted.
func (t *RouteTable) Describe() []string {
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, fmt.Sprintf("%s -> %s", r, r.Handler))
	}
	sort.Strings(out)
	return out
}
