// Package extract pulls declared parameters out of a raw request, validates
// them with the schema evaluator and assembles the structured request handed
// to guest handlers.
package extract

import (
	"context"
	"errors"
	"io"

	"go-polyglot/message"
	"go-polyglot/schema"
)

var (
	// ErrUnsupportedMediaType is returned when a route declares a body and the
	// request carries a content type the extractor cannot decode.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrBodyTooLarge is returned when the request body exceeds the limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

const DefaultMaxBodyBytes = 16 << 20

// Param declares one input of a route.
type Param struct {
	Name     string         `json:"name" yaml:"name"`
	Source   schema.Source  `json:"in" yaml:"in"`
	Schema   *schema.Schema `json:"schema,omitempty" yaml:"schema,omitempty"`
	Required bool           `json:"required,omitempty" yaml:"required,omitempty"`
	// Default is used as is when the parameter is absent.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// FileSpec constrains the files uploaded under one multipart field.
type FileSpec struct {
	Required     bool     `json:"required,omitempty" yaml:"required,omitempty"`
	MinSize      int64    `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	MaxSize      int64    `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	ContentTypes []string `json:"content_types,omitempty" yaml:"content_types,omitempty"`
	// VerifyMagic checks the leading bytes against the declared content type.
	VerifyMagic bool `json:"verify_magic,omitempty" yaml:"verify_magic,omitempty"`
	// KeepContent buffers the file bytes. Without it only size and type are
	// recorded and the content is discarded while streaming.
	KeepContent bool `json:"keep_content,omitempty" yaml:"keep_content,omitempty"`
}

// Spec is the compiled input declaration of a route. Schemas must already be
// compiled.
type Spec struct {
	Params       []Param
	Body         *schema.Schema
	BodyRequired bool
	Files        map[string]FileSpec
}

func (s Spec) wantsBody() bool {
	if s.Body != nil || len(s.Files) > 0 {
		return true
	}
	for _, p := range s.Params {
		if p.Source == schema.Body {
			return true
		}
	}
	return false
}

// RawRequest is what the transport hands to the extractor.
type RawRequest struct {
	ID         string
	Method     string
	Path       string
	RawPath    string
	RawQuery   string
	Route      string
	Handler    string
	Header     message.Header
	Body       io.Reader
	PathParams map[string]string
}

// Extractor validates requests for one route. It is safe for concurrent use.
type Extractor struct {
	spec     Spec
	bySource map[schema.Source][]Param
	maxBody  int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxBodyBytes limits how many body bytes are read. Non-positive values
// keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.maxBody = n
		}
	}
}

func New(spec Spec, opts ...Option) *Extractor {
	x := &Extractor{
		spec:     spec,
		bySource: make(map[schema.Source][]Param),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, p := range spec.Params {
		x.bySource[p.Source] = append(x.bySource[p.Source], p)
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Spec returns the declaration the extractor was built from.
func (x *Extractor) Spec() Spec {
	return x.spec
}

// Extract validates raw. Exactly one of the results is meaningful: a
// request when every input is valid, a non-empty error list otherwise, or a
// Go error when the body could not be read at all (ErrBodyTooLarge,
// ErrUnsupportedMediaType or a transport error).
//
// Validation errors are ordered by source (path, query, header, cookie,
// body) and by declaration within a source.
func (x *Extractor) Extract(ctx context.Context, raw *RawRequest) (*message.Request, []schema.ValidationError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var errs []schema.ValidationError
	query := parseQuery(raw.RawQuery)
	cookies := parseCookies(raw.Header)

	frag := Fragments{
		ID:      raw.ID,
		Method:  raw.Method,
		Path:    raw.Path,
		RawPath: raw.RawPath,
		Route:   raw.Route,
		Handler: raw.Handler,
		Headers: raw.Header,
		Cookies: cookies,
		Query:   query,
	}

	frag.PathParams = make(map[string]any, len(raw.PathParams))
	for name, v := range raw.PathParams {
		frag.PathParams[name] = v
	}
	x.collect(schema.Path, frag.PathParams, func(p Param) (any, bool) {
		v, ok := raw.PathParams[p.Name]
		return v, ok
	}, &errs)

	frag.QueryParams = make(map[string]any)
	x.collect(schema.Query, frag.QueryParams, func(p Param) (any, bool) {
		return multiValue(query[p.Name], p.Schema)
	}, &errs)

	frag.HeaderParams = make(map[string]any)
	x.collect(schema.Header, frag.HeaderParams, func(p Param) (any, bool) {
		return multiValue(raw.Header.Values(p.Name), p.Schema)
	}, &errs)

	frag.CookieParams = make(map[string]any)
	x.collect(schema.Cookie, frag.CookieParams, func(p Param) (any, bool) {
		v, ok := cookies[p.Name]
		return v, ok
	}, &errs)

	if err := x.body(ctx, raw, &frag, &errs); err != nil {
		return nil, nil, err
	}

	if len(errs) > 0 {
		return nil, errs, nil
	}
	return Assemble(frag), nil, nil
}

// collect evaluates the declared parameters of one source into out.
func (x *Extractor) collect(src schema.Source, out map[string]any, lookup func(Param) (any, bool), errs *[]schema.ValidationError) {
	for _, p := range x.bySource[src] {
		at := schema.At(src).Field(p.Name)
		v, ok := lookup(p)
		if !ok {
			switch {
			case p.Default != nil:
				out[p.Name] = p.Default
			case p.Required:
				*errs = append(*errs, schema.ValidationError{Location: at, Expected: p.Schema.Kind(), Message: "Field required"})
			}
			continue
		}
		res := schema.Evaluate(p.Schema, v, at)
		if !res.OK() {
			*errs = append(*errs, res.Errors...)
			continue
		}
		out[p.Name] = res.Value
	}
}

// multiValue applies the repeated-key rule: array schemas take every
// occurrence in order, anything else takes the first.
func multiValue(values []string, s *schema.Schema) (any, bool) {
	if len(values) == 0 {
		return nil, false
	}
	if s.IsArray() {
		return values, true
	}
	return values[0], true
}
