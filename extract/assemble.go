package extract

import "go-polyglot/message"

// Fragments are the validated pieces of a request, kept per source.
type Fragments struct {
	ID      string
	Method  string
	Path    string
	RawPath string
	Route   string
	Handler string

	Headers message.Header
	Cookies map[string]string
	Query   map[string][]string

	PathParams   map[string]any
	QueryParams  map[string]any
	HeaderParams map[string]any
	CookieParams map[string]any

	Body    any
	RawBody []byte
	Files   []message.UploadedFile
}

// Assemble builds the structured request. It performs no validation: every
// fragment must already have passed. Each source stays in its own map, so a
// name declared in two sources never collides. Empty maps are normalized so
// handlers can index them without nil checks.
func Assemble(f Fragments) *message.Request {
	return &message.Request{
		ID:           f.ID,
		Method:       f.Method,
		Path:         f.Path,
		RawPath:      f.RawPath,
		Route:        f.Route,
		Handler:      f.Handler,
		Headers:      f.Headers,
		Cookies:      orEmpty(f.Cookies),
		Query:        orEmpty(f.Query),
		PathParams:   orEmpty(f.PathParams),
		QueryParams:  orEmpty(f.QueryParams),
		HeaderParams: orEmpty(f.HeaderParams),
		CookieParams: orEmpty(f.CookieParams),
		Body:         f.Body,
		RawBody:      f.RawBody,
		Files:        f.Files,
	}
}

func orEmpty[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
