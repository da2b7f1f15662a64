// Package message defines the language-neutral request and response records
// that cross the boundary between the engine and guest handlers.
package message

// UploadedFile is one multipart file part. Content is nil when the route
// only asked for file metadata.
type UploadedFile struct {
	Field       string `json:"field"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     []byte `json:"content,omitempty"`
}

// MultipartSummary aggregates the files of a multipart request.
type MultipartSummary struct {
	FilesReceived int   `json:"files_received"`
	TotalBytes    int64 `json:"total_bytes"`
}

// Request is the structured request handed to a guest handler. It is only
// ever built from values that passed validation.
type Request struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	RawPath string `json:"raw_path"`
	Route   string `json:"route,omitempty"`
	Handler string `json:"handler,omitempty"`

	Headers Header              `json:"headers"`
	Cookies map[string]string   `json:"cookies"`
	Query   map[string][]string `json:"query"`

	PathParams   map[string]any `json:"path_params"`
	QueryParams  map[string]any `json:"query_params,omitempty"`
	HeaderParams map[string]any `json:"header_params,omitempty"`
	CookieParams map[string]any `json:"cookie_params,omitempty"`

	// Body holds the coerced body when the route declares a body schema.
	Body any `json:"body,omitempty"`
	// RawBody holds the request bytes when no body schema is declared.
	RawBody []byte         `json:"raw_body,omitempty"`
	Files   []UploadedFile `json:"files,omitempty"`
}

// PathParam returns a path parameter, coerced when the route declares a schema.
func (r *Request) PathParam(name string) (any, bool) {
	v, ok := r.PathParams[name]
	return v, ok
}

// QueryParam returns a declared, validated query parameter.
func (r *Request) QueryParam(name string) (any, bool) {
	v, ok := r.QueryParams[name]
	return v, ok
}

// HeaderParam returns a declared, validated header parameter.
func (r *Request) HeaderParam(name string) (any, bool) {
	v, ok := r.HeaderParams[name]
	return v, ok
}

// CookieParam returns a declared, validated cookie parameter.
func (r *Request) CookieParam(name string) (any, bool) {
	v, ok := r.CookieParams[name]
	return v, ok
}

// Multipart summarizes the uploaded files.
func (r *Request) Multipart() MultipartSummary {
	s := MultipartSummary{FilesReceived: len(r.Files)}
	for _, f := range r.Files {
		s.TotalBytes += f.Size
	}
	return s
}
