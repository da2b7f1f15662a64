package message

import (
	"net/http"
	"sort"
	"strings"

	"go-polyglot/internal/jsoncodec"
)

// HeaderField is one named header with every value it was sent with.
type HeaderField struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Header is an ordered multi-map with case-insensitive keys. The zero value
// is empty and ready to use.
type Header struct {
	fields []HeaderField
}

func (h Header) index(name string) int {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			return i
		}
	}
	return -1
}

// Add appends value to name, keeping the position of the first occurrence.
func (h *Header) Add(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].Values = append(h.fields[i].Values, value)
		return
	}
	h.fields = append(h.fields, HeaderField{Name: name, Values: []string{value}})
}

// Set replaces every value of name.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].Values = []string{value}
		return
	}
	h.fields = append(h.fields, HeaderField{Name: name, Values: []string{value}})
}

// Del removes name.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Get returns the first value of name, or "".
func (h Header) Get(name string) string {
	if i := h.index(name); i >= 0 && len(h.fields[i].Values) > 0 {
		return h.fields[i].Values[0]
	}
	return ""
}

// Values returns every value of name in arrival order.
func (h Header) Values(name string) []string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Values
	}
	return nil
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	return h.index(name) >= 0
}

func (h Header) Len() int {
	return len(h.fields)
}

// Fields returns the headers in order. The slice must not be modified.
func (h Header) Fields() []HeaderField {
	return h.fields
}

// Clone returns a deep copy.
func (h Header) Clone() Header {
	out := Header{fields: make([]HeaderField, len(h.fields))}
	for i, f := range h.fields {
		out.fields[i] = HeaderField{Name: f.Name, Values: append([]string(nil), f.Values...)}
	}
	return out
}

// Map flattens the header into a canonical-key map.
func (h Header) Map() map[string][]string {
	out := make(map[string][]string, len(h.fields))
	for _, f := range h.fields {
		key := http.CanonicalHeaderKey(f.Name)
		out[key] = append(out[key], f.Values...)
	}
	return out
}

// CopyTo adds every header to dst.
func (h Header) CopyTo(dst http.Header) {
	for _, f := range h.fields {
		for _, v := range f.Values {
			dst.Add(f.Name, v)
		}
	}
}

// HeaderFromHTTP converts a net/http header map. Map iteration order is not
// observable, so keys are ordered lexically for reproducible output.
func HeaderFromHTTP(src http.Header) Header {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)

	h := Header{fields: make([]HeaderField, 0, len(names))}
	for _, name := range names {
		h.fields = append(h.fields, HeaderField{Name: name, Values: append([]string(nil), src[name]...)})
	}
	return h
}

// HeaderFromMap builds a header from a map, ordering keys lexically.
func HeaderFromMap(src map[string][]string) Header {
	return HeaderFromHTTP(http.Header(src))
}

func (h Header) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(h.Map())
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var m map[string][]string
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}
	*h = HeaderFromMap(m)
	return nil
}
