// Package schema evaluates compiled schemas against raw request values,
// coercing textual input into typed values and collecting every violation.
//
// A Schema is immutable once its Registry is compiled and may be evaluated
// from any number of goroutines concurrently.
package schema

import (
	"regexp"
	"sort"
)

// Kind is the type of value a schema node accepts.
type Kind string

const (
	TypeAny     Kind = ""
	TypeString  Kind = "string"
	TypeInteger Kind = "integer"
	TypeNumber  Kind = "number"
	TypeBoolean Kind = "boolean"
	TypeDate    Kind = "date"
	TypeUUID    Kind = "uuid"
	TypeObject  Kind = "object"
	TypeArray   Kind = "array"
)

func (k Kind) valid() bool {
	switch k {
	case TypeAny, TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeDate, TypeUUID, TypeObject, TypeArray:
		return true
	}
	return false
}

func (k Kind) scalar() bool {
	switch k {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeDate, TypeUUID:
		return true
	}
	return false
}

// Schema is one node of a schema tree. Ref points at a named schema in the
// owning Registry and is resolved during compilation.
type Schema struct {
	Type       Kind               `json:"type,omitempty" yaml:"type,omitempty"`
	Ref        string             `json:"$ref,omitempty" yaml:"$ref,omitempty"`
	Required   []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty" yaml:"items,omitempty"`

	MinLength *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Enum      []any    `json:"enum,omitempty" yaml:"enum,omitempty"`

	compiled bool
	target   *Schema
	pattern  *regexp.Regexp
	enum     []any
	required map[string]struct{}
	fields   []string
}

// IsArray reports whether the schema, after reference resolution, accepts arrays.
// Parameter extraction uses it to decide between first-occurrence and
// all-occurrence collection of repeated keys.
func (s *Schema) IsArray() bool {
	return s != nil && s.resolved().Type == TypeArray
}

// Kind returns the resolved kind of the node.
func (s *Schema) Kind() Kind {
	if s == nil {
		return TypeAny
	}
	return s.resolved().Type
}

func (s *Schema) resolved() *Schema {
	for s.Ref != "" {
		if s.target == nil {
			panic("schema: unresolved reference " + s.Ref + "; compile the registry before evaluating")
		}
		s = s.target
	}
	return s
}

// prepare fills the derived lookup tables once; called only by Registry.
func (s *Schema) prepare() {
	s.required = make(map[string]struct{}, len(s.Required))
	seen := make(map[string]struct{}, len(s.Properties)+len(s.Required))
	for _, name := range s.Required {
		s.required[name] = struct{}{}
		seen[name] = struct{}{}
	}
	for name := range s.Properties {
		seen[name] = struct{}{}
	}
	s.fields = make([]string, 0, len(seen))
	for name := range seen {
		s.fields = append(s.fields, name)
	}
	sort.Strings(s.fields)
}

// Property returns the declared schema of a named object field.
func (s *Schema) Property(name string) (*Schema, bool) {
	if s == nil {
		return nil, false
	}
	prop, ok := s.resolved().Properties[name]
	return prop, ok && prop != nil
}
