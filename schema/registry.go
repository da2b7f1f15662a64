package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Registry owns a set of named schemas that route declarations reference
// with "$ref". Compile must succeed before any schema reachable from the
// registry is evaluated.
type Registry struct {
	defs map[string]*Schema
}

// NewRegistry wraps named schema definitions. The map is not copied.
func NewRegistry(defs map[string]*Schema) *Registry {
	if defs == nil {
		defs = make(map[string]*Schema)
	}
	return &Registry{defs: defs}
}

// Lookup returns a named schema.
func (r *Registry) Lookup(name string) (*Schema, bool) {
	s, ok := r.defs[name]
	return s, ok
}

// Compile resolves references and compiles constraints of every named
// schema. All problems are collected into a single *CompileError.
func (r *Registry) Compile() error {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	cerr := &CompileError{}
	visited := make(map[*Schema]bool)
	for _, name := range names {
		r.compile(r.defs[name], name, visited, cerr)
	}
	return cerr.orNil()
}

// Resolve compiles an anonymous schema (for example a route parameter
// schema) against the registry and returns it. A nil schema is returned as is.
func (r *Registry) Resolve(s *Schema) (*Schema, error) {
	if s == nil {
		return nil, nil
	}
	cerr := &CompileError{}
	r.compile(s, "#", make(map[*Schema]bool), cerr)
	if err := cerr.orNil(); err != nil {
		return nil, err
	}
	return s, nil
}

// Compile compiles a standalone schema that references no named schemas.
func Compile(s *Schema) (*Schema, error) {
	return NewRegistry(nil).Resolve(s)
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level schema literals.
func MustCompile(s *Schema) *Schema {
	out, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return out
}

func (r *Registry) compile(s *Schema, at string, visited map[*Schema]bool, cerr *CompileError) {
	if s == nil || s.compiled || visited[s] {
		return
	}
	visited[s] = true

	if s.Ref != "" {
		target, ok := r.defs[s.Ref]
		if !ok {
			cerr.add(fmt.Sprintf("%s: undefined schema reference %q", at, s.Ref))
			return
		}
		if chain, cyclic := r.refChain(s); cyclic {
			cerr.add(fmt.Sprintf("%s: cyclic schema reference %s", at, strings.Join(chain, " -> ")))
			return
		}
		s.target = target
		r.compile(target, s.Ref, visited, cerr)
		s.compiled = true
		return
	}

	if !s.Type.valid() {
		cerr.add(fmt.Sprintf("%s: unknown schema type %q", at, s.Type))
		return
	}
	if s.Type == TypeAny && (len(s.Properties) > 0 || len(s.Required) > 0) {
		s.Type = TypeObject
	}

	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			cerr.add(fmt.Sprintf("%s: invalid pattern %q: %v", at, s.Pattern, err))
		} else {
			s.pattern = re
		}
	}

	if s.MinLength != nil && s.MaxLength != nil && *s.MinLength > *s.MaxLength {
		cerr.add(fmt.Sprintf("%s: minLength %d exceeds maxLength %d", at, *s.MinLength, *s.MaxLength))
	}
	if s.Minimum != nil && s.Maximum != nil && *s.Minimum > *s.Maximum {
		cerr.add(fmt.Sprintf("%s: minimum %v exceeds maximum %v", at, *s.Minimum, *s.Maximum))
	}

	if len(s.Enum) > 0 {
		if !s.Type.scalar() {
			cerr.add(fmt.Sprintf("%s: enum requires a scalar type, got %q", at, s.Type))
		} else {
			s.enum = make([]any, 0, len(s.Enum))
			for i, candidate := range s.Enum {
				v, msg := coerceScalar(s.Type, candidate)
				if msg != "" {
					cerr.add(fmt.Sprintf("%s: enum[%d] %v is not a valid %s", at, i, candidate, s.Type))
					continue
				}
				s.enum = append(s.enum, v)
			}
		}
	}

	if s.Type == TypeObject || len(s.Properties) > 0 {
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			prop := s.Properties[name]
			if prop == nil {
				cerr.add(fmt.Sprintf("%s.%s: property schema is empty", at, name))
				continue
			}
			r.compile(prop, at+"."+name, visited, cerr)
		}
		s.prepare()
	}

	if s.Items != nil {
		r.compile(s.Items, at+"[]", visited, cerr)
	}

	s.compiled = true
}

// refChain follows the "$ref" links starting at s. It reports whether the
// chain returns to a node already on it; recursion through properties or
// items is not followed and stays legal.
func (r *Registry) refChain(s *Schema) ([]string, bool) {
	seen := map[*Schema]bool{s: true}
	var chain []string
	for cur := s; cur.Ref != ""; {
		chain = append(chain, cur.Ref)
		next, ok := r.defs[cur.Ref]
		if !ok {
			return chain, false
		}
		if seen[next] {
			return chain, true
		}
		seen[next] = true
		cur = next
	}
	return chain, false
}
