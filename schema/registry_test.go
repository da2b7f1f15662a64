package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolvesReferences(t *testing.T) {
	reg := NewRegistry(map[string]*Schema{
		"Price": {Type: TypeNumber, Minimum: floatPtr(0)},
		"Item": {
			Type:       TypeObject,
			Required:   []string{"price"},
			Properties: map[string]*Schema{"price": {Ref: "Price"}},
		},
	})
	require.NoError(t, reg.Compile())

	route, err := reg.Resolve(&Schema{Type: TypeArray, Items: &Schema{Ref: "Item"}})
	require.NoError(t, err)
	assert.True(t, route.IsArray())

	r := Evaluate(route, []any{map[string]any{"price": "-1"}}, At(Body))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "body[0].price", r.Errors[0].Location.String())
}

func TestRegistryRecursiveSchema(t *testing.T) {
	reg := NewRegistry(map[string]*Schema{
		"Node": {
			Type:       TypeObject,
			Properties: map[string]*Schema{"child": {Ref: "Node"}, "value": {Type: TypeInteger}},
		},
	})
	require.NoError(t, reg.Compile())

	node, ok := reg.Lookup("Node")
	require.True(t, ok)

	r := Evaluate(node, map[string]any{"child": map[string]any{"child": map[string]any{"value": "x"}}}, At(Body))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "body.child.child.value", r.Errors[0].Location.String())
}

func TestRegistryCompileErrors(t *testing.T) {
	reg := NewRegistry(map[string]*Schema{
		"A": {Type: TypeObject, Properties: map[string]*Schema{"b": {Ref: "Missing"}}},
		"B": {Type: "decimal"},
		"C": {Type: TypeString, Pattern: "(["},
		"D": {Type: TypeInteger, Enum: []any{1, "two"}},
	})

	err := reg.Compile()
	require.Error(t, err)

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Problems, 4)
	assert.Contains(t, err.Error(), `undefined schema reference "Missing"`)
	assert.Contains(t, err.Error(), `unknown schema type "decimal"`)
}

func TestRegistryRejectsReferenceCycles(t *testing.T) {
	tests := []struct {
		name string
		defs map[string]*Schema
	}{
		{"mutual", map[string]*Schema{"A": {Ref: "B"}, "B": {Ref: "A"}}},
		{"self", map[string]*Schema{"A": {Ref: "A"}}},
		{"three hops", map[string]*Schema{"A": {Ref: "B"}, "B": {Ref: "C"}, "C": {Ref: "A"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry(tt.defs).Compile()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "cyclic schema reference")
		})
	}

	t.Run("route schema", func(t *testing.T) {
		reg := NewRegistry(map[string]*Schema{"A": {Ref: "B"}, "B": {Ref: "A"}})
		_, err := reg.Resolve(&Schema{Type: TypeArray, Items: &Schema{Ref: "A"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "#[]: cyclic schema reference A -> B -> A")
	})
}

func TestRegistryInfersObjectFromProperties(t *testing.T) {
	s := MustCompile(&Schema{
		Required:   []string{"name"},
		Properties: map[string]*Schema{"name": {Type: TypeString}},
	})
	assert.Equal(t, TypeObject, s.Kind())

	r := Evaluate(s, map[string]any{}, At(Body))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "body.name", r.Errors[0].Location.String())
	assert.False(t, Evaluate(s, "text", At(Body)).OK())
}

func TestResolveUndefinedReference(t *testing.T) {
	_, err := NewRegistry(nil).Resolve(&Schema{Ref: "Nope"})
	assert.Error(t, err)
}

func TestSourceText(t *testing.T) {
	for _, name := range []string{"path", "query", "header", "cookie", "body"} {
		var s Source
		require.NoError(t, s.UnmarshalText([]byte(name)))
		assert.Equal(t, name, s.String())
	}
	var s Source
	assert.Error(t, s.UnmarshalText([]byte("form")))
}
