package schema

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestEvaluateInteger(t *testing.T) {
	s := MustCompile(&Schema{Type: TypeInteger})

	t.Run("string and native coerce to the same value", func(t *testing.T) {
		fromString := Evaluate(s, "42", At(Path))
		fromNative := Evaluate(s, 42, At(Path))
		fromNumber := Evaluate(s, json.Number("42"), At(Body))
		require.True(t, fromString.OK())
		require.True(t, fromNative.OK())
		require.True(t, fromNumber.OK())
		assert.Equal(t, int64(42), fromString.Value)
		assert.Equal(t, fromString.Value, fromNative.Value)
		assert.Equal(t, fromString.Value, fromNumber.Value)
	})

	t.Run("negative literal", func(t *testing.T) {
		r := Evaluate(s, "-7", At(Query))
		require.True(t, r.OK())
		assert.Equal(t, int64(-7), r.Value)
	})

	for _, bad := range []any{"42.0", "abc", "", "+1", "1e3", " 1", "--1", 4.5, true, json.Number("42.0"), "99999999999999999999"} {
		r := Evaluate(s, bad, At(Query).Field("n"))
		assert.False(t, r.OK(), "expected %v to be rejected", bad)
		if assert.Len(t, r.Errors, 1) {
			assert.Equal(t, "query.n", r.Errors[0].Location.String())
			assert.Equal(t, TypeInteger, r.Errors[0].Expected)
		}
	}

	t.Run("integral float is accepted", func(t *testing.T) {
		r := Evaluate(s, float64(3), At(Body))
		require.True(t, r.OK())
		assert.Equal(t, int64(3), r.Value)
	})
}

func TestEvaluateNumber(t *testing.T) {
	s := MustCompile(&Schema{Type: TypeNumber})

	for in, want := range map[string]float64{"1": 1, "-2.5": -2.5, "1e3": 1000, "0.5": 0.5, "2E2": 200} {
		r := Evaluate(s, in, At(Query))
		require.True(t, r.OK(), in)
		assert.Equal(t, want, r.Value, in)
	}

	for _, bad := range []any{"NaN", "Inf", "0x10", "1_000", "abc", "", "1e400", ".5", "5.", "01.5", false} {
		assert.False(t, Evaluate(s, bad, At(Query)).OK(), "expected %v to be rejected", bad)
	}
}

func TestEvaluateBoolean(t *testing.T) {
	s := MustCompile(&Schema{Type: TypeBoolean})

	assert.Equal(t, true, Evaluate(s, "true", At(Query)).Value)
	assert.Equal(t, false, Evaluate(s, "false", At(Query)).Value)
	assert.Equal(t, true, Evaluate(s, true, At(Body)).Value)

	for _, bad := range []any{"True", "FALSE", "1", "yes", 1} {
		assert.False(t, Evaluate(s, bad, At(Query)).OK(), "expected %v to be rejected", bad)
	}
}

func TestEvaluateUUIDAndDate(t *testing.T) {
	u := MustCompile(&Schema{Type: TypeUUID})
	d := MustCompile(&Schema{Type: TypeDate})

	r := Evaluate(u, "550E8400-e29b-41d4-a716-446655440000", At(Path))
	require.True(t, r.OK())
	assert.Equal(t, uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"), r.Value)

	for _, bad := range []string{
		"550e8400e29b41d4a716446655440000",
		"{550e8400-e29b-41d4-a716-446655440000}",
		"urn:uuid:550e8400-e29b-41d4-a716-446655440000",
		"550e8400-e29b-41d4-a716-44665544000g",
	} {
		assert.False(t, Evaluate(u, bad, At(Path)).OK(), bad)
	}

	r = Evaluate(d, "2024-02-29", At(Query))
	require.True(t, r.OK())
	assert.Equal(t, Date{Year: 2024, Month: 2, Day: 29}, r.Value)

	for _, bad := range []string{"2024-02-30", "2023-02-29", "2024-13-01", "2024-1-01", "2024-01-01T00:00:00Z"} {
		assert.False(t, Evaluate(d, bad, At(Query)).OK(), bad)
	}
}

func TestEvaluateObjectIsExhaustive(t *testing.T) {
	s := MustCompile(&Schema{
		Type:     TypeObject,
		Required: []string{"name", "price", "sku"},
		Properties: map[string]*Schema{
			"name":  {Type: TypeString},
			"price": {Type: TypeNumber},
			"sku":   {Type: TypeString},
			"items": {Type: TypeArray, Items: &Schema{
				Type:       TypeObject,
				Required:   []string{"price"},
				Properties: map[string]*Schema{"price": {Type: TypeNumber}},
			}},
		},
	})

	raw := map[string]any{
		"name":  "widget",
		"price": "cheap",
		"items": []any{
			map[string]any{"price": json.Number("1.5")},
			map[string]any{"price": json.Number("2")},
			map[string]any{"price": "free"},
		},
		"extra": "kept",
	}

	r := Evaluate(s, raw, At(Body))
	require.False(t, r.OK())

	locations := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		locations = append(locations, e.Location.String())
	}
	assert.Equal(t, []string{"body.items[2].price", "body.price", "body.sku"}, locations)

	var required int
	for _, e := range r.Errors {
		if e.Message == "Field required" {
			required++
			assert.Equal(t, "body.sku", e.Location.String())
		}
	}
	assert.Equal(t, 1, required)
}

func TestEvaluateObjectPreservesUnknownKeys(t *testing.T) {
	s := MustCompile(&Schema{
		Type:       TypeObject,
		Properties: map[string]*Schema{"count": {Type: TypeInteger}, "note": {Type: TypeString}},
	})

	r := Evaluate(s, map[string]any{"count": json.Number("3"), "future": map[string]any{"x": true}}, At(Body))
	require.True(t, r.OK())

	out := r.Value.(map[string]any)
	assert.Equal(t, int64(3), out["count"])
	assert.Equal(t, map[string]any{"x": true}, out["future"])
	_, hasNote := out["note"]
	assert.False(t, hasNote, "missing optional fields stay absent")
}

func TestEvaluateArrayOfQueryStrings(t *testing.T) {
	s := MustCompile(&Schema{Type: TypeArray, Items: &Schema{Type: TypeInteger}})

	r := Evaluate(s, []string{"1", "2", "3"}, At(Query).Field("ids"))
	require.True(t, r.OK())
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, r.Value)

	r = Evaluate(s, []string{"1", "x", "y"}, At(Query).Field("ids"))
	require.Len(t, r.Errors, 2)
	assert.Equal(t, "query.ids[1]", r.Errors[0].Location.String())
	assert.Equal(t, "query.ids[2]", r.Errors[1].Location.String())
}

func TestEvaluateConstraints(t *testing.T) {
	s := MustCompile(&Schema{
		Type: TypeObject,
		Properties: map[string]*Schema{
			"code":  {Type: TypeString, MinLength: intPtr(2), MaxLength: intPtr(4), Pattern: "^[A-Z]+$"},
			"qty":   {Type: TypeInteger, Minimum: floatPtr(1), Maximum: floatPtr(10)},
			"color": {Type: TypeString, Enum: []any{"red", "green", "blue"}},
		},
	})

	tests := []struct {
		name string
		in   map[string]any
		msg  string
	}{
		{"too short", map[string]any{"code": "A"}, "String should have at least 2 characters"},
		{"too long", map[string]any{"code": "ABCDE"}, "String should have at most 4 characters"},
		{"pattern", map[string]any{"code": "ab"}, "String should match pattern '^[A-Z]+$'"},
		{"below minimum", map[string]any{"qty": json.Number("0")}, "Input should be greater than or equal to 1"},
		{"above maximum", map[string]any{"qty": json.Number("11")}, "Input should be less than or equal to 10"},
		{"enum", map[string]any{"color": "pink"}, "Input should be 'red', 'green' or 'blue'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(s, tt.in, At(Body))
			require.Len(t, r.Errors, 1)
			assert.Equal(t, tt.msg, r.Errors[0].Message)
		})
	}

	assert.True(t, Evaluate(s, map[string]any{"code": "AB", "qty": "5", "color": "red"}, At(Body)).OK())
}

func TestEvaluateRejectsNullAndWrongShapes(t *testing.T) {
	obj := MustCompile(&Schema{Type: TypeObject})
	arr := MustCompile(&Schema{Type: TypeArray})

	assert.False(t, Evaluate(obj, nil, At(Body)).OK())
	assert.False(t, Evaluate(obj, []any{}, At(Body)).OK())
	assert.False(t, Evaluate(arr, "a,b", At(Query)).OK())
	assert.True(t, Evaluate(MustCompile(&Schema{}), nil, At(Body)).OK())
}

func TestEvaluateUncompiledPanics(t *testing.T) {
	assert.Panics(t, func() {
		Evaluate(&Schema{Type: TypeString}, "x", At(Body))
	})
}
