package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	integerLiteral = regexp.MustCompile(`^-?[0-9]+$`)
	numberLiteral  = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)
)

// Result is the outcome of evaluating a value: either a coerced Value or a
// non-empty list of Errors.
type Result struct {
	Value  any
	Errors []ValidationError
}

// OK reports whether the value was accepted.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Evaluate validates raw against s and returns the coerced value or every
// violation found. Objects and arrays are evaluated exhaustively.
//
// Coerced representations: integer → int64, number → float64, boolean →
// bool, string → string, uuid → uuid.UUID, date → Date, object →
// map[string]any (undeclared keys preserved), array → []any.
func Evaluate(s *Schema, raw any, at Location) Result {
	if s == nil {
		return Result{Value: raw}
	}
	var errs []ValidationError
	v := evaluate(s, raw, at, &errs)
	if len(errs) > 0 {
		return Result{Errors: errs}
	}
	return Result{Value: v}
}

func evaluate(s *Schema, raw any, at Location, errs *[]ValidationError) any {
	s = s.resolved()
	if !s.compiled {
		panic("schema: evaluating an uncompiled schema")
	}

	if s.Type == TypeAny {
		return raw
	}

	if raw == nil {
		*errs = append(*errs, ValidationError{Location: at, Expected: s.Type, Message: "Input should not be null"})
		return nil
	}

	switch s.Type {
	case TypeObject:
		return evaluateObject(s, raw, at, errs)
	case TypeArray:
		return evaluateArray(s, raw, at, errs)
	}

	v, msg := coerceScalar(s.Type, raw)
	if msg != "" {
		*errs = append(*errs, ValidationError{Location: at, Expected: s.Type, Message: msg})
		return nil
	}
	if msg := checkConstraints(s, v); msg != "" {
		*errs = append(*errs, ValidationError{Location: at, Expected: s.Type, Message: msg})
		return nil
	}
	return v
}

func evaluateObject(s *Schema, raw any, at Location, errs *[]ValidationError) any {
	in, ok := raw.(map[string]any)
	if !ok {
		*errs = append(*errs, ValidationError{Location: at, Expected: TypeObject, Message: "Input should be a valid object"})
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	for _, name := range s.fields {
		prop := s.Properties[name]
		value, present := in[name]
		if !present {
			if _, req := s.required[name]; req {
				*errs = append(*errs, ValidationError{Location: at.Field(name), Expected: prop.Kind(), Message: "Field required"})
			}
			continue
		}
		if prop == nil {
			continue
		}
		out[name] = evaluate(prop, value, at.Field(name), errs)
	}
	return out
}

func evaluateArray(s *Schema, raw any, at Location, errs *[]ValidationError) any {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, str := range v {
			items[i] = str
		}
	default:
		*errs = append(*errs, ValidationError{Location: at, Expected: TypeArray, Message: "Input should be a valid array"})
		return nil
	}

	out := make([]any, len(items))
	for i, item := range items {
		if s.Items == nil {
			out[i] = item
			continue
		}
		out[i] = evaluate(s.Items, item, at.Index(i), errs)
	}
	return out
}

// coerceScalar converts raw into the representation of kind. A non-empty
// message means the value was rejected.
func coerceScalar(kind Kind, raw any) (any, string) {
	switch kind {
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, ""
		}
		return nil, "Input should be a valid string"
	case TypeInteger:
		return coerceInteger(raw)
	case TypeNumber:
		return coerceNumber(raw)
	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, ""
		case string:
			switch v {
			case "true":
				return true, ""
			case "false":
				return false, ""
			}
		}
		return nil, "Input should be a valid boolean"
	case TypeUUID:
		s, ok := raw.(string)
		if !ok || !canonicalUUID(s) {
			return nil, "Input should be a valid UUID"
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, "Input should be a valid UUID"
		}
		return id, ""
	case TypeDate:
		s, ok := raw.(string)
		if !ok {
			return nil, "Input should be a valid date in YYYY-MM-DD format"
		}
		d, err := ParseDate(s)
		if err != nil {
			return nil, "Input should be a valid date in YYYY-MM-DD format"
		}
		return d, ""
	}
	return raw, ""
}

func coerceInteger(raw any) (any, string) {
	const msg = "Input should be a valid integer"
	switch v := raw.(type) {
	case int:
		return int64(v), ""
	case int8:
		return int64(v), ""
	case int16:
		return int64(v), ""
	case int32:
		return int64(v), ""
	case int64:
		return v, ""
	case uint8:
		return int64(v), ""
	case uint16:
		return int64(v), ""
	case uint32:
		return int64(v), ""
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, "Input should be a valid integer, number out of range"
		}
		return int64(v), ""
	case uint64:
		if v > math.MaxInt64 {
			return nil, "Input should be a valid integer, number out of range"
		}
		return int64(v), ""
	case float32:
		return integralFloat(float64(v))
	case float64:
		return integralFloat(v)
	case json.Number:
		return parseIntegerLiteral(string(v))
	case string:
		return parseIntegerLiteral(v)
	}
	return nil, msg
}

func integralFloat(f float64) (any, string) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, "Input should be a valid integer, got a number with a fractional part"
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, "Input should be a valid integer, number out of range"
	}
	return int64(f), ""
}

func parseIntegerLiteral(s string) (any, string) {
	if !integerLiteral.MatchString(s) {
		return nil, "Input should be a valid integer, unable to parse string as an integer"
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, "Input should be a valid integer, number out of range"
	}
	return n, ""
}

func coerceNumber(raw any) (any, string) {
	const msg = "Input should be a valid number"
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, "Input should be a finite number"
		}
		return v, ""
	case float32:
		return coerceNumber(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, _ := strconv.ParseFloat(fmt.Sprint(v), 64)
		return n, ""
	case json.Number:
		return parseNumberLiteral(string(v))
	case string:
		return parseNumberLiteral(v)
	}
	return nil, msg
}

func parseNumberLiteral(s string) (any, string) {
	if !numberLiteral.MatchString(s) {
		return nil, "Input should be a valid number, unable to parse string as a number"
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return nil, "Input should be a finite number"
	}
	return f, ""
}

// canonicalUUID accepts only the 36-character hyphenated form.
func canonicalUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(c) {
				return false
			}
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func checkConstraints(s *Schema, v any) string {
	switch x := v.(type) {
	case string:
		n := utf8.RuneCountInString(x)
		if s.MinLength != nil && n < *s.MinLength {
			return fmt.Sprintf("String should have at least %d characters", *s.MinLength)
		}
		if s.MaxLength != nil && n > *s.MaxLength {
			return fmt.Sprintf("String should have at most %d characters", *s.MaxLength)
		}
		if s.pattern != nil && !s.pattern.MatchString(x) {
			return fmt.Sprintf("String should match pattern '%s'", s.Pattern)
		}
	case int64:
		if msg := checkRange(s, float64(x)); msg != "" {
			return msg
		}
	case float64:
		if msg := checkRange(s, x); msg != "" {
			return msg
		}
	}

	if len(s.enum) > 0 {
		for _, allowed := range s.enum {
			if allowed == v {
				return ""
			}
		}
		return "Input should be " + describeEnum(s.Enum)
	}
	return ""
}

func checkRange(s *Schema, f float64) string {
	if s.Minimum != nil && f < *s.Minimum {
		return "Input should be greater than or equal to " + strconv.FormatFloat(*s.Minimum, 'g', -1, 64)
	}
	if s.Maximum != nil && f > *s.Maximum {
		return "Input should be less than or equal to " + strconv.FormatFloat(*s.Maximum, 'g', -1, 64)
	}
	return ""
}

func describeEnum(values []any) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("'%v'", v)
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return strings.Join(quoted[:len(quoted)-1], ", ") + " or " + quoted[len(quoted)-1]
}
