package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// numberConfig decodes numeric literals into json.Number so integer and
// number coercion can see the literal text.
var numberConfig = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseNumber:        true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalValue decodes data into a generic value tree (map[string]any,
// []any, string, bool, nil, json.Number).
func UnmarshalValue(data []byte) (any, error) {
	var v any
	if err := numberConfig.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Normalize converts an arbitrary Go value into the generic value tree that
// UnmarshalValue produces.
func Normalize(v any) (any, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return UnmarshalValue(raw)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
