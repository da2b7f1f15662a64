package schema

import "fmt"

// Source is the request location a parameter is read from.
type Source int

const (
	Path Source = iota
	Query
	Header
	Cookie
	Body
)

var sourceNames = [...]string{
	Path:   "path",
	Query:  "query",
	Header: "header",
	Cookie: "cookie",
	Body:   "body",
}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return fmt.Sprintf("source(%d)", int(s))
	}
	return sourceNames[s]
}

// ParseSource maps the manifest spelling ("path", "query", ...) to a Source.
func ParseSource(name string) (Source, error) {
	for i, n := range sourceNames {
		if n == name {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("unknown parameter source %q", name)
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(text []byte) error {
	v, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
