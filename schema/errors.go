package schema

import (
	"strconv"
	"strings"

	"go-polyglot/internal/jsoncodec"
)

// Location addresses a value inside a request, e.g. "body.items[2].price".
// The zero value is the root of the path source.
type Location struct {
	Source Source
	path   string
}

// At returns the root location of a source.
func At(src Source) Location {
	return Location{Source: src}
}

// Field returns the location of a named child.
func (l Location) Field(name string) Location {
	l.path += "." + name
	return l
}

// Index returns the location of an array element.
func (l Location) Index(i int) Location {
	l.path += "[" + strconv.Itoa(i) + "]"
	return l
}

func (l Location) String() string {
	return l.Source.String() + l.path
}

// ValidationError is a single input violation. Validation never fails with a
// Go error; malformed input always produces ValidationError values.
type ValidationError struct {
	Location Location
	Expected Kind
	Message  string
}

func (e ValidationError) Error() string {
	return e.Location.String() + ": " + e.Message
}

func (e ValidationError) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(struct {
		Location string `json:"location"`
		Message  string `json:"message"`
	}{e.Location.String(), e.Message})
}

// CompileError reports programming errors in schema definitions. It is only
// ever produced while compiling a registry, never during evaluation.
type CompileError struct {
	Problems []string
}

func (e *CompileError) Error() string {
	if len(e.Problems) == 1 {
		return "schema compilation failed: " + e.Problems[0]
	}
	return "schema compilation failed: " + strconv.Itoa(len(e.Problems)) + " problems: " + strings.Join(e.Problems, "; ")
}

func (e *CompileError) add(problem string) {
	e.Problems = append(e.Problems, problem)
}

func (e *CompileError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}
