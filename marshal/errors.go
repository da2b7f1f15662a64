package marshal

import (
	"fmt"
	"net/http"
	"strconv"

	"go-polyglot/internal/jsoncodec"
	"go-polyglot/schema"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Detail string                   `json:"detail"`
	Errors []schema.ValidationError `json:"errors,omitempty"`
}

// ValidationDetail renders "1 validation error in request" and friends.
func ValidationDetail(n int) string {
	if n == 1 {
		return "1 validation error in request"
	}
	return strconv.Itoa(n) + " validation errors in request"
}

// WriteValidationErrors writes the 422 response for rejected input.
func WriteValidationErrors(w http.ResponseWriter, errs []schema.ValidationError) error {
	return writeJSON(w, http.StatusUnprocessableEntity, ErrorBody{Detail: ValidationDetail(len(errs)), Errors: errs})
}

// WriteError writes {"detail": detail} with status. An empty detail uses
// the status text.
func WriteError(w http.ResponseWriter, status int, detail string) error {
	if detail == "" {
		detail = http.StatusText(status)
	}
	return writeJSON(w, status, ErrorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	b, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: encode error body: %w", err)
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

// ResponseSchemaError reports a handler response that failed its declared
// schema. The client only ever sees a generic 500.
type ResponseSchemaError struct {
	Errors []schema.ValidationError
}

func (e *ResponseSchemaError) Error() string {
	if len(e.Errors) == 1 {
		return "response failed its schema: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("response failed its schema: %d errors, first: %s", len(e.Errors), e.Errors[0].Error())
}
