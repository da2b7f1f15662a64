package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"go-polyglot/internal/jsoncodec"
	"go-polyglot/message"
	"go-polyglot/schema"
)

// sniffLen is how many leading file bytes are kept for magic detection.
const sniffLen = 3072

type bodyKind int

const (
	bodyJSON bodyKind = iota
	bodyForm
	bodyMultipart
)

func (x *Extractor) body(ctx context.Context, raw *RawRequest, frag *Fragments, errs *[]schema.ValidationError) error {
	if raw.Body == nil {
		raw.Body = http.NoBody
	}
	body := &limitedReader{r: raw.Body, n: x.maxBody}

	if !x.spec.wantsBody() {
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		if len(b) > 0 {
			frag.RawBody = b
		}
		return nil
	}

	kind, params, err := classify(raw.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	var value any
	present := true
	switch kind {
	case bodyJSON:
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(b)) == 0 {
			present = false
			break
		}
		value, err = jsoncodec.UnmarshalValue(b)
		if err != nil {
			*errs = append(*errs, schema.ValidationError{Location: schema.At(schema.Body), Expected: x.spec.Body.Kind(), Message: "Input should be valid JSON"})
			return nil
		}
	case bodyForm:
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			present = false
			break
		}
		values, _ := url.ParseQuery(string(b))
		value = x.collapse(values)
	case bodyMultipart:
		fields, files, err := x.readMultipart(ctx, body, params["boundary"])
		switch {
		case errors.Is(err, ErrBodyTooLarge), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			*errs = append(*errs, schema.ValidationError{Location: schema.At(schema.Body), Expected: schema.TypeObject, Message: "Input should be a valid multipart body"})
			return nil
		}
		obj := x.collapse(fields)
		for _, up := range files {
			f := up.UploadedFile
			meta := map[string]any{"filename": f.Filename, "content_type": f.ContentType, "size": f.Size}
			if prev, ok := obj[f.Field]; ok {
				if list, ok := prev.([]any); ok {
					obj[f.Field] = append(list, meta)
				} else {
					obj[f.Field] = []any{prev, meta}
				}
			} else if x.spec.Body != nil && propertyIsArray(x.spec.Body, f.Field) {
				obj[f.Field] = []any{meta}
			} else {
				obj[f.Field] = meta
			}
		}
		value = obj
		frag.Files = make([]message.UploadedFile, len(files))
		for i, up := range files {
			frag.Files[i] = up.UploadedFile
		}
		x.checkFiles(files, errs)
	}

	if !present {
		if x.spec.BodyRequired {
			*errs = append(*errs, schema.ValidationError{Location: schema.At(schema.Body), Expected: x.spec.Body.Kind(), Message: "Field required"})
		}
		x.bodyParams(nil, frag, errs)
		return nil
	}

	res := schema.Evaluate(x.spec.Body, value, schema.At(schema.Body))
	if !res.OK() {
		*errs = append(*errs, res.Errors...)
		return nil
	}
	frag.Body = res.Value
	x.bodyParams(res.Value, frag, errs)
	return nil
}

// bodyParams validates parameters declared individually with the body
// source. Their coerced values replace the raw fields of the body object.
func (x *Extractor) bodyParams(body any, frag *Fragments, errs *[]schema.ValidationError) {
	params := x.bySource[schema.Body]
	if len(params) == 0 {
		return
	}
	obj, _ := body.(map[string]any)
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	x.collect(schema.Body, out, func(p Param) (any, bool) {
		v, ok := obj[p.Name]
		return v, ok
	}, errs)
	frag.Body = out
}

// collapse turns decoded form values into an object using the same rule as
// query parameters.
func (x *Extractor) collapse(values map[string][]string) map[string]any {
	out := make(map[string]any, len(values))
	for name, vs := range values {
		if len(vs) == 0 {
			continue
		}
		if (x.spec.Body != nil && propertyIsArray(x.spec.Body, name)) || x.bodyParamIsArray(name) {
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			out[name] = list
			continue
		}
		out[name] = vs[0]
	}
	return out
}

func (x *Extractor) bodyParamIsArray(name string) bool {
	for _, p := range x.bySource[schema.Body] {
		if p.Name == name {
			return p.Schema.IsArray()
		}
	}
	return false
}

func propertyIsArray(s *schema.Schema, name string) bool {
	prop, ok := s.Property(name)
	return ok && prop.IsArray()
}

func classify(contentType string) (bodyKind, map[string]string, error) {
	if contentType == "" {
		return bodyJSON, nil, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return bodyJSON, params, nil
	case mediaType == "application/x-www-form-urlencoded":
		return bodyForm, params, nil
	case mediaType == "multipart/form-data":
		if params["boundary"] == "" {
			return 0, nil, fmt.Errorf("%w: multipart body without boundary", ErrUnsupportedMediaType)
		}
		return bodyMultipart, params, nil
	}
	return 0, nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
}

// readMultipart streams the parts of a multipart body. File content is only
// buffered for fields that ask for it; other files are counted and dropped.
func (x *Extractor) readMultipart(ctx context.Context, body io.Reader, boundary string) (map[string][]string, []upload, error) {
	mr := multipart.NewReader(body, boundary)
	fields := make(map[string][]string)
	var files []upload
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		part, err := mr.NextPart()
		if err == io.EOF {
			return fields, files, nil
		}
		if err != nil {
			return nil, nil, err
		}

		name := part.FormName()
		if part.FileName() == "" {
			b, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				return nil, nil, err
			}
			fields[name] = append(fields[name], string(b))
			continue
		}

		f, err := readFile(part, x.spec.Files[name].KeepContent)
		part.Close()
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
	}
}

// upload is a received file plus the leading bytes used for magic checks.
type upload struct {
	message.UploadedFile
	sniff []byte
}

func readFile(part *multipart.Part, keep bool) (upload, error) {
	f := upload{UploadedFile: message.UploadedFile{
		Field:       part.FormName(),
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
	}}
	if f.ContentType == "" {
		f.ContentType = "application/octet-stream"
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(part, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return f, err
	}
	head = head[:n]
	f.Size = int64(n)
	f.sniff = head

	if keep {
		rest, err := io.ReadAll(part)
		if err != nil {
			return f, err
		}
		f.Content = append(head, rest...)
		f.Size += int64(len(rest))
		return f, nil
	}
	rest, err := io.Copy(io.Discard, part)
	if err != nil {
		return f, err
	}
	f.Size += rest
	return f, nil
}

// limitedReader fails with ErrBodyTooLarge once more than n bytes arrive.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			return 0, ErrBodyTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
