package extract

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-polyglot/internal/jsoncodec"
	"go-polyglot/message"
	"go-polyglot/schema"
)

func header(kv ...string) message.Header {
	var h message.Header
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func locations(errs []schema.ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Location.String()
	}
	return out
}

func TestPathCoercion(t *testing.T) {
	x := New(Spec{Params: []Param{
		{Name: "id", Source: schema.Path, Schema: schema.MustCompile(&schema.Schema{Type: schema.TypeInteger}), Required: true},
	}})

	req, errs, err := x.Extract(context.Background(), &RawRequest{Method: "GET", Path: "/users/42", PathParams: map[string]string{"id": "42"}})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, int64(42), req.PathParams["id"])

	req, errs, err = x.Extract(context.Background(), &RawRequest{Method: "GET", Path: "/users/not-a-number", PathParams: map[string]string{"id": "not-a-number"}})
	require.NoError(t, err)
	assert.Nil(t, req)
	require.Len(t, errs, 1)
	assert.Equal(t, "path.id", errs[0].Location.String())
}

func TestUndeclaredPathParamsStayRaw(t *testing.T) {
	req, errs, err := New(Spec{}).Extract(context.Background(), &RawRequest{PathParams: map[string]string{"slug": "a b"}})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, "a b", req.PathParams["slug"])
}

func TestQueryRepetition(t *testing.T) {
	x := New(Spec{Params: []Param{
		{Name: "tag", Source: schema.Query, Schema: schema.MustCompile(&schema.Schema{Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}})},
		{Name: "page", Source: schema.Query, Schema: schema.MustCompile(&schema.Schema{Type: schema.TypeInteger})},
		{Name: "limit", Source: schema.Query, Schema: schema.MustCompile(&schema.Schema{Type: schema.TypeInteger}), Default: int64(20)},
		{Name: "q", Source: schema.Query},
	}})

	req, errs, err := x.Extract(context.Background(), &RawRequest{RawQuery: "tag=b&page=2&tag=a%20c&page=9&q=x+y"})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, []any{"b", "a c"}, req.QueryParams["tag"])
	assert.Equal(t, int64(2), req.QueryParams["page"])
	assert.Equal(t, int64(20), req.QueryParams["limit"])
	assert.Equal(t, "x y", req.QueryParams["q"])
	assert.Equal(t, []string{"2", "9"}, req.Query["page"])
}

func TestOptionalAbsentIsOmitted(t *testing.T) {
	x := New(Spec{Params: []Param{{Name: "page", Source: schema.Query}}})
	req, errs, err := x.Extract(context.Background(), &RawRequest{})
	require.NoError(t, err)
	require.Empty(t, errs)
	_, ok := req.QueryParam("page")
	assert.False(t, ok)
}

func TestDefaultsAreNotValidated(t *testing.T) {
	x := New(Spec{Params: []Param{
		{Name: "mode", Source: schema.Query, Schema: schema.MustCompile(&schema.Schema{Type: schema.TypeInteger}), Default: "fast"},
	}})
	req, errs, err := x.Extract(context.Background(), &RawRequest{})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, "fast", req.QueryParams["mode"])
}

func TestErrorOrderAcrossSources(t *testing.T) {
	integer := schema.MustCompile(&schema.Schema{Type: schema.TypeInteger})
	x := New(Spec{
		Params: []Param{
			{Name: "session", Source: schema.Cookie, Required: true},
			{Name: "X-Token", Source: schema.Header, Required: true},
			{Name: "b", Source: schema.Query, Schema: integer},
			{Name: "a", Source: schema.Query, Schema: integer},
			{Name: "id", Source: schema.Path, Schema: integer},
		},
		Body:         schema.MustCompile(&schema.Schema{Type: schema.TypeObject, Required: []string{"name"}}),
		BodyRequired: true,
	})
	_, errs, err := x.Extract(context.Background(), &RawRequest{
		RawQuery:   "a=x&b=y",
		PathParams: map[string]string{"id": "nope"},
		Header:     header("Content-Type", "application/json"),
		Body:       strings.NewReader(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"path.id", "query.b", "query.a", "header.X-Token", "cookie.session", "body.name"}, locations(errs))
}

func TestHeadersAndCookies(t *testing.T) {
	x := New(Spec{Params: []Param{
		{Name: "x-request-source", Source: schema.Header, Required: true},
		{Name: "session", Source: schema.Cookie, Required: true},
	}})
	req, errs, err := x.Extract(context.Background(), &RawRequest{
		Header: header("X-Request-Source", "cli", "Cookie", "session=a; theme=dark", "Cookie", "session=b; bad cookie"),
	})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, "cli", req.HeaderParams["x-request-source"])
	assert.Equal(t, "b", req.CookieParams["session"])
	assert.Equal(t, "dark", req.Cookies["theme"])
}

func TestJSONBody(t *testing.T) {
	body := schema.MustCompile(&schema.Schema{
		Type:     schema.TypeObject,
		Required: []string{"price"},
		Properties: map[string]*schema.Schema{
			"price": {Type: schema.TypeNumber},
		},
	})
	x := New(Spec{Body: body, BodyRequired: true})

	raw := `{"price": 9.5, "meta": {"tags": ["a"], "n": 1}, "sku": "abc"}`
	req, errs, err := x.Extract(context.Background(), &RawRequest{
		Header: header("Content-Type", "application/json; charset=utf-8"),
		Body:   strings.NewReader(raw),
	})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, 9.5, req.Body.(map[string]any)["price"])

	logged, err := jsoncodec.Marshal(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(logged))
}

func TestMalformedJSONIsValidationError(t *testing.T) {
	x := New(Spec{Body: schema.MustCompile(&schema.Schema{Type: schema.TypeObject})})
	_, errs, err := x.Extract(context.Background(), &RawRequest{
		Header: header("Content-Type", "application/json"),
		Body:   strings.NewReader(`{"a":`),
	})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "body", errs[0].Location.String())
}

func TestMissingRequiredBody(t *testing.T) {
	x := New(Spec{Body: schema.MustCompile(&schema.Schema{Type: schema.TypeObject}), BodyRequired: true})
	_, errs, err := x.Extract(context.Background(), &RawRequest{})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "Field required", errs[0].Message)
}

func TestFormBodyCollapse(t *testing.T) {
	body := schema.MustCompile(&schema.Schema{
		Type: schema.TypeObject,
		Properties: map[string]*schema.Schema{
			"tags": {Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}},
			"age":  {Type: schema.TypeInteger},
		},
	})
	req, errs, err := New(Spec{Body: body}).Extract(context.Background(), &RawRequest{
		Header: header("Content-Type", "application/x-www-form-urlencoded"),
		Body:   strings.NewReader("tags=a&age=30&tags=b&name=x&name=y"),
	})
	require.NoError(t, err)
	require.Empty(t, errs)
	obj := req.Body.(map[string]any)
	assert.Equal(t, []any{"a", "b"}, obj["tags"])
	assert.Equal(t, int64(30), obj["age"])
	assert.Equal(t, "x", obj["name"])
}

func TestBodyParams(t *testing.T) {
	x := New(Spec{Params: []Param{
		{Name: "count", Source: schema.Body, Schema: schema.MustCompile(&schema.Schema{Type: schema.TypeInteger}), Required: true},
	}})
	req, errs, err := x.Extract(context.Background(), &RawRequest{
		Header: header("Content-Type", "application/x-www-form-urlencoded"),
		Body:   strings.NewReader("count=3&other=x"),
	})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, map[string]any{"count": int64(3), "other": "x"}, req.Body)
}

func TestRawBodyWithoutSchema(t *testing.T) {
	req, errs, err := New(Spec{}).Extract(context.Background(), &RawRequest{
		Header: header("Content-Type", "application/octet-stream"),
		Body:   strings.NewReader("\x00\x01"),
	})
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.Equal(t, []byte("\x00\x01"), req.RawBody)
	assert.Nil(t, req.Body)
}

func TestUnsupportedMediaType(t *testing.T) {
	_, _, err := New(Spec{Body: schema.MustCompile(&schema.Schema{Type: schema.TypeObject})}).Extract(context.Background(), &RawRequest{
		Header: header("Content-Type", "text/csv"),
		Body:   strings.NewReader("a,b"),
	})
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestBodyTooLarge(t *testing.T) {
	x := New(Spec{Body: schema.MustCompile(&schema.Schema{})}, WithMaxBodyBytes(4))
	_, _, err := x.Extract(context.Background(), &RawRequest{
		Header: header("Content-Type", "application/json"),
		Body:   strings.NewReader(`"12345"`),
	})
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	_, _, err = New(Spec{}, WithMaxBodyBytes(4)).Extract(context.Background(), &RawRequest{Body: strings.NewReader("1234")})
	assert.NoError(t, err)
}

type part struct {
	field, filename, contentType string
	content                      []byte
}

func multipartBody(t *testing.T, parts ...part) (message.Header, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(t, w.WriteField(p.field, string(p.content)))
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		fw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = fw.Write(p.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return header("Content-Type", w.FormDataContentType()), &buf
}

func TestMultipartSummary(t *testing.T) {
	h, body := multipartBody(t,
		part{field: "files", filename: "a.bin", content: bytes.Repeat([]byte{1}, 100)},
		part{field: "files", filename: "b.bin", content: bytes.Repeat([]byte{2}, 200)},
		part{field: "files", filename: "c.bin", content: bytes.Repeat([]byte{3}, 300)},
		part{field: "note", content: []byte("hi")},
	)
	x := New(Spec{Files: map[string]FileSpec{"files": {Required: true}}})
	req, errs, err := x.Extract(context.Background(), &RawRequest{Header: h, Body: body})
	require.NoError(t, err)
	require.Empty(t, errs)

	assert.Equal(t, message.MultipartSummary{FilesReceived: 3, TotalBytes: 600}, req.Multipart())
	for _, f := range req.Files {
		assert.Nil(t, f.Content)
	}
	obj := req.Body.(map[string]any)
	assert.Equal(t, "hi", obj["note"])
	assert.Len(t, obj["files"], 3)
}

func TestMultipartKeepContent(t *testing.T) {
	h, body := multipartBody(t, part{field: "doc", filename: "a.txt", contentType: "text/plain", content: []byte("hello")})
	x := New(Spec{Files: map[string]FileSpec{"doc": {KeepContent: true}}})
	req, errs, err := x.Extract(context.Background(), &RawRequest{Header: h, Body: body})
	require.NoError(t, err)
	require.Empty(t, errs)
	require.Len(t, req.Files, 1)
	assert.Equal(t, []byte("hello"), req.Files[0].Content)
	assert.Equal(t, int64(5), req.Files[0].Size)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestFileConstraints(t *testing.T) {
	spec := FileSpec{Required: true, MaxSize: 64, ContentTypes: []string{"image/*"}, VerifyMagic: true}

	tests := []struct {
		name    string
		parts   []part
		message string
	}{
		{"valid png", []part{{field: "avatar", filename: "a.png", contentType: "image/png", content: pngHeader}}, ""},
		{"missing", []part{{field: "other", content: []byte("x")}}, "Field required"},
		{"too large", []part{{field: "avatar", filename: "a.png", contentType: "image/png", content: bytes.Repeat([]byte{0}, 65)}}, "File size 65 exceeds the maximum of 64 bytes"},
		{"wrong type", []part{{field: "avatar", filename: "a.txt", contentType: "text/plain", content: []byte("hi")}}, "File type 'text/plain' is not allowed; expected one of image/*"},
		{"spoofed", []part{{field: "avatar", filename: "a.png", contentType: "image/png", content: []byte("<html></html>")}}, "File content does not match declared type 'image/png'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, body := multipartBody(t, tt.parts...)
			_, errs, err := New(Spec{Files: map[string]FileSpec{"avatar": spec}}).Extract(context.Background(), &RawRequest{Header: h, Body: body})
			require.NoError(t, err)
			if tt.message == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, "body.avatar", errs[0].Location.String())
			assert.Equal(t, tt.message, errs[0].Message)
		})
	}
}

func TestExtractHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New(Spec{}).Extract(ctx, &RawRequest{Body: http.NoBody})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssembleKeepsSourcesApart(t *testing.T) {
	req := Assemble(Fragments{
		PathParams:  map[string]any{"id": int64(1)},
		QueryParams: map[string]any{"id": "q"},
	})
	assert.Equal(t, int64(1), req.PathParams["id"])
	assert.Equal(t, "q", req.QueryParams["id"])
	assert.NotNil(t, req.Cookies)
	assert.NotNil(t, req.HeaderParams)
}
