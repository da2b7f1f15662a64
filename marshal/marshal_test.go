package marshal

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-polyglot/message"
	"go-polyglot/schema"
)

func TestWriteBufferedJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	resp := message.JSON(http.StatusCreated, map[string]any{"id": 1})
	resp.Headers.Add("X-Trace", "a")
	resp.Cookies = []*http.Cookie{{Name: "sid", Value: "xyz"}}

	require.NoError(t, New().Write(context.Background(), rr, resp, nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "a", rr.Header().Get("X-Trace"))
	assert.Equal(t, "8", rr.Header().Get("Content-Length"))
	assert.Contains(t, rr.Header().Get("Set-Cookie"), "sid=xyz")
	assert.JSONEq(t, `{"id":1}`, rr.Body.String())
}

func TestWriteNilBodyDefaultsToOK(t *testing.T) {
	rr := httptest.NewRecorder()
	require.NoError(t, New().Write(context.Background(), rr, &message.Response{}, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
}

type item struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func TestResponseSchema(t *testing.T) {
	s := schema.MustCompile(&schema.Schema{
		Type:     schema.TypeObject,
		Required: []string{"name", "price"},
		Properties: map[string]*schema.Schema{
			"name":  {Type: schema.TypeString},
			"price": {Type: schema.TypeNumber},
		},
	})

	t.Run("valid struct value", func(t *testing.T) {
		rr := httptest.NewRecorder()
		err := New().Write(context.Background(), rr, message.JSON(http.StatusOK, item{Name: "pen", Price: 1.5}), s)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"name":"pen","price":1.5}`, rr.Body.String())
	})

	t.Run("mismatch is a server error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		err := New().Write(context.Background(), rr, message.JSON(http.StatusOK, map[string]any{"name": "pen"}), s)
		var schemaErr *ResponseSchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, "body.price", schemaErr.Errors[0].Location.String())
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"detail":"Internal Server Error"}`, rr.Body.String())
	})

	t.Run("json bytes are decoded", func(t *testing.T) {
		rr := httptest.NewRecorder()
		resp := message.Bytes(http.StatusOK, "application/json", []byte(`{"name":"pen","price":"x"}`))
		err := New().Write(context.Background(), rr, resp, s)
		assert.Error(t, err)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestWriteValidationErrors(t *testing.T) {
	errs := []schema.ValidationError{
		{Location: schema.At(schema.Path).Field("id"), Expected: schema.TypeInteger, Message: "Input should be a valid integer"},
	}
	rr := httptest.NewRecorder()
	require.NoError(t, WriteValidationErrors(rr, errs))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.JSONEq(t, `{"detail":"1 validation error in request","errors":[{"location":"path.id","message":"Input should be a valid integer"}]}`, rr.Body.String())

	assert.Equal(t, "2 validation errors in request", ValidationDetail(2))
}

func TestWriteErrorDefaultsToStatusText(t *testing.T) {
	rr := httptest.NewRecorder()
	require.NoError(t, WriteError(rr, http.StatusServiceUnavailable, ""))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"detail":"Service Unavailable"}`, rr.Body.String())
}

func TestWriteChunked(t *testing.T) {
	rr := httptest.NewRecorder()
	resp := message.Chunked(http.StatusOK, message.FromSlice[message.Chunk]([]byte("Hello"), []byte(" "), []byte("World")))

	require.NoError(t, New().Write(context.Background(), rr, resp, nil))
	assert.Equal(t, "Hello World", rr.Body.String())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.True(t, rr.Flushed)
}

// recordingSource counts pulls and lifecycle hook calls.
type recordingSource struct {
	next        func(ctx context.Context, n int) (message.Chunk, error)
	pulls       atomic.Int32
	connects    atomic.Int32
	disconnects atomic.Int32
	closed      atomic.Bool
}

func (s *recordingSource) Next(ctx context.Context) (message.Chunk, error) {
	return s.next(ctx, int(s.pulls.Add(1)))
}
func (s *recordingSource) OnConnect()    { s.connects.Add(1) }
func (s *recordingSource) OnDisconnect() { s.disconnects.Add(1) }
func (s *recordingSource) Close() error {
	s.closed.Store(true)
	return nil
}

func TestChunkedStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &recordingSource{next: func(ctx context.Context, n int) (message.Chunk, error) {
		if n == 3 {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte("x"), nil
	}}

	rr := httptest.NewRecorder()
	err := New().Write(ctx, rr, message.Chunked(http.StatusOK, src), nil)
	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, "xx", rr.Body.String())
	assert.Equal(t, int32(1), src.connects.Load())
	assert.Equal(t, int32(1), src.disconnects.Load())
	assert.True(t, src.closed.Load())
}

type failingWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("write: broken pipe")
	}
	return w.ResponseRecorder.Write(p)
}

func TestChunkedStopsOnWriteFailure(t *testing.T) {
	src := &recordingSource{next: func(context.Context, int) (message.Chunk, error) {
		return []byte("x"), nil
	}}
	w := &failingWriter{ResponseRecorder: httptest.NewRecorder()}

	err := New().Write(context.Background(), w, message.Chunked(http.StatusOK, src), nil)
	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, int32(2), src.pulls.Load())
	assert.Equal(t, int32(1), src.disconnects.Load())
	assert.Equal(t, "x", w.Body.String())
}

func TestChunkedProducerErrorIsReturned(t *testing.T) {
	boom := errors.New("generator raised")
	src := &recordingSource{next: func(context.Context, int) (message.Chunk, error) { return nil, boom }}
	err := New().Write(context.Background(), httptest.NewRecorder(), message.Chunked(http.StatusOK, src), nil)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, src.disconnects.Load())
}

func TestClientDisconnectMidStream(t *testing.T) {
	src := &recordingSource{next: func(ctx context.Context, n int) (message.Chunk, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return []byte("tick\n"), nil
		}
	}}
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result <- New().Write(r.Context(), w, message.Chunked(http.StatusOK, src), nil)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "tick\n", line)
	require.NoError(t, resp.Body.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClientGone)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after disconnect")
	}
	assert.Equal(t, int32(1), src.disconnects.Load())
	pulls := src.pulls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, pulls, src.pulls.Load())
}

func TestFormatEvent(t *testing.T) {
	assert.Equal(t, "id: 7\nevent: update\ndata: line one\ndata: line two\n\n",
		FormatEvent(message.Event{ID: "7", Event: "update", Data: "line one\r\nline two"}))
	assert.Equal(t, "data: \n\n", FormatEvent(message.Event{}))
	assert.Equal(t, "event: xinjected\ndata: a\n\n", FormatEvent(message.Event{Event: "x\ninjected", Data: "a"}))
}

func TestWriteEvents(t *testing.T) {
	var connected, disconnected atomic.Int32
	src := message.WithHooks(message.FromSlice(
		message.Event{ID: "1", Event: "tick", Data: "a"},
		message.Event{Data: "b"},
	), message.Hooks{
		OnConnect:    func() { connected.Add(1) },
		OnDisconnect: func() { disconnected.Add(1) },
	})

	rr := httptest.NewRecorder()
	require.NoError(t, New().Write(context.Background(), rr, message.Events(src), nil))

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "id: 1\nevent: tick\ndata: a\n\ndata: b\n\n", rr.Body.String())
	assert.Equal(t, int32(1), connected.Load())
	assert.Zero(t, disconnected.Load())
}

func TestEventsFromHub(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	rr := httptest.NewRecorder()
	done := make(chan error, 1)
	go func() { done <- m.Write(ctx, rr, message.Events(HubSource(m.Hub(), "feed")), nil) }()

	require.Eventually(t, func() bool { return m.Hub().Subscribers("feed") == 1 }, time.Second, time.Millisecond)
	_, err := m.Hub().Publish("feed", "note", "hello")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, ErrClientGone)
	assert.True(t, strings.Contains(rr.Body.String(), "event: note\ndata: hello\n\n"))
	assert.Zero(t, m.Hub().Subscribers("feed"))
}

var _ io.Closer = (*recordingSource)(nil)
