// Package server is the request pipeline: it routes through an immutable
// route table snapshot, validates input, dispatches to the guest and
// marshals the result.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-polyglot/bridge"
	"go-polyglot/extract"
	"go-polyglot/internal/logging"
	"go-polyglot/marshal"
	"go-polyglot/message"
	"go-polyglot/schema"
)

// Dispatcher runs guest handlers. *bridge.Bridge implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, handler string, req *message.Request) (*message.Response, error)
	Deliver(ctx context.Context, handler string, ev *message.SocketEvent) (*message.Reply, error)
}

// RequestHook runs before routing. A non-nil response ends the request.
// Hooks may edit r.Header; the edited headers are what the guest sees.
type RequestHook func(r *http.Request) *message.Response

// ValidationHook runs after routing and before extraction.
type ValidationHook func(ctx context.Context, route *Route, raw *extract.RawRequest) *message.Response

// HandlerHook runs on the validated request before dispatch.
type HandlerHook func(ctx context.Context, route *Route, req *message.Request) *message.Response

// ResponseHook may change the status and headers of a response before it
// is written. req is nil for responses produced by a request hook.
type ResponseHook func(ctx context.Context, route *Route, req *message.Request, resp *message.Response)

// ErrorHook observes dispatch and marshal failures.
type ErrorHook func(ctx context.Context, route *Route, err error)

// Hooks are the lifecycle callbacks, run in registration order.
type Hooks struct {
	OnRequest     []RequestHook
	PreValidation []ValidationHook
	PreHandler    []HandlerHook
	OnResponse    []ResponseHook
	OnError       []ErrorHook
}

func (h *Hooks) merge(o Hooks) {
	h.OnRequest = append(h.OnRequest, o.OnRequest...)
	h.PreValidation = append(h.PreValidation, o.PreValidation...)
	h.PreHandler = append(h.PreHandler, o.PreHandler...)
	h.OnResponse = append(h.OnResponse, o.OnResponse...)
	h.OnError = append(h.OnError, o.OnError...)
}

type Option func(*Engine)

func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks.merge(h) }
}

func WithMarshaler(m *marshal.Marshaler) Option {
	return func(e *Engine) { e.marshal = m }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCORS answers preflight requests and decorates responses per opts.
func WithCORS(opts cors.Options) Option {
	return func(e *Engine) { e.cors = &opts }
}

type snapshot struct {
	table *RouteTable
	mux   http.Handler
}

// Engine serves HTTP requests against the current route table.
type Engine struct {
	current atomic.Pointer[snapshot]
	guest   Dispatcher
	marshal *marshal.Marshaler
	metrics *Metrics
	hooks   Hooks
	cors    *cors.Options
	handler http.Handler
}

// New builds an engine serving table. It panics if the table cannot be
// mounted, which Compile rules out for the tables it returns.
func New(table *RouteTable, guest Dispatcher, opts ...Option) *Engine {
	e := &Engine{guest: guest}
	for _, opt := range opts {
		opt(e)
	}
	if e.marshal == nil {
		e.marshal = marshal.New()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	e.handler = http.HandlerFunc(e.serve)
	if e.cors != nil {
		e.handler = cors.Handler(*e.cors)(e.handler)
	}
	if err := e.Swap(table); err != nil {
		panic(err)
	}
	return e
}

// Table returns the route table currently in use.
func (e *Engine) Table() *RouteTable {
	return e.current.Load().table
}

// Marshaler returns the response marshaler, whose hub backs broadcasts.
func (e *Engine) Marshaler() *marshal.Marshaler {
	return e.marshal
}

// Swap atomically replaces the route table. Requests already routed keep
// the snapshot they started with.
func (e *Engine) Swap(table *RouteTable) error {
	snap, err := e.mount(table)
	if err != nil {
		return err
	}
	e.current.Store(snap)
	return nil
}

func (e *Engine) mount(table *RouteTable) (snap *snapshot, err error) {
	if table == nil {
		table = &RouteTable{}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("mount route table: %v", p)
		}
	}()

	mux := chi.NewMux()
	mux.Use(middleware.Recoverer)
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = marshal.WriteError(w, http.StatusNotFound, "")
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = marshal.WriteError(w, http.StatusMethodNotAllowed, "")
	})
	for _, route := range table.routes {
		mux.Method(route.Method, route.Pattern, e.routeHandler(route))
	}
	return &snapshot{table: table, mux: mux}, nil
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.handler.ServeHTTP(w, r)
}

type stateKey struct{}

// requestState follows one request through the pipeline for logging.
type requestState struct {
	id    string
	route *Route
	err   error
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := &requestState{id: requestID(r)}
	sw := &statusWriter{ResponseWriter: w}
	sw.Header().Set("X-Request-Id", st.id)
	r = r.WithContext(context.WithValue(r.Context(), stateKey{}, st))

	defer func() { e.logRequest(r, sw, st, time.Since(start)) }()

	for _, hook := range e.hooks.OnRequest {
		if resp := hook(r); resp != nil {
			e.respond(r.Context(), sw, nil, nil, resp)
			return
		}
	}
	e.current.Load().mux.ServeHTTP(sw, r)
}

func (e *Engine) routeHandler(route *Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		st, _ := ctx.Value(stateKey{}).(*requestState)
		if st == nil {
			st = &requestState{id: requestID(r)}
		}
		st.route = route

		header := message.HeaderFromHTTP(r.Header)
		if r.Host != "" && !header.Has("Host") {
			header.Set("Host", r.Host)
		}
		raw := &extract.RawRequest{
			ID:         st.id,
			Method:     r.Method,
			Path:       r.URL.Path,
			RawPath:    r.URL.EscapedPath(),
			RawQuery:   r.URL.RawQuery,
			Route:      route.Pattern,
			Handler:    route.Handler,
			Header:     header,
			Body:       r.Body,
			PathParams: pathParams(r),
		}

		for _, hook := range e.hooks.PreValidation {
			if resp := hook(ctx, route, raw); resp != nil {
				e.respond(ctx, w, route, nil, resp)
				return
			}
		}

		req, verrs, err := route.extractor.Extract(ctx, raw)
		if err != nil {
			e.fail(ctx, w, route, st, err, http.StatusBadRequest)
			return
		}
		if len(verrs) > 0 {
			e.metrics.rejected(route.Pattern)
			_ = marshal.WriteValidationErrors(w, verrs)
			return
		}

		for _, hook := range e.hooks.PreHandler {
			if resp := hook(ctx, route, req); resp != nil {
				e.respond(ctx, w, route, req, resp)
				return
			}
		}

		if route.Streaming == StreamWebSocket {
			e.serveSocket(w, r, route, req)
			return
		}

		dctx := ctx
		if route.Timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, route.Timeout)
			defer cancel()
		}
		resp, err := e.guest.Dispatch(dctx, route.Handler, req)
		if err != nil {
			e.fail(ctx, w, route, st, err, http.StatusInternalServerError)
			return
		}
		e.respond(ctx, w, route, req, resp)
	}
}

// pathParams returns the matched template segments, percent-decoded exactly
// once. chi matches on URL.Path, which is already decoded, unless the request
// carries a distinct RawPath.
func pathParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	routedRaw := rctx.RoutePath == "" && r.URL.RawPath != ""
	out := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		v := rctx.URLParams.Values[i]
		if routedRaw {
			if dec, err := url.PathUnescape(v); err == nil {
				v = dec
			}
		}
		out[key] = v
	}
	return out
}

func (e *Engine) respond(ctx context.Context, w http.ResponseWriter, route *Route, req *message.Request, resp *message.Response) {
	for _, hook := range e.hooks.OnResponse {
		hook(ctx, route, req, resp)
	}

	responseSchema := route.responseSchema()
	if resp.IsStream() {
		kind := StreamChunked
		if _, ok := resp.Body.(*message.SSEStream); ok {
			kind = StreamSSE
		}
		defer e.metrics.streamOpened(kind)()
	}

	err := e.marshal.Write(ctx, w, resp, responseSchema)
	switch {
	case err == nil:
	case errors.Is(err, marshal.ErrClientGone):
		logging.Logger().Debug("client left during stream", zap.String("route", route.label()))
	default:
		var schemaErr *marshal.ResponseSchemaError
		if errors.As(err, &schemaErr) {
			logging.Logger().Error("response failed its schema",
				zap.String("route", route.label()),
				zap.String("handler", route.handler()),
				zap.Strings("errors", errorStrings(schemaErr)))
		} else {
			logging.Logger().Warn("write response", zap.String("route", route.label()), zap.Error(err))
		}
		e.runErrorHooks(ctx, route, err)
	}
}

// fail writes the error response for err. Cancelled dispatches and
// extraction aborted by the client write nothing.
func (e *Engine) fail(ctx context.Context, w http.ResponseWriter, route *Route, st *requestState, err error, fallback int) {
	st.err = err
	e.runErrorHooks(ctx, route, err)

	status := statusFor(err, fallback)
	log := logging.Logger().With(zap.String("request_id", st.id), zap.String("route", route.label()), zap.String("handler", route.handler()))
	switch {
	case status == 0:
		log.Debug("request abandoned by client", zap.Error(err))
		return
	case status >= http.StatusInternalServerError:
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	default:
		log.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	_ = marshal.WriteError(w, status, "")
}

func (e *Engine) runErrorHooks(ctx context.Context, route *Route, err error) {
	for _, hook := range e.hooks.OnError {
		hook(ctx, route, err)
	}
}

// statusFor maps pipeline errors to HTTP statuses. Zero means the client
// is gone and nothing should be written.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, extract.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, extract.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	if kind := bridge.KindOf(err); kind != "" {
		return kind.Status()
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return fallback
}

func (e *Engine) serveSocket(w http.ResponseWriter, r *http.Request, route *Route, req *message.Request) {
	defer e.metrics.streamOpened(StreamWebSocket)()
	err := e.marshal.ServeSocket(w, r, &marshal.SocketSpec{
		Route:           route.Pattern,
		Handler:         route.Handler,
		Request:         req,
		Message:         route.message,
		Guest:           e.guest,
		MaxMessageBytes: route.Spec.MaxMessageBytes,
	})
	if err != nil {
		logging.Logger().Debug("websocket upgrade failed", zap.String("route", route.label()), zap.Error(err))
	}
}

func (e *Engine) logRequest(r *http.Request, sw *statusWriter, st *requestState, elapsed time.Duration) {
	status := sw.status
	if status == 0 {
		// nothing written: the client went away first
		status = 499
	}
	pattern := st.route.label()
	e.metrics.request(pattern, r.Method, status, elapsed)

	fields := []zap.Field{
		zap.String("request_id", st.id),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("route", pattern),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
		zap.Int64("bytes", sw.bytes),
	}
	if h := st.route.handler(); h != "" {
		fields = append(fields, zap.String("handler", h))
	}
	logging.Logger().Info("request", fields...)
}

func (r *Route) label() string {
	if r == nil {
		return ""
	}
	return r.Pattern
}

func (r *Route) handler() string {
	if r == nil {
		return ""
	}
	return r.Handler
}

func (r *Route) responseSchema() *schema.Schema {
	if r == nil {
		return nil
	}
	return r.response
}

func errorStrings(err *marshal.ResponseSchemaError) []string {
	out := make([]string, len(err.Errors))
	for i, e := range err.Errors {
		out[i] = e.Error()
	}
	return out
}

// statusWriter records what was written for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	_ = w.FlushError()
}

func (w *statusWriter) FlushError() error {
	return http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil && w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
