package marshal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"go-polyglot/message"
)

// lifecycle fires a source's connect and disconnect hooks, each at most once.
type lifecycle struct {
	connect    func()
	disconnect func()
	once       sync.Once
}

func hooksOf(src any) *lifecycle {
	l := &lifecycle{}
	if h, ok := src.(message.ConnectHook); ok {
		l.connect = h.OnConnect
	}
	if h, ok := src.(message.DisconnectHook); ok {
		l.disconnect = h.OnDisconnect
	}
	return l
}

func (l *lifecycle) connected() {
	if l.connect != nil {
		l.connect()
	}
}

func (l *lifecycle) disconnected() {
	l.once.Do(func() {
		if l.disconnect != nil {
			l.disconnect()
		}
	})
}

// pump pulls items from next and hands each to emit, flushing after every
// item. The next item is only requested once the previous one has been
// written, so a slow client slows the producer down.
func pump[T any](ctx context.Context, w http.ResponseWriter, src message.Source[T], emit func(T) error) error {
	defer message.CloseSource(src)

	rc := http.NewResponseController(w)
	hooks := hooksOf(src)
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		hooks.disconnected()
		return ErrClientGone
	}
	hooks.connected()

	for {
		item, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				hooks.disconnected()
				return ErrClientGone
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			hooks.disconnected()
			return ErrClientGone
		}
		if err := emit(item); err != nil {
			hooks.disconnected()
			return ErrClientGone
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			hooks.disconnected()
			return ErrClientGone
		}
	}
}

func writeChunked(ctx context.Context, w http.ResponseWriter, resp *message.Response, src message.Source[message.Chunk]) error {
	writeHead(w, resp)
	h := w.Header()
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/plain")
	}
	h.Del("Content-Length")
	w.WriteHeader(status(resp))

	return pump(ctx, w, src, func(chunk message.Chunk) error {
		if len(chunk) == 0 {
			return nil
		}
		_, err := w.Write(chunk)
		return err
	})
}

func writeEvents(ctx context.Context, w http.ResponseWriter, resp *message.Response, src message.Source[message.Event]) error {
	writeHead(w, resp)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Del("Content-Length")
	w.WriteHeader(status(resp))

	return pump(ctx, w, src, func(ev message.Event) error {
		_, err := io.WriteString(w, FormatEvent(ev))
		return err
	})
}

// FormatEvent frames one server-sent event: optional id and event lines,
// one data line per line of data, and a blank line terminator.
func FormatEvent(ev message.Event) string {
	var b strings.Builder
	if ev.ID != "" {
		b.WriteString("id: ")
		b.WriteString(sanitizeLine(ev.ID))
		b.WriteByte('\n')
	}
	if ev.Event != "" {
		b.WriteString("event: ")
		b.WriteString(sanitizeLine(ev.Event))
		b.WriteByte('\n')
	}
	data := strings.ReplaceAll(ev.Data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// sanitizeLine keeps single-line fields from injecting extra fields.
func sanitizeLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
