package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-polyglot/internal/jsoncodec"
	"go-polyglot/marshal"
	"go-polyglot/message"
	"go-polyglot/server"
	"go-polyglot/worker"
)

// workerPool is the part of *worker.Pool the admin endpoints use.
type workerPool interface {
	Stats() worker.Stats
	ForceRecycle()
}

type inflight interface {
	Inflight() int64
}

type Health struct {
	Status   string       `json:"status"`
	Routes   int          `json:"routes"`
	Inflight int64        `json:"inflight"`
	Workers  worker.Stats `json:"workers"`
}

type publishRequest struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

// adminRouter serves the /__engine endpoints.
func adminRouter(engine *server.Engine, pool workerPool, dispatch inflight, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = marshal.WriteError(w, http.StatusMethodNotAllowed, "")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = marshal.WriteError(w, http.StatusNotFound, "")
	})

	r.Route("/__engine", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			h := Health{
				Status:   "ok",
				Routes:   engine.Table().Len(),
				Inflight: dispatch.Inflight(),
				Workers:  pool.Stats(),
			}
			if h.Workers.Workers > 0 && h.Workers.DeadWorkers == h.Workers.Workers {
				h.Status = "degraded"
			}
			writeJSON(w, http.StatusOK, h)
		})

		r.Post("/recycle", func(w http.ResponseWriter, r *http.Request) {
			pool.ForceRecycle()
			writeJSON(w, http.StatusOK, map[string]string{
				"status": "ok",
				"note":   "all workers marked dead; will respawn on next requests",
			})
		})

		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

		// POST /__engine/publish {"channel": "...", "event": "...", "data": ...}
		r.Post("/publish", func(w http.ResponseWriter, r *http.Request) {
			var body publishRequest
			if err := jsoncodec.Decode(r.Body, &body); err != nil {
				_ = marshal.WriteError(w, http.StatusBadRequest, "invalid JSON")
				return
			}
			if body.Channel == "" {
				_ = marshal.WriteError(w, http.StatusBadRequest, "missing channel")
				return
			}
			n, err := engine.Marshaler().Hub().Publish(body.Channel, body.Event, body.Data)
			if err != nil {
				_ = marshal.WriteError(w, http.StatusBadRequest, "data cannot be encoded")
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
		})

		// GET /__engine/events?channel=... streams a hub channel as SSE.
		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			channel := r.URL.Query().Get("channel")
			if channel == "" {
				_ = marshal.WriteError(w, http.StatusBadRequest, "missing channel")
				return
			}
			m := engine.Marshaler()
			_ = m.Write(r.Context(), w, message.Events(marshal.HubSource(m.Hub(), channel)), nil)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, v)
}
