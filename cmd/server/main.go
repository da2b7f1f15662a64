package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"go-polyglot/bridge"
	"go-polyglot/extract"
	"go-polyglot/internal/logging"
	"go-polyglot/marshal"
	"go-polyglot/server"
	"go-polyglot/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using the process environment")
	}

	cfgPath := os.Getenv("ENGINE_CONFIG")
	if cfgPath == "" {
		cfgPath = "engine.yaml"
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.SetLogger(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal("engine stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *Config) error {
	log := logging.Logger()

	manifest, err := server.LoadManifest(cfg.Manifest)
	if err != nil {
		return err
	}
	compileOpts := []extract.Option{extract.WithMaxBodyBytes(cfg.MaxBodyBytes)}
	table, err := server.Compile(manifest, nil, compileOpts...)
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(cfg.workerConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)
	if err := metrics.Register(); err != nil {
		return err
	}

	b := bridge.New(pool.Loops(cfg.Dispatch.QueueCapacity),
		bridge.WithMaxPending(cfg.Dispatch.MaxPending),
		bridge.WithTimeout(cfg.dispatchTimeout()),
		bridge.WithObserver(metrics),
		bridge.WithTracer(otel.Tracer("go-polyglot/bridge")),
	)
	defer b.Close()

	engine := newEngine(cfg, table, b, metrics)

	if cfg.HotReload.Enabled {
		if err := pool.EnableHotReload(ctx, cfg.HotReload.Dirs, cfg.HotReload.Extensions...); err != nil {
			log.Warn("hot reload disabled", zap.Error(err))
		} else {
			log.Info("hot reload enabled", zap.Strings("dirs", cfg.HotReload.Dirs))
		}
		if cfg.HotReload.Manifest {
			if err := engine.WatchManifest(ctx, cfg.Manifest, nil, compileOpts...); err != nil {
				log.Warn("manifest reload disabled", zap.Error(err))
			}
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(engine, pool, b, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, draining")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
	}()

	log.Info("engine listening",
		zap.String("addr", cfg.Addr),
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("max_requests_per_worker", cfg.Workers.MaxRequests),
		zap.Int("request_timeout_ms", cfg.Workers.RequestTimeoutMs),
		zap.Int64("max_pending", cfg.Dispatch.MaxPending),
		zap.Strings("routes", table.Describe()),
	)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("http server shut down cleanly")
	return nil
}

func newEngine(cfg *Config, table *server.RouteTable, d server.Dispatcher, metrics *server.Metrics) *server.Engine {
	opts := []server.Option{
		server.WithMetrics(metrics),
		server.WithMarshaler(marshal.New(marshal.WithCheckOrigin(originChecker(cfg.CORS)))),
	}
	if len(cfg.Auth.Prefixes) > 0 {
		opts = append(opts, server.WithHooks(server.Hooks{
			OnRequest: []server.RequestHook{authHook(cfg.Auth, []byte(cfg.JWTSecret))},
		}))
	}
	if cfg.CORS != nil {
		opts = append(opts, server.WithCORS(cfg.CORS.options()))
	}
	return server.New(table, d, opts...)
}

// originChecker allows WebSocket upgrades from the CORS origins, or from
// the same host when CORS is not configured.
func originChecker(c *CORSConfig) func(*http.Request) bool {
	if c == nil {
		return nil
	}
	allowed := make(map[string]bool, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// newHandler puts the admin endpoints in front of the engine.
func newHandler(engine *server.Engine, pool workerPool, dispatch inflight, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/__engine/", adminRouter(engine, pool, dispatch, gatherer))
	mux.Handle("/", engine)
	return mux
}
