package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.yaml.in/yaml/v4"

	"go-polyglot/internal/logging"
	"go-polyglot/worker"
)

type WorkerConfig struct {
	Command          []string `yaml:"command" validate:"required,min=1,dive,required"`
	Dir              string   `yaml:"dir"`
	Env              []string `yaml:"env"`
	Count            int      `yaml:"count" validate:"gte=1"`
	MaxRequests      int      `yaml:"max_requests" validate:"gte=0"`
	RequestTimeoutMs int      `yaml:"request_timeout_ms" validate:"gte=1"`
	MaxFrameBytes    int      `yaml:"max_frame_bytes" validate:"gte=0"`
}

type DispatchConfig struct {
	// QueueCapacity bounds the queue of each worker loop.
	QueueCapacity int `yaml:"queue_capacity" validate:"gte=1"`
	// MaxPending bounds dispatches in flight across all loops.
	MaxPending int64 `yaml:"max_pending" validate:"gte=1"`
	TimeoutMs  int   `yaml:"timeout_ms" validate:"gte=0"`
}

type HotReloadConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Dirs       []string `yaml:"dirs" validate:"required_if=Enabled true"`
	Extensions []string `yaml:"extensions"`
	// Manifest also reloads the route table when the manifest changes.
	Manifest bool `yaml:"manifest"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" validate:"required,min=1"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age" validate:"gte=0"`
}

func (c *CORSConfig) options() cors.Options {
	return cors.Options{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   c.AllowedMethods,
		AllowedHeaders:   c.AllowedHeaders,
		ExposedHeaders:   c.ExposedHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

type AuthConfig struct {
	// Prefixes lists path prefixes that require a bearer token.
	Prefixes []string `yaml:"prefixes" validate:"dive,startswith=/"`
	// Header carries the authenticated subject to the guest.
	Header string `yaml:"header"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Config is the engine binary's configuration file.
type Config struct {
	Addr         string          `yaml:"addr" validate:"required"`
	Manifest     string          `yaml:"manifest" validate:"required"`
	MaxBodyBytes int64           `yaml:"max_body_bytes" validate:"gte=0"`
	Workers      WorkerConfig    `yaml:"workers"`
	Dispatch     DispatchConfig  `yaml:"dispatch"`
	HotReload    HotReloadConfig `yaml:"hot_reload"`
	CORS         *CORSConfig     `yaml:"cors" validate:"omitnil"`
	Auth         AuthConfig      `yaml:"auth"`
	Log          LogConfig       `yaml:"log"`

	// JWTSecret only ever comes from the environment.
	JWTSecret string `yaml:"-"`
}

func defaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		Manifest:     "routes.yaml",
		MaxBodyBytes: 16 << 20,
		Workers: WorkerConfig{
			Command:          []string{"php", "worker.php"},
			Count:            4,
			MaxRequests:      1000,
			RequestTimeoutMs: 10000,
			MaxFrameBytes:    worker.DefaultMaxFrameBytes,
		},
		Dispatch: DispatchConfig{
			QueueCapacity: 64,
			MaxPending:    1024,
			TimeoutMs:     30000,
		},
		Auth: AuthConfig{Header: "X-User-Id"},
		Log:  LogConfig{Level: "info"},
	}
}

var validate = validator.New()

// loadConfig reads the YAML file at path over the defaults. A missing file
// means defaults. Environment variables override the file and the result is
// validated.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logging.Logger().Info("no config file found, using defaults", zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if addr := os.Getenv("ENGINE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if manifest := os.Getenv("ENGINE_MANIFEST"); manifest != "" {
		cfg.Manifest = manifest
	}
	cfg.JWTSecret = os.Getenv("APP_JWT_SECRET")
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if len(cfg.Auth.Prefixes) > 0 && cfg.JWTSecret == "" {
		return nil, errors.New("auth.prefixes is set but APP_JWT_SECRET is empty")
	}
	return cfg, nil
}

func (c *Config) workerConfig() worker.Config {
	return worker.Config{
		Command:        c.Workers.Command,
		Dir:            c.Workers.Dir,
		Env:            c.Workers.Env,
		Count:          c.Workers.Count,
		MaxRequests:    c.Workers.MaxRequests,
		RequestTimeout: time.Duration(c.Workers.RequestTimeoutMs) * time.Millisecond,
		MaxFrameBytes:  c.Workers.MaxFrameBytes,
	}
}

func (c *Config) dispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutMs) * time.Millisecond
}
