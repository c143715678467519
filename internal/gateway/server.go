// Package gateway is the ingestion boundary of the recovery pipeline. It
// authenticates and validates eviction webhooks, turns them into recovery
// tasks and hands them to the task queue. It never calls the compute
// provider itself.
package gateway

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"evictguard/internal/queue"
	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

// DefaultMaxBodyBytes caps webhook request bodies.
const DefaultMaxBodyBytes int64 = 64 << 10

// Options carries the Server's dependencies and settings.
type Options struct {
	APIKey        types.SecretString
	MaxBodyBytes  int64

	Producer queue.Producer
	Recorder telemetry.Recorder
	Logger   *slog.Logger

	Probes []HealthProbe
	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler
}

// Server encapsulates the gateway's dependencies and router.
type Server struct {
	Logger   *slog.Logger
	Recorder telemetry.Recorder
	Probes   []HealthProbe

	producer      queue.Producer
	apiKeyDigest  [sha256.Size]byte
	maxBodyBytes  int64
	metrics       http.Handler
	validate      *validator.Validate
	now           func() time.Time

	router *chi.Mux
}

// NewServer validates opts and builds a Server with its routes mounted.
func NewServer(opts Options) (*Server, error) {
	if opts.APIKey.IsZero() {
		return nil, fmt.Errorf("webhook API key must not be empty")
	}
	if opts.Producer == nil {
		return nil, fmt.Errorf("queue producer must not be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if opts.Recorder == nil {
		opts.Recorder = telemetry.Noop{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	v := types.NewValidator()
	v.RegisterTagNameFunc(jsonFieldName)

	s := &Server{
		Logger:        opts.Logger,
		Recorder:      opts.Recorder,
		Probes:        opts.Probes,
		producer:      opts.Producer,
		apiKeyDigest:  sha256.Sum256([]byte(opts.APIKey.Unmask())),
		maxBodyBytes:  opts.MaxBodyBytes,
		metrics:       opts.MetricsHandler,
		validate:      v,
		now:           time.Now,
		router:        chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonFieldName reports validation errors by their JSON field names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return f.Name
	}
	return name
}
