package gateway

import (
	"net/http"
)

// defaultRedactedHeaders lists header names whose values are masked in
// request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// mountRoutes registers the middleware chain and endpoints.
//
// Ordering:
//  1. Recoverer       - outermost, so every panic becomes a 500.
//  2. RequestID       - correlation ID for logs and queued tasks.
//  3. SecurityHeaders
//  4. RequestLogger   - structured logging with redacted headers.
//  5. Metrics         - request latency and count.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Text(w, http.StatusNotFound, "Not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		Text(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	s.router.Post("/webhook", s.HandleWebhook)
	s.router.Get("/health", s.HandleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
}
