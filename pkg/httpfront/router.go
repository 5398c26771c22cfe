// Package httpfront exposes the method tree over plain HTTP: help texts
// for browsing and direct calls for scripting. It is an auxiliary
// surface next to the AMQP runtime and obeys the same access policy,
// with its own key/keyhole pair from the configuration.
package httpfront

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/pkg/methodtree"
)

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /healthz - Liveness probe
//   - GET /help - Help for the whole accessible tree
//   - GET /help/{name} - Help for one method or namespace
//   - POST /call/{name} - Call a method with a JSON body
//   - GET /call/{name} - Call a read-only method with query parameters
func NewRouter(tree *methodtree.Tree, cfg Config) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &handler{tree: tree, cfg: cfg}

	r.Get("/healthz", h.Healthz)
	r.Get("/help", h.Help)
	r.Get("/help/{name}", h.Help)
	r.Route("/call/{name}", func(r chi.Router) {
		r.Post("/", h.Call)
		r.Get("/", h.CallReadOnly)
	})

	return r
}

// requestLogger logs requests using the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("HTTP request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", logger.Duration(start),
		)
	})
}
