package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apispec "github.com/dgnsrekt/rental-realtime/api"
)

// LoadSpec parses the embedded OpenAPI document.
func LoadSpec() (*openapi3.T, error) {
	swagger, err := openapi3.NewLoader().LoadFromData(apispec.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := swagger.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	return swagger, nil
}

func NewRouter(relay *Relay, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Load OpenAPI spec for validation
	swagger, err := LoadSpec()
	if err != nil {
		return nil, err
	}
	swagger.Servers = nil // Allow any host

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/docs", swaggerUIHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(relay.Registry(), promhttp.HandlerOpts{}))
	r.Get("/relay", relay.HandleRelay)

	r.Group(func(streamRouter chi.Router) {
		streamRouter.Use(bearerAuth)
		streamRouter.Get("/events/stream", relay.HandleStream)
	})

	// API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(oapimiddleware.OapiRequestValidatorWithOptions(swagger, &oapimiddleware.Options{
			Options: openapi3filter.Options{
				// Bearer tokens are checked by bearerAuth.
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}))
		apiRouter.Use(bearerAuth)

		apiRouter.Post("/auth-channel", relay.handleAuthChannel)
		apiRouter.Method(http.MethodGet, "/events/poll", gzhttp.GzipHandler(http.HandlerFunc(relay.handlePoll)))
		apiRouter.Post("/messages/mark-read", relay.handleMarkRead)
		apiRouter.Post("/typing", relay.handleTyping)
		apiRouter.Post("/publish", relay.handlePublish)
	})

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskGrants(r.URL.RawQuery)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskGrants masks "grant" parameters in a query string
func maskGrants(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	var parts []string
	for k, vs := range values {
		for _, v := range vs {
			if k == "grant" && len(v) > 8 {
				v = v[:8] + "****"
			}
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(apispec.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Rental Real-Time Relay</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(html))
}
