package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/riandyrn/otelchi"
	"github.com/rs/cors"
)

// New returns a router that dashboards on origins may call from the browser.
// Every origin is allowed when none is given. ETag is exposed so that a
// dashboard can send the alert version back in If-Match.
func New(serviceName string, origins ...string) *chi.Mux {
	r := chi.NewRouter()

	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
	}).Handler)

	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))

	return r
}
