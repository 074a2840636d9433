package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jetgogoing/memoryd/internal/api/handlers"
	"github.com/jetgogoing/memoryd/internal/api/middleware"
	"github.com/jetgogoing/memoryd/internal/config"
)

// NewRouter builds the HTTP router for spec §6.2's six routes, wired to
// the Service façade via Handlers. Middleware chain adapted from the
// teacher's router.go: request ID, recoverer, compression, structured
// logging, project-scope extraction, tracing, then CORS.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.ProjectExtractor)
	r.Use(middleware.Telemetry)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Project-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))

	r.Post("/memory/store", h.MemoryStore)
	r.Post("/memory/search", h.MemorySearch)
	r.Post("/memory/inject", h.MemoryInject)
	r.Post("/conversation/store", h.ConversationStore)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", h.ListProjects)
		r.Post("/", h.CreateProject)
		r.Get("/{projectID}/conversations", h.GetRecentConversations)
	})

	return r
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("MEMORY_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "memoryd",
		})
	}
}
