package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/learnloop/llm-gateway/app"
	"github.com/learnloop/llm-gateway/handlers"
	gwmiddleware "github.com/learnloop/llm-gateway/middleware"
	"github.com/learnloop/llm-gateway/utils"
)

// defaultRequestTimeout caps a request when no server write timeout is set
const defaultRequestTimeout = 2 * time.Minute

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	timeout := deps.Config.Server.WriteTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(gwmiddleware.RequestContext)
	r.Use(middleware.RealIP)
	r.Use(gwmiddleware.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.DatabaseChecker(), deps.LLM, deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	llm := handlers.NewLLMHandler(deps.LLM, deps.Logger)
	r.Route("/api/v1/llm", func(r chi.Router) {
		r.Post("/completions", llm.HandleCompletion)
		r.Post("/completions/structured", llm.HandleStructuredCompletion)
		r.Post("/completions/usage", llm.HandleUsageCompletion)
		r.Get("/providers", llm.HandleProviders)
		r.Post("/cost-estimate", llm.HandleCostEstimate)
		r.Get("/usage/summary", llm.HandleUsageSummary)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
