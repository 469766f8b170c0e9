package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetlens/fleetlens-be/internal/api/handlers"
	"github.com/fleetlens/fleetlens-be/internal/auth"
	"github.com/fleetlens/fleetlens-be/internal/config"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
	"github.com/fleetlens/fleetlens-be/internal/websocket"
)

// Deps bundles everything the router wires into handlers.
type Deps struct {
	Config   *config.Config
	Hub      *websocket.Hub
	Store    services.EventStoreProvider
	Ingest   services.IngestServiceProvider
	Agents   services.AgentServiceProvider
	Tasks    services.TaskServiceProvider
	Projects services.ProjectServiceProvider
	Metrics  services.MetricsServiceProvider
	Alerts   services.AlertServiceProvider
	APIKeys  services.APIKeyServiceProvider
}

// NewRouter creates and configures a new Chi router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration for dashboard frontends
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Initialize handlers
	ingestHandler := handlers.NewIngestHandler(d.Ingest)
	agentHandler := handlers.NewAgentHandler(d.Agents)
	taskHandler := handlers.NewTaskHandler(d.Tasks)
	activityHandler := handlers.NewActivityHandler(d.Store)
	statsHandler := handlers.NewStatsHandler(d.Metrics)
	projectHandler := handlers.NewProjectHandler(d.Projects)
	alertHandler := handlers.NewAlertHandler(d.Alerts)
	apiKeyHandler := handlers.NewAPIKeyHandler(d.APIKeys)
	wsHandler := handlers.NewWebSocketHandler(d.Hub, []byte(d.Config.JWTSecret))

	limiter := NewRateLimiter(d.Config.RateLimitPerSecond, d.Config.RateLimitBurst)

	// Unauthenticated surface
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket connect endpoint authenticates via its own short-lived
		// token; everything else goes through the API-key middleware.
		r.Get("/ws", wsHandler.Serve)

		r.Group(func(r chi.Router) {
			r.Use(auth.APIKeyMiddleware(d.APIKeys))
			r.Use(limiter.Middleware)

			// Write surface
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleWrite))
				r.Post("/ingest", ingestHandler.Ingest)
			})

			// Read surface
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleRead))

				r.Post("/ws-token", wsHandler.Token)

				r.Route("/agents", func(r chi.Router) {
					r.Get("/", agentHandler.List)
					r.Get("/{agentId}", agentHandler.Get)
					r.Get("/{agentId}/pipeline", agentHandler.Pipeline)
				})

				r.Route("/tasks", func(r chi.Router) {
					r.Get("/", taskHandler.List)
					r.Get("/{taskId}/timeline", taskHandler.Timeline)
				})

				r.Get("/activity", activityHandler.List)
				r.Get("/stats/metrics", statsHandler.Query)

				r.Route("/costs", func(r chi.Router) {
					r.Get("/summary", statsHandler.Costs)
					r.Get("/timeseries", statsHandler.Timeseries)
					r.Get("/calls", statsHandler.CostCalls)
				})

				r.Get("/alerts/history", alertHandler.History)
				r.Get("/alerts/rules", alertHandler.List)
				r.Get("/alerts/rules/{ruleId}", alertHandler.Get)

				r.Get("/projects", projectHandler.List)
				r.Get("/projects/{projectId}", projectHandler.Get)
				r.Get("/projects/{projectId}/members", projectHandler.Members)
			})

			// Admin and mutating configuration surface
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleWrite))

				r.Post("/projects", projectHandler.Create)
				r.Put("/projects/{projectId}", projectHandler.Update)
				r.Delete("/projects/{projectId}", projectHandler.Delete)

				r.Post("/alerts/rules", alertHandler.Create)
				r.Put("/alerts/rules/{ruleId}", alertHandler.Update)
				r.Delete("/alerts/rules/{ruleId}", alertHandler.Delete)
			})

			r.Route("/keys", func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleAdmin))
				r.Get("/", apiKeyHandler.List)
				r.Post("/", apiKeyHandler.Create)
				r.Delete("/{keyId}", apiKeyHandler.Delete)
			})
		})
	})

	return r
}
