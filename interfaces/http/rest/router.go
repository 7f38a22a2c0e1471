package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"casefile-backend/interfaces/http/rest/handlers"
	"casefile-backend/interfaces/http/rest/middleware"
	"casefile-backend/interfaces/websocket"
	"casefile-backend/pkg/auth"
)

// Router wires the REST API, the websocket upgrade endpoint, and the
// operational endpoints onto one chi mux.
type Router struct {
	collabHandler *handlers.CollabHandler
	wsServer      *websocket.Server
	validator     *auth.JWTValidator
	registry      prometheus.Gatherer
	logger        *zap.Logger
	enableCORS    bool
	enableMetrics bool
}

type RouterConfig struct {
	CollabHandler *handlers.CollabHandler
	WSServer      *websocket.Server
	Validator     *auth.JWTValidator
	Metrics       prometheus.Gatherer
	Logger        *zap.Logger
	EnableCORS    bool
	EnableMetrics bool
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		collabHandler: cfg.CollabHandler,
		wsServer:      cfg.WSServer,
		validator:     cfg.Validator,
		registry:      cfg.Metrics,
		logger:        cfg.Logger,
		enableCORS:    cfg.EnableCORS,
		enableMetrics: cfg.EnableMetrics,
	}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))

	if rt.enableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"http://localhost:3000", "https://*.casefile.io"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.enableMetrics && rt.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}

	// Websocket upgrades authenticate inside the handler because
	// browsers cannot attach headers to upgrade requests.
	router.Get("/ws", rt.wsServer.HandleWebSocket)

	router.Route("/api/graphs/{graphID}", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.validator, rt.logger))
		r.Post("/join", rt.collabHandler.JoinGraph)
		r.Delete("/leave", rt.collabHandler.LeaveGraph)
		r.Post("/promote/{userID}", rt.collabHandler.PromoteLeader)
		r.Get("/members", rt.collabHandler.ListMembers)
		r.Get("/commands", rt.collabHandler.GetHistory)
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
