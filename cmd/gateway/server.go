package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/internal/metrics"
	"github.com/librarysingkat/circulation/internal/middleware"
	"github.com/librarysingkat/circulation/services/circulation"
)

type routerConfig struct {
	Service        *circulation.Service
	Auth           authProvider
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	JWTSecret      string
	AllowedOrigins []string
	StaffUserIDs   []string
	StaffEmails    []string
	RateLimiter    *middleware.RateLimiter
}

// newRouter builds the gateway handler. CORS wraps the router rather than being
// installed with Use, since mux answers unmatched methods (preflight OPTIONS) with
// 405 before route middleware runs.
func newRouter(cfg routerConfig) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.MetricsMiddleware("gateway", cfg.Metrics))
	if cfg.RateLimiter != nil {
		router.Use(cfg.RateLimiter.Handler)
	}

	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.Handle("/metrics", cfg.Metrics.Handler()).Methods("GET")

	authn := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.Logger, nil)
	router.HandleFunc("/auth/login", loginHandler(cfg.Auth, cfg.Logger)).Methods("POST")
	router.HandleFunc("/auth/refresh", refreshHandler(cfg.Auth)).Methods("POST")
	session := router.PathPrefix("/auth").Subrouter()
	session.Use(authn.Handler)
	session.HandleFunc("/logout", logoutHandler(cfg.Auth, cfg.Logger)).Methods("POST")
	session.HandleFunc("/session", sessionHandler(cfg.Auth)).Methods("GET")

	staff := middleware.NewStaffGuard(cfg.StaffUserIDs, cfg.StaffEmails, cfg.Logger)
	cfg.Service.RegisterRoutes(router, authn.Handler, staff.Handler)
	return middleware.NewCORSMiddleware(cfg.AllowedOrigins).Handler(router)
}

// =============================================================================
// Health Handler
// =============================================================================

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"service":   "gateway",
		"version":   circulation.Version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
