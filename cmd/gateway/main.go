package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	api "github.com/annotext/annotext/internal/api/http"
	"github.com/annotext/annotext/internal/config"
	"github.com/annotext/annotext/internal/db"
	"github.com/annotext/annotext/internal/logging"
	"github.com/annotext/annotext/internal/lti"
	"github.com/annotext/annotext/internal/security"
	"github.com/annotext/annotext/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	// --- DB (only the app backend and statistics need one) ---
	var dbh *sql.DB
	if cfg.Store.Backend == "app" || cfg.Store.GatherStatistics {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		dbh, err = db.Open(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
	}

	sessions := lti.NewSessionService(cfg.SecretKey)
	outcomes := lti.NewOutcomesClient(cfg)

	st, err := store.FromSettings(cfg, dbh, outcomes, logger)
	if err != nil {
		logger.Fatal("annotation store", zap.Error(err))
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(security.FrameAncestors(cfg.ServerName, cfg.AllowedFrameHosts))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Annotator-Auth-Token"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// LTI launch entry point
	r.Route("/lti_init", func(lr chi.Router) {
		lr.Post("/launch_lti", lti.LaunchHandler(cfg, sessions, logger))
	})

	// Annotation API (session token required)
	r.Route("/annotation_api", func(ar chi.Router) {
		ar.Use(lti.Middleware(sessions))
		ar.Get("/", api.RootHandler(st))
		ar.Get("/token", api.TokenHandler(cfg.AnnotationDB))
		ar.Get("/search", api.SearchHandler(st))
		ar.Post("/create", api.CreateHandler(st))
		ar.Post("/update/{annotationID}", api.UpdateHandler(st))
		ar.Delete("/delete/{annotationID}", api.DeleteHandler(st))
		ar.Post("/delete/{annotationID}", api.DeleteHandler(st))
		// legacy alias kept for older frontends
		ar.Post("/destroy/{annotationID}", api.DeleteHandler(st))
	})

	// Course admin hub (basic auth, stats only)
	r.Get("/admin_hub", api.AdminHubHandler(st.Stats(), cfg.AdminUser, cfg.AdminPassHash))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	logger.Info("listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("server_name", cfg.ServerName),
		zap.String("backend", st.BackendName()))
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// corsOrigins derives browser origins from the frame-ancestor host set:
// the platforms that embed the tool are the ones whose pages call it.
func corsOrigins(cfg config.Settings) []string {
	hosts := append([]string{cfg.ServerName}, cfg.AllowedFrameHosts...)
	origins := make([]string, 0, len(hosts))
	for _, h := range hosts {
		origins = append(origins, "https://"+h)
	}
	return origins
}
