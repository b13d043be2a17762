package main

import (
	"database/sql"
	"os"

	"publisher-sync/internal/config"
	"publisher-sync/internal/handlers"
	httpapi "publisher-sync/internal/http"
	"publisher-sync/internal/logging"
	"publisher-sync/internal/middleware"
	"publisher-sync/internal/observability/metrics"
	"publisher-sync/internal/registry"
	"publisher-sync/internal/repos"
	"publisher-sync/internal/services"

	_ "modernc.org/sqlite"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := repos.NewQueueRepo(db, cfg.LegacyQueueFile, log)
	if err := repo.Init(); err != nil {
		log.Error("initialize job store", "error", err)
		os.Exit(1)
	}

	metrics.MustRegister()

	reg := registry.New(cfg.DevicesFile, log)
	guard := middleware.NewGuard(reg, config.TimestampTolerance, log)
	limiter := middleware.NewLimiter(cfg.RateLimitWindow)

	materializer := services.NewMaterializer(cfg.AssetsDir, log)
	defer materializer.Close()

	h := handlers.NewQueueHandler(repo, materializer, cfg.MaterializeEnabled)
	r := httpapi.NewRouter(cfg, guard, limiter, h, log)

	addr := ":" + cfg.Port
	log.Info("pubsync listening", "addr", addr, "materialize", cfg.MaterializeEnabled)
	if err := r.Run(addr); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
