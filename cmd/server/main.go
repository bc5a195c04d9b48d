package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pixelvault/pixelvault/cmd/server/routes"
	"github.com/pixelvault/pixelvault/internal/auth"
	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/internal/images"
	"github.com/pixelvault/pixelvault/internal/middleware"
	"github.com/pixelvault/pixelvault/internal/oplog"
	"github.com/pixelvault/pixelvault/internal/processing"
	"github.com/pixelvault/pixelvault/internal/storage"
	"github.com/pixelvault/pixelvault/internal/synclock"
	"github.com/pixelvault/pixelvault/internal/upload"
	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("starting PixelVault sync server")

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Initialize cache
	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer cache.Close()

	// Initialize storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	// Initialize services
	logService := oplog.NewService(db)
	lockManager := synclock.NewManager(cache, cfg.Sync.LockTTL)
	authService := auth.NewService(db, &cfg.Auth)
	imageService := images.NewService(db, blobStorage, logService, cfg.Storage.PresignTTL)
	sessionStore := upload.NewSessionStore(cache, cfg.Upload.SessionTTL)
	uploadService := upload.NewService(sessionStore, blobStorage, imageService, processing.NewProcessor(), logService, &cfg.Upload)

	// Background staging sweep
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	upload.NewReaper(sessionStore, blobStorage, cfg.Upload.ReapInterval).Start(reaperCtx)

	// Setup HTTP server
	router := setupRouter(cfg, logService, lockManager, authService, imageService, uploadService)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupRouter(
	cfg *config.Config,
	logService *oplog.Service,
	lockManager *synclock.Manager,
	authService *auth.Service,
	imageService *images.Service,
	uploadService *upload.Service,
) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(middleware.VersionGate(cfg.Sync.MinAppVersion))

	// Enrollment is the only endpoint a device can reach without a token
	routes.AuthRoutes(api, authService)

	policy := middleware.PolicyFromName(cfg.Sync.Policy)
	log.Info().Str("policy", policy.Name()).Msg("sync policy configured")

	protected := api.Group("")
	protected.Use(middleware.DeviceAuth(authService))
	protected.Use(middleware.SyncGuard(logService, policy))

	// Lock acquire/release live outside the lock gate: acquiring while
	// another client holds the lock must answer granted=false, not 423
	routes.SyncRoutes(protected, logService, lockManager)

	// Everything that stages metadata or moves content is serialized
	// through the advisory write lock
	locked := protected.Group("")
	locked.Use(middleware.RequireLockToken(lockManager))
	routes.ChunkedRoutes(locked, uploadService)
	routes.ImageRoutes(locked, imageService)

	return router
}
