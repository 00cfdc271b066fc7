package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canopy/internal/core"
	"canopy/internal/server/api"
	"canopy/internal/server/config"
	"canopy/internal/server/database"
	"canopy/internal/server/jobs"
	"canopy/internal/server/notify"
	"canopy/internal/server/service"
	"canopy/internal/server/storage"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:          "canopy-server",
		Short:        "Per-user file hierarchy server",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, job workers and cleanup sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	}
}

func migrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := cmd.Context()

			db, err := database.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if status {
				return db.MigrationStatus(ctx)
			}
			if err := db.RunMigrations(ctx); err != nil {
				return err
			}
			slog.Info("database migrations complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of migrating")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := cmd.Context()

			repo, _, closeRepo, err := openMetadata(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeRepo()

			store := storage.NewFileSystemStore(cfg.StoragePath)
			cleanup := storage.NewCleanupService(repo, store, cfg.SweepInterval, cfg.UnlockWindow, cfg.UploadSessionTTL)
			res := cleanup.RunOnce(ctx)
			fmt.Printf("pruned %d grants, removed %d upload sessions, %d failures\n",
				res.GrantsPruned, res.SessionsRemoved, res.Failed)
			return nil
		},
	}
}

// metadata is what the server needs from either backend.
type metadata interface {
	service.MetadataStore
	storage.SweepStore
}

// openMetadata returns the configured metadata store. The postgres
// backend is migrated before use; the memory backend has no health check.
func openMetadata(ctx context.Context, cfg *config.Config) (metadata, api.HealthChecker, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		slog.Warn("using in-memory metadata store, data is lost on restart")
		return database.NewMemoryStore(), nil, func() {}, nil
	case "postgres", "":
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		slog.Info("database migrations complete")
		return database.NewRepository(db.SQL), db, db.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func newPublisher(cfg *config.Config) (notify.Publisher, func(), error) {
	if cfg.RedisURL == "" {
		return notify.NewLogPublisher(slog.Default()), func() {}, nil
	}
	client, err := notify.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("publishing events to redis", "prefix", cfg.RedisChannelPrefix)
	return notify.NewRedisPublisher(client, cfg.RedisChannelPrefix), func() { client.Close() }, nil
}

func serve(cfg *config.Config) error {
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"store_driver", cfg.StoreDriver,
		"storage_path", cfg.StoragePath,
		"max_chunk_size", cfg.MaxChunkSize,
		"job_workers", cfg.JobWorkers,
		"scan_enabled", cfg.ScanEnabled,
	)
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	repo, health, closeRepo, err := openMetadata(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath)

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	// Services
	stats := service.NewStatsAggregator(repo, store)
	gate := service.NewAccessGate(repo, cfg.UnlockWindow)
	broker := service.NewConflictBroker(publisher, cfg.ConflictTimeout)
	notifier := service.NewJobNotifier(publisher, broker)
	queue := jobs.New(cfg.JobWorkers, notifier)

	archives := service.NewArchiveService(repo, store, stats, gate, broker, notifier,
		core.NewSevenZip(cfg.SevenZipPath), cfg.FinalizeTimeout)
	archives.Register(queue)

	var scheduler service.ScanScheduler
	if cfg.ScanEnabled {
		scans := service.NewScanService(repo, store, stats, core.NewClamScanner(cfg.ClamscanPath), publisher)
		scans.Register(queue)
		scheduler = scans
	}

	handler := api.NewHandler(api.Services{
		Hierarchy: service.NewHierarchyService(repo, store, stats, gate, publisher),
		Uploads:   service.NewUploadService(repo, store, stats, scheduler, cfg),
		Archives:  archives,
		Access:    gate,
		Search:    service.NewSearchService(repo, cfg.SearchLimit),
		Images:    service.NewImageService(repo, store, stats, gate),
		Health:    health,
	})

	// Background workers
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("job queue stopped", "error", err)
		}
	}()

	cleanup := storage.NewCleanupService(repo, store, cfg.SweepInterval, cfg.UnlockWindow, cfg.UploadSessionTTL)
	cleanup.Start(ctx)

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx, 5*time.Minute)

	e := api.SetupRouter(handler, cfg, limiter)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop workers and cleanup
	stop()
	<-queueDone
	cleanup.Wait()

	slog.Info("server exited cleanly")
	return nil
}
