package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaderyang/voidrun/internal/api"
	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/config"
	"github.com/vaderyang/voidrun/internal/faas"
	"github.com/vaderyang/voidrun/internal/ports"
	"github.com/vaderyang/voidrun/internal/proxy"
	"github.com/vaderyang/voidrun/internal/sandbox"

	// Register backends
	_ "github.com/vaderyang/voidrun/internal/backend/docker"
	_ "github.com/vaderyang/voidrun/internal/backend/procjail"
)

var (
	configPath  string
	backendName string
	listenPort  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Voidrun server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	serveCmd.Flags().StringVarP(&backendName, "backend", "b", "", "Isolation backend: docker, procjail")
	serveCmd.Flags().IntVarP(&listenPort, "port", "p", 0, "HTTP listen port")
	RootCmd.AddCommand(serveCmd)
}

func runServer() {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	// Flags override config file and environment.
	if backendName != "" {
		cfg.Backend.Name = backendName
	}
	if listenPort != 0 {
		cfg.Server.Port = listenPort
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && !verbose {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Log.Format == "json" && !jsonLog {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().
		Str("backend", cfg.Backend.Name).
		Str("addr", cfg.ListenAddr()).
		Msg("Starting Voidrun server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// Init backend; a missing dependency is fatal at startup.
	be, err := backend.New(cfg.Backend.Name, map[string]any{"root": cfg.Backend.JailRoot})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backend")
	}
	defer be.Close()

	availCtx, cancelAvail := context.WithTimeout(ctx, 5*time.Second)
	if err := be.Available(availCtx); err != nil {
		log.Fatal().Err(err).Msg("Backend availability check failed")
	}
	cancelAvail()

	// Shared singletons: port allocator and registry.
	alloc := ports.NewAllocator(cfg.Ports.First, cfg.Ports.Last)
	registry := sandbox.NewRegistry(alloc)

	manager := sandbox.NewManager(be, registry, alloc, sandbox.Options{
		DefaultTimeoutMS: cfg.Limits.DefaultTimeoutMS,
		MaxTimeoutMS:     cfg.Limits.MaxTimeoutMS,
		DefaultMemoryMB:  cfg.Limits.DefaultMemoryMB,
		MaxMemoryMB:      cfg.Limits.MaxMemoryMB,
		MaxSandboxes:     cfg.Limits.MaxSandboxes,
	})

	deployments := faas.NewManager(manager, cfg.PublicBase(), faas.DefaultScaleInterval)
	go deployments.Start(ctx)

	// Janitor sweep for sandboxes past their budget.
	go func() {
		interval := time.Duration(cfg.Server.CleanupIntervalSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.Janitor(2 * interval)
			}
		}
	}()

	// Init API
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	api.NewHandler(manager, deployments).RegisterRoutes(e)
	proxy.NewHandler(manager, deployments).RegisterRoutes(e)

	// Start server
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("Server listening")
		serverErr <- e.Start(cfg.ListenAddr())
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		// Destroy remaining sandboxes before closing the listener.
		manager.Shutdown(shutdownCtx)
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("Server startup failed")
	}
}
