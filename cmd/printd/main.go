package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printd/internal/api"
	"github.com/orrn/printd/internal/backend"
	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/dispatch"
	"github.com/orrn/printd/internal/history"
	"github.com/orrn/printd/internal/notify"
	"github.com/orrn/printd/internal/spool"
)

func main() {
	configPath := flag.String("config", "printd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := spool.NewStore(cfg.Spool.Directory)
	if err != nil {
		return fmt.Errorf("failed to open spool directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	archive, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer archive.Close()

	engine := notify.NewEngine(logger,
		notify.WithLeases(cfg.Notify.DefaultLease, cfg.Notify.MaxLease),
		notify.WithBlockingWait(cfg.Notify.BlockingWait),
	)

	system := core.NewSystem(core.SystemConfig{
		Store:           store,
		Engine:          engine,
		Recorder:        archive,
		Logger:          logger,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		DefaultLimits: core.PrinterLimits{
			MaxActiveJobs:    cfg.Scheduler.MaxActiveJobs,
			MaxCompletedJobs: cfg.Scheduler.MaxCompletedJobs,
			MaxPreservedJobs: cfg.Scheduler.MaxPreservedJobs,
			MaxDocuments:     cfg.Spool.MaxDocuments,
		},
	})

	for _, pc := range cfg.Printers {
		be, err := backend.NewFileBackend(pc.OutputDir)
		if err != nil {
			return fmt.Errorf("failed to create backend for printer %q: %w", pc.Name, err)
		}

		limits := core.PrinterLimits{
			MaxActiveJobs:    cfg.Scheduler.MaxActiveJobs,
			MaxCompletedJobs: cfg.Scheduler.MaxCompletedJobs,
			MaxPreservedJobs: cfg.Scheduler.MaxPreservedJobs,
			MaxDocuments:     cfg.Spool.MaxDocuments,
			DefaultFormat:    pc.DefaultFormat,
		}
		if pc.MaxActiveJobs > 0 {
			limits.MaxActiveJobs = pc.MaxActiveJobs
		}
		if pc.MaxCompletedJobs > 0 {
			limits.MaxCompletedJobs = pc.MaxCompletedJobs
		}
		if pc.MaxPreservedJobs > 0 {
			limits.MaxPreservedJobs = pc.MaxPreservedJobs
		}
		if _, err := system.AddPrinter(pc.Name, be, &limits); err != nil {
			return fmt.Errorf("failed to add printer %q: %w", pc.Name, err)
		}
		logger.WithField("printer", pc.Name).Info("printer registered")
	}

	system.Run()

	auth, err := api.NewAuth(archive, cfg.Auth.AdminGroup, cfg.Auth.TokenDuration)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	dispatcher := dispatch.New(system, cfg.Auth.AdminGroup, logger)
	server := api.NewServer(system, dispatcher, archive, auth, logger)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown did not finish cleanly")
	}
	system.Shutdown(shutdownCtx)

	logger.Info("server stopped")
	return nil
}
