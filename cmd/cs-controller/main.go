package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dbehnke/cs-controller/internal/simulation"
	"github.com/dbehnke/cs-controller/pkg/config"
	"github.com/dbehnke/cs-controller/pkg/database"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/metrics"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
	"github.com/dbehnke/cs-controller/pkg/web"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("cs-controller %s (%s, built %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	// Bootstrap logger until the configured one is available
	log := logger.New(logger.Config{
		Level:  "info",
		Format: "text",
	})

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("Failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	// Validate only mode
	if *validate {
		log.Info("Configuration is valid")
		os.Exit(0)
	}

	var output io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Error("Failed to open log file", logger.Error(err))
			os.Exit(1)
		}
		defer f.Close()
		output = f
	}
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: output,
	})

	log.Info("Starting cs-controller",
		logger.String("version", version),
		logger.String("commit", commit),
		logger.String("build_time", buildTime),
		logger.String("config_file", *configFile))
	web.SetBuildInfo(web.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime})

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize wait group for goroutines
	var wg sync.WaitGroup

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector()
	observers := scheduler.Observers{metricsCollector}

	// Start Prometheus metrics server if enabled
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metricsServer := metrics.NewPrometheusServer(
				metrics.PrometheusConfig{
					Enabled: cfg.Metrics.Prometheus.Enabled,
					Port:    cfg.Metrics.Prometheus.Port,
					Path:    cfg.Metrics.Prometheus.Path,
				},
				metricsCollector,
				log,
			)
			if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Prometheus metrics server error", logger.Error(err))
			}
		}()
		log.Info("Prometheus metrics server started",
			logger.Int("port", cfg.Metrics.Prometheus.Port),
			logger.String("path", cfg.Metrics.Prometheus.Path))
	}

	// Open the procedure history if enabled
	var db *database.DB
	var recorder *database.Recorder
	if cfg.Database.Enabled {
		db, err = database.NewDB(database.Config{Path: cfg.Database.Path}, log)
		if err != nil {
			log.Error("Failed to open database", logger.Error(err))
			os.Exit(1)
		}
		defer db.Close()

		recorder = database.NewRecorder(db, 0, log)
		observers = append(observers, recorder)
		go recorder.Run(ctx)

		if cfg.Database.RetentionDays > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pruneHistory(ctx, db, cfg.Database.RetentionDays, log)
			}()
		}
	}

	// Create web server if enabled
	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg.Web, log)
		api := webServer.GetAPI()
		api.SetCollector(metricsCollector)
		if db != nil {
			api.SetProcedureRepository(database.NewProcedureRepository(db.GetDB()))
		}
		observers = append(observers, webServer.GetHub())
	}

	// Set up the simulated controller pair
	var pair *simulation.Pair
	if cfg.Simulation.Enabled {
		opts := simulation.Options{
			Controller: cfg.Controller,
			Defaults:   cfg.Defaults,
			Simulation: cfg.Simulation,
			Observer:   observers,
			Collector:  metricsCollector,
		}
		if db != nil {
			table, ok, err := database.LoadFAETable(db)
			if err != nil {
				log.Warn("Failed to load stored FAE table", logger.Error(err))
			} else if ok {
				opts.FAETable = &table
				log.Info("Loaded stored FAE table")
			}
		}
		pair, err = simulation.New(opts, log)
		if err != nil {
			log.Error("Failed to create simulated controllers", logger.Error(err))
			os.Exit(1)
		}
	}

	// Start web server
	if webServer != nil {
		if pair != nil {
			webServer.GetAPI().SetConnectionSource(pair.Status)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Web server error", logger.Error(err))
			}
		}()
		log.Info("Web server started",
			logger.String("host", cfg.Web.Host),
			logger.Int("port", cfg.Web.Port))
	}

	if pair != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pair.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Simulation stopped", logger.Error(err))
			}
		}()
	}

	log.Info("cs-controller initialized",
		logger.Int("max_connections", cfg.Controller.MaxConnections),
		logger.Bool("simulation", cfg.Simulation.Enabled))

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("Received shutdown signal",
		logger.String("signal", sig.String()))

	// Cancel context to trigger graceful shutdown
	cancel()

	// Wait for all components to stop
	wg.Wait()

	// Flush queued history writes before the database closes
	if recorder != nil {
		<-recorder.Done()
		if n := recorder.Dropped(); n > 0 {
			log.Warn("History writes dropped", logger.Int("count", n))
		}
	}

	log.Info("cs-controller stopped")
}

// pruneHistory deletes procedure records past the retention period once
// at start and then hourly.
func pruneHistory(ctx context.Context, db *database.DB, days int, log *logger.Logger) {
	repo := database.NewProcedureRepository(db.GetDB())
	faeRepo := database.NewFAERepository(db.GetDB())
	prune := func() {
		before := time.Now().AddDate(0, 0, -days)
		n, err := repo.DeleteOlderThan(before)
		if err != nil {
			log.Error("Failed to prune procedure history", logger.Error(err))
			return
		}
		if n > 0 {
			log.Info("Pruned procedure history", logger.Int64("deleted", n))
		}
		if _, err := faeRepo.Prune(1); err != nil {
			log.Error("Failed to prune FAE tables", logger.Error(err))
		}
	}

	prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
