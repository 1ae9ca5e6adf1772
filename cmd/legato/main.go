package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"legato/internal/config"
	"legato/internal/library"
)

func main() {
	var (
		configPath = flag.String("config", "./config.toml", "path to the configuration file")
		envPath    = flag.String("env", ".env", "optional file of LEGATO_* environment overrides")
		scanOnly   = flag.Bool("scan-only", false, "scan configured folders once and exit")
		search     = flag.String("search", "", "print tracks matching a search query and exit")
	)
	flag.Parse()

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := config.LoadEnvFile(*envPath); err != nil {
		logger.WithError(err).Fatal("Error loading environment file")
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	if err := cfg.ApplyEnv(); err != nil {
		logger.WithError(err).Fatal("Invalid environment override")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := library.Open(ctx, cfg, library.Options{})
	if err != nil {
		logger.WithError(err).Fatal("Error opening library")
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.WithError(err).Error("Error closing library")
		}
	}()
	logger = engine.Logger()

	if *search != "" {
		for _, tr := range engine.Search(ctx, *search) {
			logger.WithFields(logrus.Fields{
				"id":     tr.ID,
				"artist": tr.Artist,
				"album":  tr.Album,
				"path":   tr.Path,
			}).Info(tr.Title)
		}
		return
	}

	for _, path := range cfg.Library.Folders {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.WithField("folder", path).Warn("Library folder does not exist")
		}
	}
	if _, err := engine.AddConfiguredFolders(ctx); err != nil {
		logger.WithError(err).Error("Error registering library folders")
	}

	if cfg.Library.ScanOnStartup || *scanOnly {
		results, err := engine.Scan(ctx)
		if err != nil {
			logger.WithError(err).Error("Library scan finished with errors")
		}
		total := 0
		for _, r := range results {
			total += r.TrackCount
		}
		if total == 0 {
			logger.WithField("supported_formats", cfg.Library.SupportedFormats).Warn("No supported audio files found in library folders")
		}
	}
	if *scanOnly {
		return
	}

	logger.Info("Indexer running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Received shutdown signal")
}
