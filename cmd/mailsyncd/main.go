package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mwarren/mailsyncd/internal/cache"
	"github.com/mwarren/mailsyncd/internal/config"
	"github.com/mwarren/mailsyncd/internal/sync"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", config.DefaultPath(), "Path to the configuration file")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsyncd version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting mailsyncd")

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// One supervisor per account, each with its own state database
	errChan := make(chan error, len(cfg.Accounts))
	running := 0
	var dbs []*cache.DB
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]

		db, err := cache.Open(filepath.Join(cfg.StatePath, acc.Name, "state.db"), logger)
		if err != nil {
			logger.WithError(err).WithField("account", acc.Name).Fatal("Failed to open state database")
		}
		dbs = append(dbs, db)

		supervisor := sync.NewSupervisor(acc, db, logger)
		running++
		go func() {
			errChan <- supervisor.Run(ctx)
		}()
	}

	// Wait for shutdown signal or for every account to finish
	exitCode := 0
	for running > 0 {
		select {
		case sig := <-sigChan:
			logger.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case err := <-errChan:
			running--
			if err != nil {
				logger.WithError(err).Error("Account supervisor failed")
				exitCode = 1
			}
		}
	}

	// Closed explicitly: os.Exit does not run deferred calls.
	for _, db := range dbs {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close state database")
		}
	}

	logger.Info("Shutting down mailsyncd")
	os.Exit(exitCode)
}
