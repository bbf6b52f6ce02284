package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tracdap/gateway/internal/concerns"
	"github.com/tracdap/gateway/internal/config"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/metrics"
	"github.com/tracdap/gateway/internal/proxy"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "etc/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tracdap gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting tracdap gateway",
		zap.String("version", version),
		zap.String("config", *configPath))

	metrics.Register()

	set := concerns.NewBuilder().
		Add(concerns.Logging()).
		Add(concerns.ErrorMapping()).
		Add(concerns.MetadataPropagation()).
		Build()

	gateway, err := proxy.New(cfg, set)
	if err != nil {
		logging.Error("gateway startup failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gateway.Start(ctx); err != nil {
		logging.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("gateway stopped")
}
