package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"market-relay/src/config"
	"market-relay/src/logger"
)

// -----------------------------------------------------------------------------

func main() {
	// 1. Parse command line flags
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	// 2. Load config
	conf, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// 3. Setup Logger
	appLogger := logger.NewLogger(conf.MConfig, conf.Name)
	defer appLogger.Sync()

	// 4. Lifecycle: SIGINT / SIGTERM cancel everything
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Setup Components
	app, err := setupRelay(ctx, conf.MConfig, appLogger)
	if err != nil {
		appLogger.Critical("Startup failed: %v", err)
	}

	// 6. Run until shutdown
	err = runServers(ctx, app, conf.MConfig, appLogger)
	app.close()
	if err != nil {
		appLogger.Critical("Relay stopped with error: %v", err)
	}
	appLogger.Info("Shutdown complete.")
}
