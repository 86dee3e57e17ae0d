package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehrlich-b/go-shmipc"
	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/logging"
)

// echoServiceID is where the demo echo service registers
const echoServiceID uint64 = 100

func main() {
	var (
		configPath = flag.String("config", "", "Path to a JSON configuration file")
		database   = flag.String("db", "", "Database name (overrides the configuration)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg := shmipc.DefaultConfig()
	if *configPath != "" {
		loaded, err := shmipc.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Invalid config %q: %v", *configPath, err)
		}
		cfg = loaded
	}
	if *database != "" {
		cfg.DatabaseName = *database
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	registry := shmipc.NewRegistry()
	if err := registry.Register(echoServiceID, echoService); err != nil {
		logger.Error("failed to register echo service", "error", err)
		os.Exit(1)
	}

	server, err := shmipc.NewServer(cfg, registry, &shmipc.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("stopping endpoint")
		if err := server.Stop(); err != nil {
			logger.Error("error stopping endpoint", "error", err)
		} else {
			logger.Info("endpoint stopped successfully")
		}
	}()

	fmt.Printf("Endpoint up: database %q, echo service id %d\n", cfg.DatabaseName, echoServiceID)
	fmt.Printf("Normal sessions: %d, admin sessions: %d\n", cfg.Threads, cfg.AdminSessions)
	fmt.Println("\nPress Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	snap := server.Metrics().Snapshot()
	fmt.Printf("\nSessions: %d started, %d ended; requests: %d (%d errors)\n",
		snap.SessionsStarted, snap.SessionsEnded, snap.Requests, snap.RequestErrors)
}

// echoService replies with the request payload unchanged
func echoService(req api.Request, res api.Response) error {
	if res.CheckCancel() {
		return res.Error(api.DiagnosticOperationCanceled, "canceled")
	}
	return res.Body(req.Payload())
}
