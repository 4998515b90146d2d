package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"market-stream/internal/config"
	"market-stream/internal/types"
	"market-stream/internal/ws"

	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before the structured one exists
	logger := log.New(os.Stdout, "[WS] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from container CPU limits
	logger.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if *debug {
		cfg.LogLevel = "debug"
		logger.Printf("Debug mode enabled via flag")
	}

	cfg.Print()

	serverConfig := types.ServerConfig{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,

		FeedURL:     cfg.FeedURL,
		FeedSubject: cfg.FeedSubject,

		PriceDeltaBps:    cfg.PriceDeltaBps,
		MaxQuietInterval: cfg.MaxQuietInterval,
		CoalesceWindow:   cfg.CoalesceWindow,

		MessageRatePerSec: cfg.MessageRatePerSec,
		MessageBurst:      cfg.MessageBurst,

		ConnectionRateLimitEnabled: cfg.ConnectionRateLimitEnabled,
		ConnRateLimitIPBurst:       cfg.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:        cfg.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst:   cfg.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:    cfg.ConnRateLimitGlobalRate,

		AuthSecret: cfg.AuthSecret,
		DrainGrace: cfg.DrainGrace,

		HTTPReadTimeout:  cfg.HTTPReadTimeout,
		HTTPWriteTimeout: cfg.HTTPWriteTimeout,
		HTTPIdleTimeout:  cfg.HTTPIdleTimeout,

		MetricsInterval: cfg.MetricsInterval,

		LogLevel:  types.LogLevel(cfg.LogLevel),
		LogFormat: types.LogFormat(cfg.LogFormat),
	}

	server, err := ws.NewServer(serverConfig)
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	if err := server.Start(); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Println("Shutting down server...")
	if err := server.Shutdown(); err != nil {
		logger.Printf("Error during shutdown: %v", err)
	}
}
