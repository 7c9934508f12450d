package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowbus/flowbus/internal/config"
	"github.com/flowbus/flowbus/internal/engine"
	"github.com/flowbus/flowbus/internal/log"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults apply when empty)")
	port := flag.Int("port", 0, "Override server port")
	demo := flag.Bool("demo", false, "Start a set of demo queries")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	log.Configure(log.Config{Level: cfg.Log.Level})
	logger := log.WithComponent("flowbusd")

	store := engine.NewStore()
	bcast := engine.NewBroadcaster()
	runner := engine.NewRunner(store, bcast, cfg.Engine.DefaultRowsPerSecond, cfg.TriggerInterval())
	server := engine.NewServer(store, runner, bcast, cfg.Server.AuthToken)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	if *demo {
		logger.Info().Msg("starting demo queries")
		runner.StartDemo()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		runner.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	logger.Info().Str("addr", addr).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}
}
