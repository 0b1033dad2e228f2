// cmd/twinengine/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aleka07/twinengine/internal/api"
	"github.com/aleka07/twinengine/internal/command"
	"github.com/aleka07/twinengine/internal/config"
	"github.com/aleka07/twinengine/internal/eventbus"
	"github.com/aleka07/twinengine/internal/machine"
	"github.com/aleka07/twinengine/internal/notifier"
	"github.com/aleka07/twinengine/internal/processor"
	"github.com/aleka07/twinengine/internal/script"
	"github.com/aleka07/twinengine/internal/service"
	"github.com/aleka07/twinengine/internal/storage"
	"github.com/aleka07/twinengine/internal/waker"
)

func main() {
	log.Println("INFO: Starting twinengine...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelInit()

	store, err := storage.NewPostgresStore(initCtx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize thing store: %v", err)
	}
	defer store.Close()

	bus, err := eventbus.NewPostgresBus(initCtx, cfg.DatabaseDSN, cfg.EventBusPartitions)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize event bus: %v", err)
	}
	defer bus.Close()

	commands, err := command.NewMQTTSink(command.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, command.DefaultTopic)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize command sink: %v", err)
	}
	defer commands.Close()

	hub := notifier.NewHub()
	scripts := script.New(script.NewCache(cfg.ScriptCacheLen), cfg.ScriptTimeout, uint64(cfg.ScriptMemoryMB)<<20)
	m := machine.New(scripts)
	svc := service.New(store, m, bus, commands, hub)

	proc := processor.New(bus, svc)
	wake := waker.New(store, bus, cfg.WakerInterval)

	apiHandler := api.New(store, hub)
	server := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      apiHandler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	processorErrors := make(chan error, 1)
	go func() {
		log.Println("INFO: Processor starting...")
		processorErrors <- proc.Run(runCtx)
	}()

	go func() {
		log.Println("INFO: Waker starting...")
		if err := wake.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Printf("WARN: Waker stopped unexpectedly: %v", err)
		}
	}()

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("INFO: API server listening on %s", cfg.APIAddr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			log.Printf("ERROR: API server error: %v", err)
		}
	case err := <-processorErrors:
		log.Printf("ERROR: Processor exited: %v", err)
	case sig := <-shutdown:
		log.Printf("INFO: Shutdown signal (%v) received. Starting graceful shutdown...", sig)
	}

	cancelRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: Graceful server shutdown failed: %v", err)
		if closeErr := server.Close(); closeErr != nil {
			log.Printf("ERROR: Server Close() failed: %v", closeErr)
		}
	}

	log.Println("INFO: twinengine shutdown complete.")
}
