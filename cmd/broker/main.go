package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/service"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting suffragium-broker", "version", Version)

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokerSvc, err := service.NewBroker(serviceConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to open broker: %v", err)
	}
	if err := brokerSvc.Start(ctx); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}
	defer brokerSvc.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}
