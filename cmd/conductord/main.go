// Command conductord runs the conductor core as a standalone process: it
// wires together the persistence gateway, driver registry, task manager,
// conductor manager, and membership keepalive, then blocks until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/ironfleet/conductor/internal/config"
	"github.com/ironfleet/conductor/internal/conductor"
	"github.com/ironfleet/conductor/internal/driver"
	"github.com/ironfleet/conductor/internal/gateway"
	"github.com/ironfleet/conductor/internal/membership"
	"github.com/ironfleet/conductor/internal/rpcapi"
	"github.com/ironfleet/conductor/internal/task"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to an HCL conductor config file")
	hostnameOverride := flag.String("hostname", "", "override the conductor hostname from config")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "conductord",
		Level: hclog.Info,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *hostnameOverride != "" {
		cfg.Hostname = *hostnameOverride
	}

	gw, err := gateway.New()
	if err != nil {
		return fmt.Errorf("constructing gateway: %w", err)
	}

	registry := driver.NewRegistry(driver.NewMockDriver(logger))

	taskMgr := task.NewManager(gw, registry, cfg.Hostname, logger)
	conductorMgr := conductor.NewManager(gw, taskMgr, logger, nil)
	_ = rpcapi.New(conductorMgr) // dispatch table; a transport adapter wires this to the bus

	keepalive := membership.New(gw, registry, cfg.Hostname, cfg.HeartbeatInterval(), logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := keepalive.Start(ctx); err != nil {
		return fmt.Errorf("starting membership keepalive: %w", err)
	}

	logger.Info("conductor started", "hostname", cfg.Hostname, "drivers", registry.Names())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	return keepalive.Stop()
}
