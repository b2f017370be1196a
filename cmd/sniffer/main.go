// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/inertial_mesh/internal/app"
	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/logging"
)

func main() {
	configPath := flag.String("config", "./inertial_mesh_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting inertial-mesh sniffer (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	// frames go to stdout, so logs go to stderr
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunSniffer(ctx, cfg, os.Stdout, logger); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
