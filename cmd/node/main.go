// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/inertial_mesh/internal/app"
	"github.com/relabs-tech/inertial_mesh/internal/config"
	"github.com/relabs-tech/inertial_mesh/internal/logging"
)

func main() {
	configPath := flag.String("config", "./inertial_mesh_config.txt", "path to configuration file")
	simulate := flag.Int("simulate", 0, "run a hub and N mock leaves in-process instead of a real node")
	flag.Parse()

	log.Println("starting inertial-mesh node")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	logger, closer := logging.New(cfg)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *simulate > 0 {
		sim, err := app.NewSimulation(cfg, *simulate, logger)
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		if err := sim.Run(ctx); err != nil {
			log.Fatalf("fatal: %v", err)
		}
		return
	}

	node, err := app.NewNode(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if err := node.Run(ctx); err != nil {
		log.Fatalf("fatal: %v", err)
	}
	logger.Info("node stopped")
}
