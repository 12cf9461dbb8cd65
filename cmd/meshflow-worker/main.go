// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command meshflow-worker is the worker process: it dials the
// controller's Requests, Results, and Control channels, then executes
// one workflow at a time for the rest of its lifetime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshflow/meshflow/internal/actions"
	"github.com/meshflow/meshflow/internal/config"
	"github.com/meshflow/meshflow/internal/log"
	"github.com/meshflow/meshflow/internal/tracing"
	"github.com/meshflow/meshflow/internal/transport"
	"github.com/meshflow/meshflow/internal/worker"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath, identity string

	root := &cobra.Command{
		Use:           "meshflow-worker",
		Short:         "meshflow-worker executes workflows dispatched by a meshflow controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath, identity)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/meshflow/config.yaml)")
	root.Flags().StringVar(&identity, "identity", "", "This worker's address (default: Worker-<pid>)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("meshflow-worker %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(configPath, identityFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), Output: os.Stderr, AddSource: cfg.Log.AddSource})

	identity := identityFlag
	if identity == "" {
		identity = cfg.Worker.Identity
	}
	if identity == "" {
		identity = "Worker-" + strconv.Itoa(os.Getpid())
	}

	keys, err := transport.LoadOrGenerateKeyPair(cfg.Keys.Dir, identity)
	if err != nil {
		return fmt.Errorf("loading worker keypair: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests, err := transport.Dial(ctx, cfg.Listen.Requests, keys, identity)
	if err != nil {
		return fmt.Errorf("dialing requests channel: %w", err)
	}
	defer requests.Close()

	controlConn, err := transport.Dial(ctx, cfg.Listen.Control, keys, identity)
	if err != nil {
		return fmt.Errorf("dialing control channel: %w", err)
	}
	defer controlConn.Close()

	results, err := transport.DialPusher(cfg.Listen.Results, keys)
	if err != nil {
		return fmt.Errorf("dialing results channel: %w", err)
	}
	defer results.Close()

	registry := actions.NewEchoRegistry()
	w := worker.New(identity, requests, results, registry, registry, logger)
	w.SetControlConn(controlConn)

	if cfg.Tracing.Enabled {
		tp, err := tracing.NewOTelProvider(cfg.Tracing.ServiceName, os.Stderr)
		if err != nil {
			logger.Warn("failed to start tracer, continuing without tracing", "error", err)
		} else {
			w.SetTracer(tp.Tracer("meshflow.worker"))
			defer tp.Shutdown(context.Background())
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- w.RunControlListener(ctx, controlConn) }()
	go func() { errCh <- w.Run(ctx) }()

	logger.Info("worker started", "identity", identity, "controller", cfg.Listen.Requests)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		w.AwaitControlShutdown(controlConn)
		cancel()
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			logger.Error("worker stopped with error", "error", err)
			return err
		}
	}
	return nil
}
