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

// Command meshflowd is the controller process: it accepts worker
// connections on the Requests, Results, and Control channels, load
// balances submitted workflows across the idle pool, and routes
// pause/resume/trigger-data messages back to the worker running a
// given execution.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshflow/meshflow/internal/actions"
	"github.com/meshflow/meshflow/internal/config"
	"github.com/meshflow/meshflow/internal/dispatcher"
	"github.com/meshflow/meshflow/internal/lifecycle"
	"github.com/meshflow/meshflow/internal/log"
	"github.com/meshflow/meshflow/internal/receiver"
	"github.com/meshflow/meshflow/internal/tracing"
	"github.com/meshflow/meshflow/internal/transport"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string
	var pidPath string

	root := &cobra.Command{
		Use:           "meshflowd",
		Short:         "meshflowd runs the meshflow controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/meshflow/config.yaml)")
	root.PersistentFlags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "Path to the controller's PID file")

	root.AddCommand(
		newStartCommand(&configPath, &pidPath),
		newStopCommand(&pidPath),
		newStatusCommand(&pidPath),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultPIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/meshflowd.pid"
	}
	return home + "/.config/meshflow/meshflowd.pid"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("meshflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newStopCommand(pidPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			pf := lifecycle.NewPIDFileManager(*pidPath)
			pid, err := pf.Read()
			if err != nil {
				return fmt.Errorf("reading pid file: %w", err)
			}
			if !lifecycle.IsControllerProcess(pid) {
				return fmt.Errorf("pid %d is not a meshflow controller, refusing to signal it", pid)
			}
			if err := lifecycle.GracefulShutdown(pid, 15*time.Second, force); err != nil {
				return fmt.Errorf("stopping controller: %w", err)
			}
			return pf.Remove()
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the controller does not exit within the timeout")
	return cmd
}

func newStatusCommand(pidPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the controller is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pf := lifecycle.NewPIDFileManager(*pidPath)
			if !pf.Exists() {
				fmt.Println("not running (no pid file)")
				return nil
			}
			pid, err := pf.Read()
			if err != nil {
				return fmt.Errorf("reading pid file: %w", err)
			}
			info, err := lifecycle.GetProcessInfo(pid)
			if err != nil {
				return err
			}
			if !info.Running {
				fmt.Printf("not running (stale pid file for %d)\n", pid)
				return nil
			}
			fmt.Printf("running, pid %d: %s\n", info.PID, info.Command)
			return nil
		},
	}
}

func newStartCommand(configPath, pidPath *string) *cobra.Command {
	var detach bool
	var logPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !detach {
				return runController(*configPath, *pidPath)
			}
			return startDetached(*configPath, *pidPath, logPath)
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "Spawn the controller as a background process and wait for it to report healthy")
	cmd.Flags().StringVar(&logPath, "log-file", "", "Where the detached controller's stdout/stderr go (default: <pid-file>.log)")
	return cmd
}

// startDetached spawns the controller binary as a background process
// via lifecycle.Spawner, then polls its health endpoint before
// returning so the CLI caller knows whether the start succeeded.
func startDetached(configPath, pidPath, logPath string) error {
	if logPath == "" {
		logPath = pidPath + ".log"
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving controller binary: %w", err)
	}

	args := []string{"start", "--pid-file", pidPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	pid, err := lifecycle.NewSpawner().SpawnDetached(self, args, logPath)
	if err != nil {
		return fmt.Errorf("spawning controller: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config to locate health endpoint: %w", err)
	}
	if cfg.Listen.Health == "" {
		fmt.Printf("started controller, pid %d (no health endpoint configured, not waiting)\n", pid)
		return nil
	}

	checker := lifecycle.NewHealthChecker("http://" + cfg.Listen.Health + "/healthz")
	if err := checker.WaitUntilHealthy(15 * time.Second); err != nil {
		return fmt.Errorf("controller pid %d did not become healthy: %w", pid, err)
	}
	fmt.Printf("started controller, pid %d\n", pid)
	return nil
}

func runController(configPath, pidPath string) error {
	logger := log.New(log.FromEnv())

	lifecycleLog := lifecycle.NewLifecycleLogger(pidPath + ".lifecycle")
	_ = lifecycleLog.LogStart(version, os.Args[1:], configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("loading config: %w", err)
	}
	logger = log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), Output: os.Stderr, AddSource: cfg.Log.AddSource})

	pf := lifecycle.NewPIDFileManager(pidPath)
	if err := pf.Create(os.Getpid()); err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("creating pid file: %w", err)
	}
	defer pf.Remove()

	keys, err := transport.LoadOrGenerateKeyPair(cfg.Keys.Dir, "controller")
	if err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("loading controller keypair: %w", err)
	}

	registry := actions.NewEchoRegistry()
	requests := transport.NewRouter(keys)
	control := transport.NewRouter(keys)
	results := transport.NewPuller(keys)

	disp := dispatcher.New(requests, control, registry, logger)
	if cfg.Tracing.Enabled {
		tp, err := tracing.NewOTelProvider(cfg.Tracing.ServiceName, os.Stderr)
		if err != nil {
			logger.Warn("failed to start tracer, continuing without tracing", "error", err)
		} else {
			disp.SetTracer(tp.Tracer("meshflow.dispatcher"))
			defer tp.Shutdown(context.Background())
		}
	}

	recv := receiver.New(results, logger)

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 6)
	go func() {
		errCh <- listenAndAccept(ctx, cfg.Listen.Requests, func(conn net.Conn) error {
			_, err := requests.Accept(conn)
			return err
		})
	}()
	go func() {
		errCh <- listenAndAccept(ctx, cfg.Listen.Control, func(conn net.Conn) error {
			_, err := control.Accept(conn)
			return err
		})
	}()
	go func() { errCh <- listenAndAccept(ctx, cfg.Listen.Results, results.Accept) }()
	go func() { errCh <- disp.Run(ctx) }()
	go func() { errCh <- recv.ReceiveLoop(ctx) }()

	var healthSrv *http.Server
	if cfg.Listen.Health != "" {
		healthSrv = newHealthServer(cfg.Listen.Health, disp)
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	logger.Info("controller started",
		"requests", cfg.Listen.Requests, "results", cfg.Listen.Results, "control", cfg.Listen.Control)
	_ = lifecycleLog.LogStartSuccess(os.Getpid(), 0, time.Since(start))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		shutdownStart := time.Now()
		disp.Stop()
		cancel()
		results.Close()
		if healthSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = healthSrv.Shutdown(shutdownCtx)
			shutdownCancel()
		}
		_ = lifecycleLog.LogStopSuccess(os.Getpid(), time.Since(shutdownStart))
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("controller component failed", "error", err)
			_ = lifecycleLog.LogStopFailure(os.Getpid(), err)
			return err
		}
	}
	return nil
}

// healthResponse is the payload served at /healthz.
type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Runtime string `json:"runtime"`
	Pending int    `json:"pending_workflows"`
}

var controllerStart = time.Now()

// newHealthServer builds the plain-HTTP server lifecycle.HealthChecker
// polls after a detached start.
func newHealthServer(addr string, disp *dispatcher.Dispatcher) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Uptime:  time.Since(controllerStart).String(),
			Runtime: runtime.Version(),
			Pending: disp.PendingLen(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// listenAndAccept listens on addr and hands every accepted connection
// to accept, looping until ctx is canceled.
func listenAndAccept(ctx context.Context, addr string, accept func(net.Conn) error) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := accept(conn); err != nil {
				conn.Close()
			}
		}()
	}
}
