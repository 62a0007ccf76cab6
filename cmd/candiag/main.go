// Package main is the entry point of the candiag CAN/J1939 diagnostic tool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/notnil/candiag"
	"github.com/notnil/candiag/internal/config"
	"github.com/notnil/candiag/internal/script"
	"github.com/notnil/candiag/internal/server"
	"github.com/notnil/candiag/linkup"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		return runServe(args)
	}
	command, cmdArgs := args[0], args[1:]
	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "run":
		return runScript(cmdArgs)
	case "link":
		return runLink(cmdArgs)
	case "discover":
		return runDiscover(cmdArgs)
	case "selftest":
		return runSelfTest(cmdArgs)
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		if strings.HasPrefix(command, "-") {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp()
		return 1
	}
}

func printHelp() {
	fmt.Println(`candiag - CAN/J1939 bus diagnostics

Usage: candiag [command] [options] [args]

Commands:
  serve                     Start the HTTP API and stream (default)
  run <script.lua>          Run a Lua send sequence
  link up <iface> <bitrate> Configure and raise a CAN link
  link vcan [iface]         Create and raise a virtual CAN link
  link setup                Ensure some CAN link exists
  discover                  List candidate channels
  selftest                  Connect to -channel and run the loopback self-test

Options:
  -config       TOML config file (default config/candiag.toml)
  -host, -port  HTTP listen address
  -channel      Channel to connect (can0, vcan0, intrepid0, kvaser0, loop0)
  -bitrate      Bitrate (required by kvaser channels)
  -frame-log    Per-frame debug logging: read, write, all
  -elevator     Privilege helper: auto, pkexec, sudo, none
  -auto-vcan    Create vcan0 at startup when no CAN link exists
  -log-level    debug, info, warn, error
  -log-format   text, json`)
}

// setup loads configuration and builds the logger.
func setup(args []string) (*config.Config, *slog.Logger, bool) {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return nil, nil, false
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, true
}

func newManager(cfg *config.Config, logger *slog.Logger) *candiag.Manager {
	return candiag.New(cfg.ManagerConfig(candiag.DefaultRegistry(), logger))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(args []string) int {
	cfg, logger, ok := setup(args)
	if !ok {
		return 2
	}
	ctx, stop := signalContext()
	defer stop()

	linker := linkup.New(cfg.Link.Elevator, logger)
	linker.RestartMs = cfg.Link.RestartMs
	if cfg.Link.AutoVCAN {
		env := linker.EnsureEnvironment(ctx)
		logger.Info("link environment", "action", env.Action, "success", env.Success, "message", env.Message)
	}

	srv := server.New(server.Options{
		NewManager: func() *candiag.Manager {
			m := newManager(cfg, logger)
			if cfg.Bus.Channel != "" {
				cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				if _, err := m.Connect(cctx, cfg.Bus.Channel, cfg.Bus.Bitrate); err != nil {
					logger.Warn("auto-connect failed", "channel", cfg.Bus.Channel, "err", err)
				}
			}
			return m
		},
		Linker:       linker,
		BatchTimeout: cfg.Bus.BatchTimeout.Duration(),
		BatchMax:     cfg.Bus.BatchMax,
		Logger:       logger,
	})
	srv.Warm()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		logger.Error("server error", "err", err)
		_ = srv.Close()
		return 1
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("shutdown", "err", err)
	}
	_ = srv.Close()
	return 0
}

func runScript(args []string) int {
	cfg, logger, ok := setup(args)
	if !ok {
		return 2
	}
	if len(cfg.Args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: candiag run [options] <script.lua>")
		return 2
	}
	ctx, stop := signalContext()
	defer stop()

	m := newManager(cfg, logger)
	defer m.Close()
	if cfg.Bus.Channel != "" {
		if _, err := m.Connect(ctx, cfg.Bus.Channel, cfg.Bus.Bitrate); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if err := script.New(m, logger).RunFile(ctx, cfg.Args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runLink(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: candiag link up|vcan|setup [options] [args]")
		return 2
	}
	sub := args[0]
	cfg, logger, ok := setup(args[1:])
	if !ok {
		return 2
	}
	ctx, stop := signalContext()
	defer stop()

	linker := linkup.New(cfg.Link.Elevator, logger)
	linker.RestartMs = cfg.Link.RestartMs

	var err error
	switch sub {
	case "up":
		if len(cfg.Args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: candiag link up [options] <iface> <bitrate>")
			return 2
		}
		bitrate, perr := strconv.Atoi(cfg.Args[1])
		if perr != nil {
			fmt.Fprintf(os.Stderr, "invalid bitrate %q\n", cfg.Args[1])
			return 2
		}
		err = linker.BringUp(ctx, cfg.Args[0], bitrate)
	case "vcan":
		iface := linkup.DefaultVirtualIface
		if len(cfg.Args) > 0 {
			iface = cfg.Args[0]
		}
		err = linker.BringUpVirtual(ctx, iface)
	case "setup":
		env := linker.EnsureEnvironment(ctx)
		printJSON(env)
		if !env.Success {
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown link command: %s\n", sub)
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runDiscover(args []string) int {
	cfg, logger, ok := setup(args)
	if !ok {
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := newManager(cfg, logger)
	defer m.Close()
	printJSON(map[string]any{
		"preferred":  m.Registry().Preferred(),
		"interfaces": m.DiscoverInterfaces(ctx),
	})
	return 0
}

func runSelfTest(args []string) int {
	cfg, logger, ok := setup(args)
	if !ok {
		return 2
	}
	if cfg.Bus.Channel == "" {
		fmt.Fprintln(os.Stderr, "usage: candiag selftest -channel <name> [-bitrate N]")
		return 2
	}
	ctx, stop := signalContext()
	defer stop()
	m := newManager(cfg, logger)
	defer m.Close()
	if _, err := m.Connect(ctx, cfg.Bus.Channel, cfg.Bus.Bitrate); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	res := m.SelfTest(ctx, 0)
	printJSON(res)
	if !res.TxOK {
		return 1
	}
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
