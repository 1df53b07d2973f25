// Command impactor signs in to Apple developer accounts and installs apps on
// attached iOS devices.
//
// Usage:
//
//	impactor [flags] [command [args...]]
//
// Without a command, impactor starts an interactive shell. With one, it runs
// that command and exits.
//
// Flags:
//
//	-config string          Configuration file path (YAML)
//	-store string           Account store file
//	-anisette string        Anisette provider: local or remote
//	-anisette-remote string Remote anisette server URL
//	-anisette-local string  Local anisette server URL
//	-gsa-ca string          Extra CA bundle for the identity service
//	-usbmuxd string         usbmuxd socket path or host:port
//	-log-level string       Log level: debug, info, warn, error (default "info")
//	-protocol-log string    Write a protocol capture to this file
//	-signer string          External signing command
//	-interface string       Network interface for device discovery
//
// Examples:
//
//	# Sign in and list teams
//	impactor login dev@example.com
//	impactor teams
//
//	# Install an app on the selected device, capturing all traffic
//	impactor -signer "zsign-wrapper" -protocol-log session.ilog install MyApp.ipa
//
// Interactive Commands:
//
//	login [email]      - Sign in with an Apple ID
//	accounts           - List stored accounts
//	devices            - List attached devices
//	pair               - Pair the selected device
//	apps               - List apps installed on the selected device
//	install <path>     - Sign and install an .ipa or .app
//	scan               - Browse the network for devices
//	log <file>         - View a protocol capture
//	quit               - Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/plume-impactor/impactor/internal/config"
	"github.com/plume-impactor/impactor/pkg/log"
)

var (
	cfg   = config.Default()
	flags *config.Flags
)

func init() {
	flags = config.BindFlags(flag.CommandLine, cfg)
}

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	sh, err := newShell()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer sh.Close()

	logger := setupLogging(sh.Stderr(), cfg.Log.Level)
	slog.SetDefault(logger)

	plog, closePlog, err := openProtocolLog(cfg.Log.ProtocolFile)
	if err != nil {
		logger.Error("failed to open protocol log", "path", cfg.Log.ProtocolFile, "error", err)
		os.Exit(1)
	}
	defer closePlog()

	app, err := newApp(cfg, appDeps{
		Logger:         logger,
		ProtocolLogger: plog,
		Out:            sh.Stdout(),
		Prompter:       sh,
	})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)
	defer app.Stop()

	if flag.NArg() > 0 {
		if err := app.Exec(ctx, flag.Args()); err != nil {
			fmt.Fprintf(sh.Stderr(), "Error: %s\n", describe(err))
			app.Stop()
			closePlog()
			os.Exit(1)
		}
		return
	}

	if flags.File() != "" {
		logger.Info("configuration loaded", "path", flags.File())
	}
	go sh.Run(ctx, cancel, app)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}
}

// setupLogging returns a text logger writing to w at the configured level.
func setupLogging(w io.Writer, level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}

// openProtocolLog opens the capture file, if one is configured.
func openProtocolLog(path string) (log.Logger, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	fl, err := log.NewFileLogger(path)
	if err != nil {
		return nil, nil, err
	}
	var once bool
	return fl, func() {
		if once {
			return
		}
		once = true
		if err := fl.Close(); err != nil {
			slog.Warn("failed to close protocol log", "error", err)
			return
		}
		slog.Info("protocol log written", "path", path, "events", fl.Count())
	}, nil
}
