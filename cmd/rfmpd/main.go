// Command rfmpd runs the RFMP store-and-forward gossip daemon: it
// connects to a KISS TNC, relays and deduplicates microblog messages
// over AX.25, and periodically exchanges Bloom-filter digests with
// other nodes to catch up on missed traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rfmpd/rfmpd/internal/config"
	"github.com/rfmpd/rfmpd/internal/orchestrator"
	"github.com/rfmpd/rfmpd/internal/rfmpdlog"
	"github.com/rfmpd/rfmpd/internal/store"
	"github.com/rfmpd/rfmpd/internal/tnc"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "Configuration file path.")
		offline    = pflag.Bool("offline", false, "Run without a TNC connection.")
		logLevel   = pflag.StringP("log-level", "l", "", "Override the configured log level (DEBUG, INFO, WARNING, ERROR).")
		verbose    = pflag.BoolP("verbose", "v", false, "Enable verbose (DEBUG) logging.")
		help       = pflag.BoolP("help", "h", false, "Display help text.")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: rfmpd [options]")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	if err := run(*configPath, *offline, *logLevel, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "rfmpd:", err)
		os.Exit(1)
	}
}

func run(configPath string, offline bool, logLevelOverride string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if offline {
		cfg.Network.OfflineMode = true
	}
	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}
	if verbose {
		cfg.Logging.Level = "DEBUG"
	}

	logger := rfmpdlog.New(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.MaxSize, cfg.Logging.BackupCount)
	logger.Info("starting rfmpd", "version", "0.3.0", "callsign", cfg.CallsignSSID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	logger.Info("database connected", "path", cfg.Storage.DatabasePath)

	connector := tnc.New(tnc.Config{
		Host:              cfg.Network.DirewolfHost,
		Port:              cfg.Network.DirewolfPort,
		ReconnectInterval: time.Duration(cfg.Network.ReconnectInterval) * time.Second,
		Offline:           cfg.Network.OfflineMode,
		Callsign:          cfg.Node.Callsign,
		SSID:              cfg.Node.SSID,
	}, logger.With("component", "tnc"))

	orch, err := orchestrator.New(ctx, cfg, st, connector, logger)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	orch.Start(ctx)
	logger.Info("rfmpd started")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("stopping rfmpd")
	orch.Stop(stopCtx)
	logger.Info("rfmpd stopped")
	return nil
}
