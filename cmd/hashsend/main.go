package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligun0805/hashsend/internal/config"
	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/telemetry"
)

var (
	settings config.Settings

	flagLogLevel string
	flagLogJSON  bool
	flagLogFile  string
	flagDataDir  string
	flagWorkers  int

	shutdownTracing telemetry.Shutdown
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if shutdownTracing != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := shutdownTracing(sctx); serr != nil {
			log.Logger.Warn().Err(serr).Msg("flush traces")
		}
		cancel()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hashsend",
		Short: "Send ERC-20 transfers whose transaction hash ends in a chosen character",
		Long: `hashsend searches for a signed token transfer whose hash ends in a chosen hex
character, either by trying throwaway signer wallets or by walking the funding
account's nonces, and then gets exactly that transaction mined.

Settings come from the environment, .env and .env.local; flags override them.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	pf.BoolVar(&flagLogJSON, "log-json", false, "Log as JSON (env LOG_JSON)")
	pf.StringVar(&flagLogFile, "log-file", "", "Also write JSON logs to this file (env LOG_FILE)")
	pf.StringVar(&flagDataDir, "data-dir", "", "Directory of the consumed-result journal (env DATA_DIR; empty keeps it in memory)")
	pf.IntVarP(&flagWorkers, "workers", "w", 0, "Search goroutines for fresh-wallet searches (env SEARCH_WORKERS)")

	root.AddCommand(
		newMineCmd(),
		newSendCmd(),
		newBroadcastCmd(),
		newBatchCmd(),
		newVerifyCmd(),
		newMnemonicCmd(),
		newJournalCmd(),
	)
	return root
}

func setup(cmd *cobra.Command, _ []string) error {
	config.LoadDotenv()
	settings = config.Load()

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		settings.LogLevel = flagLogLevel
	}
	if flags.Changed("log-json") {
		settings.LogJSON = flagLogJSON
	}
	if flags.Changed("log-file") {
		settings.LogFile = flagLogFile
	}
	if flags.Changed("data-dir") {
		settings.DataDir = flagDataDir
	}
	if flags.Changed("workers") {
		settings.SearchWorkers = flagWorkers
	}
	if err := log.Init(settings.LogLevel, settings.LogJSON, settings.LogFile); err != nil {
		return err
	}
	shutdown, err := telemetry.Setup(settings.OTelExporter, os.Stderr)
	if err != nil {
		return err
	}
	shutdownTracing = shutdown
	return nil
}
