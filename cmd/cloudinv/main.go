package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/cloudinv/internal/config"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// compare/sync flags
	sourceDir string
	targetDir string
	action    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cloudinv",
	Short: "Inventory a cloud drive and mirror it locally",
	Long: `cloudinv captures dated snapshots of a remote drive (pCloud or an S3 bucket),
reports what changed between two snapshots, and compares or one-way syncs a
remote folder with a local directory.

It can run as a oneshot command (via systemd timer) or as a long-running
daemon that performs the daily run on an interval or a signed HTTP trigger.`,
	SilenceUsage: true,
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "List the remote and save the listing as a new snapshot",
	RunE:  runCapture,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report changes between the two newest snapshots",
	Long: `Analyze compares the two newest snapshots by content hash and delivers the
report by mail, or writes it to the report directory when mail is disabled.`,
	RunE: runAnalyze,
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Capture a snapshot, then analyze it against the previous one",
	RunE:  runDaily,
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare a remote folder with a local directory",
	Long: `Compare maps the latest snapshot, scoped to the source folder, onto the
target directory and reports new, modified (by size) and local-only entries.
Nothing is downloaded.`,
	RunE: runCompare,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download new and modified remote files into a local directory",
	Long: `Sync compares like compare does. With --action run it additionally
downloads every new and modified file. Local-only entries are never deleted.`,
	RunE: runSync,
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory <dir>",
	Short: "Record a local directory tree in the observation database",
	Args:  cobra.ExactArgs(1),
	RunE:  runInventory,
}

var observationsCmd = &cobra.Command{
	Use:   "observations",
	Short: "List recorded observations",
	RunE:  runObservations,
}

var observationsDiffCmd = &cobra.Command{
	Use:   "diff <older-id> <newer-id>",
	Short: "Report changes between two recorded observations",
	Long: `Diff loads two observations from the database and reports new, modified
and removed entries. Files are compared by hash when both observations carry
hashes (recorded snapshots), by size otherwise (local inventories).`,
	Args: cobra.ExactArgs(2),
	RunE: runObservationsDiff,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-db",
	Short: "Drop and recreate the observation database",
	RunE:  runRebuild,
}

var linkCmd = &cobra.Command{
	Use:   "link <fileid>",
	Short: "Resolve a pCloud file id to a download URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runLink,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run of every workflow",
	RunE:  runStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daily workflow on an interval and on HTTP triggers",
	Long: `Serve performs an initial daily run, then repeats it every serve.interval.
A POST to /trigger signed with the configured secret starts a run on demand.
/metrics and /healthz are served on the same listener.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cloudinv %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/cloudinv/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{compareCmd, syncCmd} {
		cmd.Flags().StringVarP(&sourceDir, "source-dir", "s", "", "remote folder to compare (default sync.source_dir)")
		cmd.Flags().StringVarP(&targetDir, "target-dir", "t", "", "local directory to compare (default sync.target_dir)")
	}
	syncCmd.Flags().StringVarP(&action, "action", "a", "view", "view only reports, run also downloads")

	observationsCmd.AddCommand(observationsDiffCmd)

	rootCmd.AddCommand(
		captureCmd,
		analyzeCmd,
		dailyCmd,
		compareCmd,
		syncCmd,
		inventoryCmd,
		observationsCmd,
		rebuildCmd,
		linkCmd,
		statusCmd,
		serveCmd,
		versionCmd,
	)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "cloudinv", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"backend", cfg.Remote.Backend,
		"data_dir", cfg.Paths.DataDir,
		"report_dir", cfg.Paths.ReportDir,
		"mail", cfg.Mail.Enabled)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
