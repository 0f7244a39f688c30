package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/cloudinv/internal/config"
	"github.com/schaermu/cloudinv/internal/deliver"
	"github.com/schaermu/cloudinv/internal/metrics"
	"github.com/schaermu/cloudinv/internal/pcloud"
	"github.com/schaermu/cloudinv/internal/remote"
	"github.com/schaermu/cloudinv/internal/retry"
	"github.com/schaermu/cloudinv/internal/s3remote"
	"github.com/schaermu/cloudinv/internal/store"
	"github.com/schaermu/cloudinv/internal/sync"
	"github.com/schaermu/cloudinv/internal/webhook"
)

// needs selects the collaborators a command opens
type needs struct {
	collector bool
	store     bool
}

// app holds the wired collaborators of one command invocation
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	collector remote.Collector
	store     *store.Store
}

func openApp(ctx context.Context, n needs) (*app, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if n.store || (n.collector && cfg.Store.RecordSnapshots) {
		st, err := store.Open(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	if n.collector {
		c, err := newCollector(ctx, cfg, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.collector = c
	}

	return a, nil
}

// close releases the remote session and the database
func (a *app) close() {
	if a.collector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.collector.Close(ctx); err != nil {
			a.logger.Warn("failed to close remote session", "error", err)
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}

// finish writes the metrics textfile after a run
func (a *app) finish() {
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("failed to write metrics", "error", err)
	}
	a.close()
}

func (a *app) engine() *sync.Engine {
	deps := sync.Deps{
		Collector: a.collector,
		Mail:      newMailSink(a.cfg),
		Reports:   deliver.NewFileSink(a.cfg.Paths.ReportDir, a.cfg.Report.Name),
		Metrics:   a.metrics,
	}
	if a.store != nil {
		deps.Recorder = a.store
	}
	return sync.NewEngine(a.cfg, deps, a.logger)
}

func newCollector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Collector, error) {
	switch cfg.Remote.Backend {
	case config.BackendS3:
		s3cfg := s3remote.Config{
			Endpoint:  cfg.Remote.S3.Endpoint,
			Region:    cfg.Remote.S3.Region,
			Bucket:    cfg.Remote.S3.Bucket,
			Prefix:    cfg.Remote.S3.Prefix,
			AccessKey: cfg.Remote.S3.AccessKey,
			PathStyle: cfg.Remote.S3.PathStyle,
		}
		if cfg.Remote.S3.SecretKeyFile != "" {
			secret, err := config.ReadSecret(cfg.Remote.S3.SecretKeyFile)
			if err != nil {
				return nil, err
			}
			s3cfg.SecretKey = secret
		}
		return s3remote.New(ctx, s3cfg, logger)
	default:
		return newPCloud(cfg, logger)
	}
}

func newPCloud(cfg *config.Config, logger *slog.Logger) (*pcloud.Client, error) {
	password, err := config.ReadSecret(cfg.Remote.PCloud.PasswordFile)
	if err != nil {
		return nil, err
	}
	return pcloud.New(pcloud.Config{
		BaseURL:           cfg.Remote.PCloud.BaseURL,
		Username:          cfg.Remote.PCloud.Username,
		Password:          password,
		Timeout:           cfg.Remote.PCloud.Timeout,
		RequestsPerSecond: cfg.Remote.PCloud.RequestsPerSecond,
		Retry:             retry.DefaultPolicy(),
		Logger:            logger,
	}), nil
}

// newMailSink returns nil when mail is disabled
func newMailSink(cfg *config.Config) deliver.Sink {
	if !cfg.Mail.Enabled {
		return nil
	}
	return &deliver.MailSink{
		Host:         cfg.Mail.Host,
		Port:         cfg.Mail.Port,
		User:         cfg.Mail.User,
		PasswordFile: cfg.Mail.PasswordFile,
		From:         cfg.Mail.From,
		To:           cfg.Mail.To,
		HTML:         !cfg.Report.Plain,
	}
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{collector: true})
	if err != nil {
		return err
	}
	defer a.finish()

	res, err := a.engine().Capture(ctx)
	if err != nil {
		a.logger.Error("capture failed", "error", err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Snapshot)
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{})
	if err != nil {
		return err
	}
	defer a.finish()

	res, err := a.engine().Analyze(ctx)
	if err != nil {
		a.logger.Error("analyze failed", "error", err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Delta.Summary())
	return nil
}

func runDaily(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{collector: true})
	if err != nil {
		return err
	}
	defer a.finish()

	res, err := a.engine().Daily(ctx)
	if err != nil {
		a.logger.Error("daily run failed", "error", err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Delta.Summary())
	return nil
}

// directories resolves -s/-t against the configured defaults
func directories(cfg *config.Config) (string, string, error) {
	source, target := sourceDir, targetDir
	if source == "" {
		source = cfg.Sync.SourceDir
	}
	if target == "" {
		target = cfg.Sync.TargetDir
	}
	if source == "" || target == "" {
		return "", "", errors.New("source and target directories are required (flags -s/-t or sync.source_dir/sync.target_dir)")
	}
	return source, target, nil
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{})
	if err != nil {
		return err
	}
	defer a.finish()

	source, target, err := directories(a.cfg)
	if err != nil {
		return err
	}

	res, err := a.engine().Compare(ctx, source, target)
	if err != nil {
		a.logger.Error("compare failed", "error", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\nReport: %s\n", res.Delta.Summary(), res.ReportPath)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	act, err := sync.ParseAction(action)
	if err != nil {
		return err
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	// view never fetches, so it needs no remote session
	a, err := openApp(ctx, needs{collector: act == sync.ActionRun})
	if err != nil {
		return err
	}
	defer a.finish()

	source, target, err := directories(a.cfg)
	if err != nil {
		return err
	}

	res, err := a.engine().Sync(ctx, source, target, act)
	if err != nil {
		a.logger.Error("sync failed", "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\nReport: %s\n", res.Delta.Summary(), res.ReportPath)
	if act == sync.ActionRun {
		fmt.Fprintf(out, "Applied: %d, Failed: %d\n", len(res.Applied), len(res.Failures))
		for _, f := range res.Failures {
			fmt.Fprintf(out, "  %s: %v\n", f.Key, f.Err)
		}
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d entries could not be synced", len(res.Failures))
	}
	return nil
}

func runInventory(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{store: true})
	if err != nil {
		return err
	}
	defer a.finish()

	id, err := a.engine().Inventory(ctx, args[0])
	if err != nil {
		a.logger.Error("inventory failed", "error", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "observation %d\n", id)
	return nil
}

func runObservations(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{store: true})
	if err != nil {
		return err
	}
	defer a.close()

	obs, err := a.store.ListObservations(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTAKEN\tFOLDERS\tFILES\tREMARK")
	for _, o := range obs {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", o.ID, o.TakenAt.Local().Format(time.DateTime), o.Directories, o.Files, o.Remark)
	}
	return w.Flush()
}

func runObservationsDiff(cmd *cobra.Command, args []string) error {
	var ids [2]int64
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid observation id %q: %w", arg, err)
		}
		ids[i] = id
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{store: true})
	if err != nil {
		return err
	}
	defer a.finish()

	res, err := a.engine().DiffObservations(ctx, ids[0], ids[1])
	if err != nil {
		a.logger.Error("observation diff failed", "error", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\nReport: %s\n", res.Delta.Summary(), res.ReportPath)
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{store: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to rebuild database: %w", err)
	}
	a.logger.Info("database rebuilt", "dsn", a.cfg.Store.DSN)
	return nil
}

func runLink(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{})
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Remote.Backend != config.BackendPCloud {
		return fmt.Errorf("link is only supported by the pcloud backend, not %s", a.cfg.Remote.Backend)
	}

	client, err := newPCloud(a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.collector = client

	link, err := client.FileLink(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), link)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(context.Background(), needs{})
	if err != nil {
		return err
	}
	defer a.close()

	state, err := a.engine().LoadState()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	workflows := make([]string, 0, len(state.Runs))
	for name := range state.Runs {
		workflows = append(workflows, name)
	}
	sort.Strings(workflows)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tFINISHED\tSNAPSHOT\tRESULT")
	for _, name := range workflows {
		rec := state.Runs[name]
		result := rec.Summary
		if rec.Error != "" {
			result = "error: " + rec.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, rec.Finished.Local().Format(time.DateTime), rec.Snapshot, result)
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, needs{collector: true})
	if err != nil {
		return err
	}
	defer a.close()

	if !a.cfg.Serve.Enabled {
		return errors.New("serve is not enabled in the configuration (serve.enabled)")
	}

	server, err := webhook.NewServer(a.cfg, a.engine(), a.metrics, a.logger)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		a.logger.Error("server failed", "error", err)
		return err
	}
	return nil
}
