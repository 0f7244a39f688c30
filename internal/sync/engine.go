package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/cloudinv/internal/config"
	"github.com/schaermu/cloudinv/internal/deliver"
	"github.com/schaermu/cloudinv/internal/delta"
	"github.com/schaermu/cloudinv/internal/inventory"
	"github.com/schaermu/cloudinv/internal/metrics"
	"github.com/schaermu/cloudinv/internal/pathmap"
	"github.com/schaermu/cloudinv/internal/remote"
	"github.com/schaermu/cloudinv/internal/report"
	"github.com/schaermu/cloudinv/internal/snapshot"
)

// Recorder stores flat inventories as observations and reads them back
type Recorder interface {
	RecordObservation(ctx context.Context, runID, remark string, m inventory.Mapping) (int64, error)
	LoadObservation(ctx context.Context, id int64) (inventory.Mapping, error)
}

// ReportSink is a sink that writes to a known file
type ReportSink interface {
	deliver.Sink
	Path() string
}

// Deps are the collaborators an Engine works with. Only Collector is
// required by the remote workflows; Recorder only by Inventory.
type Deps struct {
	Collector remote.Collector
	Recorder  Recorder
	Mail      deliver.Sink // nil writes analyze reports to Reports instead
	Reports   ReportSink
	Metrics   *metrics.Metrics
}

// Engine runs the inventory workflows
type Engine struct {
	cfg       *config.Config
	deps      Deps
	snapshots *snapshot.FileStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a new engine
func NewEngine(cfg *config.Config, deps Deps, logger *slog.Logger) *Engine {
	if deps.Reports == nil {
		deps.Reports = deliver.NewFileSink(cfg.Paths.ReportDir, cfg.Report.Name)
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		snapshots: snapshot.NewFileStore(cfg.SnapshotDir(), snapshot.DefaultPrefix),
		logger:    logger,
		now:       time.Now,
	}
}

// Snapshots exposes the snapshot store
func (e *Engine) Snapshots() *snapshot.FileStore {
	return e.snapshots
}

type run struct {
	id       string
	workflow string
	started  time.Time
	logger   *slog.Logger
}

func (e *Engine) begin(workflow string) *run {
	id := uuid.NewString()
	return &run{
		id:       id,
		workflow: workflow,
		started:  e.now(),
		logger:   e.logger.With("run_id", id, "workflow", workflow),
	}
}

// finish records metrics and the persisted run state
func (e *Engine) finish(r *run, res *RunResult, err error) {
	e.deps.Metrics.ObserveRun(r.workflow, r.started, err)

	rec := RunRecord{
		RunID:    r.id,
		Started:  r.started,
		Finished: e.now(),
	}
	if res != nil {
		rec.Snapshot = res.Snapshot
		if res.Delta != nil {
			rec.Summary = res.Delta.Summary()
		}
		rec.Applied = len(res.Applied)
		rec.Failed = len(res.Failures)
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if saveErr := e.recordRun(r.workflow, rec); saveErr != nil {
		r.logger.Warn("failed to save run state", "error", saveErr)
	}
}

// Capture lists the remote and persists the listing as a new snapshot
func (e *Engine) Capture(ctx context.Context) (res *RunResult, err error) {
	r := e.begin("capture")
	defer func() { e.finish(r, res, err) }()

	id, err := e.capture(ctx, r)
	if err != nil {
		return nil, err
	}
	return &RunResult{RunID: r.id, Workflow: r.workflow, Snapshot: id}, nil
}

func (e *Engine) capture(ctx context.Context, r *run) (string, error) {
	if e.deps.Collector == nil {
		return "", fmt.Errorf("no remote collector configured")
	}

	r.logger.Info("listing remote", "backend", e.cfg.Remote.Backend)
	root, err := e.deps.Collector.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list remote: %w", err)
	}

	id, err := e.snapshots.Save(root, e.now())
	if err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}

	folders, files := root.Tree().Count()
	e.deps.Metrics.SetSnapshotSize(folders, files)
	r.logger.Info("snapshot saved", "snapshot", id, "folders", folders, "files", files)

	if e.deps.Recorder != nil && e.cfg.Store.RecordSnapshots {
		m := inventory.FlattenRemote(root.Tree(), inventory.RemoteOptions{})
		obsID, err := e.deps.Recorder.RecordObservation(ctx, r.id, "Snapshot "+id, m)
		if err != nil {
			return "", fmt.Errorf("failed to record snapshot observation: %w", err)
		}
		r.logger.Info("snapshot recorded", "observation", obsID)
	}
	return id, nil
}

// Analyze compares the two newest snapshots by content hash and delivers
// the report by mail.
func (e *Engine) Analyze(ctx context.Context) (res *RunResult, err error) {
	r := e.begin("analyze")
	defer func() { e.finish(r, res, err) }()
	return e.analyze(ctx, r)
}

func (e *Engine) analyze(ctx context.Context, r *run) (*RunResult, error) {
	current, previous, err := e.snapshots.LatestPair()
	if err != nil {
		return nil, err
	}
	r.logger.Info("comparing snapshots", "current", current, "previous", previous)

	prevRoot, err := e.snapshots.Load(previous)
	if err != nil {
		return nil, err
	}
	curRoot, err := e.snapshots.Load(current)
	if err != nil {
		return nil, err
	}

	opts := inventory.RemoteOptions{Exclude: e.cfg.Sync.Exclude}
	d := delta.Compare(
		inventory.FlattenRemote(prevRoot.Tree(), opts),
		inventory.FlattenRemote(curRoot.Tree(), opts),
		inventory.KeyHash,
	)
	e.deps.Metrics.ObserveDelta(d.Counts())
	r.logger.Info("snapshot delta", "summary", d.Summary())

	res := &RunResult{RunID: r.id, Workflow: r.workflow, Snapshot: current, Delta: d}
	if e.deps.Mail != nil {
		body, err := e.render(d)
		if err != nil {
			return nil, err
		}
		subject := report.Subject(e.cfg.Report.SubjectPrefix, d)
		if err := e.deps.Mail.Deliver(ctx, subject, body); err != nil {
			return nil, fmt.Errorf("failed to deliver report: %w", err)
		}
		r.logger.Info("report mailed", "subject", subject)
		return res, nil
	}

	// The report file is always HTML; report.plain only affects mail.
	if err := e.writeReport(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Daily captures a new snapshot and analyzes it against the previous one
func (e *Engine) Daily(ctx context.Context) (res *RunResult, err error) {
	r := e.begin("daily")
	defer func() { e.finish(r, res, err) }()

	id, err := e.capture(ctx, r)
	if err != nil {
		return nil, err
	}
	res, err = e.analyze(ctx, r)
	if err != nil {
		return nil, err
	}
	res.Snapshot = id
	return res, nil
}

// Compare compares the latest snapshot, scoped to source and remapped onto
// target, with the local tree under target by size. The HTML report is
// written to the report directory.
func (e *Engine) Compare(ctx context.Context, source, target string) (res *RunResult, err error) {
	r := e.begin("compare")
	defer func() { e.finish(r, res, err) }()

	res, err = e.compareLocal(ctx, r, source, target)
	if err != nil {
		return nil, err
	}
	if err := e.writeReport(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Sync is Compare followed, for ActionRun, by materializing new and
// modified entries locally. Per-entry failures are returned in the result.
func (e *Engine) Sync(ctx context.Context, source, target string, action Action) (res *RunResult, err error) {
	r := e.begin("sync")
	defer func() { e.finish(r, res, err) }()

	res, err = e.compareLocal(ctx, r, source, target)
	if err != nil {
		return nil, err
	}

	added, modified, removed := res.Delta.Counts()
	r.logger.Info("sync plan",
		"add", added,
		"update", modified,
		"local_only", removed,
		"action", action)

	switch action {
	case ActionView:
		e.logPlanDetails(r.logger, res.Delta)
		r.logger.Info("view complete, no changes applied")
	case ActionRun:
		if e.deps.Collector == nil {
			return nil, fmt.Errorf("no remote collector configured")
		}
		x := &Executor{
			Fetcher:     e.deps.Collector,
			Concurrency: e.cfg.Sync.Concurrency,
			Logger:      r.logger,
			Metrics:     e.deps.Metrics,
		}
		applied := x.Apply(ctx, res.Delta)
		res.Applied = applied.Applied
		res.Failures = applied.Failures
		if len(res.Failures) > 0 {
			r.logger.Warn("sync finished with failures", "applied", len(res.Applied), "failed", len(res.Failures))
		} else {
			r.logger.Info("sync completed successfully", "applied", len(res.Applied))
		}
	default:
		return nil, &InvalidActionError{Value: string(action)}
	}

	if err := e.writeReport(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) compareLocal(ctx context.Context, r *run, source, target string) (*RunResult, error) {
	if source == "" || target == "" {
		return nil, fmt.Errorf("source and target directories are required")
	}
	// Both sides key on the cleaned absolute target.
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target %s: %w", target, err)
	}
	target = abs

	id, err := e.snapshots.Latest()
	if err != nil {
		return nil, err
	}
	root, err := e.snapshots.Load(id)
	if err != nil {
		return nil, err
	}

	mapper := pathmap.NewMapper(pathmap.Posix, pathmap.Local, source, target)
	remoteMap := inventory.FlattenRemote(root.Tree(), inventory.RemoteOptions{
		Mapper:  mapper,
		Exclude: e.cfg.Sync.Exclude,
	})

	localMap, err := inventory.FlattenLocal(target, inventory.LocalOptions{
		Exclude:    e.cfg.Sync.Exclude,
		SkipHidden: e.cfg.Sync.SkipHidden,
	})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		r.logger.Warn("target directory does not exist, treating it as empty", "target", target)
		localMap = inventory.NewMapping(nil)
	}

	r.logger.Info("comparing snapshot with local tree",
		"snapshot", id,
		"source", source,
		"target", target,
		"remote_entries", remoteMap.Len(),
		"local_entries", localMap.Len())

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := delta.Compare(localMap, remoteMap, inventory.KeySize)
	e.deps.Metrics.ObserveDelta(d.Counts())
	r.logger.Info("local delta", "summary", d.Summary())

	return &RunResult{RunID: r.id, Workflow: r.workflow, Snapshot: id, Delta: d}, nil
}

// Inventory walks dir and records it as an observation
func (e *Engine) Inventory(ctx context.Context, dir string) (id int64, err error) {
	r := e.begin("inventory")
	defer func() { e.finish(r, nil, err) }()

	if e.deps.Recorder == nil {
		return 0, fmt.Errorf("no observation store configured")
	}

	m, err := inventory.FlattenLocal(dir, inventory.LocalOptions{
		Exclude:    e.cfg.Sync.Exclude,
		SkipHidden: e.cfg.Sync.SkipHidden,
	})
	if err != nil {
		return 0, err
	}

	folders, files := m.Counts()
	id, err = e.deps.Recorder.RecordObservation(ctx, r.id, "PC Inventory "+dir, m)
	if err != nil {
		return 0, fmt.Errorf("failed to record observation: %w", err)
	}
	r.logger.Info("inventory recorded", "observation", id, "folders", folders, "files", files)
	return id, nil
}

// DiffObservations compares two recorded observations and writes the
// report. Files are compared by hash when every file in both observations
// carries one, by size otherwise.
func (e *Engine) DiffObservations(ctx context.Context, older, newer int64) (res *RunResult, err error) {
	r := e.begin("diff")
	defer func() { e.finish(r, res, err) }()

	if e.deps.Recorder == nil {
		return nil, fmt.Errorf("no observation store configured")
	}

	base, err := e.deps.Recorder.LoadObservation(ctx, older)
	if err != nil {
		return nil, err
	}
	candidate, err := e.deps.Recorder.LoadObservation(ctx, newer)
	if err != nil {
		return nil, err
	}

	key := inventory.KeySize
	if allHashed(base) && allHashed(candidate) {
		key = inventory.KeyHash
	}
	d := delta.Compare(base, candidate, key)
	e.deps.Metrics.ObserveDelta(d.Counts())
	r.logger.Info("observation delta", "older", older, "newer", newer, "key", key, "summary", d.Summary())

	res = &RunResult{RunID: r.id, Workflow: r.workflow, Delta: d}
	if err := e.writeReport(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// allHashed reports whether m holds files and every one has a hash
func allHashed(m inventory.Mapping) bool {
	files, hashed := 0, 0
	m.Each(func(_ string, e inventory.Entry) {
		if e.IsFolder {
			return
		}
		files++
		if e.Hash != "" {
			hashed++
		}
	})
	return files > 0 && hashed == files
}

func (e *Engine) render(d *delta.Delta) (string, error) {
	if e.cfg.Report.Plain {
		return report.Plain(d), nil
	}
	return report.HTML(d)
}

func (e *Engine) writeReport(ctx context.Context, res *RunResult) error {
	body, err := report.HTML(res.Delta)
	if err != nil {
		return err
	}
	if err := e.deps.Reports.Deliver(ctx, report.Subject(e.cfg.Report.SubjectPrefix, res.Delta), body); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	res.ReportPath = e.deps.Reports.Path()
	e.logger.Info("report written", "path", res.ReportPath, "run_id", res.RunID)
	return nil
}

// logPlanDetails logs what a run would do
func (e *Engine) logPlanDetails(logger *slog.Logger, d *delta.Delta) {
	for _, c := range d.New {
		logger.Info("[view] would add", "dest", c.Key, "source", c.Entry.SourcePath)
	}
	for _, c := range d.Modified {
		logger.Info("[view] would update", "dest", c.Key, "source", c.Entry.SourcePath)
	}
	for _, c := range d.Removed {
		logger.Info("[view] local only, kept", "dest", c.Key)
	}
}

// LoadState reads the run state; a missing file is an empty state
func (e *Engine) LoadState() (*State, error) {
	data, err := os.ReadFile(e.cfg.StateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Runs: make(map[string]RunRecord)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Runs == nil {
		state.Runs = make(map[string]RunRecord)
	}
	return &state, nil
}

func (e *Engine) recordRun(workflow string, rec RunRecord) error {
	state, err := e.LoadState()
	if err != nil {
		// Corrupted state only loses history
		state = &State{Runs: make(map[string]RunRecord)}
	}
	state.Runs[workflow] = rec
	return e.saveState(state)
}

// saveState persists the state atomically
func (e *Engine) saveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	path := e.cfg.StateFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".state-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
