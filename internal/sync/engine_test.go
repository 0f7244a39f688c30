package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/schaermu/cloudinv/internal/config"
	"github.com/schaermu/cloudinv/internal/deliver"
	"github.com/schaermu/cloudinv/internal/inventory"
	"github.com/schaermu/cloudinv/internal/snapshot"
)

type mockCollector struct {
	mu       gosync.Mutex
	root     *snapshot.Item
	listErr  error
	contents map[string]string
	failing  map[string]bool
	fetched  []string
}

func (m *mockCollector) ListAll(context.Context) (*snapshot.Item, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.root, nil
}

func (m *mockCollector) Fetch(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, id)
	m.mu.Unlock()

	if m.failing[id] {
		return nil, fmt.Errorf("download of %s refused", id)
	}
	body, ok := m.contents[id]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (m *mockCollector) Close(context.Context) error {
	return nil
}

type mockRecorder struct {
	runIDs   []string
	remarks  []string
	last     inventory.Mapping
	recorded []inventory.Mapping
}

func (m *mockRecorder) RecordObservation(_ context.Context, runID, remark string, mp inventory.Mapping) (int64, error) {
	m.runIDs = append(m.runIDs, runID)
	m.remarks = append(m.remarks, remark)
	m.last = mp
	m.recorded = append(m.recorded, mp)
	return int64(len(m.recorded)), nil
}

func (m *mockRecorder) LoadObservation(_ context.Context, id int64) (inventory.Mapping, error) {
	if id < 1 || int(id) > len(m.recorded) {
		return inventory.Mapping{}, fmt.Errorf("observation %d not found", id)
	}
	return m.recorded[id-1], nil
}

type mockSink struct {
	subject string
	body    string
	err     error
}

func (m *mockSink) Deliver(_ context.Context, subject, body string) error {
	m.subject = subject
	m.body = body
	return m.err
}

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func remoteFile(name, id, hash, content string) *snapshot.Item {
	return &snapshot.Item{
		Name:     name,
		FileID:   snapshot.ID(id),
		Hash:     snapshot.ID(hash),
		Size:     int64(len(content)),
		Created:  snapshot.Timestamp{Time: baseTime},
		Modified: snapshot.Timestamp{Time: baseTime.Add(time.Hour)},
	}
}

// remoteRoot returns a listing with files inside /photos
func remoteRoot(files ...*snapshot.Item) *snapshot.Item {
	return &snapshot.Item{
		Name:     "/",
		Path:     "/",
		IsFolder: true,
		Contents: []*snapshot.Item{
			{
				Name:     "photos",
				IsFolder: true,
				Created:  snapshot.Timestamp{Time: baseTime},
				Modified: snapshot.Timestamp{Time: baseTime},
				Contents: files,
			},
		},
	}
}

func newTestEngine(t *testing.T, deps Deps) (*Engine, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		Paths:  config.PathsConfig{DataDir: dir, ReportDir: dir},
		Report: config.ReportConfig{SubjectPrefix: "PCloud", Name: "report.html"},
		Sync:   config.SyncConfig{Concurrency: 2},
	}
	e := NewEngine(cfg, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

	clock := baseTime
	e.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return e, cfg
}

func TestCapture(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(remoteFile("a.jpg", "1", "h1", "aaa"))}
	recorder := &mockRecorder{}
	e, cfg := newTestEngine(t, Deps{Collector: collector, Recorder: recorder})
	cfg.Store.RecordSnapshots = true

	res, err := e.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if !strings.HasPrefix(res.Snapshot, snapshot.DefaultPrefix) {
		t.Errorf("unexpected snapshot id %q", res.Snapshot)
	}

	root, err := e.Snapshots().Load(res.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	folders, files := root.Tree().Count()
	if folders != 1 || files != 1 {
		t.Errorf("expected 1 folder and 1 file, got %d and %d", folders, files)
	}

	if len(recorder.runIDs) != 1 || recorder.runIDs[0] != res.RunID {
		t.Errorf("expected one observation for run %s, got %v", res.RunID, recorder.runIDs)
	}
	if recorder.remarks[0] != "Snapshot "+res.Snapshot {
		t.Errorf("unexpected remark %q", recorder.remarks[0])
	}

	state, err := e.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := state.Runs["capture"]
	if !ok {
		t.Fatal("capture run not recorded in state")
	}
	if rec.RunID != res.RunID || rec.Snapshot != res.Snapshot || rec.Error != "" {
		t.Errorf("unexpected run record: %+v", rec)
	}
}

func TestCapture_ListError(t *testing.T) {
	collector := &mockCollector{listErr: errors.New("boom")}
	e, _ := newTestEngine(t, Deps{Collector: collector})

	if _, err := e.Capture(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	ids, err := e.Snapshots().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no snapshots after a failed listing, got %v", ids)
	}

	state, err := e.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(state.Runs["capture"].Error, "boom") {
		t.Errorf("expected error in run record, got %+v", state.Runs["capture"])
	}
}

func TestAnalyze_NeedsTwoSnapshots(t *testing.T) {
	collector := &mockCollector{root: remoteRoot()}
	e, _ := newTestEngine(t, Deps{Collector: collector})

	if _, err := e.Analyze(context.Background()); !errors.Is(err, snapshot.ErrMissingHistory) {
		t.Errorf("expected ErrMissingHistory with no snapshots, got %v", err)
	}

	// The first daily run captures but has nothing to compare against
	if _, err := e.Daily(context.Background()); !errors.Is(err, snapshot.ErrMissingHistory) {
		t.Errorf("expected ErrMissingHistory after first capture, got %v", err)
	}
	ids, _ := e.Snapshots().List()
	if len(ids) != 1 {
		t.Errorf("expected the snapshot to be kept, got %v", ids)
	}
}

func TestDaily_MailsReport(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(
		remoteFile("a.jpg", "1", "h1", "aaa"),
		remoteFile("b.jpg", "2", "h2", "bbb"),
	)}
	mail := &mockSink{}
	e, _ := newTestEngine(t, Deps{Collector: collector, Mail: mail})

	if _, err := e.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}

	collector.root = remoteRoot(
		remoteFile("a.jpg", "1", "h1-changed", "aaa"),
		remoteFile("c.jpg", "3", "h3", "ccc"),
	)
	res, err := e.Daily(context.Background())
	if err != nil {
		t.Fatalf("Daily failed: %v", err)
	}

	added, modified, removed := res.Delta.Counts()
	if added != 1 || modified != 1 || removed != 1 {
		t.Errorf("expected 1/1/1, got %d/%d/%d", added, modified, removed)
	}
	if res.Delta.New[0].Key != "/photos/c.jpg" {
		t.Errorf("unexpected new key %s", res.Delta.New[0].Key)
	}
	if res.Delta.Modified[0].Key != "/photos/a.jpg" {
		t.Errorf("unexpected modified key %s", res.Delta.Modified[0].Key)
	}
	if res.Delta.Removed[0].Key != "/photos/b.jpg" {
		t.Errorf("unexpected removed key %s", res.Delta.Removed[0].Key)
	}

	if mail.subject != "PCloud Report: New: 1, Modified: 1, Removed: 1" {
		t.Errorf("unexpected subject %q", mail.subject)
	}
	if !strings.Contains(mail.body, "/photos/c.jpg") {
		t.Errorf("report body does not mention new file: %s", mail.body)
	}
	if res.ReportPath != "" {
		t.Errorf("mailed report should not be written to disk, got %s", res.ReportPath)
	}
}

func TestAnalyze_WritesReportWithoutMail(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(remoteFile("a.jpg", "1", "h1", "aaa"))}
	e, cfg := newTestEngine(t, Deps{Collector: collector})

	for i := 0; i < 2; i++ {
		if _, err := e.Capture(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	res, err := e.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !res.Delta.Empty() {
		t.Errorf("expected empty delta, got %s", res.Delta.Summary())
	}
	if res.ReportPath != cfg.ReportPath() {
		t.Errorf("expected report at %s, got %s", cfg.ReportPath(), res.ReportPath)
	}
	if _, err := os.Stat(res.ReportPath); err != nil {
		t.Errorf("report not written: %v", err)
	}
}

func TestAnalyze_PlainSettingKeepsReportFileHTML(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(remoteFile("a.jpg", "1", "h1", "aaa"))}
	e, cfg := newTestEngine(t, Deps{Collector: collector})
	cfg.Report.Plain = true

	for i := 0; i < 2; i++ {
		if _, err := e.Capture(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	res, err := e.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	data, err := os.ReadFile(res.ReportPath)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "<!DOCTYPE html>") {
		t.Errorf("expected an HTML report file, got %q", data)
	}
}

func TestAnalyze_PlainMail(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(remoteFile("a.jpg", "1", "h1", "aaa"))}
	mail := &mockSink{}
	e, cfg := newTestEngine(t, Deps{Collector: collector, Mail: mail})
	cfg.Report.Plain = true

	for i := 0; i < 2; i++ {
		if _, err := e.Capture(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Analyze(context.Background()); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !strings.HasPrefix(mail.body, "New: 0 items") {
		t.Errorf("expected a plain mail body, got %q", mail.body)
	}
}

func TestAnalyze_MailError(t *testing.T) {
	collector := &mockCollector{root: remoteRoot()}
	mail := &mockSink{err: errors.New("smtp down")}
	e, _ := newTestEngine(t, Deps{Collector: collector, Mail: mail})

	for i := 0; i < 2; i++ {
		if _, err := e.Capture(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Analyze(context.Background()); err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Errorf("expected delivery error, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(
		remoteFile("a.jpg", "1", "h1", "aaa"),
		remoteFile("b.jpg", "2", "h2", "bbbb"),
	)}
	e, cfg := newTestEngine(t, Deps{Collector: collector})
	if _, err := e.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(t.TempDir(), "photos")
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	// same size as remote: not modified
	if err := os.WriteFile(filepath.Join(target, "a.jpg"), []byte("xyz"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "local.txt"), []byte("only here"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := e.Compare(context.Background(), "/photos", target)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if len(res.Delta.New) != 1 || res.Delta.New[0].Key != filepath.Join(target, "b.jpg") {
		t.Errorf("unexpected new entries: %+v", res.Delta.New)
	}
	if len(res.Delta.Modified) != 0 {
		t.Errorf("unexpected modified entries: %+v", res.Delta.Modified)
	}
	if len(res.Delta.Removed) != 1 || res.Delta.Removed[0].Key != filepath.Join(target, "local.txt") {
		t.Errorf("unexpected removed entries: %+v", res.Delta.Removed)
	}

	data, err := os.ReadFile(cfg.ReportPath())
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if !strings.Contains(string(data), "b.jpg") {
		t.Error("report does not list the new file")
	}
	if len(collector.fetched) != 0 {
		t.Errorf("compare must not fetch, fetched %v", collector.fetched)
	}
}

func TestCompare_TargetWithParentComponents(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(remoteFile("a.jpg", "1", "h1", "aaa"))}
	e, _ := newTestEngine(t, Deps{Collector: collector})
	if _, err := e.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	target := filepath.Join(dir, "photos")
	if err := os.MkdirAll(filepath.Join(dir, "x"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "a.jpg"), []byte("aaa"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := e.Compare(context.Background(), "/photos", filepath.FromSlash(dir+"/x/../photos"))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if !res.Delta.Empty() {
		t.Errorf("expected no differences for an equivalent target path, got %s", res.Delta.Summary())
	}
}

func TestCompare_SymlinkedTarget(t *testing.T) {
	collector := &mockCollector{root: remoteRoot(remoteFile("a.jpg", "1", "h1", "aaa"))}
	e, _ := newTestEngine(t, Deps{Collector: collector})
	if _, err := e.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	disk := filepath.Join(dir, "disk", "photos")
	if err := os.MkdirAll(disk, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(disk, "a.jpg"), []byte("aaa"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "photos")
	if err := os.Symlink(disk, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	res, err := e.Sync(context.Background(), "/photos", link, ActionView)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Delta.Empty() {
		t.Errorf("expected the linked tree to match the remote, got %s", res.Delta.Summary())
	}
}

func TestCompare_RequiresDirectories(t *testing.T) {
	e, _ := newTestEngine(t, Deps{Collector: &mockCollector{root: remoteRoot()}})
	if _, err := e.Compare(context.Background(), "", "/tmp"); err == nil {
		t.Error("expected error for empty source")
	}
}

func TestSync_View(t *testing.T) {
	collector := &mockCollector{
		root:     remoteRoot(remoteFile("a.jpg", "1", "h1", "aaa")),
		contents: map[string]string{"1": "aaa"},
	}
	e, _ := newTestEngine(t, Deps{Collector: collector})
	if _, err := e.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(t.TempDir(), "photos")
	res, err := e.Sync(context.Background(), "/photos", target, ActionView)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// missing target counts as empty
	if len(res.Delta.New) != 2 {
		t.Errorf("expected folder and file as new, got %+v", res.Delta.New)
	}
	if len(res.Applied) != 0 || len(collector.fetched) != 0 {
		t.Errorf("view must not apply anything: applied=%v fetched=%v", res.Applied, collector.fetched)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("view must not create the target, stat error: %v", err)
	}
}

func TestSync_RunPartialFailure(t *testing.T) {
	collector := &mockCollector{
		root: remoteRoot(
			remoteFile("a.jpg", "1", "h1", "aaa"),
			remoteFile("b.jpg", "2", "h2", "bbb"),
			remoteFile("c.jpg", "3", "h3", "ccc"),
		),
		contents: map[string]string{"1": "aaa", "2": "bbb", "3": "ccc"},
		failing:  map[string]bool{"2": true},
	}
	e, _ := newTestEngine(t, Deps{Collector: collector})
	if _, err := e.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(t.TempDir(), "photos")
	res, err := e.Sync(context.Background(), "/photos", target, ActionRun)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	wantApplied := []string{
		target,
		filepath.Join(target, "a.jpg"),
		filepath.Join(target, "c.jpg"),
	}
	if strings.Join(res.Applied, ",") != strings.Join(wantApplied, ",") {
		t.Errorf("Applied = %v, want %v", res.Applied, wantApplied)
	}
	if len(res.Failures) != 1 || res.Failures[0].Key != filepath.Join(target, "b.jpg") {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
	if !strings.Contains(res.Failures[0].Err.Error(), "refused") {
		t.Errorf("unexpected failure error: %v", res.Failures[0].Err)
	}

	for name, want := range map[string]string{"a.jpg": "aaa", "c.jpg": "ccc"} {
		data, err := os.ReadFile(filepath.Join(target, name))
		if err != nil {
			t.Errorf("expected %s to be fetched: %v", name, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}
	if _, err := os.Stat(filepath.Join(target, "b.jpg")); !os.IsNotExist(err) {
		t.Error("failed file must not exist")
	}
	entries, _ := os.ReadDir(target)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), inventory.TempPrefix) {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}

	state, err := e.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if rec := state.Runs["sync"]; rec.Applied != 3 || rec.Failed != 1 {
		t.Errorf("unexpected sync record: %+v", rec)
	}

	// A second pass only retries the failed file
	collector.failing = nil
	res, err = e.Sync(context.Background(), "/photos", target, ActionRun)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 1 || res.Applied[0] != filepath.Join(target, "b.jpg") {
		t.Errorf("expected only b.jpg on rerun, got %v", res.Applied)
	}
	if len(res.Failures) != 0 {
		t.Errorf("unexpected failures on rerun: %+v", res.Failures)
	}
}

func TestSync_InvalidAction(t *testing.T) {
	e, _ := newTestEngine(t, Deps{Collector: &mockCollector{root: remoteRoot()}})
	if _, err := e.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := e.Sync(context.Background(), "/photos", t.TempDir(), Action("purge"))
	var invalid *InvalidActionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidActionError, got %v", err)
	}
	if invalid.Value != "purge" {
		t.Errorf("unexpected value %q", invalid.Value)
	}
}

func TestInventory(t *testing.T) {
	recorder := &mockRecorder{}
	e, _ := newTestEngine(t, Deps{Recorder: recorder})

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "f.txt"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	id, err := e.Inventory(context.Background(), dir)
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected observation id 1, got %d", id)
	}
	if recorder.remarks[0] != "PC Inventory "+dir {
		t.Errorf("unexpected remark %q", recorder.remarks[0])
	}
	folders, files := recorder.last.Counts()
	if folders != 2 || files != 1 {
		t.Errorf("expected 2 folders and 1 file, got %d and %d", folders, files)
	}
}

func TestInventory_NoRecorder(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	if _, err := e.Inventory(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error without a recorder")
	}
}

func TestDiffObservations(t *testing.T) {
	older := inventory.NewMapping(map[string]inventory.Entry{
		"/photos":       {IsFolder: true},
		"/photos/a.jpg": {Size: 3, Hash: "h1", Modified: baseTime},
		"/photos/b.jpg": {Size: 3, Hash: "h2", Modified: baseTime},
	})
	newer := inventory.NewMapping(map[string]inventory.Entry{
		"/photos":       {IsFolder: true},
		"/photos/a.jpg": {Size: 3, Hash: "h1-edited", Modified: baseTime},
		"/photos/c.jpg": {Size: 1, Hash: "h3", Modified: baseTime},
	})

	tests := []struct {
		name         string
		older, newer inventory.Mapping
		wantModified int
	}{
		// same size, different hash
		{name: "hashed observations compare by hash", older: older, newer: newer, wantModified: 1},
		{name: "local observations compare by size", older: withoutHashes(older), newer: withoutHashes(newer), wantModified: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &mockRecorder{recorded: []inventory.Mapping{tt.older, tt.newer}}
			e, cfg := newTestEngine(t, Deps{Recorder: recorder})

			res, err := e.DiffObservations(context.Background(), 1, 2)
			if err != nil {
				t.Fatalf("DiffObservations failed: %v", err)
			}
			if len(res.Delta.New) != 1 || res.Delta.New[0].Key != "/photos/c.jpg" {
				t.Errorf("unexpected new entries: %+v", res.Delta.New)
			}
			if len(res.Delta.Removed) != 1 || res.Delta.Removed[0].Key != "/photos/b.jpg" {
				t.Errorf("unexpected removed entries: %+v", res.Delta.Removed)
			}
			if len(res.Delta.Modified) != tt.wantModified {
				t.Errorf("expected %d modified, got %+v", tt.wantModified, res.Delta.Modified)
			}
			if res.ReportPath != cfg.ReportPath() {
				t.Errorf("expected report at %s, got %s", cfg.ReportPath(), res.ReportPath)
			}

			state, err := e.LoadState()
			if err != nil {
				t.Fatal(err)
			}
			if state.Runs["diff"].Summary != res.Delta.Summary() {
				t.Errorf("unexpected run record: %+v", state.Runs["diff"])
			}
		})
	}
}

func TestDiffObservations_UnknownObservation(t *testing.T) {
	e, _ := newTestEngine(t, Deps{Recorder: &mockRecorder{}})
	if _, err := e.DiffObservations(context.Background(), 1, 2); err == nil {
		t.Error("expected error for unknown observation")
	}

	e, _ = newTestEngine(t, Deps{})
	if _, err := e.DiffObservations(context.Background(), 1, 2); err == nil {
		t.Error("expected error without an observation store")
	}
}

func withoutHashes(m inventory.Mapping) inventory.Mapping {
	entries := make(map[string]inventory.Entry)
	for _, k := range m.Keys() {
		e, _ := m.Get(k)
		e.Hash = ""
		entries[k] = e
	}
	return inventory.NewMapping(entries)
}

func TestLoadState_Corrupted(t *testing.T) {
	e, cfg := newTestEngine(t, Deps{})
	if err := os.WriteFile(cfg.StateFilePath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.LoadState(); err == nil {
		t.Error("expected parse error")
	}

	// recording a run replaces the corrupted file
	if err := e.recordRun("capture", RunRecord{RunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	state, err := e.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Runs["capture"].RunID != "r1" {
		t.Errorf("unexpected state: %+v", state)
	}
}

var _ deliver.Sink = (*mockSink)(nil)
