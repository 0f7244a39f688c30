package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/cloudinv/internal/delta"
	"github.com/schaermu/cloudinv/internal/inventory"
	"github.com/schaermu/cloudinv/internal/metrics"
)

// Fetcher opens remote file content by source id
type Fetcher interface {
	Fetch(ctx context.Context, id string) (io.ReadCloser, error)
}

// Executor materializes new and modified remote entries under their local
// keys. It never deletes anything.
type Executor struct {
	Fetcher     Fetcher
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Apply creates every pending folder, then fetches every pending file.
// A failing entry is recorded and the pass continues.
func (x *Executor) Apply(ctx context.Context, d *delta.Delta) *ApplyResult {
	logger := x.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := x.Concurrency
	if limit < 1 {
		limit = 1
	}

	result := &ApplyResult{}
	var mu gosync.Mutex
	record := func(key string, err error, written int64) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failures = append(result.Failures, Failure{Key: key, Err: err})
			x.Metrics.EntryFailed()
			logger.Error("failed to apply entry", "path", key, "error", err)
			return
		}
		result.Applied = append(result.Applied, key)
		x.Metrics.EntryApplied(written)
	}

	var files []delta.Change
	for _, c := range d.Pending() {
		if !c.Entry.IsFolder {
			files = append(files, c)
			continue
		}
		// Pending() sorts parents before children, so folders are created in order
		err := os.MkdirAll(c.Key, 0755)
		if err != nil {
			err = fmt.Errorf("failed to create folder: %w", err)
		} else {
			logger.Info("created folder", "path", c.Key)
		}
		record(c.Key, err, 0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, c := range files {
		g.Go(func() error {
			written, err := x.fetchFile(gctx, c.Key, c.Entry)
			if err == nil {
				logger.Info("fetched file", "path", c.Key, "size", humanize.IBytes(uint64(written)))
			}
			record(c.Key, err, written)
			// Never return the error: a failing file must not cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Applied)
	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].Key < result.Failures[j].Key
	})
	return result
}

// fetchFile streams one remote file into a temp file next to dst and
// renames it into place.
func (x *Executor) fetchFile(ctx context.Context, dst string, e inventory.Entry) (int64, error) {
	if e.SourceID == "" {
		return 0, errors.New("entry has no source id")
	}
	if x.Fetcher == nil {
		return 0, errors.New("no fetcher configured")
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent folder: %w", err)
	}

	body, err := x.Fetcher.Fetch(ctx, e.SourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch: %w", err)
	}
	defer func() {
		_ = body.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), inventory.TempPrefix+"*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	written, err := io.Copy(tmpFile, body)
	if err != nil {
		_ = tmpFile.Close()
		return 0, fmt.Errorf("failed to download: %w", err)
	}
	if e.Size > 0 && written != e.Size {
		_ = tmpFile.Close()
		return 0, fmt.Errorf("short download: got %d of %d bytes", written, e.Size)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}

	if !e.Modified.IsZero() {
		if err := os.Chtimes(tmpPath, e.Modified, e.Modified); err != nil {
			return 0, err
		}
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, err
	}
	return written, nil
}
