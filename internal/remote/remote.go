// Package remote defines what the inventory needs from a cloud storage
// backend.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/schaermu/cloudinv/internal/snapshot"
)

// ErrCollector marks a failure to list or fetch from the remote. An empty
// listing is not an error.
var ErrCollector = errors.New("remote collector failed")

// Collector lists a remote account and fetches file content by source id
type Collector interface {
	// ListAll returns the root folder of the account with its complete
	// recursive contents
	ListAll(ctx context.Context) (*snapshot.Item, error)
	// Fetch opens the content of the file with the given source id
	Fetch(ctx context.Context, id string) (io.ReadCloser, error)
	// Close releases the session, if any
	Close(ctx context.Context) error
}

// Fail wraps err so callers can detect it with errors.Is(err, ErrCollector)
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrCollector, op, err)
}
