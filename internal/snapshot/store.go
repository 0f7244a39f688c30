package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrMissingHistory is returned when fewer snapshots exist than a workflow
// needs.
var ErrMissingHistory = errors.New("not enough snapshots")

const (
	// DefaultPrefix names artifacts like pcloud20201227161239.json
	DefaultPrefix = "pcloud"

	stampLayout = "20060102150405"
	extension   = ".json"

	// maxSameSecond bounds the "-NN" suffixes added to ids captured within
	// the same second. Two digits keep them sorting after the bare stamp.
	maxSameSecond = 99
)

// FileStore keeps snapshots as JSON files in a directory. Identifiers are
// the file names without extension; their embedded timestamp makes a
// descending name sort a newest-first sort.
type FileStore struct {
	Dir    string
	Prefix string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir, prefix string) *FileStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &FileStore{Dir: dir, Prefix: prefix}
}

// Save writes root as a new snapshot stamped with now and returns its id.
// An existing snapshot is never replaced: a second save within the same
// second gets the id of the stamp plus a "-01", "-02", ... suffix.
func (s *FileStore) Save(root *Item, now time.Time) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	stamp := s.Prefix + now.Format(stampLayout)
	data, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".snapshot-tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	// Link fails instead of replacing an existing file, unlike Rename.
	for n := 0; n <= maxSameSecond; n++ {
		id := stamp
		if n > 0 {
			id = fmt.Sprintf("%s-%02d", stamp, n)
		}
		err := os.Link(tmpPath, s.path(id))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to store snapshot %s: %w", id, err)
		}
	}
	return "", fmt.Errorf("too many snapshots stamped %s", now.Format(stampLayout))
}

// List returns all snapshot ids, newest first
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != extension || !strings.HasPrefix(name, s.Prefix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, extension))
	}

	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Load reads the snapshot with the given id
func (s *FileStore) Load(id string) (*Item, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}

	var root Item
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", id, err)
	}
	return &root, nil
}

// Latest returns the id of the newest snapshot
func (s *FileStore) Latest() (string, error) {
	ids, err := s.List()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: found none in %s", ErrMissingHistory, s.Dir)
	}
	return ids[0], nil
}

// LatestPair returns the ids of the newest and the previous snapshot
func (s *FileStore) LatestPair() (current, previous string, err error) {
	ids, err := s.List()
	if err != nil {
		return "", "", err
	}
	if len(ids) < 2 {
		return "", "", fmt.Errorf("%w: need 2, found %d in %s", ErrMissingHistory, len(ids), s.Dir)
	}
	return ids[0], ids[1], nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.Dir, id+extension)
}
