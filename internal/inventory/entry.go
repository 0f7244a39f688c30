// Package inventory flattens nested snapshots (remote listings or local
// directory walks) into flat key -> Entry mappings with a common shape.
package inventory

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Entry is the metadata recorded for one folder or file
type Entry struct {
	IsFolder    bool
	Created     time.Time // zero when the source does not report it
	Modified    time.Time
	Size        int64  // files only
	Hash        string // files from content-addressed sources only
	SourceID    string // remote file handle, needed to fetch content
	ContentType string
	SourcePath  string // path in the source namespace when the key was remapped
}

// EqualityKey selects the Entry field that decides whether an entry present
// on both sides was modified.
type EqualityKey string

const (
	KeyHash EqualityKey = "hash"
	KeySize EqualityKey = "size"
)

// ParseEqualityKey validates a key name
func ParseEqualityKey(s string) (EqualityKey, error) {
	switch EqualityKey(s) {
	case KeyHash, KeySize:
		return EqualityKey(s), nil
	default:
		return "", fmt.Errorf("invalid equality key: %s (must be hash or size)", s)
	}
}

// Field returns the value of the selected field and whether the entry
// carries it. Folders carry neither size nor hash.
func (e Entry) Field(key EqualityKey) (string, bool) {
	if e.IsFolder {
		return "", false
	}
	switch key {
	case KeyHash:
		return e.Hash, e.Hash != ""
	case KeySize:
		return strconv.FormatInt(e.Size, 10), true
	}
	return "", false
}

// Mapping is an immutable flat snapshot: one Entry per key
type Mapping struct {
	entries map[string]Entry
}

// NewMapping copies entries into a new Mapping. Folder entries are
// normalized so they never carry size or hash.
func NewMapping(entries map[string]Entry) Mapping {
	m := make(map[string]Entry, len(entries))
	for k, e := range entries {
		m[k] = normalize(e)
	}
	return Mapping{entries: m}
}

func normalize(e Entry) Entry {
	if e.IsFolder {
		e.Size = 0
		e.Hash = ""
	}
	return e
}

// Get returns the entry stored under key
func (m Mapping) Get(key string) (Entry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

// Has reports whether key is present
func (m Mapping) Has(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Len returns the number of entries
func (m Mapping) Len() int {
	return len(m.entries)
}

// Keys returns all keys in lexicographic order
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Each calls fn for every entry in key order
func (m Mapping) Each(fn func(key string, e Entry)) {
	for _, k := range m.Keys() {
		fn(k, m.entries[k])
	}
}

// Counts returns the number of folder and file entries
func (m Mapping) Counts() (folders, files int) {
	for _, e := range m.entries {
		if e.IsFolder {
			folders++
		} else {
			files++
		}
	}
	return folders, files
}
