// Package delta classifies the difference between two flat mappings.
package delta

import (
	"fmt"

	"github.com/schaermu/cloudinv/internal/inventory"
)

// Change is one classified key with the entry a report needs: the
// candidate entry for new and modified keys, the base entry for removed.
type Change struct {
	Key   string
	Entry inventory.Entry
}

// Delta holds the classified keys, each list sorted by key
type Delta struct {
	New      []Change
	Modified []Change
	Removed  []Change
}

// Compare classifies every key of base and candidate. A key only in
// candidate is new, a key only in base is removed, and a key in both is
// modified when both entries carry the equality field and its values
// differ. Folders never carry the field, so they are never modified.
func Compare(base, candidate inventory.Mapping, key inventory.EqualityKey) *Delta {
	d := &Delta{
		New:      make([]Change, 0),
		Modified: make([]Change, 0),
		Removed:  make([]Change, 0),
	}

	// Keys() is sorted, so every list comes out sorted.
	for _, k := range candidate.Keys() {
		cand, _ := candidate.Get(k)
		prev, exists := base.Get(k)
		if !exists {
			d.New = append(d.New, Change{Key: k, Entry: cand})
			continue
		}
		cv, cok := cand.Field(key)
		pv, pok := prev.Field(key)
		if cok && pok && cv != pv {
			d.Modified = append(d.Modified, Change{Key: k, Entry: cand})
		}
	}

	for _, k := range base.Keys() {
		if candidate.Has(k) {
			continue
		}
		prev, _ := base.Get(k)
		d.Removed = append(d.Removed, Change{Key: k, Entry: prev})
	}

	return d
}

// Counts returns the length of each list
func (d *Delta) Counts() (added, modified, removed int) {
	return len(d.New), len(d.Modified), len(d.Removed)
}

// Empty reports whether nothing changed
func (d *Delta) Empty() bool {
	return len(d.New) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Summary is a one-line count summary, used in logs and mail subjects
func (d *Delta) Summary() string {
	return fmt.Sprintf("New: %d, Modified: %d, Removed: %d", len(d.New), len(d.Modified), len(d.Removed))
}

// Pending returns the changes a one-way sync acts on: new and modified,
// folders before files so parents exist first.
func (d *Delta) Pending() []Change {
	var folders, files []Change
	for _, list := range [][]Change{d.New, d.Modified} {
		for _, c := range list {
			if c.Entry.IsFolder {
				folders = append(folders, c)
			} else {
				files = append(files, c)
			}
		}
	}
	return append(folders, files...)
}
