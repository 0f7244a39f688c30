package inventory

import (
	"path"

	"github.com/schaermu/cloudinv/internal/pathmap"
	"github.com/schaermu/cloudinv/internal/snapshot"
)

// RemoteOptions controls how a remote listing is keyed
type RemoteOptions struct {
	// Mapper remaps source paths into the target namespace. Entries it
	// reports out of scope are dropped. Nil keys entries by source path.
	Mapper *pathmap.Mapper
	// Exclude holds doublestar patterns matched against the path relative
	// to the listing root; a matching folder is skipped with its subtree.
	Exclude []string
}

type pending struct {
	dir   string
	items []*snapshot.Item
}

// FlattenRemote walks a remote listing and returns its flat mapping
func FlattenRemote(tree *snapshot.Tree, opts RemoteOptions) Mapping {
	entries := make(map[string]Entry)
	if tree == nil {
		return Mapping{entries: entries}
	}

	root := tree.Path
	if root == "" {
		root = "/"
	}

	work := []pending{{dir: root, items: tree.Contents}}
	for len(work) > 0 {
		next := work[len(work)-1]
		work = work[:len(work)-1]

		for _, item := range next.items {
			if item == nil {
				continue
			}
			full := path.Join(next.dir, item.Name)
			if matchesAny(opts.Exclude, relativeTo(root, full), item.Name) {
				continue
			}

			key := full
			inScope := true
			if opts.Mapper != nil {
				key, inScope = opts.Mapper.Map(full)
			}

			if item.IsFolder {
				if inScope {
					entries[key] = Entry{
						IsFolder:   true,
						Created:    item.Created.Time,
						Modified:   item.Modified.Time,
						SourcePath: full,
					}
				}
				// Descendants are scoped on their own full path.
				work = append(work, pending{dir: full, items: item.Contents})
				continue
			}

			if !inScope {
				continue
			}
			entries[key] = Entry{
				Created:     item.Created.Time,
				Modified:    item.Modified.Time,
				Size:        item.Size,
				Hash:        item.Hash.String(),
				SourceID:    item.FileID.String(),
				ContentType: item.ContentType,
				SourcePath:  full,
			}
		}
	}

	return Mapping{entries: entries}
}

func relativeTo(root, full string) string {
	if root == "/" {
		return full[1:]
	}
	if len(full) > len(root) && full[:len(root)] == root && full[len(root)] == '/' {
		return full[len(root)+1:]
	}
	return full
}
