package inventory

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/schaermu/cloudinv/internal/pathmap"
	"github.com/schaermu/cloudinv/internal/snapshot"
)

func ts(s string) snapshot.Timestamp {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return snapshot.Timestamp{Time: t}
}

func sampleTree() *snapshot.Tree {
	return &snapshot.Tree{
		Path: "/",
		Contents: []*snapshot.Item{
			{
				Name:     "remote",
				IsFolder: true,
				Created:  ts("2020-12-01T10:00:00Z"),
				Modified: ts("2020-12-02T10:00:00Z"),
				Contents: []*snapshot.Item{
					{
						Name:     "photos",
						IsFolder: true,
						Created:  ts("2020-12-01T11:00:00Z"),
						Modified: ts("2020-12-02T11:00:00Z"),
						Contents: []*snapshot.Item{
							{Name: "img.jpg", FileID: "1", Size: 100, Hash: "h1", ContentType: "image/jpeg",
								Created: ts("2020-12-03T10:00:00Z"), Modified: ts("2020-12-03T10:00:00Z")},
							{Name: "2020", IsFolder: true, Contents: []*snapshot.Item{
								{Name: "a.jpg", FileID: "2", Size: 7, Hash: "h2"},
							}},
						},
					},
					{
						Name:     "docs",
						IsFolder: true,
						Contents: []*snapshot.Item{
							{Name: "file.txt", FileID: "3", Size: 1, Hash: "h3"},
						},
					},
				},
			},
			{Name: "top.txt", FileID: "4", Size: 9, Hash: "h4"},
		},
	}
}

func TestFlattenRemote_Unmapped(t *testing.T) {
	m := FlattenRemote(sampleTree(), RemoteOptions{})

	want := []string{
		"/remote",
		"/remote/docs",
		"/remote/docs/file.txt",
		"/remote/photos",
		"/remote/photos/2020",
		"/remote/photos/2020/a.jpg",
		"/remote/photos/img.jpg",
		"/top.txt",
	}
	if got := m.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}

	img, _ := m.Get("/remote/photos/img.jpg")
	if img.IsFolder || img.Size != 100 || img.Hash != "h1" || img.SourceID != "1" || img.ContentType != "image/jpeg" {
		t.Errorf("unexpected file entry: %+v", img)
	}

	folder, _ := m.Get("/remote/photos")
	if !folder.IsFolder || folder.Size != 0 || folder.Hash != "" {
		t.Errorf("folder entry must not carry size or hash: %+v", folder)
	}
	if !folder.Created.Equal(ts("2020-12-01T11:00:00Z").Time) {
		t.Errorf("unexpected folder created: %v", folder.Created)
	}
}

func TestFlattenRemote_Mapped(t *testing.T) {
	mapper := pathmap.NewMapper(pathmap.Posix, pathmap.Posix, "/remote/photos", "/home/user/photos")
	m := FlattenRemote(sampleTree(), RemoteOptions{Mapper: mapper})

	want := []string{
		"/home/user/photos",
		"/home/user/photos/2020",
		"/home/user/photos/2020/a.jpg",
		"/home/user/photos/img.jpg",
	}
	if got := m.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}

	e, _ := m.Get("/home/user/photos/img.jpg")
	if e.SourcePath != "/remote/photos/img.jpg" {
		t.Errorf("expected source path to be kept, got %q", e.SourcePath)
	}
}

func TestFlattenRemote_Exclude(t *testing.T) {
	m := FlattenRemote(sampleTree(), RemoteOptions{Exclude: []string{"remote/photos/2020", "*.txt"}})

	for _, key := range []string{"/remote/photos/2020", "/remote/photos/2020/a.jpg", "/top.txt", "/remote/docs/file.txt"} {
		if m.Has(key) {
			t.Errorf("expected %s to be excluded", key)
		}
	}
	if !m.Has("/remote/photos/img.jpg") {
		t.Error("expected img.jpg to remain")
	}
}

func TestFlattenRemote_Idempotent(t *testing.T) {
	tree := sampleTree()
	first := FlattenRemote(tree, RemoteOptions{})
	second := FlattenRemote(tree, RemoteOptions{})
	if !reflect.DeepEqual(first, second) {
		t.Error("flattening the same tree twice produced different mappings")
	}
}

func TestFlattenRemote_Nil(t *testing.T) {
	if m := FlattenRemote(nil, RemoteOptions{}); m.Len() != 0 {
		t.Errorf("expected empty mapping, got %d entries", m.Len())
	}
}

func TestFlattenLocal(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "hello")
	mustWrite(t, filepath.Join(root, "sub", "b.txt"), "hi")
	mustWrite(t, filepath.Join(root, "sub", "deep", "c.txt"), "")
	mustWrite(t, filepath.Join(root, ".cache", "x"), "x")
	mustWrite(t, filepath.Join(root, "sub", TempPrefix+"123"), "partial")
	mustWrite(t, filepath.Join(root, "skip.tmp"), "tmp")

	mtime := time.Date(2021, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	if err := os.Chtimes(filepath.Join(root, "a.txt"), mtime, mtime); err != nil {
		t.Fatal(err)
	}

	m, err := FlattenLocal(root, LocalOptions{SkipHidden: true, Exclude: []string{"*.tmp"}})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		root,
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "sub"),
		filepath.Join(root, "sub", "b.txt"),
		filepath.Join(root, "sub", "deep"),
		filepath.Join(root, "sub", "deep", "c.txt"),
	}
	if got := m.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}

	a, _ := m.Get(filepath.Join(root, "a.txt"))
	if a.IsFolder || a.Size != 5 {
		t.Errorf("unexpected file entry: %+v", a)
	}
	if !a.Modified.Equal(mtime.Truncate(time.Second)) {
		t.Errorf("expected mtime truncated to %v, got %v", mtime.Truncate(time.Second), a.Modified)
	}

	rootEntry, _ := m.Get(root)
	if !rootEntry.IsFolder || !rootEntry.Created.IsZero() {
		t.Errorf("unexpected root entry: %+v", rootEntry)
	}

	folders, files := m.Counts()
	if folders != 3 || files != 3 {
		t.Errorf("Counts() = %d, %d; want 3, 3", folders, files)
	}
}

func TestFlattenLocal_SameNameDifferentDirs(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "x", "same.txt"), "1")
	mustWrite(t, filepath.Join(root, "y", "same.txt"), "22")

	m, err := FlattenLocal(root, LocalOptions{})
	if err != nil {
		t.Fatal(err)
	}
	x, _ := m.Get(filepath.Join(root, "x", "same.txt"))
	y, _ := m.Get(filepath.Join(root, "y", "same.txt"))
	if x.Size != 1 || y.Size != 2 {
		t.Errorf("files with the same name collided: %+v %+v", x, y)
	}
}

func TestFlattenLocal_MissingRoot(t *testing.T) {
	if _, err := FlattenLocal(filepath.Join(t.TempDir(), "absent"), LocalOptions{}); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestFlattenLocal_SymlinkedRoot(t *testing.T) {
	dir := t.TempDir()
	disk := filepath.Join(dir, "disk", "photos")
	mustWrite(t, filepath.Join(disk, "a.jpg"), "jpeg")
	mustWrite(t, filepath.Join(disk, "2024", "b.jpg"), "jp")

	link := filepath.Join(dir, "photos")
	if err := os.Symlink(disk, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	m, err := FlattenLocal(link, LocalOptions{})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		link,
		filepath.Join(link, "2024"),
		filepath.Join(link, "2024", "b.jpg"),
		filepath.Join(link, "a.jpg"),
	}
	if got := m.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	if rootEntry, _ := m.Get(link); !rootEntry.IsFolder {
		t.Errorf("expected root folder entry, got %+v", rootEntry)
	}
	if a, _ := m.Get(filepath.Join(link, "a.jpg")); a.Size != 4 {
		t.Errorf("unexpected file entry: %+v", a)
	}
}

func TestFlattenLocal_DanglingRootLink(t *testing.T) {
	link := filepath.Join(t.TempDir(), "photos")
	if err := os.Symlink(filepath.Join(t.TempDir(), "gone"), link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if _, err := FlattenLocal(link, LocalOptions{}); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestEntryField(t *testing.T) {
	file := Entry{Size: 10, Hash: "abc"}
	folder := Entry{IsFolder: true}
	local := Entry{Size: 10}

	if v, ok := file.Field(KeyHash); !ok || v != "abc" {
		t.Errorf("file hash = %q, %v", v, ok)
	}
	if v, ok := file.Field(KeySize); !ok || v != "10" {
		t.Errorf("file size = %q, %v", v, ok)
	}
	if _, ok := folder.Field(KeySize); ok {
		t.Error("folders must not carry size")
	}
	if _, ok := local.Field(KeyHash); ok {
		t.Error("local files must not carry a hash")
	}
}

func TestParseEqualityKey(t *testing.T) {
	if k, err := ParseEqualityKey("size"); err != nil || k != KeySize {
		t.Errorf("ParseEqualityKey(size) = %v, %v", k, err)
	}
	if _, err := ParseEqualityKey("mtime"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestNewMappingNormalizesFolders(t *testing.T) {
	m := NewMapping(map[string]Entry{"d": {IsFolder: true, Size: 4, Hash: "x"}})
	d, _ := m.Get("d")
	if d.Size != 0 || d.Hash != "" {
		t.Errorf("folder kept file fields: %+v", d)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
