package nomad_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/jonathonwebb/nomad"
)

func TestFileDisk_ListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"20240102-000000-00.b.lua":       {Data: []byte("b")},
		"20240101-000000-00.a.lua":       {Data: []byte("a")},
		"20240101-000000-01.a2.lua":      {Data: []byte("a2")},
		"20240103-000000-00.dir.lua/x":   {Data: []byte("nested")},
		"README.md":                      {Data: []byte("docs")},
		"2024-01-01.bad.lua":             {Data: []byte("bad")},
		"20240101-000000-00.a.lua.bak":   {Data: []byte("backup")},
		"sub/20240104-000000-00.sub.lua": {Data: []byte("sub")},
	}
	files, err := nomad.FileDisk{FS: fsys}.ListMigrations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []nomad.DiskFile{
		{Filename: "20240101-000000-00.a.lua", Src: "a"},
		{Filename: "20240101-000000-01.a2.lua", Src: "a2"},
		{Filename: "20240102-000000-00.b.lua", Src: "b"},
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("ListMigrations() mismatch (-want +got):\n%s", diff)
	}
}

func TestFileDisk_WriteMigration(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "migrations")
	disk := nomad.FileDisk{Dir: dir}

	if err := disk.WriteMigration(ctx, "20240101-000000-00.a.lua", "src a"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	src, err := os.ReadFile(filepath.Join(dir, "20240101-000000-00.a.lua"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(src) != "src a" {
		t.Errorf("file contents = %q, want %q", src, "src a")
	}

	files, err := disk.ListMigrations(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if diff := cmp.Diff([]nomad.DiskFile{{Filename: "20240101-000000-00.a.lua", Src: "src a"}}, files); diff != "" {
		t.Errorf("ListMigrations() mismatch (-want +got):\n%s", diff)
	}
}
