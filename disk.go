package nomad

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
)

// MigrationPattern matches migration filenames: a sortable
// YYYYMMDD-HHMMSS-II timestamp, a name, and the .lua extension.
const MigrationPattern = "[0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9]-[0-9][0-9][0-9][0-9][0-9][0-9]-[0-9][0-9].*.lua"

// DiskFile is a migration file as found on disk.
type DiskFile struct {
	Filename string
	Src      string
}

// Disk lists and writes migration files.
type Disk interface {
	ListMigrations(ctx context.Context) ([]DiskFile, error)
	WriteMigration(ctx context.Context, filename, src string) error
}

// FileDisk keeps migrations in a directory. FS, if set, is used for reading
// instead of Dir, which is still used for writing.
type FileDisk struct {
	Dir string
	FS  fs.FS
}

var _ Disk = FileDisk{}

func (d FileDisk) fsys() fs.FS {
	if d.FS != nil {
		return d.FS
	}
	return os.DirFS(d.Dir)
}

func (d FileDisk) ListMigrations(ctx context.Context) ([]DiskFile, error) {
	fsys := d.fsys()
	matches, err := fs.Glob(fsys, MigrationPattern)
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)

	files := make([]DiskFile, 0, len(matches))
	for _, p := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := fs.Stat(fsys, p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		src, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, DiskFile{Filename: path.Base(p), Src: string(src)})
	}
	return files, nil
}

func (d FileDisk) WriteMigration(_ context.Context, filename, src string) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.Dir, filename), []byte(src), 0644)
}
