package nomad_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jonathonwebb/nomad"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeDriver keeps records in memory. The func fields override the default
// behaviour of the corresponding method.
type fakeDriver struct {
	records map[string]nomad.Record
	writes  []string

	connectCalls    int
	disconnectCalls int

	connectFunc func(context.Context) (any, error)
	getFunc     func(context.Context, *fakeDriver) ([]nomad.Record, error)
	insertFunc  func(context.Context, nomad.Record, *fakeDriver) error
	updateFunc  func(context.Context, nomad.Record, *fakeDriver) error
	removeFunc  func(context.Context, string, *fakeDriver) error
}

func newFakeDriver(records ...nomad.Record) *fakeDriver {
	d := &fakeDriver{records: map[string]nomad.Record{}}
	for _, r := range records {
		d.records[r.Filename] = r
	}
	return d
}

func (d *fakeDriver) Connect(ctx context.Context) (any, error) {
	d.connectCalls++
	if d.connectFunc != nil {
		return d.connectFunc(ctx)
	}
	return "handle", nil
}

func (d *fakeDriver) Disconnect(context.Context) error {
	d.disconnectCalls++
	return nil
}

func (d *fakeDriver) InsertMigration(ctx context.Context, r nomad.Record) error {
	d.writes = append(d.writes, "insert "+r.Filename)
	if d.insertFunc != nil {
		return d.insertFunc(ctx, r, d)
	}
	if _, ok := d.records[r.Filename]; ok {
		return fmt.Errorf("%s already exists", r.Filename)
	}
	d.records[r.Filename] = r
	return nil
}

func (d *fakeDriver) UpdateMigration(ctx context.Context, filename string, r nomad.Record) error {
	d.writes = append(d.writes, "update "+filename)
	if d.updateFunc != nil {
		return d.updateFunc(ctx, r, d)
	}
	if _, ok := d.records[filename]; !ok {
		return fmt.Errorf("%s does not exist", filename)
	}
	d.records[filename] = r
	return nil
}

func (d *fakeDriver) RemoveMigration(ctx context.Context, filename string) error {
	d.writes = append(d.writes, "remove "+filename)
	if d.removeFunc != nil {
		return d.removeFunc(ctx, filename, d)
	}
	delete(d.records, filename)
	return nil
}

func (d *fakeDriver) GetMigrations(ctx context.Context) ([]nomad.Record, error) {
	if d.getFunc != nil {
		return d.getFunc(ctx, d)
	}
	return slices.Collect(maps.Values(d.records)), nil
}

func (d *fakeDriver) record(t *testing.T, filename string) nomad.Record {
	t.Helper()
	r, ok := d.records[filename]
	if !ok {
		t.Fatalf("no record for %s", filename)
	}
	return r
}

// fakeLoader interprets a tiny script format: the first word is the
// migration name, the rest are flags. Two sources are the same migration
// logic when they are equal ignoring the irreversible flag, which is
// metadata.
//
//	"users v1 irreversible failup"
//
// Flags: irreversible, failup, faildown, panicup, noup, badload.
type fakeLoader struct {
	calls []string
}

func (l *fakeLoader) Load(filename, src string) (*nomad.Definition, error) {
	fields := strings.Fields(src)
	if len(fields) == 0 {
		return nil, errors.New("empty script")
	}
	flags := map[string]bool{}
	for _, f := range fields[1:] {
		flags[f] = true
	}
	if flags["badload"] {
		return nil, errors.New("syntax error")
	}

	name := fields[0]
	def := &nomad.Definition{
		Name:         name,
		Description:  "migration " + name,
		IsReversible: !flags["irreversible"],
		Digest:       strings.Join(slices.DeleteFunc(fields, func(f string) bool { return f == "irreversible" }), " "),
	}
	if !flags["noup"] {
		def.Up = func(context.Context, any) error {
			l.calls = append(l.calls, "up "+src)
			if flags["panicup"] {
				panic("up exploded")
			}
			if flags["failup"] {
				return errors.New("up failed")
			}
			return nil
		}
	}
	def.Down = func(context.Context, any) error {
		l.calls = append(l.calls, "down "+src)
		if flags["irreversible"] {
			return errors.New("irreversible")
		}
		if flags["faildown"] {
			return errors.New("down failed")
		}
		return nil
	}
	return def, nil
}

// memDisk is an in-memory Disk.
type memDisk map[string]string

func (d memDisk) ListMigrations(context.Context) ([]nomad.DiskFile, error) {
	var files []nomad.DiskFile
	for _, f := range slices.Sorted(maps.Keys(d)) {
		files = append(files, nomad.DiskFile{Filename: f, Src: d[f]})
	}
	return files, nil
}

func (d memDisk) WriteMigration(_ context.Context, filename, src string) error {
	d[filename] = src
	return nil
}

func filename(i int, name string) string {
	return fmt.Sprintf("20240101-000000-%02d.%s.lua", i, name)
}

func unappliedRecord(i int, src string) nomad.Record {
	name := strings.Fields(src)[0]
	return nomad.Record{
		Filename:     filename(i, name),
		Name:         name,
		Description:  "migration " + name,
		IsReversible: !strings.Contains(src, "irreversible"),
		Src:          src,
	}
}

func appliedRecord(i int, src string) nomad.Record {
	r := unappliedRecord(i, src)
	at := testNow.Add(-time.Hour)
	r.AppliedSrc = src
	r.AppliedAt = &at
	return r
}

// changedRecord is applied with appliedSrc and now has src on disk.
func changedRecord(i int, appliedSrc, src string) nomad.Record {
	r := appliedRecord(i, appliedSrc)
	r.Src = src
	return r
}

// deletedRecord is applied but no longer on disk.
func deletedRecord(i int, appliedSrc string) nomad.Record {
	r := appliedRecord(i, appliedSrc)
	r.Src = ""
	return r
}

func newTestNomad(driver *fakeDriver, disk memDisk) (*nomad.Nomad, *fakeLoader) {
	loader := &fakeLoader{}
	if disk == nil {
		disk = memDisk{}
	}
	return &nomad.Nomad{
		Driver: driver,
		Disk:   disk,
		Loader: loader,
		Now:    func() time.Time { return testNow },
	}, loader
}

func names(ms []*nomad.Migration) []string {
	out := []string{}
	for _, m := range ms {
		out = append(out, m.Name())
	}
	return out
}
