package nomad

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Migrations is the classification of every stored migration.
type Migrations struct {
	// Applied migrations before the head, most recent first.
	Applied []*Migration
	// Divergent migrations at or after the head that carry applied state,
	// most recent first.
	Divergent []*Migration
	// Unapplied migrations at or after the head that exist on disk, oldest
	// first. A divergent migration that still exists on disk is listed here
	// as well, since it is reapplied after being reversed.
	Unapplied []*Migration

	head string
}

// Head returns the filename of the first migration that is not cleanly
// applied, or "" if every migration is applied.
func (ms *Migrations) Head() string { return ms.head }

// All returns every classified migration once, oldest first.
func (ms *Migrations) All() []*Migration {
	all := make([]*Migration, 0, len(ms.Applied)+len(ms.Unapplied)+len(ms.Divergent))
	for i := len(ms.Applied) - 1; i >= 0; i-- {
		all = append(all, ms.Applied[i])
	}
	seen := map[*Migration]bool{}
	for _, m := range ms.Unapplied {
		seen[m] = true
	}
	all = append(all, ms.Unapplied...)
	for _, m := range ms.Divergent {
		if !seen[m] {
			all = append(all, m)
		}
	}
	slices.SortStableFunc(all[len(ms.Applied):], compareFilename)
	return all
}

// Status returns a one-line summary of ms.
func (ms *Migrations) Status() string {
	return fmt.Sprintf("%d applied, %d divergent, %d unapplied", len(ms.Applied), len(ms.Divergent), len(ms.Unapplied))
}

func compareFilename(a, b *Migration) int {
	return strings.Compare(a.Filename(), b.Filename())
}

// GetMigrations loads every stored migration and classifies it.
func (n *Nomad) GetMigrations(ctx context.Context) (*Migrations, error) {
	migrations, err := n.loadMigrations(ctx)
	if err != nil {
		return nil, err
	}
	return classify(migrations), nil
}

// classify partitions migrations, which must be sorted by filename. The first
// migration that is not cleanly applied is the head; everything from the
// head on has to be reversed and/or applied before the store again holds a
// contiguous applied prefix.
func classify(migrations []*Migration) *Migrations {
	valid := make([]*Migration, 0, len(migrations))
	for _, m := range migrations {
		if m.HasCurrent() || m.HasApplied() {
			valid = append(valid, m)
		}
	}

	head := len(valid)
	for i, m := range valid {
		if !m.HasCurrent() || !m.HasApplied() || m.IsDivergent() {
			head = i
			break
		}
	}

	ms := &Migrations{}
	if head < len(valid) {
		ms.head = valid[head].Filename()
	}
	for i := head - 1; i >= 0; i-- {
		ms.Applied = append(ms.Applied, valid[i])
	}
	for _, m := range valid[head:] {
		if m.HasCurrent() {
			ms.Unapplied = append(ms.Unapplied, m)
		}
	}
	for i := len(valid) - 1; i >= head; i-- {
		if valid[i].HasApplied() {
			ms.Divergent = append(ms.Divergent, valid[i])
		}
	}
	return ms
}
