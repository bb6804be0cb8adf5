package nomad_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jonathonwebb/nomad"
)

// exampleRecords has a cleanly applied a, a changed b, a deleted x and two
// unapplied migrations c and d.
func exampleRecords() []nomad.Record {
	return []nomad.Record{
		appliedRecord(0, "a v1"),
		changedRecord(1, "b v1", "b v2"),
		deletedRecord(2, "x v1"),
		unappliedRecord(3, "c v1"),
		unappliedRecord(4, "d v1"),
	}
}

func TestGetMigrations(t *testing.T) {
	type want struct {
		applied, divergent, unapplied []string
		head                          string
	}
	tests := []struct {
		name    string
		records []nomad.Record
		want    want
	}{
		{
			name: "empty",
			want: want{applied: []string{}, divergent: []string{}, unapplied: []string{}},
		},
		{
			name:    "changed_and_deleted",
			records: exampleRecords(),
			want: want{
				applied:   []string{"a"},
				divergent: []string{"x", "b"},
				unapplied: []string{"b", "c", "d"},
				head:      filename(1, "b"),
			},
		},
		{
			name: "all_applied",
			records: []nomad.Record{
				appliedRecord(0, "a v1"),
				appliedRecord(1, "b v1"),
			},
			want: want{applied: []string{"b", "a"}, divergent: []string{}, unapplied: []string{}},
		},
		{
			name: "gap_makes_later_applied_divergent",
			records: []nomad.Record{
				appliedRecord(0, "a v1"),
				unappliedRecord(1, "b v1"),
				appliedRecord(2, "c v1"),
			},
			want: want{
				applied:   []string{"a"},
				divergent: []string{"c"},
				unapplied: []string{"b", "c"},
				head:      filename(1, "b"),
			},
		},
		{
			name: "records_without_definitions_excluded",
			records: []nomad.Record{
				appliedRecord(0, "a v1"),
				{Filename: filename(1, "gone"), Name: "gone"},
				unappliedRecord(2, "c v1"),
			},
			want: want{
				applied:   []string{"a"},
				divergent: []string{},
				unapplied: []string{"c"},
				head:      filename(2, "c"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := newTestNomad(newFakeDriver(tt.records...), nil)
			ms, err := n.GetMigrations(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := want{
				applied:   names(ms.Applied),
				divergent: names(ms.Divergent),
				unapplied: names(ms.Unapplied),
				head:      ms.Head(),
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(want{})); diff != "" {
				t.Errorf("GetMigrations() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMigrations_AllAndStatus(t *testing.T) {
	n, _ := newTestNomad(newFakeDriver(exampleRecords()...), nil)
	ms, err := n.GetMigrations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "x", "c", "d"}, names(ms.All())); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
	if got, want := ms.Status(), "1 applied, 2 divergent, 3 unapplied"; got != want {
		t.Errorf("Status() = %q, want %q", got, want)
	}
}

func TestGetMigrations_InvalidRecord(t *testing.T) {
	r := appliedRecord(0, "a v1")
	r.AppliedAt = nil
	n, _ := newTestNomad(newFakeDriver(r), nil)

	_, err := n.GetMigrations(context.Background())
	if got := nomad.KindOf(err); got != nomad.ErrInvalidMigration {
		t.Errorf("kind = %q, want %q (err: %v)", got, nomad.ErrInvalidMigration, err)
	}
}
