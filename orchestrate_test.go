package nomad_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jonathonwebb/nomad"
)

func decline(context.Context, []*nomad.Migration) (bool, error) { return false, nil }

func TestUp(t *testing.T) {
	tests := []struct {
		name      string
		records   []nomad.Record
		target    string
		hooks     func(calls *[]string) *nomad.Hooks
		wantCalls []string
		wantKind  nomad.Kind
	}{
		{
			name:    "reverses_divergent_then_applies",
			records: exampleRecords(),
			wantCalls: []string{
				"down x v1",
				"down b v1",
				"up b v2",
				"up c v1",
				"up d v1",
			},
		},
		{
			name:    "target_limits_applied",
			records: exampleRecords(),
			target:  "c",
			wantCalls: []string{
				"down x v1",
				"down b v1",
				"up b v2",
				"up c v1",
			},
		},
		{
			name:    "target_by_filename",
			records: []nomad.Record{unappliedRecord(0, "a v1"), unappliedRecord(1, "b v1")},
			target:  filename(0, "a"),
			wantCalls: []string{
				"up a v1",
			},
		},
		{
			name:     "target_not_unapplied",
			records:  exampleRecords(),
			target:   "a",
			wantKind: nomad.ErrInvalidMigrationTarget,
		},
		{
			name:     "target_unknown",
			records:  exampleRecords(),
			target:   "nope",
			wantKind: nomad.ErrInvalidMigrationTarget,
		},
		{
			name: "irreversible_divergent",
			records: []nomad.Record{
				appliedRecord(0, "a v1"),
				changedRecord(1, "b v1 irreversible", "b v2"),
				unappliedRecord(2, "c v1"),
			},
			wantKind: nomad.ErrIrreversibleDivergentMigration,
		},
		{
			name:    "decline_reverse_divergent",
			records: exampleRecords(),
			hooks: func(*[]string) *nomad.Hooks {
				return &nomad.Hooks{CanReverseDivergentMigrations: decline}
			},
			wantKind: nomad.ErrAbortReverseDivergentMigration,
		},
		{
			name:    "decline_apply",
			records: exampleRecords(),
			hooks: func(*[]string) *nomad.Hooks {
				return &nomad.Hooks{CanApplyMigrations: decline}
			},
			wantKind: nomad.ErrAbortApplyMigration,
		},
		{
			name: "decline_irreversible_runs_nothing",
			records: []nomad.Record{
				unappliedRecord(0, "a v1"),
				unappliedRecord(1, "b v1"),
				unappliedRecord(2, "c v1 irreversible"),
			},
			hooks: func(*[]string) *nomad.Hooks {
				return &nomad.Hooks{
					CanApplyIrreversibleMigration: func(context.Context, *nomad.Migration) (bool, error) {
						return false, nil
					},
				}
			},
			wantKind: nomad.ErrAbortIrreversibleMigration,
		},
		{
			name: "gate_order",
			records: []nomad.Record{
				changedRecord(0, "a v1", "a v2"),
				unappliedRecord(1, "b v1 irreversible"),
				unappliedRecord(2, "c v1 irreversible"),
			},
			hooks: func(calls *[]string) *nomad.Hooks {
				return &nomad.Hooks{
					CanReverseDivergentMigrations: func(_ context.Context, ms []*nomad.Migration) (bool, error) {
						*calls = append(*calls, "can reverse divergent")
						return true, nil
					},
					CanApplyMigrations: func(_ context.Context, ms []*nomad.Migration) (bool, error) {
						*calls = append(*calls, "can apply")
						return true, nil
					},
					CanApplyIrreversibleMigration: func(_ context.Context, m *nomad.Migration) (bool, error) {
						*calls = append(*calls, "can apply irreversible "+m.Name())
						return true, nil
					},
					OnReverseMigration: func(m *nomad.Migration) {
						*calls = append(*calls, "reverse "+m.Name())
					},
					OnReversedMigration: func(m *nomad.Migration) {
						*calls = append(*calls, "reversed "+m.Name())
					},
					OnApplyMigration: func(m *nomad.Migration) {
						*calls = append(*calls, "apply "+m.Name())
					},
					OnAppliedMigration: func(m *nomad.Migration) {
						*calls = append(*calls, "applied "+m.Name())
					},
				}
			},
			wantCalls: []string{
				"can reverse divergent",
				"can apply",
				"can apply irreversible b",
				"can apply irreversible c",
				"reverse a",
				"down a v1",
				"reversed a",
				"apply a",
				"up a v2",
				"applied a",
				"apply b",
				"up b v1 irreversible",
				"applied b",
				"apply c",
				"up c v1 irreversible",
				"applied c",
			},
		},
		{
			name:    "nothing_to_do",
			records: []nomad.Record{appliedRecord(0, "a v1")},
			hooks: func(calls *[]string) *nomad.Hooks {
				return &nomad.Hooks{
					CanApplyMigrations: func(context.Context, []*nomad.Migration) (bool, error) {
						*calls = append(*calls, "can apply")
						return true, nil
					},
				}
			},
		},
		{
			name: "stops_at_first_failure",
			records: []nomad.Record{
				unappliedRecord(0, "a v1"),
				unappliedRecord(1, "b v1 failup"),
				unappliedRecord(2, "c v1"),
			},
			wantCalls: []string{"up a v1", "up b v1 failup"},
			wantKind:  nomad.ErrUpExecMigrationFailed,
		},
		{
			name:      "panic_is_failure",
			records:   []nomad.Record{unappliedRecord(0, "a v1 panicup")},
			wantCalls: []string{"up a v1 panicup"},
			wantKind:  nomad.ErrUpExecMigrationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, loader := newTestNomad(newFakeDriver(tt.records...), nil)
			var hooks *nomad.Hooks
			if tt.hooks != nil {
				hooks = tt.hooks(&loader.calls)
			}

			err := n.Up(context.Background(), tt.target, hooks)
			if got := nomad.KindOf(err); got != tt.wantKind {
				t.Fatalf("Up() kind = %q, want %q (err: %v)", got, tt.wantKind, err)
			}
			if tt.wantKind != "" && !errors.Is(err, tt.wantKind) {
				t.Errorf("errors.Is(err, %q) = false", tt.wantKind)
			}
			if diff := cmp.Diff(tt.wantCalls, loader.calls); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUp_Bookkeeping(t *testing.T) {
	ctx := context.Background()
	driver := newFakeDriver(exampleRecords()...)
	n, _ := newTestNomad(driver, nil)

	if err := n.Up(ctx, "", nil); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if _, ok := driver.records[filename(2, "x")]; ok {
		t.Error("reversed deleted migration should have been removed")
	}
	b := driver.record(t, filename(1, "b"))
	if b.AppliedSrc != "b v2" || b.AppliedAt == nil || !b.AppliedAt.Equal(testNow) {
		t.Errorf("b not applied with its current source: %+v", b)
	}
	d := driver.record(t, filename(4, "d"))
	if d.AppliedSrc != "d v1" || d.ReversedAt != nil || d.FailedAt != nil {
		t.Errorf("unexpected record for d: %+v", d)
	}

	ms, err := n.GetMigrations(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"d", "c", "b", "a"}, names(ms.Applied)); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	if len(ms.Divergent) != 0 || len(ms.Unapplied) != 0 {
		t.Errorf("expected nothing left to do, got %s", ms.Status())
	}
}

func TestUp_FailureRecorded(t *testing.T) {
	ctx := context.Background()
	driver := newFakeDriver(
		unappliedRecord(0, "a v1"),
		unappliedRecord(1, "b v1 failup"),
	)
	n, _ := newTestNomad(driver, nil)

	err := n.Up(ctx, "", nil)
	var nerr *nomad.Error
	if !errors.As(err, &nerr) || nerr.Kind != nomad.ErrUpExecMigrationFailed {
		t.Fatalf("expected %q error, got %v", nomad.ErrUpExecMigrationFailed, err)
	}
	if nerr.Filename != filename(1, "b") {
		t.Errorf("error names %q, want %q", nerr.Filename, filename(1, "b"))
	}

	a := driver.record(t, filename(0, "a"))
	if a.AppliedSrc != "a v1" {
		t.Errorf("a should stay applied after a later failure: %+v", a)
	}
	b := driver.record(t, filename(1, "b"))
	if b.FailedAt == nil || !b.FailedAt.Equal(testNow) {
		t.Errorf("failedAt not recorded: %+v", b)
	}
	if b.ErrorStack == "" {
		t.Error("error stack not recorded")
	}
	if b.AppliedSrc != "" || b.AppliedAt != nil {
		t.Errorf("failed migration must not be marked applied: %+v", b)
	}

	// Fix the script and retry; the failure is cleared.
	b.Src = "b v2"
	driver.records[b.Filename] = b
	if err := n.Up(ctx, "", nil); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	b = driver.record(t, filename(1, "b"))
	if b.FailedAt != nil || b.ErrorStack != "" {
		t.Errorf("failure not cleared after success: %+v", b)
	}
}

func TestUp_FailurePersistFails(t *testing.T) {
	driver := newFakeDriver(unappliedRecord(0, "a v1 failup"))
	driver.updateFunc = func(context.Context, nomad.Record, *fakeDriver) error {
		return errors.New("store unavailable")
	}
	n, _ := newTestNomad(driver, nil)

	err := n.Up(context.Background(), "", nil)
	if got := nomad.KindOf(err); got != nomad.ErrUpdateMigrationFailed {
		t.Fatalf("kind = %q, want %q (err: %v)", got, nomad.ErrUpdateMigrationFailed, err)
	}
	if !errors.Is(err, nomad.ErrUpExecMigrationFailed) {
		t.Error("execution error should be joined into the update error")
	}
}

func TestUp_GateError(t *testing.T) {
	boom := errors.New("prompt closed")
	n, loader := newTestNomad(newFakeDriver(unappliedRecord(0, "a v1")), nil)
	err := n.Up(context.Background(), "", &nomad.Hooks{
		CanApplyMigrations: func(context.Context, []*nomad.Migration) (bool, error) { return false, boom },
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected gate error, got %v", err)
	}
	if len(loader.calls) != 0 {
		t.Errorf("nothing should run, got %v", loader.calls)
	}
}

func TestDown(t *testing.T) {
	applied := []nomad.Record{
		appliedRecord(0, "a v1"),
		appliedRecord(1, "b v1"),
		appliedRecord(2, "c v1"),
	}

	tests := []struct {
		name      string
		records   []nomad.Record
		target    string
		hooks     *nomad.Hooks
		wantCalls []string
		wantKind  nomad.Kind
	}{
		{
			name:      "down_to_first",
			records:   applied,
			target:    "a",
			wantCalls: []string{"down c v1", "down b v1", "down a v1"},
		},
		{
			name:      "down_to_middle",
			records:   applied,
			target:    filename(1, "b"),
			wantCalls: []string{"down c v1", "down b v1"},
		},
		{
			name:      "divergent_first",
			records:   exampleRecords(),
			target:    "a",
			wantCalls: []string{"down x v1", "down b v1", "down a v1"},
		},
		{
			name:     "empty_target",
			records:  applied,
			wantKind: nomad.ErrInvalidMigrationTarget,
		},
		{
			name:     "target_not_applied",
			records:  exampleRecords(),
			target:   "c",
			wantKind: nomad.ErrInvalidMigrationTarget,
		},
		{
			name: "irreversible_in_range",
			records: []nomad.Record{
				appliedRecord(0, "a v1"),
				appliedRecord(1, "b v1 irreversible"),
				appliedRecord(2, "c v1"),
			},
			target:   "a",
			wantKind: nomad.ErrIrreversibleMigration,
		},
		{
			name: "irreversible_outside_range",
			records: []nomad.Record{
				appliedRecord(0, "a v1 irreversible"),
				appliedRecord(1, "b v1"),
			},
			target:    "b",
			wantCalls: []string{"down b v1"},
		},
		{
			name:     "reversible_disabled_on_disk",
			records:  []nomad.Record{changedRecord(0, "a v1", "a v1 irreversible")},
			target:   "a",
			wantKind: nomad.ErrIrreversibleMigration,
		},
		{
			name:      "reversible_enabled_on_disk",
			records:   []nomad.Record{changedRecord(0, "a v1 irreversible", "a v1")},
			target:    "a",
			wantCalls: []string{"down a v1"},
		},
		{
			name:     "decline",
			records:  applied,
			target:   "a",
			hooks:    &nomad.Hooks{CanReverseMigrations: decline},
			wantKind: nomad.ErrAbortReverseMigration,
		},
		{
			name: "stops_at_first_failure",
			records: []nomad.Record{
				appliedRecord(0, "a v1"),
				appliedRecord(1, "b v1 faildown"),
				appliedRecord(2, "c v1"),
			},
			target:    "a",
			wantCalls: []string{"down c v1", "down b v1 faildown"},
			wantKind:  nomad.ErrDownExecMigrationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, loader := newTestNomad(newFakeDriver(tt.records...), nil)
			err := n.Down(context.Background(), tt.target, tt.hooks)
			if got := nomad.KindOf(err); got != tt.wantKind {
				t.Fatalf("Down() kind = %q, want %q (err: %v)", got, tt.wantKind, err)
			}
			if diff := cmp.Diff(tt.wantCalls, loader.calls); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDown_Bookkeeping(t *testing.T) {
	ctx := context.Background()
	driver := newFakeDriver(exampleRecords()...)
	n, _ := newTestNomad(driver, nil)

	var reversing []string
	err := n.Down(ctx, "b", &nomad.Hooks{
		CanReverseMigrations: func(_ context.Context, ms []*nomad.Migration) (bool, error) {
			reversing = names(ms)
			return true, nil
		},
	})
	if err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"x", "b"}, reversing); diff != "" {
		t.Errorf("confirmed migrations mismatch (-want +got):\n%s", diff)
	}

	if _, ok := driver.records[filename(2, "x")]; ok {
		t.Error("reversed deleted migration should have been removed")
	}
	b := driver.record(t, filename(1, "b"))
	if b.AppliedSrc != "" || b.AppliedAt != nil {
		t.Errorf("b still applied: %+v", b)
	}
	if b.ReversedAt == nil || !b.ReversedAt.Equal(testNow) {
		t.Errorf("reversedAt not recorded: %+v", b)
	}
	if b.Src != "b v2" {
		t.Errorf("current source lost: %+v", b)
	}
	a := driver.record(t, filename(0, "a"))
	if a.AppliedSrc != "a v1" {
		t.Errorf("a should be untouched: %+v", a)
	}
}

func TestSetHead(t *testing.T) {
	tests := []struct {
		name        string
		records     []nomad.Record
		target      string
		wantApply   []string
		wantUnapply []string
		wantApplied []string
		wantKind    nomad.Kind
	}{
		{
			name: "mark_prefix_applied",
			records: []nomad.Record{
				unappliedRecord(0, "a v1"),
				unappliedRecord(1, "b v1"),
				unappliedRecord(2, "c v1"),
			},
			target:      "b",
			wantApply:   []string{"a", "b"},
			wantUnapply: []string{},
			wantApplied: []string{"b", "a"},
		},
		{
			name:        "move_head_back",
			records:     exampleRecords(),
			target:      "a",
			wantApply:   []string{},
			wantUnapply: []string{"x", "b"},
			wantApplied: []string{"a"},
		},
		{
			name:        "divergent_reapplied_as_current",
			records:     exampleRecords(),
			target:      "c",
			wantApply:   []string{"b", "c"},
			wantUnapply: []string{"x"},
			wantApplied: []string{"c", "b", "a"},
		},
		{
			name:        "none",
			records:     exampleRecords(),
			target:      nomad.HeadNone,
			wantApply:   []string{},
			wantUnapply: []string{"x", "b", "a"},
			wantApplied: []string{},
		},
		{
			name:     "empty_target",
			records:  exampleRecords(),
			wantKind: nomad.ErrInvalidMigrationTarget,
		},
		{
			name:     "deleted_target",
			records:  exampleRecords(),
			target:   "x",
			wantKind: nomad.ErrInvalidMigrationTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			n, loader := newTestNomad(newFakeDriver(tt.records...), nil)

			var gotApply, gotUnapply []string
			err := n.SetHead(ctx, tt.target, &nomad.Hooks{
				CanMarkMigrations: func(_ context.Context, toUnapply, toApply []*nomad.Migration) (bool, error) {
					gotUnapply, gotApply = names(toUnapply), names(toApply)
					return true, nil
				},
			})
			if got := nomad.KindOf(err); got != tt.wantKind {
				t.Fatalf("SetHead() kind = %q, want %q (err: %v)", got, tt.wantKind, err)
			}
			if len(loader.calls) != 0 {
				t.Errorf("SetHead must not run migrations, got %v", loader.calls)
			}
			if tt.wantKind != "" {
				return
			}
			if diff := cmp.Diff(tt.wantApply, gotApply); diff != "" {
				t.Errorf("toApply mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantUnapply, gotUnapply); diff != "" {
				t.Errorf("toUnapply mismatch (-want +got):\n%s", diff)
			}

			ms, err := n.GetMigrations(ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantApplied, names(ms.Applied)); diff != "" {
				t.Errorf("applied mismatch (-want +got):\n%s", diff)
			}
			if len(ms.Divergent) != 0 {
				t.Errorf("no migration should be divergent after SetHead, got %v", names(ms.Divergent))
			}
		})
	}
}

func TestSetHead_Decline(t *testing.T) {
	driver := newFakeDriver(exampleRecords()...)
	n, _ := newTestNomad(driver, nil)

	err := n.SetHead(context.Background(), nomad.HeadNone, &nomad.Hooks{
		CanMarkMigrations: func(context.Context, []*nomad.Migration, []*nomad.Migration) (bool, error) {
			return false, nil
		},
	})
	if got := nomad.KindOf(err); got != nomad.ErrAbortUnmarkMigration {
		t.Fatalf("kind = %q, want %q", got, nomad.ErrAbortUnmarkMigration)
	}
	if len(driver.writes) != 0 {
		t.Errorf("declined SetHead wrote %v", driver.writes)
	}
}

func TestSetHead_RemovesDeleted(t *testing.T) {
	driver := newFakeDriver(exampleRecords()...)
	n, _ := newTestNomad(driver, nil)

	if err := n.SetHead(context.Background(), "d", nil); err != nil {
		t.Fatalf("SetHead() failed: %v", err)
	}
	if _, ok := driver.records[filename(2, "x")]; ok {
		t.Error("record of deleted migration should have been removed")
	}
	d := driver.record(t, filename(4, "d"))
	if d.AppliedSrc != "d v1" || d.AppliedAt == nil || !d.AppliedAt.Equal(testNow) {
		t.Errorf("d not marked applied: %+v", d)
	}
}
