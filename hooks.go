package nomad

import "context"

// Hooks lets the caller observe and gate an operation. Notification hooks
// have no effect on control flow. A nil gate allows the operation; a gate
// returning false aborts it with the corresponding Kind.
type Hooks struct {
	OnApplyMigration    func(*Migration)
	OnAppliedMigration  func(*Migration)
	OnReverseMigration  func(*Migration)
	OnReversedMigration func(*Migration)

	CanApplyMigrations            func(ctx context.Context, pending []*Migration) (bool, error)
	CanReverseDivergentMigrations func(ctx context.Context, divergent []*Migration) (bool, error)
	CanApplyIrreversibleMigration func(ctx context.Context, m *Migration) (bool, error)
	CanReverseMigrations          func(ctx context.Context, migrations []*Migration) (bool, error)
	CanMarkMigrations             func(ctx context.Context, toUnapply, toApply []*Migration) (bool, error)
}

func (h *Hooks) onApply(m *Migration) {
	if h != nil && h.OnApplyMigration != nil {
		h.OnApplyMigration(m)
	}
}

func (h *Hooks) onApplied(m *Migration) {
	if h != nil && h.OnAppliedMigration != nil {
		h.OnAppliedMigration(m)
	}
}

func (h *Hooks) onReverse(m *Migration) {
	if h != nil && h.OnReverseMigration != nil {
		h.OnReverseMigration(m)
	}
}

func (h *Hooks) onReversed(m *Migration) {
	if h != nil && h.OnReversedMigration != nil {
		h.OnReversedMigration(m)
	}
}

func (h *Hooks) canApply(ctx context.Context, ms []*Migration) (bool, error) {
	if h == nil || h.CanApplyMigrations == nil {
		return true, nil
	}
	return h.CanApplyMigrations(ctx, ms)
}

func (h *Hooks) canReverseDivergent(ctx context.Context, ms []*Migration) (bool, error) {
	if h == nil || h.CanReverseDivergentMigrations == nil {
		return true, nil
	}
	return h.CanReverseDivergentMigrations(ctx, ms)
}

func (h *Hooks) canApplyIrreversible(ctx context.Context, m *Migration) (bool, error) {
	if h == nil || h.CanApplyIrreversibleMigration == nil {
		return true, nil
	}
	return h.CanApplyIrreversibleMigration(ctx, m)
}

func (h *Hooks) canReverse(ctx context.Context, ms []*Migration) (bool, error) {
	if h == nil || h.CanReverseMigrations == nil {
		return true, nil
	}
	return h.CanReverseMigrations(ctx, ms)
}

func (h *Hooks) canMark(ctx context.Context, toUnapply, toApply []*Migration) (bool, error) {
	if h == nil || h.CanMarkMigrations == nil {
		return true, nil
	}
	return h.CanMarkMigrations(ctx, toUnapply, toApply)
}
