package nomad

import (
	"context"
	"slices"
)

// HeadNone is the SetHead target that marks every migration unapplied.
const HeadNone = "none"

// reversal returns the definition whose down undoes m. While the logic on
// disk still matches what was applied, the disk script wins, so metadata
// edits such as Reversible take effect.
func reversal(m *Migration) *Definition {
	if m.current != nil && !m.IsDivergent() {
		return m.current
	}
	return m.applied
}

func reversible(m *Migration) bool {
	if def := reversal(m); def != nil {
		return def.IsReversible
	}
	return m.IsReversible()
}

// Up reverses every divergent migration, most recent first, and then applies
// unapplied migrations in filename order. If target is set, only unapplied
// migrations up to and including target are applied.
//
// All confirmations are collected before anything executes. Execution stops
// at the first failure; migrations handled before it keep their new state.
func (n *Nomad) Up(ctx context.Context, target string, hooks *Hooks) (err error) {
	log := n.runLogger("up")
	defer func() {
		if err == nil {
			log.Info("done")
		}
	}()

	db, err := n.database()
	if err != nil {
		return err
	}
	ms, err := n.GetMigrations(ctx)
	if err != nil {
		return err
	}

	pending := ms.Unapplied
	if target != "" {
		i := slices.IndexFunc(pending, func(m *Migration) bool { return m.Matches(target) })
		if i < 0 {
			return errorf(ErrInvalidMigrationTarget, "", "%q is not an unapplied migration", target)
		}
		pending = pending[:i+1]
	}
	divergent := ms.Divergent
	log.Info("planned", "divergent", len(divergent), "pending", len(pending), "target", target)

	if len(divergent) > 0 {
		for _, m := range divergent {
			if !reversible(m) {
				return errorf(ErrIrreversibleDivergentMigration, m.Filename(), "divergent migration cannot be reversed; manual intervention required")
			}
		}
		ok, err := hooks.canReverseDivergent(ctx, divergent)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrAbortReverseDivergentMigration, "", nil)
		}
	}

	if len(pending) > 0 {
		ok, err := hooks.canApply(ctx, pending)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrAbortApplyMigration, "", nil)
		}
	}

	for _, m := range pending {
		if m.IsReversible() {
			continue
		}
		ok, err := hooks.canApplyIrreversible(ctx, m)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrAbortIrreversibleMigration, m.Filename(), nil)
		}
	}

	if len(divergent) == 0 && len(pending) == 0 {
		return nil
	}
	handle, err := db.dbHandle(ctx)
	if err != nil {
		return err
	}

	for _, m := range divergent {
		log.Info("reversing divergent migration", "filename", m.Filename())
		hooks.onReverse(m)
		if err := n.execute(ctx, log, db, handle, m, down); err != nil {
			return err
		}
		hooks.onReversed(m)
	}
	for _, m := range pending {
		log.Info("applying migration", "filename", m.Filename())
		hooks.onApply(m)
		if err := n.execute(ctx, log, db, handle, m, up); err != nil {
			return err
		}
		hooks.onApplied(m)
	}
	return nil
}

// Down reverses migrations, most recent first, down to and including target.
// Divergent migrations count as more recent than every applied one.
func (n *Nomad) Down(ctx context.Context, target string, hooks *Hooks) (err error) {
	log := n.runLogger("down")
	defer func() {
		if err == nil {
			log.Info("done")
		}
	}()

	db, err := n.database()
	if err != nil {
		return err
	}
	ms, err := n.GetMigrations(ctx)
	if err != nil {
		return err
	}

	candidates := slices.Concat(ms.Divergent, ms.Applied)
	if target == "" {
		return errorf(ErrInvalidMigrationTarget, "", "a target migration is required")
	}
	i := slices.IndexFunc(candidates, func(m *Migration) bool { return m.Matches(target) })
	if i < 0 {
		return errorf(ErrInvalidMigrationTarget, "", "%q is not an applied or divergent migration", target)
	}
	candidates = candidates[:i+1]
	log.Info("planned", "reverse", len(candidates), "target", target)

	for _, m := range candidates {
		if !reversible(m) {
			return errorf(ErrIrreversibleMigration, m.Filename(), "migration cannot be reversed")
		}
	}

	ok, err := hooks.canReverse(ctx, candidates)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ErrAbortReverseMigration, "", nil)
	}

	handle, err := db.dbHandle(ctx)
	if err != nil {
		return err
	}
	for _, m := range candidates {
		log.Info("reversing migration", "filename", m.Filename())
		hooks.onReverse(m)
		if err := n.execute(ctx, log, db, handle, m, down); err != nil {
			return err
		}
		hooks.onReversed(m)
	}
	return nil
}

// SetHead marks migrations applied up to and including target, and every
// later migration unapplied, without running any migration code. Target
// HeadNone marks everything unapplied. Records of migrations that are gone
// from disk are removed.
func (n *Nomad) SetHead(ctx context.Context, target string, hooks *Hooks) (err error) {
	log := n.runLogger("set-head")
	defer func() {
		if err == nil {
			log.Info("done")
		}
	}()

	db, err := n.database()
	if err != nil {
		return err
	}
	migrations, err := n.loadMigrations(ctx)
	if err != nil {
		return err
	}

	var onDisk, gone []*Migration
	for _, m := range migrations {
		switch {
		case m.HasCurrent():
			onDisk = append(onDisk, m)
		case m.HasApplied():
			gone = append(gone, m)
		}
	}

	head := -1
	if target == "" {
		return errorf(ErrInvalidMigrationTarget, "", "a target migration is required")
	}
	if target != HeadNone {
		head = slices.IndexFunc(onDisk, func(m *Migration) bool { return m.Matches(target) })
		if head < 0 {
			return errorf(ErrInvalidMigrationTarget, "", "%q is not a migration on disk", target)
		}
	}

	var toApply, toUnapply []*Migration
	for _, m := range onDisk[:head+1] {
		if !m.HasApplied() || m.IsDivergent() {
			toApply = append(toApply, m)
		}
	}
	for _, m := range onDisk[head+1:] {
		if m.HasApplied() || m.AppliedAt() != nil {
			toUnapply = append(toUnapply, m)
		}
	}
	toUnapply = append(toUnapply, gone...)
	slices.SortFunc(toUnapply, func(a, b *Migration) int { return compareFilename(b, a) })
	log.Info("planned", "apply", len(toApply), "unapply", len(toUnapply), "target", target)

	ok, err := hooks.canMark(ctx, toUnapply, toApply)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ErrAbortUnmarkMigration, "", nil)
	}

	for _, m := range toUnapply {
		if m.Src() == "" {
			if err := db.removeMigration(ctx, m.Filename()); err != nil {
				return err
			}
			log.Info("removed migration record", "filename", m.Filename())
			continue
		}
		m.markUnapplied()
		if err := db.updateMigration(ctx, m.record); err != nil {
			return err
		}
		log.Info("marked migration unapplied", "filename", m.Filename())
	}
	now := n.now()
	for _, m := range toApply {
		m.markApplied(now)
		if err := db.updateMigration(ctx, m.record); err != nil {
			return err
		}
		log.Info("marked migration applied", "filename", m.Filename())
	}
	return nil
}
