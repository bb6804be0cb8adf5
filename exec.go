package nomad

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type direction string

const (
	up   direction = "up"
	down direction = "down"
)

// stackError is implemented by errors that carry a script stack trace.
type stackError interface {
	error
	Stack() string
}

func errorStack(err error) string {
	var se stackError
	if errors.As(err, &se) && se.Stack() != "" {
		return err.Error() + "\n" + se.Stack()
	}
	return err.Error()
}

// execute runs one direction of m and records the outcome. Up runs the
// current definition and down runs the one chosen by reversal. A successful down of a migration that is gone from disk
// removes its record.
func (n *Nomad) execute(ctx context.Context, log *slog.Logger, db *database, handle any, m *Migration, dir direction) error {
	var fn Func
	failKind := ErrUpExecMigrationFailed
	if dir == up {
		fn = m.current.Up
	} else {
		fn = reversal(m).Down
		failKind = ErrDownExecMigrationFailed
	}

	start := time.Now()
	err := guard(func() error { return fn(ctx, handle) })
	now := n.now()
	if err != nil {
		log.Error("migration failed", "filename", m.Filename(), "direction", dir, "error", err)
		m.markFailed(now, errorStack(err))
		execErr := newError(failKind, m.Filename(), err)
		if uerr := db.updateMigration(ctx, m.record); uerr != nil {
			return newError(ErrUpdateMigrationFailed, m.Filename(), errors.Join(execErr, uerr))
		}
		return execErr
	}

	m.clearFailure()
	if dir == up {
		m.markApplied(now)
	} else {
		m.markUnapplied()
		m.record.ReversedAt = &now
		if m.record.Src == "" {
			if err := db.removeMigration(ctx, m.Filename()); err != nil {
				return err
			}
			log.Info("migration reversed and removed", "filename", m.Filename(), "took", time.Since(start))
			return nil
		}
	}
	if err := db.updateMigration(ctx, m.record); err != nil {
		return err
	}
	msg := "migration applied"
	if dir == down {
		msg = "migration reversed"
	}
	log.Info(msg, "filename", m.Filename(), "took", time.Since(start))
	return nil
}
