package nomad

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is the persisted state of one migration. The store holds exactly one
// record per Filename.
type Record struct {
	Filename     string
	Name         string
	Description  string
	IsReversible bool

	// Src is the source last seen on disk; empty once the file is gone.
	Src string
	// AppliedSrc is the source as of the last successful up; empty if never
	// applied or reversed since.
	AppliedSrc string

	AppliedAt  *time.Time
	ReversedAt *time.Time
	FailedAt   *time.Time
	ErrorStack string
}

// Func runs one direction of a migration against the handle returned by the
// driver's Connect.
type Func func(ctx context.Context, handle any) error

// Definition is a loaded migration script.
type Definition struct {
	Name         string
	Description  string
	IsReversible bool
	Up           Func
	Down         Func

	// Digest identifies the executable content of the script. Two definitions
	// with equal digests are considered the same migration logic.
	Digest string
}

// Loader turns migration source into a Definition.
type Loader interface {
	Load(filename, src string) (*Definition, error)
}

// Migration combines a Record with the definitions loaded from its current
// and applied sources.
type Migration struct {
	record  Record
	current *Definition
	applied *Definition
}

// NewMigration loads the current and applied definitions of r.
func NewMigration(loader Loader, r Record) (*Migration, error) {
	m := &Migration{record: r}
	if r.Src != "" {
		def, err := loader.Load(r.Filename, r.Src)
		if err != nil {
			return nil, newError(ErrLoadMigrationFailed, r.Filename, fmt.Errorf("current source: %w", err))
		}
		m.current = def
	}
	if r.AppliedSrc != "" {
		def, err := loader.Load(r.Filename, r.AppliedSrc)
		if err != nil {
			return nil, newError(ErrLoadMigrationFailed, r.Filename, fmt.Errorf("applied source: %w", err))
		}
		m.applied = def
	}
	m.syncMeta()
	return m, nil
}

func (m *Migration) syncMeta() {
	if def := m.definition(); def != nil {
		m.record.Name = def.Name
		m.record.Description = def.Description
		m.record.IsReversible = def.IsReversible
	}
}

func (m *Migration) definition() *Definition {
	if m.current != nil {
		return m.current
	}
	return m.applied
}

func (m *Migration) Filename() string { return m.record.Filename }
func (m *Migration) Name() string { return m.record.Name }
func (m *Migration) Description() string { return m.record.Description }
func (m *Migration) IsReversible() bool { return m.record.IsReversible }
func (m *Migration) Src() string { return m.record.Src }
func (m *Migration) AppliedSrc() string { return m.record.AppliedSrc }
func (m *Migration) AppliedAt() *time.Time { return m.record.AppliedAt }
func (m *Migration) ReversedAt() *time.Time { return m.record.ReversedAt }
func (m *Migration) FailedAt() *time.Time { return m.record.FailedAt }
func (m *Migration) ErrorStack() string { return m.record.ErrorStack }

// HasCurrent reports whether the migration still exists on disk.
func (m *Migration) HasCurrent() bool { return m.current != nil }

// HasApplied reports whether the migration is recorded as applied.
func (m *Migration) HasApplied() bool { return m.applied != nil }

// IsDivergent reports whether the applied logic no longer matches disk,
// either because the script changed or because it was deleted.
func (m *Migration) IsDivergent() bool {
	if m.applied == nil {
		return false
	}
	return m.current == nil || m.current.Digest != m.applied.Digest
}

// Record returns a copy of the persisted shape of the migration.
func (m *Migration) Record() Record { return m.record }

// Matches reports whether target names this migration by name, by filename or
// by filename without its extension.
func (m *Migration) Matches(target string) bool {
	if target == "" {
		return false
	}
	f := m.record.Filename
	if target == f || target == m.record.Name {
		return true
	}
	if i := strings.LastIndexByte(f, '.'); i > 0 && target == f[:i] {
		return true
	}
	return false
}

// Validate checks the structural invariants of the migration.
func (m *Migration) Validate() error {
	var errs []error
	r := m.record
	if r.Filename == "" {
		errs = append(errs, errors.New("filename must not be empty"))
	}
	if m.current != nil {
		if m.current.Up == nil {
			errs = append(errs, errors.New("current definition: up must be a function"))
		}
		if m.current.Down == nil {
			errs = append(errs, errors.New("current definition: down must be a function"))
		}
	}
	if m.applied != nil {
		if m.applied.Down == nil {
			errs = append(errs, errors.New("applied definition: down must be a function"))
		}
		if r.AppliedAt == nil || r.AppliedAt.IsZero() {
			errs = append(errs, errors.New("appliedAt must be set when applied source exists"))
		}
	}
	if r.FailedAt != nil && r.FailedAt.IsZero() {
		errs = append(errs, errors.New("failedAt must be a valid timestamp"))
	}
	if r.ReversedAt != nil && r.ReversedAt.IsZero() {
		errs = append(errs, errors.New("reversedAt must be a valid timestamp"))
	}
	if len(errs) > 0 {
		return newError(ErrInvalidMigration, r.Filename, errors.Join(errs...))
	}
	return nil
}

func (m *Migration) markApplied(now time.Time) {
	m.record.AppliedAt = &now
	m.record.AppliedSrc = m.record.Src
	m.applied = m.current
}

func (m *Migration) markUnapplied() {
	m.record.AppliedAt = nil
	m.record.AppliedSrc = ""
	m.applied = nil
	m.syncMeta()
}

func (m *Migration) clearFailure() {
	m.record.FailedAt = nil
	m.record.ErrorStack = ""
}

func (m *Migration) markFailed(now time.Time, stack string) {
	m.record.FailedAt = &now
	m.record.ErrorStack = stack
}
