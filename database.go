package nomad

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Driver stores migration records. Implementations live under stores/.
type Driver interface {
	// Connect establishes the session and returns the handle passed to
	// migration functions. It is called at most once per Nomad.
	Connect(ctx context.Context) (any, error)
	Disconnect(ctx context.Context) error

	InsertMigration(ctx context.Context, r Record) error
	UpdateMigration(ctx context.Context, filename string, r Record) error
	RemoveMigration(ctx context.Context, filename string) error
	GetMigrations(ctx context.Context) ([]Record, error)
}

// database wraps a Driver so that it is connected once and every failure,
// returned or panicked, comes back as an *Error naming the operation.
type database struct {
	driver Driver
	handle any
}

func (d *database) connect(ctx context.Context) error {
	if d.handle != nil {
		return nil
	}
	var h any
	err := guard(func() (err error) {
		h, err = d.driver.Connect(ctx)
		return err
	})
	if err != nil {
		return newError(ErrConnectFailed, "", err)
	}
	if h == nil {
		return errorf(ErrDriverContractViolation, "", "driver connect returned a nil handle")
	}
	d.handle = h
	return nil
}

func (d *database) disconnect(ctx context.Context) error {
	if d.handle == nil {
		return nil
	}
	if err := guard(func() error { return d.driver.Disconnect(ctx) }); err != nil {
		return newError(ErrDisconnectFailed, "", err)
	}
	d.handle = nil
	return nil
}

func (d *database) dbHandle(ctx context.Context) (any, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.handle, nil
}

// getMigrations returns all records sorted by filename.
func (d *database) getMigrations(ctx context.Context) ([]Record, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	var records []Record
	err := guard(func() (err error) {
		records, err = d.driver.GetMigrations(ctx)
		return err
	})
	if err != nil {
		return nil, newError(ErrGetMigrationsFailed, "", err)
	}

	seen := make(map[string]bool, len(records))
	for i, r := range records {
		if r.Filename == "" {
			return nil, errorf(ErrDriverContractViolation, "", "driver returned record %d without a filename", i)
		}
		if seen[r.Filename] {
			return nil, errorf(ErrDriverContractViolation, r.Filename, "driver returned duplicate records")
		}
		seen[r.Filename] = true
	}

	records = slices.Clone(records)
	slices.SortFunc(records, func(a, b Record) int {
		return strings.Compare(a.Filename, b.Filename)
	})
	return records, nil
}

func (d *database) insertMigration(ctx context.Context, r Record) error {
	return d.write(ctx, ErrInsertMigrationFailed, r.Filename, func() error {
		return d.driver.InsertMigration(ctx, r)
	})
}

func (d *database) updateMigration(ctx context.Context, r Record) error {
	return d.write(ctx, ErrUpdateMigrationFailed, r.Filename, func() error {
		return d.driver.UpdateMigration(ctx, r.Filename, r)
	})
}

func (d *database) removeMigration(ctx context.Context, filename string) error {
	return d.write(ctx, ErrRemoveMigrationFailed, filename, func() error {
		return d.driver.RemoveMigration(ctx, filename)
	})
}

func (d *database) write(ctx context.Context, kind Kind, filename string, fn func() error) error {
	if err := d.connect(ctx); err != nil {
		return err
	}
	if err := guard(fn); err != nil {
		return newError(kind, filename, err)
	}
	return nil
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return fn()
}
