// Package nomad tracks and applies ordered, reversible migrations against a
// pluggable store. Nomad is not safe for concurrent use.
package nomad

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Nomad struct {
	Driver Driver
	Disk   Disk
	Loader Loader
	Logger *slog.Logger

	// Now returns the time recorded on migrations; defaults to time.Now.
	Now func() time.Time

	db *database
}

func (n *Nomad) log() *slog.Logger {
	if n.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return n.Logger
}

func (n *Nomad) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Nomad) runLogger(op string) *slog.Logger {
	return n.log().With("op", op, "run", uuid.NewString())
}

func (n *Nomad) database() (*database, error) {
	if n.Driver == nil || n.Loader == nil {
		return nil, errorf(ErrNomadFileNotLoaded, "", "no driver or loader configured")
	}
	if n.db == nil || n.db.driver != n.Driver {
		n.db = &database{driver: n.Driver}
	}
	return n.db, nil
}

func (n *Nomad) Handle(ctx context.Context) (any, error) {
	db, err := n.database()
	if err != nil {
		return nil, err
	}
	return db.dbHandle(ctx)
}

func (n *Nomad) Close(ctx context.Context) error {
	if n.db == nil {
		return nil
	}
	return n.db.disconnect(ctx)
}

func (n *Nomad) loadMigrations(ctx context.Context) ([]*Migration, error) {
	db, err := n.database()
	if err != nil {
		return nil, err
	}
	records, err := db.getMigrations(ctx)
	if err != nil {
		return nil, err
	}
	migrations := make([]*Migration, 0, len(records))
	for _, r := range records {
		m, err := NewMigration(n.Loader, r)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}
	return migrations, nil
}
