// Package sqlite3store stores migration records in a SQLite table. It works
// with both the cgo driver registered as "sqlite3" and the pure Go driver
// registered as "sqlite".
package sqlite3store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jonathonwebb/nomad"
	"github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DefaultTable holds migration records unless another table is configured.
const DefaultTable = "nomad_migrations"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Sqlite3Store is a nomad.Driver whose handle is the *sql.DB.
type Sqlite3Store struct {
	instance *sql.DB
	table    string

	driverName string
	dsn        string
	owned      bool
}

var _ nomad.Driver = (*Sqlite3Store)(nil)

// New returns a store over an open database. Disconnect leaves db open.
func New(db *sql.DB, table string) *Sqlite3Store {
	return &Sqlite3Store{instance: db, table: table}
}

// Open returns a store that opens dsn with the named database/sql driver on
// Connect and closes it on Disconnect.
func Open(driverName, dsn, table string) *Sqlite3Store {
	return &Sqlite3Store{driverName: driverName, dsn: dsn, table: table}
}

// DB returns the underlying database, or nil before Connect.
func (s *Sqlite3Store) DB() *sql.DB {
	return s.instance
}

func (s *Sqlite3Store) tableName() (string, error) {
	t := s.table
	if t == "" {
		t = DefaultTable
	}
	if !tableNameRe.MatchString(t) {
		return "", fmt.Errorf("invalid table name %q", t)
	}
	return `"` + t + `"`, nil
}

func (s *Sqlite3Store) Connect(ctx context.Context) (_ any, err error) {
	if s.instance == nil {
		db, openErr := sql.Open(s.driverName, s.dsn)
		if openErr != nil {
			return nil, openErr
		}
		s.instance, s.owned = db, true
		defer func() {
			if err != nil {
				err = errors.Join(err, s.Disconnect(ctx))
			}
		}()
	}
	if err := s.instance.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s.instance, nil
}

func (s *Sqlite3Store) Disconnect(ctx context.Context) error {
	if !s.owned || s.instance == nil {
		return nil
	}
	err := s.instance.Close()
	s.instance, s.owned = nil, false
	return err
}

// Init creates the record table if it does not exist.
func (s *Sqlite3Store) Init(ctx context.Context) error {
	table, err := s.tableName()
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tCtx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(tCtx, `CREATE TABLE IF NOT EXISTS `+table+` (
			filename      TEXT PRIMARY KEY,
			name          TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			is_reversible INTEGER NOT NULL DEFAULT 0,
			src           TEXT NOT NULL DEFAULT '',
			applied_src   TEXT NOT NULL DEFAULT '',
			applied_at    TEXT,
			reversed_at   TEXT,
			failed_at     TEXT,
			error_stack   TEXT NOT NULL DEFAULT ''
		)`)
		return err
	})
}

func (s *Sqlite3Store) InsertMigration(ctx context.Context, r nomad.Record) error {
	table, err := s.tableName()
	if err != nil {
		return err
	}
	_, err = s.instance.ExecContext(ctx, `INSERT INTO `+table+`
		(filename, name, description, is_reversible, src, applied_src, applied_at, reversed_at, failed_at, error_stack)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Filename, r.Name, r.Description, r.IsReversible, r.Src, r.AppliedSrc,
		formatTime(r.AppliedAt), formatTime(r.ReversedAt), formatTime(r.FailedAt), r.ErrorStack)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("record %s already exists: %w", r.Filename, err)
	}
	return err
}

func (s *Sqlite3Store) UpdateMigration(ctx context.Context, filename string, r nomad.Record) error {
	table, err := s.tableName()
	if err != nil {
		return err
	}
	res, err := s.instance.ExecContext(ctx, `UPDATE `+table+` SET
		name = ?, description = ?, is_reversible = ?, src = ?, applied_src = ?,
		applied_at = ?, reversed_at = ?, failed_at = ?, error_stack = ?
		WHERE filename = ?`,
		r.Name, r.Description, r.IsReversible, r.Src, r.AppliedSrc,
		formatTime(r.AppliedAt), formatTime(r.ReversedAt), formatTime(r.FailedAt), r.ErrorStack,
		filename)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no record for %s", filename)
	}
	return nil
}

func (s *Sqlite3Store) RemoveMigration(ctx context.Context, filename string) error {
	table, err := s.tableName()
	if err != nil {
		return err
	}
	_, err = s.instance.ExecContext(ctx, `DELETE FROM `+table+` WHERE filename = ?`, filename)
	return err
}

func (s *Sqlite3Store) GetMigrations(ctx context.Context) ([]nomad.Record, error) {
	table, err := s.tableName()
	if err != nil {
		return nil, err
	}
	rows, err := s.instance.QueryContext(ctx, `SELECT
		filename, name, description, is_reversible, src, applied_src,
		applied_at, reversed_at, failed_at, error_stack
		FROM `+table+` ORDER BY filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []nomad.Record
	for rows.Next() {
		var r nomad.Record
		var appliedAt, reversedAt, failedAt sql.NullString
		if err := rows.Scan(&r.Filename, &r.Name, &r.Description, &r.IsReversible, &r.Src, &r.AppliedSrc,
			&appliedAt, &reversedAt, &failedAt, &r.ErrorStack); err != nil {
			return nil, err
		}
		if r.AppliedAt, err = parseTime(appliedAt); err != nil {
			return nil, fmt.Errorf("%s: applied_at: %w", r.Filename, err)
		}
		if r.ReversedAt, err = parseTime(reversedAt); err != nil {
			return nil, fmt.Errorf("%s: reversed_at: %w", r.Filename, err)
		}
		if r.FailedAt, err = parseTime(failedAt); err != nil {
			return nil, fmt.Errorf("%s: failed_at: %w", r.Filename, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Sqlite3Store) withTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := s.instance.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := tx.Rollback(); !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, rerr)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}
