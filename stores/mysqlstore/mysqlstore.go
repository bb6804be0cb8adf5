// Package mysqlstore stores migration records in a MySQL or MariaDB table.
package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jonathonwebb/nomad"
)

// DefaultTable holds migration records unless another table is configured.
const DefaultTable = "nomad_migrations"

// Config names the table holding migration records.
type Config struct {
	// DatabaseName defaults to the database of the connection.
	DatabaseName        string
	MigrationsTableName string
}

// MysqlStore is a nomad.Driver whose handle is the *sql.DB.
type MysqlStore struct {
	conn   *sql.DB
	config Config

	connector func() (*sql.DB, error)
}

var _ nomad.Driver = (*MysqlStore)(nil)

// New returns a store over an open connection. Disconnect leaves conn open.
func New(conn *sql.DB, config Config) *MysqlStore {
	return &MysqlStore{conn: conn, config: config}
}

// Open returns a store that connects to dsn on Connect. The DSN is parsed
// with parseTime enabled and times kept in UTC.
func Open(dsn string, config Config) (*MysqlStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if config.DatabaseName == "" {
		config.DatabaseName = cfg.DBName
	}
	return &MysqlStore{
		config: config,
		connector: func() (*sql.DB, error) {
			c, err := mysql.NewConnector(cfg)
			if err != nil {
				return nil, err
			}
			return sql.OpenDB(c), nil
		},
	}, nil
}

func (s *MysqlStore) Connect(ctx context.Context) (_ any, err error) {
	if s.conn == nil {
		if s.connector == nil {
			return nil, errors.New("no connection configured")
		}
		conn, connErr := s.connector()
		if connErr != nil {
			return nil, connErr
		}
		s.conn = conn
		defer func() {
			if err != nil {
				err = errors.Join(err, s.Disconnect(ctx))
			}
		}()
	}
	if err := s.conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := s.ensureMigrationsTableExists(ctx); err != nil {
		return nil, err
	}
	return s.conn, nil
}

func (s *MysqlStore) Disconnect(ctx context.Context) error {
	if s.connector == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *MysqlStore) makeEscapedMigrationsTableName() string {
	table := s.config.MigrationsTableName
	if table == "" {
		table = DefaultTable
	}
	if s.config.DatabaseName == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(s.config.DatabaseName) + "." + quoteIdentifier(table)
}

func (s *MysqlStore) ensureMigrationsTableExists(ctx context.Context) error {
	tableName := s.makeEscapedMigrationsTableName()
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"filename      varchar(255) not null, "+
			"name          varchar(255) not null default '', "+
			"description   text not null, "+
			"is_reversible boolean not null default false, "+
			"src           longtext not null, "+
			"applied_src   longtext not null, "+
			"applied_at    datetime(6) null, "+
			"reversed_at   datetime(6) null, "+
			"failed_at     datetime(6) null, "+
			"error_stack   text not null, "+
			"primary key (filename)"+
			") default charset utf8mb4",
		tableName,
	))
	if err != nil {
		return fmt.Errorf("failed to create migrations table %s: %w", tableName, err)
	}
	return nil
}

func (s *MysqlStore) InsertMigration(ctx context.Context, r nomad.Record) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s "+
			"(filename, name, description, is_reversible, src, applied_src, applied_at, reversed_at, failed_at, error_stack) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.makeEscapedMigrationsTableName(),
	),
		r.Filename, r.Name, r.Description, r.IsReversible, r.Src, r.AppliedSrc,
		nullTime(r.AppliedAt), nullTime(r.ReversedAt), nullTime(r.FailedAt), r.ErrorStack)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return fmt.Errorf("record %s already exists: %w", r.Filename, err)
	}
	return err
}

func (s *MysqlStore) UpdateMigration(ctx context.Context, filename string, r nomad.Record) error {
	tableName := s.makeEscapedMigrationsTableName()
	// RowsAffected counts changed rows only, so existence is checked first.
	var exists int
	err := s.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE filename = ?", tableName), filename).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no record for %s", filename)
	}
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET "+
			"name = ?, description = ?, is_reversible = ?, src = ?, applied_src = ?, "+
			"applied_at = ?, reversed_at = ?, failed_at = ?, error_stack = ? "+
			"WHERE filename = ?",
		tableName,
	),
		r.Name, r.Description, r.IsReversible, r.Src, r.AppliedSrc,
		nullTime(r.AppliedAt), nullTime(r.ReversedAt), nullTime(r.FailedAt), r.ErrorStack,
		filename)
	return err
}

func (s *MysqlStore) RemoveMigration(ctx context.Context, filename string) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE filename = ?",
		s.makeEscapedMigrationsTableName(),
	), filename)
	return err
}

func (s *MysqlStore) GetMigrations(ctx context.Context) ([]nomad.Record, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT filename, name, description, is_reversible, src, applied_src, "+
			"applied_at, reversed_at, failed_at, error_stack FROM %s ORDER BY filename",
		s.makeEscapedMigrationsTableName(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations table: %w", err)
	}
	defer rows.Close()

	var result []nomad.Record
	for rows.Next() {
		var r nomad.Record
		var appliedAt, reversedAt, failedAt sql.NullTime
		err := rows.Scan(
			&r.Filename,
			&r.Name,
			&r.Description,
			&r.IsReversible,
			&r.Src,
			&r.AppliedSrc,
			&appliedAt,
			&reversedAt,
			&failedAt,
			&r.ErrorStack,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query migrations table: %w", err)
		}
		r.AppliedAt = timePtr(appliedAt)
		r.ReversedAt = timePtr(reversedAt)
		r.FailedAt = timePtr(failedAt)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query migrations table: %w", err)
	}
	return result, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
