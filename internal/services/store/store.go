// Package store is the primary service: a SQLite database in the data
// directory holding settings and the history of boots.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/bootd/internal/service"
)

const (
	Name     = "Store"
	FileName = "bootd.db"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
	ErrNotStarted      = errors.New("store not started")
)

// Boot is a single Supervisor start.
type Boot struct {
	UUID          string     `json:"uuid"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
}

func (b Boot) InProgress() bool {
	return b.FinishedAt == nil
}

type Store struct {
	dir    string
	db     *sql.DB
	bootID string
	now    func() time.Time
}

// Definition registers the Store as the primary service.
func Definition() service.Definition {
	return service.Primary(Name, New)
}

func New(h service.Host) service.Service {
	return NewStore(h.Config().DataDirectory)
}

func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		now: time.Now,
	}
}

// Start creates the data directory and the database and records a new boot.
func (s *Store) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", s.dir, err)
	}
	db, err := InitDB(ctx, filepath.Join(s.dir, FileName))
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	s.db = db

	id, err := s.BeginBoot(ctx)
	if err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	s.bootID = id
	slog.DebugContext(ctx, "store opened", "path", s.Path(), "boot", id)
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	slog.DebugContext(ctx, "store closed", "path", s.Path())
	return nil
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// BootID is the uuid of the boot recorded by Start.
func (s *Store) BootID() string {
	return s.bootID
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// all the statements run in transactions, a single connection
	// keeps SQLite away from SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS boots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL,
			success BOOLEAN DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return ErrNotStarted
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "calling tx.Rollback() failed", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns a value of a setting or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		return nil
	})
	return value, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			key, value, s.now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("executing sql upsert failed: %w", err)
		}
		return nil
	})
}

// Delete removes a setting, ErrNotFound is returned if there was none.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key=?`, key)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra != 1 {
			return ErrNotFound
		}
		return nil
	})
}

// Keys returns the sorted setting keys with a given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT key FROM settings WHERE substr(key, 1, ?) = ? ORDER BY key`,
			len(prefix), prefix,
		)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		defer func() {
			_ = rows.Close()
		}()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

// BeginBoot records a boot in progress and returns its uuid.
func (s *Store) BeginBoot(ctx context.Context) (string, error) {
	id := uuid.NewString()
	err := s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO boots (uuid, started_at) VALUES (?, ?)`, id, s.now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishBoot marks a boot as finished, successful when bootErr is nil.
// ErrAlreadyFinished is returned for a boot which has been finished already.
func (s *Store) FinishBoot(ctx context.Context, id string, bootErr error) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var finished sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT finished_at FROM boots WHERE uuid=?`, id).Scan(&finished)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		case finished.Valid:
			return ErrAlreadyFinished
		}

		var reason sql.NullString
		if bootErr != nil {
			reason = sql.NullString{String: bootErr.Error(), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE boots
			SET
				finished_at = ?,
				success = ?,
				failure_reason = ?
			WHERE uuid = ?`,
			s.now().UnixMilli(), bootErr == nil, reason, id,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

// Boot returns a boot identified by uuid or ErrNotFound.
func (s *Store) Boot(ctx context.Context, id string) (Boot, error) {
	var boot Boot
	err := s.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT uuid, started_at, finished_at, success, failure_reason FROM boots WHERE uuid=?`, id,
		)
		var err error
		boot, err = scanBoot(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return boot, err
}

// Boots returns up to limit most recent boots, newest first.
func (s *Store) Boots(ctx context.Context, limit int) ([]Boot, error) {
	if limit <= 0 {
		limit = 20
	}
	var boots []Boot
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT uuid, started_at, finished_at, success, failure_reason
			FROM boots ORDER BY id DESC LIMIT ?`, limit,
		)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		defer func() {
			_ = rows.Close()
		}()
		for rows.Next() {
			boot, err := scanBoot(rows)
			if err != nil {
				return err
			}
			boots = append(boots, boot)
		}
		return rows.Err()
	})
	return boots, err
}

// Vacuum rebuilds the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	if s.db == nil {
		return ErrNotStarted
	}
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBoot(row scanner) (Boot, error) {
	var (
		boot     Boot
		started  int64
		finished sql.NullInt64
		success  sql.NullBool
		reason   sql.NullString
	)
	if err := row.Scan(&boot.UUID, &started, &finished, &success, &reason); err != nil {
		return Boot{}, err
	}
	boot.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		boot.FinishedAt = &t
	}
	if success.Valid {
		boot.Success = &success.Bool
	}
	if reason.Valid {
		boot.FailureReason = &reason.String
	}
	return boot, nil
}

func (b Boot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, started_at: %s", b.UUID, b.StartedAt.Format(time.RFC3339))
	if b.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *b.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if b.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *b.FailureReason)
	}
	return sb.String()
}
