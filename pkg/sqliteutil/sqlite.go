// Package sqliteutil opens SQLite databases with the pragmas the session
// stores depend on.
package sqliteutil

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Open opens (creating if needed) a SQLite database at path.
//
// WAL journaling and a 5s busy timeout smooth over concurrent readers;
// foreign_keys must be on because session deletion relies on ON DELETE
// CASCADE. Writes are serialized through a single connection, which is the
// supported way to avoid SQLITE_BUSY under modernc.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, describeOpenError(path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, describeOpenError(path, err)
	}

	return db, nil
}

// IsCantOpen reports whether err is SQLite's CANTOPEN (code 14).
func IsCantOpen(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

// describeOpenError turns an opaque CANTOPEN into a message naming the
// actual filesystem problem.
func describeOpenError(path string, origErr error) error {
	if !IsCantOpen(origErr) {
		return origErr
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("cannot create database at %q: directory %q does not exist", path, dir)
	case err != nil:
		return fmt.Errorf("cannot create database at %q: %w", path, err)
	case !info.IsDir():
		return fmt.Errorf("cannot create database at %q: %q is not a directory", path, dir)
	}
	return fmt.Errorf("cannot create database at %q: permission denied (original error: %v)", path, origErr)
}
