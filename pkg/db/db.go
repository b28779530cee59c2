package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const memoryPath = ":memory:"

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB   *sql.DB
	path string
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	if path != memoryPath {
		db.SetConnMaxLifetime(time.Hour)
	}

	return &Database{DB: db, path: path}, nil
}

// Store returns the order/trade/position store backed by this database.
func (d *Database) Store() *Store {
	return NewStore(d.DB)
}

// Release drops the idle connection so the next query opens a fresh session.
// In-memory databases live only as long as their connection and are left alone.
func (d *Database) Release() {
	if d == nil || d.DB == nil || d.path == memoryPath {
		return
	}
	d.DB.SetMaxIdleConns(0)
	d.DB.SetMaxIdleConns(1)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
