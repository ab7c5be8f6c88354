// Package db is the SQLite persistence layer: withdrawals, the ledger
// journal and small key/value config.
package db

import (
	"database/sql"
	_ "embed"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

var (
	db     *sql.DB
	mu     sync.Mutex
	logger = zap.NewNop()
)

// Open initializes the SQLite database and runs the embedded schema.
func Open(log *zap.Logger, path string) error {
	mu.Lock()
	defer mu.Unlock()

	if db != nil {
		return nil // already open
	}
	if log != nil {
		logger = log.Named("db")
	}

	var err error
	db, err = sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return err
	}

	// Single writer, multiple readers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		db = nil
		return err
	}

	logger.Info("Opened database", zap.String("path", path))
	return nil
}

// Close shuts down the database connection.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if db != nil {
		db.Close()
		db = nil
		logger.Info("Closed database")
	}
}

// DB returns the underlying *sql.DB for direct queries.
func DB() *sql.DB {
	return db
}
