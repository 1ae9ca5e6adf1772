package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"legato/internal/normalize"
)

// DriverName is the sqlite3 driver whose connections carry the catalog's SQL
// functions. fold(text) applies normalize.Fold.
const DriverName = "sqlite3_legato"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", normalize.Fold, true)
		},
	})
}

// Database wraps a *sql.DB providing the single-writer discipline the catalog
// relies on. Reads may run concurrently through Conn; every mutation goes
// through WithWriteTx, which serializes writers behind one mutex and one
// BEGIN IMMEDIATE transaction.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger
	path   string

	writeMu sync.Mutex
}

// Option configures NewDatabase.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets how long a connection waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// NewDatabase opens (or creates) the SQLite catalog at dbPath and applies all
// pending migrations. A migration failure closes the connection and is
// returned; callers must not use the store in that case.
func NewDatabase(dbPath string, logger *logrus.Logger, opts ...Option) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
	}

	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	// Pragmas go in the DSN so every pooled connection gets them, not only the
	// first one.
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate",
		dbPath, o.busyTimeout.Milliseconds())

	conn, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(15 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &Database{
		conn:   conn,
		logger: logger,
		path:   dbPath,
	}

	applied, err := RunMigrations(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	for _, name := range applied {
		logger.WithField("migration", name).Info("Applied migration")
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// Conn returns the underlying pool for read queries.
func (db *Database) Conn() *sql.DB {
	return db.conn
}

// Path returns the file the database was opened from.
func (db *Database) Path() string {
	return db.path
}

// Logger returns the logger the database was opened with.
func (db *Database) Logger() *logrus.Logger {
	return db.logger
}

// WithWriteTx runs fn inside the single write transaction. The transaction is
// committed when fn returns nil and rolled back otherwise, including on panic.
func (db *Database) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.WithError(rbErr).Warn("Failed to roll back write transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *Database) Close() error {
	return db.conn.Close()
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
