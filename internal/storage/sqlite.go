// File: internal/storage/sqlite.go
package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// SQLiteStorage implements Storage using SQLite
type SQLiteStorage struct {
	*sqlStore
	config     *StorageConfig
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		sqlStore: &sqlStore{
			dialect: sqliteDialect,
			logger:  utils.ComponentLogger("storage").WithField("backend", "sqlite"),
		},
		config:     config,
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	path := s.config.ConnectionString
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxIdleTime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping SQLite database", err.Error())
	}

	s.db = db
	s.logger.WithFields(logrus.Fields{"path": path}).Info("SQLite database connected")
	return nil
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	return s.applyMigrations(s.migrations)
}

// sqliteDSN applies per-connection pragmas; WAL lets readers proceed during writes
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func sqliteQueryIDConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(sqliteErr.Error(), "liquidation_tasks.query_id")
}
