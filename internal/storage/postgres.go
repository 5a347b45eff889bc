// File: internal/storage/postgres.go
package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// PostgreSQLStorage implements Storage using PostgreSQL
type PostgreSQLStorage struct {
	*sqlStore
	config     *StorageConfig
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		sqlStore: &sqlStore{
			dialect: postgresDialect,
			logger:  utils.ComponentLogger("storage").WithField("backend", "postgres"),
		},
		config:     config,
		migrations: GetPostgresMigrations(),
	}
}

// NewPostgreSQLStorageWithDB wraps an already opened handle, used with sqlmock in tests
func NewPostgreSQLStorageWithDB(db *sql.DB) *PostgreSQLStorage {
	p := NewPostgreSQLStorage(&StorageConfig{Type: "postgres"})
	p.db = db
	return p
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxIdleTime(p.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")
	return nil
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	return p.applyMigrations(p.migrations)
}

func postgresQueryIDConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return strings.Contains(pqErr.Constraint, "query_id")
}
