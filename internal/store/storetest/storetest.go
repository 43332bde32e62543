// Package storetest provides databases for tests of packages built on store.
package storetest

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shehryarbajwa/applyx/internal/config"
	"github.com/shehryarbajwa/applyx/internal/store"
)

// New returns a migrated, private in-memory sqlite database closed at test end.
// A single connection keeps the memory database alive and serializes writers,
// so transactions must only use the tx handle they are given.
func New(t testing.TB) *store.Database {
	t.Helper()

	db, err := store.Open(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "silent",
	}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewMock returns a database backed by go-sqlmock speaking the postgres dialect
func NewMock(t testing.TB) (*store.Database, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	return &store.Database{DB: openMock(t, mockDB)}, mock
}

func openMock(t testing.TB, conn *sql.DB) *gorm.DB {
	dialector := postgres.New(postgres.Config{
		Conn:       conn,
		DriverName: "postgres",
	})

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}
