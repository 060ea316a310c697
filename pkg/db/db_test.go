package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteInMemory(t *testing.T) {
	gormDB, err := Open(&Config{Type: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping())
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	assert.Equal(t, "sqlite", gormDB.Dialector.Name())
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(&Config{Type: "oracle", DSN: "whatever"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(&Config{Type: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN is required")
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, TypeSQLite, normalizeType(""))
	assert.Equal(t, TypeSQLite, normalizeType("sqlite3"))
	assert.Equal(t, TypePostgres, normalizeType("PostgreSQL"))
	assert.Equal(t, TypeMySQL, normalizeType("mysql"))
}
