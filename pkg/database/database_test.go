package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:frame_index.db?_busy_timeout=5000", sqliteDSN(""))
	assert.Equal(t, "file:x.db?mode=memory&_busy_timeout=5000", sqliteDSN("file:x.db?mode=memory"))
	assert.Equal(t, "x.db?_busy_timeout=100", sqliteDSN("x.db?_busy_timeout=100"))
}

func TestOpenDBSQLite(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "index.db")
	db, err := OpenDB("sqlite", dsn, nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, sqlDB.Ping())
}

func TestOpenDBUnknownDriver(t *testing.T) {
	_, err := OpenDB("postgres", "", nil)
	assert.Error(t, err)
}
