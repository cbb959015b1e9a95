package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_OpensAndPingsFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	db, err := New(Config{Path: path, Profile: ProfileCache, Name: "cache"})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "cache", db.Name())
	assert.Equal(t, path, db.Path())

	_, err = db.Conn().Exec(`CREATE TABLE t (k TEXT PRIMARY KEY, v INTEGER)`)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO t (k, v) VALUES ('a', 1)`)
	require.NoError(t, err)

	var v int
	require.NoError(t, db.Conn().QueryRow(`SELECT v FROM t WHERE k = 'a'`).Scan(&v))
	assert.Equal(t, 1, v)
}

func TestNew_DefaultsToStandardProfile(t *testing.T) {
	db, err := New(Config{
		Path: "file:defaults_test?mode=memory&cache=shared",
		Name: "test",
	})
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.Conn().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	// In-memory databases report "memory"; file databases report "wal".
	assert.Contains(t, []string{"wal", "memory"}, strings.ToLower(mode))
}

func TestBuildConnectionString_PreservesExistingQueryParameters(t *testing.T) {
	connStr := buildConnectionString("file:mem_test?mode=memory&cache=shared", ProfileStandard)

	assert.Equal(t, 1, strings.Count(connStr, "?"))
	assert.Contains(t, connStr, "mode=memory&cache=shared&_pragma=journal_mode(WAL)")
}

func TestBuildConnectionString_CacheProfilePragmas(t *testing.T) {
	connStr := buildConnectionString("/tmp/cache.db", ProfileCache)

	assert.Contains(t, connStr, "journal_mode(WAL)")
	assert.Contains(t, connStr, "synchronous(OFF)")
	assert.Contains(t, connStr, "auto_vacuum(FULL)")

	standard := buildConnectionString("/tmp/std.db", ProfileStandard)
	assert.Contains(t, standard, "synchronous(NORMAL)")
}
