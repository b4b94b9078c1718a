package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"testing/fstest"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListVersionsSortsSQLFiles(t *testing.T) {
	files := fstest.MapFS{
		"migrations/010_later.sql":  {Data: []byte("SELECT 1")},
		"migrations/002_second.sql": {Data: []byte("SELECT 1")},
		"migrations/001_first.sql":  {Data: []byte("SELECT 1")},
		"migrations/README.md":      {Data: []byte("notes")},
		"migrations/archive/x.sql":  {Data: []byte("SELECT 1")},
	}

	versions, err := listVersions(files)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_first.sql", "002_second.sql", "010_later.sql"}, versions)
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	versions, err := listVersions(migrationFiles)
	require.NoError(t, err)
	assert.Contains(t, versions, "001_auth_schema.sql")
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	database, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	_, err = RunMigrations(ctx, database)
	require.NoError(t, err)

	applied, err := RunMigrations(ctx, database)
	require.NoError(t, err)
	assert.Empty(t, applied)
}
