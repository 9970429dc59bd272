package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	t.Run("embedded migrations", func(t *testing.T) {
		migrations, err := loadMigrations(migrationsFS, "migrations")
		require.NoError(t, err)
		require.NotEmpty(t, migrations)
		require.Equal(t, 1, migrations[0].version)
		require.Contains(t, migrations[0].sql, "certificate_authorities")
		require.GreaterOrEqual(t, len(migrations), 2)
		require.Equal(t, 2, migrations[1].version)
		require.Contains(t, migrations[1].sql, "ca_name")
	})

	t.Run("ordered by version and skips junk", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/10_later.sql":  {Data: []byte("SELECT 10")},
			"m/2_second.sql":  {Data: []byte("SELECT 2")},
			"m/1_first.sql":   {Data: []byte("SELECT 1")},
			"m/README.md":     {Data: []byte("notes")},
			"m/x_invalid.sql": {Data: []byte("SELECT 0")},
			"m/noversion.sql": {Data: []byte("SELECT 0")},
		}
		migrations, err := loadMigrations(fsys, "m")
		require.NoError(t, err)
		require.Len(t, migrations, 3)
		require.Equal(t, []int{1, 2, 10}, []int{migrations[0].version, migrations[1].version, migrations[2].version})
	})

	t.Run("duplicate versions", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/1_a.sql": {Data: []byte("SELECT 1")},
			"m/1_b.sql": {Data: []byte("SELECT 1")},
		}
		_, err := loadMigrations(fsys, "m")
		require.Error(t, err)
	})
}
