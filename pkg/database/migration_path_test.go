package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// TestMigrationPath walks every migration from an empty file, checking that
// data written at one version survives the next.
//
// Add a step here for every new migration.
func TestMigrationPath(t *testing.T) {
	steps := []struct {
		name           string
		toVersion      int
		setupData      func(db *sql.DB) error
		validateData   func(t *testing.T, db *sql.DB)
		validateSchema func(t *testing.T, db *sql.DB)
	}{
		{
			name:      "v0 → v1: players and sessions",
			toVersion: 1,
			setupData: func(db *sql.DB) error { return nil },
			validateData: func(t *testing.T, db *sql.DB) {},
			validateSchema: func(t *testing.T, db *sql.DB) {
				requireObject(t, db, "table", "Player")
				requireObject(t, db, "table", "Session")
				requireObject(t, db, "index", "idx_players_name")
				requireObject(t, db, "index", "idx_sessions_player")
			},
		},
		{
			name:      "v1 → v2: admin audit log",
			toVersion: 2,
			setupData: func(db *sql.DB) error {
				_, err := db.Exec(`INSERT INTO Player (uuid, name, world, x, y, z, first_seen, last_seen)
					VALUES ('u1', 'alice', 'world', 1, 64, 2, 1, 1)`)
				return err
			},
			validateData: func(t *testing.T, db *sql.DB) {
				var name string
				require.NoError(t, db.QueryRow(`SELECT name FROM Player WHERE uuid = 'u1'`).Scan(&name))
				assert.Equal(t, "alice", name)
			},
			validateSchema: func(t *testing.T, db *sql.DB) {
				requireObject(t, db, "table", "AdminAction")
			},
		},
	}
	require.Len(t, steps, SchemaVersion, "every migration needs a step")

	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer conn.Close()

	full := migrations
	defer func() { migrations = full }()

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			require.NoError(t, step.setupData(conn))
			migrations = full[:step.toVersion]
			require.NoError(t, runMigrations(conn))

			v, err := schemaVersion(conn)
			require.NoError(t, err)
			assert.Equal(t, step.toVersion, v)

			step.validateSchema(t, conn)
			step.validateData(t, conn)
		})
	}

	// rerunning is a no-op
	migrations = full
	require.NoError(t, runMigrations(conn))
	var applied int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, SchemaVersion, applied)
}

func requireObject(t *testing.T, db *sql.DB, kind, name string) {
	t.Helper()
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count, "%s %s missing", kind, name)
}
