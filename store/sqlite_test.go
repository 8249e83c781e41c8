package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesMigrations(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "hostbridge.db"))
	require.NoError(t, err)
	defer db.Close()

	tables := []string{
		"audit_records", "hitl_requests", "plans", "plan_tasks",
		"knowledge_nodes", "knowledge_edges",
	}
	for _, table := range tables {
		var name string
		err := db.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		assert.NoError(t, err, "expected table %s to exist", table)
		assert.Equal(t, table, name)
	}
}

func TestOpen_FTSTableTracksInserts(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "hostbridge.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO knowledge_nodes (id, node_type, title, content, metadata, created_at, updated_at)
		VALUES ('n1', 'note', 'Deploy steps', 'run the migration before restarting', NULL, datetime('now'), datetime('now'))`)
	require.NoError(t, err)

	var count int
	err = db.Get(&count, `SELECT count(*) FROM knowledge_fts WHERE knowledge_fts MATCH 'migration'`)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOpen_ReopeningExistingDatabaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostbridge.db")

	db1, err := Open(path)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
}
