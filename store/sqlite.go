// Package store provides the shared SQLite bootstrap used by the audit,
// hitl, knowledge, and plan packages: a single WAL-mode database file with
// one writer and many concurrent readers, per spec.md §5.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hostbridge-dev/hostbridge/core"
)

// migrations is the full, ordered schema. Every entry runs on each Open and
// is idempotent (IF NOT EXISTS), so the same database file can be reopened
// across process restarts without error; the schema_migrations table is
// created but nothing is recorded in it.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	);`,

	// audit
	`CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		category TEXT NOT NULL,
		tool TEXT NOT NULL,
		params TEXT NOT NULL,
		result TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL,
		policy_decision TEXT NOT NULL,
		status TEXT NOT NULL,
		hitl_request_id TEXT,
		client_info TEXT,
		container_logs TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_records(category, tool);`,

	// hitl
	`CREATE TABLE IF NOT EXISTS hitl_requests (
		id TEXT PRIMARY KEY,
		tool_call TEXT NOT NULL,
		params TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		resolved_at TEXT,
		resolved_by TEXT,
		resolution_reason TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_hitl_status ON hitl_requests(status);`,

	// plan
	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		definition TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_policy TEXT NOT NULL,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS plan_tasks (
		plan_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		tool_call TEXT NOT NULL,
		params TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TEXT,
		completed_at TEXT,
		PRIMARY KEY (plan_id, task_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_plan_tasks_plan ON plan_tasks(plan_id);`,

	// knowledge
	`CREATE TABLE IF NOT EXISTS knowledge_nodes (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS knowledge_edges (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		bidirectional INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		valid_from TEXT,
		valid_until TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY(source_id) REFERENCES knowledge_nodes(id),
		FOREIGN KEY(target_id) REFERENCES knowledge_nodes(id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_edges_source ON knowledge_edges(source_id);`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_edges_target ON knowledge_edges(target_id);`,
	// Edges are unique per (source, target, relation): Link() upserts
	// against this triple instead of inserting a duplicate row every call.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_edges_triple ON knowledge_edges(source_id, target_id, edge_type);`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
		id UNINDEXED, title, content, tags, content='knowledge_nodes', content_rowid='rowid'
	);`,
	`CREATE TRIGGER IF NOT EXISTS knowledge_fts_ai AFTER INSERT ON knowledge_nodes BEGIN
		INSERT INTO knowledge_fts(rowid, id, title, content, tags)
			VALUES (new.rowid, new.id, new.title, new.content, replace(coalesce(new.tags, ''), ',', ' '));
	END;`,
	`CREATE TRIGGER IF NOT EXISTS knowledge_fts_ad AFTER DELETE ON knowledge_nodes BEGIN
		INSERT INTO knowledge_fts(knowledge_fts, rowid, id, title, content, tags)
			VALUES('delete', old.rowid, old.id, old.title, old.content, replace(coalesce(old.tags, ''), ',', ' '));
	END;`,
	`CREATE TRIGGER IF NOT EXISTS knowledge_fts_au AFTER UPDATE ON knowledge_nodes BEGIN
		INSERT INTO knowledge_fts(knowledge_fts, rowid, id, title, content, tags)
			VALUES('delete', old.rowid, old.id, old.title, old.content, replace(coalesce(old.tags, ''), ',', ' '));
		INSERT INTO knowledge_fts(rowid, id, title, content, tags)
			VALUES (new.rowid, new.id, new.title, new.content, replace(coalesce(new.tags, ''), ',', ' '));
	END;`,
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL mode for concurrent readers alongside the single writer, and runs
// every migration statement.
func Open(path string) (*sqlx.DB, error) {
	const op = "store.Open"

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	// A single SQLite connection serializes writers; go-sqlite3 otherwise
	// happily hands out concurrent connections that then collide on the
	// file lock under WAL's single-writer rule.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	return db, nil
}

func migrate(db *sqlx.DB) error {
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("applying migration: %w (stmt: %s)", err, stmt)
		}
	}
	return nil
}
