package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS utterances (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			is_direct INTEGER NOT NULL DEFAULT 0,
			is_from_agent INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_utterances_conv_created ON utterances(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_utterances_conv_processed ON utterances(conversation_id, processed)`,

		`CREATE TABLE IF NOT EXISTS concept_nodes (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			activation REAL NOT NULL DEFAULT 1.0,
			is_permanent INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			UNIQUE(conversation_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_conv_activation ON concept_nodes(conversation_id, activation)`,

		`CREATE TABLE IF NOT EXISTS associations (
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			strength REAL NOT NULL DEFAULT 1.0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (source_id, target_id),
			FOREIGN KEY (source_id) REFERENCES concept_nodes(id) ON DELETE CASCADE,
			FOREIGN KEY (target_id) REFERENCES concept_nodes(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS topic_memories (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			start_time TEXT NOT NULL DEFAULT '',
			end_time TEXT NOT NULL DEFAULT '',
			weight REAL NOT NULL DEFAULT 1.0,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			is_permanent INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_conv_weight ON topic_memories(conversation_id, weight)`,

		`CREATE TABLE IF NOT EXISTS memory_nodes (
			memory_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (memory_id, node_id),
			FOREIGN KEY (memory_id) REFERENCES topic_memories(id) ON DELETE CASCADE,
			FOREIGN KEY (node_id) REFERENCES concept_nodes(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_schedules (
			conversation_id TEXT PRIMARY KEY,
			next_process_time INTEGER NOT NULL,
			persona_path TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS engine_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

// GetState reads a value from the engine_state table, returning "" when the
// key is absent.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM engine_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts a value in the engine_state table.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO engine_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = ?
	`, key, value, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}
