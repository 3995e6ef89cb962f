package backend_postgres_migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upInitial, downInitial)
}

func upInitial(tx *sql.Tx) error {
	if _, err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return err
	}

	createStatements := []string{
		`CREATE TYPE fs_entry_kind AS ENUM ('file', 'folder');`,

		// Canonical file and folder records. parent_id NULL = project root.
		`CREATE TABLE IF NOT EXISTS fs_entry (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			project_id VARCHAR(255) NOT NULL,
			parent_id UUID REFERENCES fs_entry(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			path TEXT NOT NULL,
			kind fs_entry_kind NOT NULL DEFAULT 'file',
			content BYTEA,
			content_hash VARCHAR(32) NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE UNIQUE INDEX idx_fs_entry_project_path ON fs_entry(project_id, path);`,
		`CREATE INDEX idx_fs_entry_parent ON fs_entry(project_id, parent_id);`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func downInitial(tx *sql.Tx) error {
	dropStatements := []string{
		`DROP TABLE IF EXISTS fs_entry;`,
		`DROP TYPE IF EXISTS fs_entry_kind;`,
	}

	for _, stmt := range dropStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
