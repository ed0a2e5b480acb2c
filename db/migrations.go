package db

import (
	"context"
	"fmt"
)

// updateLogSchema creates the append-only log table. It stays out of
// GORM: the composite primary key and the bytea payload are easier to
// state exactly in SQL, and nothing ORM-shaped ever touches this table.
const updateLogSchema = `
CREATE TABLE IF NOT EXISTS document_updates (
    document_id uuid        NOT NULL,
    seq         bigint      NOT NULL,
    actor_id    uuid,
    update      bytea       NOT NULL,
    created_at  timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (document_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_document_updates_created_at
    ON document_updates (created_at);
`

// Migrate brings the schema up to date. Safe to run on every start;
// also exposed as the "migrate" CLI command for deploy pipelines.
func Migrate(ctx context.Context, db *DB) error {
	if err := db.Gorm.WithContext(ctx).AutoMigrate(
		&User{},
		&Document{},
		&DocumentMember{},
		&DocumentState{},
		&Folder{},
		&DocumentFolder{},
	); err != nil {
		return fmt.Errorf("migrating models: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, updateLogSchema); err != nil {
		return fmt.Errorf("migrating update log: %w", err)
	}
	return nil
}
