package db

import "fmt"

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{version: 1, name: "blobs", sql: blobsTable},
	{version: 2, name: "blobs_created_index", sql: blobsCreatedIndex},
}

func validateMigrations() error {
	if len(migrations) == 0 {
		return fmt.Errorf("no migrations defined")
	}

	seenVersions := make(map[int]bool)
	seenNames := make(map[string]bool)
	prevVersion := 0
	for _, migration := range migrations {
		if migration.version <= 0 {
			return fmt.Errorf("invalid migration version %d", migration.version)
		}
		if seenVersions[migration.version] {
			return fmt.Errorf("duplicate migration version %d", migration.version)
		}
		if seenNames[migration.name] {
			return fmt.Errorf("duplicate migration name %s", migration.name)
		}
		if migration.version <= prevVersion {
			return fmt.Errorf("migration version %d out of order", migration.version)
		}
		seenVersions[migration.version] = true
		seenNames[migration.name] = true
		prevVersion = migration.version
	}

	return nil
}

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

const blobsTable = `
CREATE TABLE IF NOT EXISTS blobs (
	path TEXT PRIMARY KEY,
	content BLOB NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS blobs_updated_at
AFTER UPDATE ON blobs
BEGIN
	UPDATE blobs SET updated_at = CURRENT_TIMESTAMP WHERE path = NEW.path;
END;
`

const blobsCreatedIndex = `
CREATE INDEX IF NOT EXISTS idx_blobs_created_at ON blobs(created_at);
`
