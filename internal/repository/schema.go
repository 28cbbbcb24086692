// Package repository implements the append-only release ledger of a
// versioned code repository and its range-query semantics.
package repository

// CreateRepositoriesTableSQL stores one row per deployed repository.
const CreateRepositoriesTableSQL = `
CREATE TABLE IF NOT EXISTS repositories (
    address BLOB PRIMARY KEY,
    owner BLOB NOT NULL,
    name TEXT NOT NULL,
    uri TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
)`

// CreateReleasesTableSQL stores releases. metadata holds only the fragment
// introduced at the release's own level; migration_ref is meaningful on
// major-level rows (x.0.0) only.
const CreateReleasesTableSQL = `
CREATE TABLE IF NOT EXISTS releases (
    repository BLOB NOT NULL,
    major INTEGER NOT NULL,
    minor INTEGER NOT NULL,
    patch INTEGER NOT NULL,
    source_id BLOB NOT NULL,
    metadata BLOB NOT NULL,
    migration_ref BLOB,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (repository, major, minor, patch),
    FOREIGN KEY (repository) REFERENCES repositories(address)
)`

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	return []string{
		CreateRepositoriesTableSQL,
		CreateReleasesTableSQL,
	}
}
