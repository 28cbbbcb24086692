// Package distributor implements the distribution registry, the
// instantiation engine, the call-time authorization hook and the migration
// engine. All state is keyed by the distributor's own address so several
// distributors can share one ledger.
package distributor

// CreateDistributorsTableSQL stores one row per deployed distributor.
const CreateDistributorsTableSQL = `
CREATE TABLE IF NOT EXISTS distributors (
    address BLOB PRIMARY KEY,
    owner BLOB NOT NULL,
    code_index BLOB NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateDistributionsTableSQL stores distributions. Exactly one of source_id
// (fixed) or repository (versioned) is set.
const CreateDistributionsTableSQL = `
CREATE TABLE IF NOT EXISTS distributions (
    distributor BLOB NOT NULL,
    id BLOB NOT NULL,
    alias TEXT,
    source_id BLOB,
    repository BLOB,
    initializer BLOB NOT NULL,
    req_kind INTEGER,
    req_major INTEGER,
    req_minor INTEGER,
    req_patch INTEGER,
    disabled INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (distributor, id)
)`

// CreateAppsTableSQL stores apps. app_id is allocated per distributor from
// the app_counters table. migration_id/migration_caller form the in-flight
// marker and are only set while a migration executes.
const CreateAppsTableSQL = `
CREATE TABLE IF NOT EXISTS apps (
    distributor BLOB NOT NULL,
    app_id INTEGER NOT NULL,
    distribution_id BLOB NOT NULL,
    installer BLOB NOT NULL,
    major INTEGER NOT NULL,
    minor INTEGER NOT NULL,
    patch INTEGER NOT NULL,
    renounced INTEGER NOT NULL DEFAULT 0,
    detached_to BLOB,
    migration_id BLOB,
    migration_caller BLOB,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (distributor, app_id)
)`

// CreateAppCountersTableSQL holds the last allocated app id per distributor.
const CreateAppCountersTableSQL = `
CREATE TABLE IF NOT EXISTS app_counters (
    distributor BLOB PRIMARY KEY,
    last_app_id INTEGER NOT NULL
)`

// CreateAppComponentsTableSQL maps each component to its app.
const CreateAppComponentsTableSQL = `
CREATE TABLE IF NOT EXISTS app_components (
    distributor BLOB NOT NULL,
    component BLOB NOT NULL,
    app_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (distributor, component)
)`

// CreateMigrationsTableSQL stores migration plans.
const CreateMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS migrations (
    distributor BLOB NOT NULL,
    id BLOB NOT NULL,
    distribution_id BLOB NOT NULL,
    from_kind INTEGER NOT NULL,
    from_major INTEGER NOT NULL,
    from_minor INTEGER NOT NULL,
    from_patch INTEGER NOT NULL,
    to_kind INTEGER NOT NULL,
    to_major INTEGER NOT NULL,
    to_minor INTEGER NOT NULL,
    to_patch INTEGER NOT NULL,
    migration_code_id BLOB NOT NULL,
    strategy INTEGER NOT NULL,
    distributor_calldata BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (distributor, id)
)`

// CreateDistributorIndexesSQL creates secondary indexes.
var CreateDistributorIndexesSQL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_distributions_alias ON distributions(distributor, alias) WHERE alias IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_app_components_app ON app_components(distributor, app_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_apps_distribution ON apps(distributor, distribution_id)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateDistributorsTableSQL,
		CreateDistributionsTableSQL,
		CreateAppsTableSQL,
		CreateAppCountersTableSQL,
		CreateAppComponentsTableSQL,
		CreateMigrationsTableSQL,
	}
	return append(stmts, CreateDistributorIndexesSQL...)
}
