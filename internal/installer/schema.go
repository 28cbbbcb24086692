// Package installer implements a reference installer: an owner-run
// orchestrator that installs apps from whitelisted distributors on behalf
// of one protected target and guards the target's calls through the
// distributor hook.
package installer

// CreateInstallersTableSQL stores one row per deployed installer.
const CreateInstallersTableSQL = `
CREATE TABLE IF NOT EXISTS installers (
    address BLOB PRIMARY KEY,
    owner BLOB NOT NULL,
    target BLOB NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateWhitelistTableSQL stores fully trusted distributors.
const CreateWhitelistTableSQL = `
CREATE TABLE IF NOT EXISTS installer_distributors (
    installer BLOB NOT NULL,
    distributor BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (installer, distributor)
)`

// CreatePermissionsTableSQL stores single distributions allowed from
// distributors that are not whitelisted as a whole.
const CreatePermissionsTableSQL = `
CREATE TABLE IF NOT EXISTS installer_distributions (
    installer BLOB NOT NULL,
    distributor BLOB NOT NULL,
    distribution_id BLOB NOT NULL,
    PRIMARY KEY (installer, distributor, distribution_id)
)`

// CreateInstalledAppsTableSQL maps local app ids to distributor apps.
const CreateInstalledAppsTableSQL = `
CREATE TABLE IF NOT EXISTS installer_apps (
    installer BLOB NOT NULL,
    app_id INTEGER NOT NULL,
    distributor BLOB NOT NULL,
    remote_app_id INTEGER NOT NULL,
    distribution_id BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (installer, app_id)
)`

// CreateInstalledComponentsTableSQL maps components to local app ids.
const CreateInstalledComponentsTableSQL = `
CREATE TABLE IF NOT EXISTS installer_components (
    installer BLOB NOT NULL,
    component BLOB NOT NULL,
    app_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (installer, component)
)`

// CreateInstallerCountersTableSQL holds the last local app id.
const CreateInstallerCountersTableSQL = `
CREATE TABLE IF NOT EXISTS installer_counters (
    installer BLOB PRIMARY KEY,
    last_app_id INTEGER NOT NULL
)`

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	return []string{
		CreateInstallersTableSQL,
		CreateWhitelistTableSQL,
		CreatePermissionsTableSQL,
		CreateInstalledAppsTableSQL,
		CreateInstalledComponentsTableSQL,
		CreateInstallerCountersTableSQL,
		`CREATE INDEX IF NOT EXISTS idx_installer_components_app ON installer_components(installer, app_id, position)`,
	}
}
