// Package ledger provides the execution environment every other component
// runs on: a SQLite-backed state database with nested atomic frames, a host
// for deployed code, deterministic address derivation, call-frame identity,
// failure classification for external code, and an append-only event log.
package ledger

// CreateAccountsTableSQL tracks per-deployer nonces used to derive addresses.
const CreateAccountsTableSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    address BLOB PRIMARY KEY,
    nonce INTEGER NOT NULL DEFAULT 0
)`

// CreateCodeTableSQL stores every deployed piece of code. Rows are never
// updated or deleted once their frame commits.
const CreateCodeTableSQL = `
CREATE TABLE IF NOT EXISTS code (
    address BLOB PRIMARY KEY,
    code_hash BLOB NOT NULL,
    kind TEXT NOT NULL,
    bytecode BLOB NOT NULL,
    deployer BLOB NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateEventsTableSQL is the append-only event log. Payloads are
// snappy-compressed JSON.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    emitter BLOB NOT NULL,
    name TEXT NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateLedgerIndexesSQL creates secondary indexes for code and event lookups.
var CreateLedgerIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_code_hash ON code(code_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_events_emitter ON events(emitter, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_events_name ON events(name, seq)`,
}

// AllSchemaSQL returns the ledger's own schema statements in execution order.
// Components add theirs through Registry.Schema.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateAccountsTableSQL,
		CreateCodeTableSQL,
		CreateEventsTableSQL,
	}
	return append(stmts, CreateLedgerIndexesSQL...)
}
