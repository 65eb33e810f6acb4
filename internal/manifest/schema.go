package manifest

// CreateOutputsTableSQL creates the published outputs table. key_filter
// holds the serialized bloom filter over the output's event keys, so event
// lookups do not need to fetch sidecars.
const CreateOutputsTableSQL = `
CREATE TABLE IF NOT EXISTS outputs (
    output_id TEXT PRIMARY KEY,
    catalog TEXT NOT NULL,
    catalog_version INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    format TEXT NOT NULL,
    object_path TEXT NOT NULL,
    sidecar_path TEXT NOT NULL,
    record_count INTEGER NOT NULL,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    key_filter BLOB,
    created_at INTEGER NOT NULL
)`

// CreateOutputsIndexesSQL creates indexes for listing outputs.
var CreateOutputsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_outputs_catalog ON outputs(catalog, catalog_version)`,
	`CREATE INDEX IF NOT EXISTS idx_outputs_created ON outputs(created_at)`,
}

// CreateSchemasTableSQL records every schema fingerprint seen, with its
// column list, so outputs can be described without their sidecars.
const CreateSchemasTableSQL = `
CREATE TABLE IF NOT EXISTS schemas (
    fingerprint TEXT PRIMARY KEY,
    catalog TEXT NOT NULL,
    catalog_version INTEGER NOT NULL,
    columns_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateIdempotencyKeysTableSQL maps publish keys to the output that used
// them. A republished file (same catalog, fingerprint and checksum) finds
// its key here.
const CreateIdempotencyKeysTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    output_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (output_id) REFERENCES outputs(output_id)
)`

// AllSchemaSQL returns all statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateOutputsTableSQL,
		CreateSchemasTableSQL,
		CreateIdempotencyKeysTableSQL,
	}
	return append(statements, CreateOutputsIndexesSQL...)
}
