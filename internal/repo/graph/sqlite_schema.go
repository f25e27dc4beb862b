package graph

// SQLite schema DDL constants

const schemaStores = `
CREATE TABLE IF NOT EXISTS stores (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    protocol TEXT NOT NULL,
    identifier TEXT NOT NULL,
    root_ref TEXT NOT NULL,
    UNIQUE(protocol, identifier)
)`

const schemaNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    ref TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    created_at TEXT NOT NULL,
    modified_at TEXT NOT NULL,
    next_index INTEGER NOT NULL DEFAULT 0
)`

const schemaNodeAspects = `
CREATE TABLE IF NOT EXISTS node_aspects (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    node_ref TEXT NOT NULL REFERENCES nodes(ref) ON DELETE CASCADE,
    aspect TEXT NOT NULL,
    UNIQUE(node_ref, aspect)
)`

const schemaNodeProperties = `
CREATE TABLE IF NOT EXISTS node_properties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    node_ref TEXT NOT NULL REFERENCES nodes(ref) ON DELETE CASCADE,
    qname TEXT NOT NULL,
    value TEXT NOT NULL,
    UNIQUE(node_ref, qname)
)`

const schemaChildAssocs = `
CREATE TABLE IF NOT EXISTS child_assocs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_ref TEXT NOT NULL REFERENCES nodes(ref) ON DELETE CASCADE,
    child_ref TEXT NOT NULL REFERENCES nodes(ref) ON DELETE CASCADE,
    type TEXT NOT NULL,
    qname TEXT NOT NULL,
    is_primary INTEGER NOT NULL DEFAULT 0,
    idx INTEGER NOT NULL,
    UNIQUE(parent_ref, child_ref, type, qname)
)`

// FTS5 virtual table over property text, one row per value so phrases
// never span two values of a multi-valued property
const schemaPropertiesFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS properties_fts USING fts5(
    node_ref UNINDEXED,
    qname UNINDEXED,
    text
)`

// Drops index rows when a property or its node goes away
const triggerFTSDelete = `
CREATE TRIGGER IF NOT EXISTS properties_fts_delete AFTER DELETE ON node_properties BEGIN
    DELETE FROM properties_fts WHERE node_ref = OLD.node_ref AND qname = OLD.qname;
END`

// Index definitions
const indexAssocsParent = `CREATE INDEX IF NOT EXISTS idx_assocs_parent ON child_assocs(parent_ref, idx)`
const indexAssocsChild = `CREATE INDEX IF NOT EXISTS idx_assocs_child ON child_assocs(child_ref)`
const indexNodesType = `CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type)`
const indexPropertiesNode = `CREATE INDEX IF NOT EXISTS idx_properties_node ON node_properties(node_ref)`

// SQLite pragmas for optimal performance
const pragmaWAL = `PRAGMA journal_mode=WAL`
const pragmaFK = `PRAGMA foreign_keys=ON`
const pragmaBusyTimeout = `PRAGMA busy_timeout=5000`
const pragmaSynchronous = `PRAGMA synchronous=NORMAL`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaStores,
		schemaNodes,
		schemaNodeAspects,
		schemaNodeProperties,
		schemaChildAssocs,
		schemaPropertiesFTS,
		triggerFTSDelete,
		indexAssocsParent,
		indexAssocsChild,
		indexNodesType,
		indexPropertiesNode,
	}
}

// allPragmas returns all pragma statements
func allPragmas() []string {
	return []string{
		pragmaWAL,
		pragmaFK,
		pragmaBusyTimeout,
		pragmaSynchronous,
	}
}
