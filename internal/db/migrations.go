package db

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- markets mirrored by the bot
CREATE TABLE IF NOT EXISTS mirrors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at INTEGER NOT NULL,
    contract_id TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL,
    source TEXT NOT NULL,
    source_id TEXT NOT NULL,
    source_url TEXT NOT NULL,
    title TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0 CHECK (resolved IN (0, 1))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mirrors_source_key ON mirrors(source, source_id);
CREATE INDEX IF NOT EXISTS idx_mirrors_unresolved ON mirrors(source) WHERE resolved = 0;

-- markets mirrored by others (avoid duplicating)
CREATE TABLE IF NOT EXISTS third_party_mirrors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    contract_id TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL,
    source TEXT NOT NULL,
    source_id TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_third_party_source_key ON third_party_mirrors(source, source_id);

-- inbound managrams we have observed
CREATE TABLE IF NOT EXISTS payments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    txn_id TEXT NOT NULL UNIQUE,
    group_id TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    token TEXT NOT NULL,
    amount REAL NOT NULL CHECK (amount >= 0),
    message TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0 CHECK (processed IN (0, 1))
);
CREATE INDEX IF NOT EXISTS idx_payments_unprocessed ON payments(created_at) WHERE processed = 0;
`
