package statestore

// schema holds the relational layout from spec §4.C1 / §8: tables
// downloads, chunks, attempts, history, state_version; a trigger
// bumping state_version on insert/update of downloads; indices by
// state, by (state, priority DESC, queue_position ASC), and by
// (download_id, chunk_index); WAL + foreign_keys ON + synchronous
// NORMAL pragmas (set in Open, not here, since pragmas are
// per-connection).
const schema = `
CREATE TABLE IF NOT EXISTS state_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
INSERT OR IGNORE INTO state_version (id, version) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS downloads (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	title               TEXT NOT NULL,
	source_url          TEXT NOT NULL,
	save_path           TEXT NOT NULL,
	download_path_base  TEXT NOT NULL,
	total_bytes         INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes    INTEGER NOT NULL DEFAULT 0,
	state               TEXT NOT NULL,
	priority            INTEGER NOT NULL DEFAULT 2,
	force_overwrite     INTEGER NOT NULL DEFAULT 0,
	queue_position      INTEGER NOT NULL DEFAULT 0,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT,
	expected_hash       TEXT,
	actual_hash         TEXT,
	verified            INTEGER NOT NULL DEFAULT 0,
	tail_checkpoint_hash TEXT,
	tail_checkpoint_size INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	started_at          INTEGER,
	completed_at        INTEGER,
	updated_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(state);
CREATE INDEX IF NOT EXISTS idx_downloads_queue
	ON downloads(state, priority DESC, queue_position ASC);

CREATE TABLE IF NOT EXISTS chunks (
	download_id INTEGER NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	start_byte  INTEGER NOT NULL,
	end_byte    INTEGER NOT NULL,
	downloaded  INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL DEFAULT 'PENDING',
	hash        TEXT,
	tail_checkpoint_hash TEXT,
	tail_checkpoint_size INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (download_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_download ON chunks(download_id, chunk_index);

CREATE TABLE IF NOT EXISTS attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	download_id INTEGER NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	chunk_index INTEGER,
	category    TEXT NOT NULL,
	message     TEXT,
	occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_download ON attempts(download_id);

CREATE TABLE IF NOT EXISTS history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	download_id INTEGER NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	occurred_at INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_downloads_version_insert
AFTER INSERT ON downloads
BEGIN
	UPDATE state_version SET version = version + 1 WHERE id = 1;
END;

CREATE TRIGGER IF NOT EXISTS trg_downloads_version_update
AFTER UPDATE ON downloads
BEGIN
	UPDATE state_version SET version = version + 1 WHERE id = 1;
END;

CREATE TRIGGER IF NOT EXISTS trg_downloads_version_delete
AFTER DELETE ON downloads
BEGIN
	UPDATE state_version SET version = version + 1 WHERE id = 1;
END;
`

// migrations holds idempotent ALTERs applied after the base schema,
// matching spec §8: "migrations add the partial-tail checkpoint
// columns idempotently." Columns already created by the base schema
// above for fresh databases; this list exists for databases created
// before tail-checkpoint support existed.
var migrations = []string{
	`ALTER TABLE downloads ADD COLUMN tail_checkpoint_hash TEXT`,
	`ALTER TABLE downloads ADD COLUMN tail_checkpoint_size INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE chunks ADD COLUMN tail_checkpoint_hash TEXT`,
	`ALTER TABLE chunks ADD COLUMN tail_checkpoint_size INTEGER NOT NULL DEFAULT 0`,
}
