package sqlite

// Per-user schema. streamIds is stored as a space-separated token stream
// terminated by the universal tag ".." so a match-all FTS query exists.
// events_fts mirrors events via triggers; events_fts_v exposes the stored
// vocabulary (used to enumerate known stream tokens).
const userSchema = `
CREATE TABLE IF NOT EXISTS events (
	eventid TEXT UNIQUE NOT NULL,
	headId TEXT,
	streamIds TEXT NOT NULL,
	time REAL,
	endTime REAL,
	deleted REAL,
	type TEXT,
	content TEXT,
	description TEXT,
	clientData TEXT,
	integrity TEXT,
	attachments TEXT,
	trashed INTEGER NOT NULL DEFAULT 0,
	created REAL,
	createdBy TEXT,
	modified REAL,
	modifiedBy TEXT
);
CREATE INDEX IF NOT EXISTS events_time ON events(time);
CREATE INDEX IF NOT EXISTS events_endTime ON events(endTime);
CREATE INDEX IF NOT EXISTS events_deleted ON events(deleted);
CREATE INDEX IF NOT EXISTS events_type ON events(type);
CREATE INDEX IF NOT EXISTS events_trashed ON events(trashed);
CREATE INDEX IF NOT EXISTS events_created ON events(created);
CREATE INDEX IF NOT EXISTS events_createdBy ON events(createdBy);
CREATE INDEX IF NOT EXISTS events_modified ON events(modified);
CREATE INDEX IF NOT EXISTS events_modifiedBy ON events(modifiedBy);
CREATE INDEX IF NOT EXISTS events_headId ON events(headId);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	eventid UNINDEXED,
	streamIds,
	content='events',
	content_rowid='rowid',
	tokenize="unicode61 tokenchars '-_:.'"
);
CREATE VIRTUAL TABLE IF NOT EXISTS events_fts_v USING fts5vocab(events_fts, 'row');

CREATE TRIGGER IF NOT EXISTS events_fts_insert AFTER INSERT ON events BEGIN
	INSERT INTO events_fts(rowid, eventid, streamIds)
	VALUES (new.rowid, new.eventid, new.streamIds);
END;
CREATE TRIGGER IF NOT EXISTS events_fts_delete AFTER DELETE ON events BEGIN
	INSERT INTO events_fts(events_fts, rowid, eventid, streamIds)
	VALUES ('delete', old.rowid, old.eventid, old.streamIds);
END;
CREATE TRIGGER IF NOT EXISTS events_fts_update AFTER UPDATE ON events BEGIN
	INSERT INTO events_fts(events_fts, rowid, eventid, streamIds)
	VALUES ('delete', old.rowid, old.eventid, old.streamIds);
	INSERT INTO events_fts(rowid, eventid, streamIds)
	VALUES (new.rowid, new.eventid, new.streamIds);
END;

CREATE TABLE IF NOT EXISTS streams (
	streamid TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	parentId TEXT,
	clientData TEXT,
	trashed INTEGER NOT NULL DEFAULT 0,
	created REAL,
	createdBy TEXT,
	modified REAL,
	modifiedBy TEXT
);
CREATE INDEX IF NOT EXISTS streams_parentId ON streams(parentId);

CREATE TABLE IF NOT EXISTS accesses (
	accessid TEXT UNIQUE NOT NULL,
	token TEXT,
	type TEXT NOT NULL,
	name TEXT,
	deviceName TEXT,
	permissions TEXT,
	calls TEXT,
	created REAL,
	createdBy TEXT,
	modified REAL,
	modifiedBy TEXT,
	expires REAL,
	deleted REAL,
	integrity TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS accesses_token ON accesses(token)
	WHERE token IS NOT NULL AND deleted IS NULL;
CREATE INDEX IF NOT EXISTS accesses_name ON accesses(name, type, deviceName);
`
