package pgremote

// schemaSQL provisions the tables the sync engine writes to. The notify
// trigger sends only the record key and timestamp; listeners fetch the
// snapshot itself so payloads stay under the NOTIFY size limit.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS app_snapshots (
	user_id    text        NOT NULL,
	app_key    text        NOT NULL,
	version    text        NOT NULL DEFAULT '',
	snapshot   jsonb       NOT NULL DEFAULT 'null'::jsonb,
	updated_at timestamptz NOT NULL DEFAULT clock_timestamp(),
	PRIMARY KEY (user_id, app_key)
);

CREATE TABLE IF NOT EXISTS task_rows (
	user_id    text        NOT NULL,
	task_id    text        NOT NULL,
	title      text        NOT NULL DEFAULT '',
	completed  boolean     NOT NULL DEFAULT false,
	due_at     timestamptz,
	updated_at timestamptz,
	UNIQUE (user_id, task_id)
);

CREATE TABLE IF NOT EXISTS note_rows (
	user_id    text        NOT NULL,
	note_id    text        NOT NULL,
	title      text        NOT NULL DEFAULT '',
	pinned     boolean     NOT NULL DEFAULT false,
	updated_at timestamptz,
	UNIQUE (user_id, note_id)
);

CREATE OR REPLACE FUNCTION gravity_notify_snapshot_change() RETURNS trigger AS $$
DECLARE
	affected app_snapshots;
BEGIN
	IF TG_OP = 'DELETE' THEN
		affected := OLD;
	ELSE
		affected := NEW;
	END IF;
	PERFORM pg_notify('gravity_snapshot_changes', json_build_object(
		'type', TG_OP,
		'user_id', affected.user_id,
		'app_key', affected.app_key,
		'updated_at', affected.updated_at
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS gravity_snapshot_changes ON app_snapshots;
CREATE TRIGGER gravity_snapshot_changes
	AFTER INSERT OR UPDATE OR DELETE ON app_snapshots
	FOR EACH ROW EXECUTE FUNCTION gravity_notify_snapshot_change();
`
