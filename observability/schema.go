package observability

import "database/sql"

// Schema is the DDL of the pipeline metric and operator audit tables. It
// can share the application database or live in its own file.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_metrics (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name   TEXT NOT NULL,
    connection_id TEXT NOT NULL DEFAULT '',
    value         REAL NOT NULL,
    unit          TEXT NOT NULL DEFAULT 'count',
    window_start  INTEGER NOT NULL,
    window_end    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_metrics_name_time
    ON pipeline_metrics(metric_name, window_end DESC);
CREATE INDEX IF NOT EXISTS idx_pipeline_metrics_conn
    ON pipeline_metrics(connection_id, metric_name);

CREATE TABLE IF NOT EXISTS operator_audit (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    actor         TEXT NOT NULL DEFAULT '',
    transport     TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    connection_id TEXT NOT NULL DEFAULT '',
    entity_id     TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_operator_audit_conn ON operator_audit(connection_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_operator_audit_action ON operator_audit(action, timestamp DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
