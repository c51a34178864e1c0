package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_trends (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    source       TEXT NOT NULL CHECK (source IN ('trend', 'forum', 'video')),
    label        TEXT NOT NULL DEFAULT '',
    platform     TEXT NOT NULL DEFAULT '',
    metrics_json TEXT NOT NULL DEFAULT '{}',
    batch_id     TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_trends_source ON workflow_trends(source, id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflow_trends (
    id           BIGSERIAL PRIMARY KEY,
    source       TEXT NOT NULL CHECK (source IN ('trend', 'forum', 'video')),
    label        TEXT NOT NULL DEFAULT '',
    platform     TEXT NOT NULL DEFAULT '',
    metrics_json TEXT NOT NULL DEFAULT '{}',
    batch_id     TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_trends_source ON workflow_trends(source, id);
`
