// CLAUDE:SUMMARY The complete groundkeeper SQL schema: connections, discovery queue, pages, extraction queue, documents, suggestions, knowledge, usage, drift.
package store

// Schema is applied once at startup. Every statement is idempotent.
const Schema = `
-- Connections: one tenant website plus its live behavior profile and gate state
CREATE TABLE IF NOT EXISTS connections (
    id                     TEXT PRIMARY KEY,
    website_url            TEXT NOT NULL,
    tone                   TEXT NOT NULL DEFAULT 'professional',
    sales_intensity        INTEGER NOT NULL DEFAULT 5,
    response_length        TEXT NOT NULL DEFAULT 'medium',
    empathy_level          INTEGER NOT NULL DEFAULT 5,
    compliance_strictness  INTEGER NOT NULL DEFAULT 5,
    health_score           REAL NOT NULL DEFAULT 100,
    drift_count            INTEGER NOT NULL DEFAULT 0,
    confidence_gate_status TEXT NOT NULL DEFAULT 'ACTIVE',
    low_confidence_streak  INTEGER NOT NULL DEFAULT 0,
    gate_reset_at          INTEGER NOT NULL DEFAULT 0,
    onboarding_step        INTEGER NOT NULL DEFAULT 0,
    state_locked_by        TEXT,
    state_locked_at        INTEGER,
    created_at             INTEGER NOT NULL,
    updated_at             INTEGER NOT NULL
);

-- Candidate URLs per connection
CREATE TABLE IF NOT EXISTS connection_discoveries (
    id            TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    url           TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'DISCOVERED',
    source_type   TEXT NOT NULL DEFAULT 'MANUAL',
    error_message TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    UNIQUE(connection_id, url)
);
CREATE INDEX IF NOT EXISTS idx_discoveries_status ON connection_discoveries(connection_id, status);

-- Fetch results
CREATE TABLE IF NOT EXISTS page_contents (
    id            TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    discovery_id  TEXT NOT NULL REFERENCES connection_discoveries(id) ON DELETE CASCADE,
    url           TEXT NOT NULL,
    status        TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    text          TEXT NOT NULL DEFAULT '',
    word_count    INTEGER NOT NULL DEFAULT 0,
    content_hash  TEXT NOT NULL DEFAULT '',
    duplicate_of  TEXT,
    error_message TEXT NOT NULL DEFAULT '',
    fetched_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_hash ON page_contents(connection_id, content_hash)
    WHERE status = 'FETCHED' AND duplicate_of IS NULL;
CREATE INDEX IF NOT EXISTS idx_pages_discovery ON page_contents(discovery_id);

-- Extraction work queue
CREATE TABLE IF NOT EXISTS pending_extractions (
    id             TEXT PRIMARY KEY,
    connection_id  TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    source_id      TEXT NOT NULL,
    source_type    TEXT NOT NULL DEFAULT 'AUTO',
    content_type   TEXT NOT NULL,
    extractor_type TEXT NOT NULL,
    payload        TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'PENDING',
    claimed_by     TEXT,
    claimed_at     INTEGER,
    error_message  TEXT NOT NULL DEFAULT '',
    attempts       INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_extractions_active ON pending_extractions(source_id, extractor_type)
    WHERE status IN ('PENDING', 'PROCESSING');
CREATE INDEX IF NOT EXISTS idx_extractions_status ON pending_extractions(status, created_at);

-- Uploaded behavior documents
CREATE TABLE IF NOT EXISTS behavior_documents (
    id                        TEXT PRIMARY KEY,
    connection_id             TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    filename                  TEXT NOT NULL,
    mime_type                 TEXT NOT NULL DEFAULT '',
    size_bytes                INTEGER NOT NULL DEFAULT 0,
    sha256                    TEXT NOT NULL DEFAULT '',
    text                      TEXT NOT NULL DEFAULT '',
    classification            TEXT NOT NULL DEFAULT 'UNKNOWN',
    classification_confidence REAL NOT NULL DEFAULT 0,
    signals                   TEXT NOT NULL DEFAULT '{}',
    processing_status         TEXT NOT NULL DEFAULT 'PENDING',
    error_message             TEXT NOT NULL DEFAULT '',
    created_at                INTEGER NOT NULL,
    updated_at                INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_connection ON behavior_documents(connection_id, created_at DESC);

-- Profile changes awaiting review
CREATE TABLE IF NOT EXISTS behavior_suggestions (
    id                    TEXT PRIMARY KEY,
    connection_id         TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    document_id           TEXT NOT NULL REFERENCES behavior_documents(id) ON DELETE CASCADE,
    tone                  TEXT NOT NULL,
    sales_intensity       INTEGER NOT NULL,
    response_length       TEXT NOT NULL,
    empathy_level         INTEGER NOT NULL,
    compliance_strictness INTEGER NOT NULL,
    reasoning             TEXT NOT NULL DEFAULT '',
    confidence_score      REAL NOT NULL,
    diff                  TEXT NOT NULL DEFAULT '{}',
    status                TEXT NOT NULL DEFAULT 'PENDING',
    reviewer_id           TEXT NOT NULL DEFAULT '',
    reviewed_at           INTEGER,
    review_notes          TEXT NOT NULL DEFAULT '',
    auto_applied          INTEGER NOT NULL DEFAULT 0,
    created_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suggestions_connection ON behavior_suggestions(connection_id, status, created_at DESC);

-- Embedded knowledge fragments
CREATE TABLE IF NOT EXISTS connection_knowledge (
    id            TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    source_id     TEXT NOT NULL,
    extraction_id TEXT NOT NULL DEFAULT '',
    label         TEXT NOT NULL DEFAULT '',
    content       TEXT NOT NULL,
    content_hash  TEXT NOT NULL,
    embedding     BLOB NOT NULL,
    dims          INTEGER NOT NULL,
    norm          REAL NOT NULL,
    superseded_at INTEGER,
    created_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_hash ON connection_knowledge(connection_id, content_hash)
    WHERE superseded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_knowledge_source ON connection_knowledge(connection_id, source_id);

-- Every source that currently states a fragment; source_id above is the first one
CREATE TABLE IF NOT EXISTS knowledge_sources (
    knowledge_id  TEXT NOT NULL REFERENCES connection_knowledge(id) ON DELETE CASCADE,
    connection_id TEXT NOT NULL,
    source_id     TEXT NOT NULL,
    PRIMARY KEY (knowledge_id, source_id)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_sources_source ON knowledge_sources(connection_id, source_id);
INSERT OR IGNORE INTO knowledge_sources (knowledge_id, connection_id, source_id)
    SELECT id, connection_id, source_id FROM connection_knowledge k
    WHERE superseded_at IS NULL
      AND NOT EXISTS (SELECT 1 FROM knowledge_sources ks WHERE ks.knowledge_id = k.id);

-- Questions the assistant could not ground
CREATE TABLE IF NOT EXISTS missed_questions (
    id               TEXT PRIMARY KEY,
    connection_id    TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    question         TEXT NOT NULL,
    confidence_score REAL NOT NULL DEFAULT 0,
    context_used     TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'PENDING',
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_missed_connection ON missed_questions(connection_id, status, created_at DESC);

-- Capability usage, append-only
CREATE TABLE IF NOT EXISTS usage_logs (
    id                TEXT PRIMARY KEY,
    connection_id     TEXT NOT NULL DEFAULT '',
    operation         TEXT NOT NULL,
    model             TEXT NOT NULL DEFAULT '',
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    cost              REAL NOT NULL DEFAULT 0,
    latency_ms        INTEGER NOT NULL DEFAULT 0,
    error             TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_connection ON usage_logs(connection_id, created_at);

-- Material profile changes and low-confidence streaks
CREATE TABLE IF NOT EXISTS drift_events (
    id            TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    reason        TEXT NOT NULL,
    field         TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drift_connection ON drift_events(connection_id, created_at);
`
