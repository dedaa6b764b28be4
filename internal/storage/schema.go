package storage

const schema = `
-- The 'topics' table stores each learning topic and its scheduling state.
CREATE TABLE IF NOT EXISTS topics (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    name_lower TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    stability REAL NOT NULL DEFAULT 0,
    difficulty REAL NOT NULL DEFAULT 0,
    last_reviewed_at DATETIME,
    next_review_at DATETIME,
    question_bank_ref TEXT NOT NULL DEFAULT '',

    UNIQUE(owner_id, name_lower)
);

CREATE INDEX IF NOT EXISTS idx_topics_due ON topics(owner_id, next_review_at);

-- The 'reviews' table is the append-only review log. The request id is the
-- primary key so a retried review application is detectable.
CREATE TABLE IF NOT EXISTS reviews (
    request_id TEXT PRIMARY KEY,
    topic_id TEXT NOT NULL,
    grade INTEGER NOT NULL,
    answered_at DATETIME NOT NULL,

    FOREIGN KEY(topic_id) REFERENCES topics(id)
);

-- The 'sessions' table stores learning sessions; topic ids are kept as a
-- comma-joined list since sessions reference topics by id only.
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    token TEXT NOT NULL UNIQUE,
    owner_id TEXT NOT NULL,
    state TEXT NOT NULL,
    topic_ids TEXT NOT NULL DEFAULT '',
    current_topic INTEGER NOT NULL DEFAULT 0,
    current_question INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    ended_at DATETIME
);

-- The 'session_messages' table is the append-only interaction log.
CREATE TABLE IF NOT EXISTS session_messages (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    author TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at DATETIME NOT NULL,

    PRIMARY KEY(session_id, seq),
    FOREIGN KEY(session_id) REFERENCES sessions(id)
);
`
