package recordstore

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    repo_url TEXT NOT NULL,
    project_name TEXT NOT NULL,
    title TEXT NOT NULL,
    category TEXT,
    priority TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER NOT NULL DEFAULT 0,
    code_generation TEXT,
    pull_request TEXT,
    deployment TEXT,
    validation_results TEXT,
    metrics TEXT,
    failure TEXT,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    duration_ns INTEGER NOT NULL DEFAULT 0,
    batch_id TEXT,
    batch_order INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_repo_url ON records(repo_url);
CREATE INDEX IF NOT EXISTS idx_records_batch_id ON records(batch_id);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);

CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id TEXT NOT NULL REFERENCES records(id),
    timestamp TEXT NOT NULL,
    level TEXT,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_logs_record_id ON logs(record_id);

CREATE TABLE IF NOT EXISTS deployments (
    key TEXT PRIMARY KEY,
    repo_url TEXT NOT NULL,
    branch TEXT NOT NULL,
    project_name TEXT NOT NULL,
    url TEXT,
    deployment_id TEXT,
    status TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deployments_repo_branch ON deployments(repo_url, branch);
`
