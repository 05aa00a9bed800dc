package sqlite

import "github.com/danielalanbates/github-helper/internal/storage/migrations"

// schema is the base layout every database starts from. Later tables and
// columns arrive through migrations so existing databases pick them up.
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    github_id INTEGER UNIQUE,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    full_name TEXT UNIQUE,
    url TEXT,
    stars INTEGER DEFAULT 0,
    description TEXT,
    topics TEXT DEFAULT '[]',
    language TEXT,
    combined_score REAL DEFAULT 0,
    pushed_at TIMESTAMP,
    last_scanned TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS issues (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    github_id INTEGER UNIQUE,
    repo_id INTEGER REFERENCES repositories(id),
    number INTEGER,
    title TEXT,
    body TEXT,
    labels TEXT DEFAULT '[]',
    state TEXT DEFAULT 'open',
    created_at TIMESTAMP,
    updated_at TIMESTAMP,
    difficulty_score REAL DEFAULT 0,
    priority_score REAL DEFAULT 0,
    is_assigned BOOLEAN DEFAULT 0,
    UNIQUE(repo_id, number)
);

CREATE TABLE IF NOT EXISTS contributions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_id INTEGER REFERENCES issues(id),
    repo_id INTEGER REFERENCES repositories(id),
    action TEXT,
    pr_url TEXT,
    pr_number INTEGER,
    status TEXT DEFAULT 'pending',
    details TEXT DEFAULT '{}',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_repos_combined_score ON repositories(combined_score DESC);
CREATE INDEX IF NOT EXISTS idx_repos_full_name ON repositories(full_name);
CREATE INDEX IF NOT EXISTS idx_issues_repo_id ON issues(repo_id);
CREATE INDEX IF NOT EXISTS idx_issues_priority ON issues(priority_score DESC);
CREATE INDEX IF NOT EXISTS idx_issues_state ON issues(state);
CREATE INDEX IF NOT EXISTS idx_contributions_status ON contributions(status);
`

// schemaMigrations is the ordered evolution of the base schema. Versions are
// permanent: never renumber or edit an applied migration, append a new one.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "Create agent_runs table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS agent_runs (
				id TEXT PRIMARY KEY,
				issue_id INTEGER REFERENCES issues(id),
				repo_id INTEGER REFERENCES repositories(id),
				model TEXT NOT NULL,
				effort TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'starting'
					CHECK(status IN ('starting','cloning','fixing','pushing',
					                 'pr_created','failed','escalated','skipped')),
				work_dir TEXT,
				started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				finished_at TIMESTAMP,
				cost_usd REAL DEFAULT 0,
				pr_url TEXT,
				error TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_issue ON agent_runs(issue_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status)`,
		},
	},
	{
		Version:     2,
		Description: "Create issue_claims table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS issue_claims (
				issue_id INTEGER PRIMARY KEY,
				agent_id TEXT NOT NULL,
				claimed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				expires_at TIMESTAMP NOT NULL,
				status TEXT NOT NULL DEFAULT 'active'
					CHECK(status IN ('active','completed','released','expired'))
			)`,
		},
	},
	{
		Version:     3,
		Description: "Create repo_blacklist table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS repo_blacklist (
				repo_id INTEGER REFERENCES repositories(id),
				full_name TEXT UNIQUE NOT NULL,
				reason TEXT NOT NULL,
				details TEXT DEFAULT '{}',
				blacklisted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				forgiven_at TIMESTAMP
			)`,
		},
	},
	{
		Version:     4,
		Description: "Create sponsors table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS sponsors (
				github_username TEXT PRIMARY KEY,
				repo_full_name TEXT,
				detected_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				source TEXT CHECK(source IN ('comment','mention','email')),
				details TEXT DEFAULT '{}'
			)`,
		},
	},
	{
		Version:     5,
		Description: "Create rate_limit_state table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS rate_limit_state (
				resource TEXT PRIMARY KEY,
				requests_made INTEGER DEFAULT 0,
				window_start TIMESTAMP,
				limit_per_window INTEGER NOT NULL
			)`,
			`INSERT OR IGNORE INTO rate_limit_state (resource, requests_made, window_start, limit_per_window)
				VALUES ('github_api', 0, CURRENT_TIMESTAMP, 5000)`,
			`INSERT OR IGNORE INTO rate_limit_state (resource, requests_made, window_start, limit_per_window)
				VALUES ('github_search', 0, CURRENT_TIMESTAMP, 30)`,
		},
	},
	{
		Version:     6,
		Description: "Add agent_id, model_used, cost_usd, feedback_status to contributions",
		Up: []string{
			`ALTER TABLE contributions ADD COLUMN agent_id TEXT`,
			`ALTER TABLE contributions ADD COLUMN model_used TEXT`,
			`ALTER TABLE contributions ADD COLUMN cost_usd REAL DEFAULT 0`,
			`ALTER TABLE contributions ADD COLUMN feedback_status TEXT`,
		},
	},
	{
		Version:     7,
		Description: "Add anthropic_api rate limit row",
		Up: []string{
			`INSERT OR IGNORE INTO rate_limit_state (resource, requests_made, window_start, limit_per_window)
				VALUES ('anthropic_api', 0, CURRENT_TIMESTAMP, 40)`,
		},
	},
	{
		Version:     8,
		Description: "Create repo_strikes table for loyalty/strike tracking",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS repo_strikes (
				repo_id INTEGER PRIMARY KEY REFERENCES repositories(id),
				full_name TEXT UNIQUE NOT NULL,
				strikes INTEGER DEFAULT 0,
				merges INTEGER DEFAULT 0,
				last_pr_at TIMESTAMP,
				last_merge_at TIMESTAMP,
				last_rejection_at TIMESTAMP,
				cooldown_until TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_repo_strikes_cooldown ON repo_strikes(cooldown_until)`,
		},
	},
	{
		Version:     9,
		Description: "Add repository tags",
		Up: []string{
			`ALTER TABLE repositories ADD COLUMN tags TEXT DEFAULT '[]'`,
		},
	},
	{
		Version:     10,
		Description: "Add feedback revision columns to contributions",
		Up: []string{
			`ALTER TABLE contributions ADD COLUMN feedback_text TEXT`,
			`ALTER TABLE contributions ADD COLUMN feedback_reviewer TEXT`,
			`ALTER TABLE contributions ADD COLUMN mandatory_model TEXT`,
		},
	},
	{
		Version:     11,
		Description: "Create coord_documents table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS coord_documents (
				name TEXT PRIMARY KEY,
				body BLOB NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		Version:     12,
		Description: "Index claims and runs for status surfaces",
		Up: []string{
			`CREATE INDEX IF NOT EXISTS idx_issue_claims_status ON issue_claims(status, expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_model ON agent_runs(issue_id, model)`,
		},
	},
}

// newMigrationManager returns a manager loaded with every schema migration
func newMigrationManager() *migrations.Manager {
	m := migrations.NewManager()
	for _, mig := range schemaMigrations {
		m.Register(mig)
	}
	return m
}
