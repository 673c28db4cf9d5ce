package dashboard

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// InitDatabase opens the database at path, creating the file, its directory
// and the tables when missing.
func InitDatabase(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS departments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_ko TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_ko TEXT NOT NULL DEFAULT '',
		department_id TEXT,
		role TEXT NOT NULL DEFAULT '',
		cli_provider TEXT NOT NULL DEFAULT '',
		avatar_emoji TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		current_task_id TEXT,
		stats_tasks_done INTEGER NOT NULL DEFAULT 0,
		stats_xp INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (department_id) REFERENCES departments(id)
	);

	CREATE INDEX IF NOT EXISTS idx_agents_department ON agents(department_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		department_id TEXT,
		assigned_agent_id TEXT,
		status TEXT NOT NULL DEFAULT 'inbox',
		priority INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,
		FOREIGN KEY (department_id) REFERENCES departments(id),
		FOREIGN KEY (assigned_agent_id) REFERENCES agents(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

type seedAgent struct {
	id, name, nameKo, dept, role, provider, avatar string
}

var (
	seedDepartments = []struct {
		id, name, nameKo, icon, color string
	}{
		{"planning", "Planning", "기획팀", "📋", "blue"},
		{"development", "Development", "개발팀", "💻", "emerald"},
		{"design", "Design", "디자인팀", "🎨", "pink"},
		{"qa", "QA", "품질관리팀", "🔍", "amber"},
		{"devsecops", "DevSecOps", "인프라보안팀", "🛡️", "red"},
		{"operations", "Operations", "운영팀", "⚙️", "slate"},
	}

	seedAgents = []seedAgent{
		{"agent-sage", "Sage", "세이지", "planning", "team_leader", "claude", "🦉"},
		{"agent-bolt", "Bolt", "볼트", "development", "senior", "codex", "⚡"},
		{"agent-pixel", "Pixel", "픽셀", "design", "junior", "gemini", "🎨"},
		{"agent-probe", "Probe", "프로브", "qa", "senior", "claude", "🔬"},
		{"agent-vault", "Vault", "볼트", "devsecops", "team_leader", "opencode", "🔐"},
		{"agent-atlas", "Atlas", "아틀라스", "operations", "junior", "copilot", "🗺️"},
	}
)

// Seed fills an empty database with the default departments and agents.
// It returns without changes when any department exists.
func Seed(db *sql.DB, now time.Time) (bool, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM departments`).Scan(&count); err != nil {
		return false, fmt.Errorf("count departments: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	for i, d := range seedDepartments {
		if _, err := tx.Exec(
			`INSERT INTO departments (id, name, name_ko, icon, color, sort_order) VALUES (?, ?, ?, ?, ?, ?)`,
			d.id, d.name, d.nameKo, d.icon, d.color, i+1,
		); err != nil {
			return false, fmt.Errorf("seed department %s: %w", d.id, err)
		}
	}

	for _, a := range seedAgents {
		if _, err := tx.Exec(`
			INSERT INTO agents (id, name, name_ko, department_id, role, cli_provider, avatar_emoji, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'idle', ?)
		`, a.id, a.name, a.nameKo, a.dept, a.role, a.provider, a.avatar, now.UnixMilli()); err != nil {
			return false, fmt.Errorf("seed agent %s: %w", a.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
