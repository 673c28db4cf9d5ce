package dashboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/agentboard/internal/company"
)

// ErrNotFound is returned when a task or agent id does not exist.
var ErrNotFound = errors.New("not found")

// Store reads and writes company data in the dashboard database.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewStore wraps an initialized database.
func NewStore(db *sql.DB, clock clockwork.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// TaskInput is the body of a task creation request.
type TaskInput struct {
	Title           string `json:"title" validate:"required,max=200"`
	Description     string `json:"description" validate:"max=4000"`
	DepartmentID    string `json:"department_id"`
	AssignedAgentID string `json:"assigned_agent_id"`
	Priority        int    `json:"priority" validate:"min=0,max=5"`
}

// TaskUpdate is a partial task update; nil fields are left unchanged.
type TaskUpdate struct {
	Title           *string             `json:"title" validate:"omitempty,min=1,max=200"`
	Description     *string             `json:"description" validate:"omitempty,max=4000"`
	Status          *company.TaskStatus `json:"status" validate:"omitempty,task_status"`
	AssignedAgentID *string             `json:"assigned_agent_id"`
	Priority        *int                `json:"priority" validate:"omitempty,min=0,max=5"`
}

// AgentUpdate is a partial agent update; nil fields are left unchanged.
type AgentUpdate struct {
	Status        *company.AgentStatus `json:"status" validate:"omitempty,agent_status"`
	CurrentTaskID *string              `json:"current_task_id"`
	CLIProvider   *string              `json:"cli_provider" validate:"omitempty,oneof=claude codex gemini opencode copilot antigravity"`
}

// Departments returns all departments in display order.
func (s *Store) Departments(ctx context.Context) ([]company.Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, name_ko, icon, color, sort_order
		FROM departments ORDER BY sort_order, id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	depts := []company.Department{}
	for rows.Next() {
		var d company.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.NameKo, &d.Icon, &d.Color, &d.SortOrder); err != nil {
			return nil, err
		}
		depts = append(depts, d)
	}
	return depts, rows.Err()
}

const agentColumns = `
	a.id, a.name, a.name_ko, a.department_id, a.role, a.cli_provider, a.avatar_emoji,
	a.status, a.current_task_id, a.stats_tasks_done, a.stats_xp, a.created_at,
	d.id, d.name, d.name_ko, d.icon, d.color, d.sort_order`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (company.Agent, error) {
	var a company.Agent
	var deptID, currentTask sql.NullString
	var d struct {
		ID, Name, NameKo, Icon, Color sql.NullString
		SortOrder                     sql.NullInt64
	}
	err := row.Scan(&a.ID, &a.Name, &a.NameKo, &deptID, &a.Role, &a.CLIProvider, &a.AvatarEmoji,
		&a.Status, &currentTask, &a.StatsTasksDone, &a.StatsXP, &a.CreatedAt,
		&d.ID, &d.Name, &d.NameKo, &d.Icon, &d.Color, &d.SortOrder)
	if err != nil {
		return a, err
	}
	a.DepartmentID = deptID.String
	a.CurrentTaskID = currentTask.String
	if d.ID.Valid {
		a.Department = &company.Department{
			ID:        d.ID.String,
			Name:      d.Name.String,
			NameKo:    d.NameKo.String,
			Icon:      d.Icon.String,
			Color:     d.Color.String,
			SortOrder: int(d.SortOrder.Int64),
		}
	}
	return a, nil
}

// Agents returns all agents with their department.
func (s *Store) Agents(ctx context.Context) ([]company.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+`
		FROM agents a LEFT JOIN departments d ON d.id = a.department_id
		ORDER BY d.sort_order, a.name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	agents := []company.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Agent returns one agent.
func (s *Store) Agent(ctx context.Context, id string) (company.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+`
		FROM agents a LEFT JOIN departments d ON d.id = a.department_id
		WHERE a.id = ?
	`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// UpdateAgent applies u to the agent with the given id.
func (s *Store) UpdateAgent(ctx context.Context, id string, u AgentUpdate) (company.Agent, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			status = COALESCE(?, status),
			current_task_id = CASE WHEN ? THEN NULLIF(?, '') ELSE current_task_id END,
			cli_provider = COALESCE(?, cli_provider)
		WHERE id = ?
	`, nullString((*string)(u.Status)), u.CurrentTaskID != nil, deref(u.CurrentTaskID), nullString(u.CLIProvider), id)
	if err != nil {
		return company.Agent{}, fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return company.Agent{}, ErrNotFound
	}
	return s.Agent(ctx, id)
}

const taskColumns = `id, title, description, department_id, assigned_agent_id, status,
	priority, created_at, updated_at, completed_at`

func scanTask(row rowScanner) (company.Task, error) {
	var t company.Task
	var deptID, agentID sql.NullString
	var completedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &deptID, &agentID, &t.Status,
		&t.Priority, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.DepartmentID = deptID.String
	t.AssignedAgentID = agentID.String
	if completedAt.Valid {
		v := completedAt.Int64
		t.CompletedAt = &v
	}
	return t, nil
}

// Tasks returns all tasks, most recently updated first.
func (s *Store) Tasks(ctx context.Context) ([]company.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := []company.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Task returns one task.
func (s *Store) Task(ctx context.Context, id string) (company.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// CreateTask inserts a new inbox task.
func (s *Store) CreateTask(ctx context.Context, in TaskInput) (company.Task, error) {
	now := s.clock.Now().UnixMilli()
	t := company.Task{
		ID:              uuid.NewString(),
		Title:           in.Title,
		Description:     in.Description,
		DepartmentID:    in.DepartmentID,
		AssignedAgentID: in.AssignedAgentID,
		Status:          company.TaskInbox,
		Priority:        in.Priority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, department_id, assigned_agent_id, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, t.DepartmentID, t.AssignedAgentID, t.Status, t.Priority, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return company.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// UpdateTask applies u to the task with the given id. When the task moves
// into done, its assigned agent is credited and the agent's id is returned as
// credited; otherwise credited is empty.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) (task company.Task, credited string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return company.Task{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	task, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return company.Task{}, "", ErrNotFound
	}
	if err != nil {
		return company.Task{}, "", err
	}

	prev := task.Status
	if u.Title != nil {
		task.Title = *u.Title
	}
	if u.Description != nil {
		task.Description = *u.Description
	}
	if u.AssignedAgentID != nil {
		task.AssignedAgentID = *u.AssignedAgentID
	}
	if u.Priority != nil {
		task.Priority = *u.Priority
	}
	if u.Status != nil {
		task.Status = *u.Status
	}

	now := s.clock.Now().UnixMilli()
	task.UpdatedAt = now
	switch {
	case task.Status == company.TaskDone && prev != company.TaskDone:
		task.CompletedAt = &now
	case task.Status != company.TaskDone:
		task.CompletedAt = nil
	}

	var completedAt sql.NullInt64
	if task.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: *task.CompletedAt, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, assigned_agent_id = NULLIF(?, ''),
			status = ?, priority = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, task.Title, task.Description, task.AssignedAgentID, task.Status, task.Priority,
		task.UpdatedAt, completedAt, id); err != nil {
		return company.Task{}, "", fmt.Errorf("update task: %w", err)
	}

	if task.Status == company.TaskDone && prev != company.TaskDone && task.AssignedAgentID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET
				stats_tasks_done = stats_tasks_done + 1,
				stats_xp = stats_xp + ?,
				current_task_id = CASE WHEN current_task_id = ? THEN NULL ELSE current_task_id END
			WHERE id = ?
		`, company.XPPerTask, id, task.AssignedAgentID)
		if err != nil {
			return company.Task{}, "", fmt.Errorf("credit agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			credited = task.AssignedAgentID
		}
	}

	if err := tx.Commit(); err != nil {
		return company.Task{}, "", err
	}
	return task, credited, nil
}

// Stats aggregates the company overview.
func (s *Store) Stats(ctx context.Context) (company.Stats, error) {
	var st company.Stats

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0)
		FROM tasks
	`).Scan(&st.Tasks.Total, &st.Tasks.Done, &st.Tasks.InProgress)
	if err != nil {
		return st, fmt.Errorf("count tasks: %w", err)
	}
	st.Tasks.CompletionRate = company.CompletionRate(st.Tasks.Done, st.Tasks.Total)

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'working' THEN 1 ELSE 0 END), 0)
		FROM agents
	`).Scan(&st.Agents.Total, &st.Agents.Working)
	if err != nil {
		return st, fmt.Errorf("count agents: %w", err)
	}

	if st.TasksByDepartment, err = s.tasksByDepartment(ctx); err != nil {
		return st, err
	}
	if st.TopAgents, err = s.topAgents(ctx, 5); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Store) tasksByDepartment(ctx context.Context) ([]company.DepartmentStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.icon, COUNT(t.id),
			COALESCE(SUM(CASE WHEN t.status = 'done' THEN 1 ELSE 0 END), 0)
		FROM departments d LEFT JOIN tasks t ON t.department_id = d.id
		GROUP BY d.id
		ORDER BY d.sort_order, d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("tasks by department: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []company.DepartmentStats{}
	for rows.Next() {
		var d company.DepartmentStats
		if err := rows.Scan(&d.ID, &d.Name, &d.Icon, &d.TotalTasks, &d.DoneTasks); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) topAgents(ctx context.Context, limit int) ([]company.TopAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, avatar_emoji, stats_tasks_done, stats_xp
		FROM agents ORDER BY stats_xp DESC, name LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []company.TopAgent{}
	for rows.Next() {
		var a company.TopAgent
		if err := rows.Scan(&a.ID, &a.Name, &a.AvatarEmoji, &a.StatsTasksDone, &a.StatsXP); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Settings keys
const (
	keyCompanyName     = "companyName"
	keyCEOName         = "ceoName"
	keyAutoAssign      = "autoAssign"
	keyDefaultProvider = "defaultProvider"
	keyLanguage        = "language"
)

// Settings returns the stored settings layered over the defaults.
func (s *Store) Settings(ctx context.Context) (company.Settings, error) {
	out := company.DefaultSettings()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return out, fmt.Errorf("load settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return out, err
		}
		switch key {
		case keyCompanyName:
			out.CompanyName = value
		case keyCEOName:
			out.CEOName = value
		case keyAutoAssign:
			out.AutoAssign, _ = strconv.ParseBool(value)
		case keyDefaultProvider:
			out.DefaultProvider = value
		case keyLanguage:
			out.Language = value
		}
	}
	return out, rows.Err()
}

// SaveSettings replaces all settings.
func (s *Store) SaveSettings(ctx context.Context, in company.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	values := map[string]string{
		keyCompanyName:     in.CompanyName,
		keyCEOName:         in.CEOName,
		keyAutoAssign:      strconv.FormatBool(in.AutoAssign),
		keyDefaultProvider: in.DefaultProvider,
		keyLanguage:        in.Language,
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, v); err != nil {
			return fmt.Errorf("save setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
