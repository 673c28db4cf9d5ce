// Package company defines the data exchanged between the dashboard server and
// its viewers: tasks, agents, departments, aggregate stats, company settings
// and the status of the locally installed agent CLIs.
package company

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TaskStatus is the workflow position of a task.
type TaskStatus string

const (
	TaskInbox      TaskStatus = "inbox"
	TaskPlanned    TaskStatus = "planned"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// AgentStatus is what an agent is doing right now.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBreak   AgentStatus = "break"
	AgentOffline AgentStatus = "offline"
)

// Providers lists the agent CLIs the dashboard knows how to probe.
var Providers = []string{"claude", "codex", "gemini", "opencode", "copilot", "antigravity"}

// XPPerTask is credited to an agent for every completed task.
const XPPerTask = 10

// Department groups agents and tasks.
type Department struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	NameKo    string `json:"name_ko,omitempty"`
	Icon      string `json:"icon,omitempty"`
	Color     string `json:"color,omitempty"`
	SortOrder int    `json:"sort_order"`
}

// Agent is one AI worker of the company.
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	NameKo         string      `json:"name_ko,omitempty"`
	DepartmentID   string      `json:"department_id,omitempty"`
	Department     *Department `json:"department,omitempty"`
	Role           string      `json:"role,omitempty"`
	CLIProvider    string      `json:"cli_provider,omitempty"`
	AvatarEmoji    string      `json:"avatar_emoji,omitempty"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	StatsTasksDone int         `json:"stats_tasks_done"`
	StatsXP        int         `json:"stats_xp"`
	CreatedAt      int64       `json:"created_at"`
}

// Task is a unit of work. Timestamps are Unix milliseconds.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	DepartmentID    string     `json:"department_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	AssignedAgent   *Agent     `json:"assigned_agent,omitempty"`
	Status          TaskStatus `json:"status"`
	Priority        int        `json:"priority"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
	CompletedAt     *int64     `json:"completed_at,omitempty"`
}

// TaskCounts summarizes tasks by status.
type TaskCounts struct {
	Total          int `json:"total"`
	Done           int `json:"done"`
	InProgress     int `json:"in_progress"`
	CompletionRate int `json:"completion_rate"`
}

// AgentCounts summarizes agents by activity.
type AgentCounts struct {
	Total   int `json:"total"`
	Working int `json:"working"`
}

// DepartmentStats is the per-department task breakdown.
type DepartmentStats struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Icon       string `json:"icon,omitempty"`
	TotalTasks int    `json:"total_tasks"`
	DoneTasks  int    `json:"done_tasks"`
}

// TopAgent is an entry of the XP leaderboard.
type TopAgent struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AvatarEmoji    string `json:"avatar_emoji,omitempty"`
	StatsTasksDone int    `json:"stats_tasks_done"`
	StatsXP        int    `json:"stats_xp"`
}

// Stats is the company overview shown on the dashboard.
type Stats struct {
	Tasks             TaskCounts        `json:"tasks"`
	Agents            AgentCounts       `json:"agents"`
	TasksByDepartment []DepartmentStats `json:"tasks_by_department"`
	TopAgents         []TopAgent        `json:"top_agents"`
}

// Settings are the company-wide preferences edited in the settings panel.
type Settings struct {
	CompanyName     string `json:"companyName" yaml:"company_name" validate:"required,max=80"`
	CEOName         string `json:"ceoName" yaml:"ceo_name" validate:"required,max=80"`
	AutoAssign      bool   `json:"autoAssign" yaml:"auto_assign"`
	DefaultProvider string `json:"defaultProvider" yaml:"default_provider" validate:"required,oneof=claude codex gemini opencode copilot antigravity"`
	Language        string `json:"language" yaml:"language" validate:"required,oneof=ko en"`
}

// DefaultSettings is used until the company is configured.
func DefaultSettings() Settings {
	return Settings{
		CompanyName:     "Agent Company",
		CEOName:         "CEO",
		AutoAssign:      true,
		DefaultProvider: "claude",
		Language:        "en",
	}
}

// CLIToolStatus is the probe result for one provider CLI.
type CLIToolStatus struct {
	Installed     bool   `json:"installed"`
	Version       string `json:"version,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// CLIStatus maps provider name to its probe result.
type CLIStatus map[string]CLIToolStatus

// Installed returns the providers that were found, in probe order.
func (s CLIStatus) Installed() []string {
	var out []string
	for _, p := range Providers {
		if s[p].Installed {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns an independent copy of s.
func (s CLIStatus) Clone() CLIStatus {
	if s == nil {
		return nil
	}
	out := make(CLIStatus, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether s and other hold the same probe results.
func (s CLIStatus) Equal(other CLIStatus) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if w, ok := other[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskInbox, TaskPlanned, TaskInProgress, TaskReview, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentBreak, AgentOffline:
		return true
	}
	return false
}

// CompletionRate returns done/total as a whole percentage, 0 for no tasks.
func CompletionRate(done, total int) int {
	if total <= 0 {
		return 0
	}
	return (done*100 + total/2) / total
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("task_status", func(fl validator.FieldLevel) bool {
		return TaskStatus(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("agent_status", func(fl validator.FieldLevel) bool {
		return AgentStatus(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks a struct carrying `validate` tags, including the
// task_status and agent_status rules. Field failures are flattened into one
// readable error.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Validate checks the settings fields.
func (s Settings) Validate() error {
	return Validate(s)
}
