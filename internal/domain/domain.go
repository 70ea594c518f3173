package domain

import (
	"regexp"
	"strings"
)

// Backlog is the bucket name for items without a sprint.
const Backlog = "backlog"

type ItemType string

const (
	TypeStory   ItemType = "story"
	TypeBug     ItemType = "bug"
	TypeTask    ItemType = "task"
	TypeEpic    ItemType = "epic"
	TypeSubtask ItemType = "subtask"
)

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,39}$`)

// IsValid accepts the built-in types and any lowercase custom identifier.
func (t ItemType) IsValid() bool {
	return identPattern.MatchString(string(t))
}

type ItemStatus string

const (
	StatusTodo       ItemStatus = "todo"
	StatusInProgress ItemStatus = "in_progress"
	StatusInReview   ItemStatus = "in_review"
	StatusDone       ItemStatus = "done"
)

// CustomPrefix marks references to project defined workflow columns and priorities.
const CustomPrefix = "custom:"

func (s ItemStatus) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone:
		return true
	}
	return isCustomRef(string(s))
}

type Priority string

const (
	PriorityLowest  Priority = "lowest"
	PriorityLow     Priority = "low"
	PriorityMedium  Priority = "medium"
	PriorityHigh    Priority = "high"
	PriorityHighest Priority = "highest"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLowest, PriorityLow, PriorityMedium, PriorityHigh, PriorityHighest:
		return true
	}
	return isCustomRef(string(p))
}

func isCustomRef(v string) bool {
	if !strings.HasPrefix(v, CustomPrefix) {
		return false
	}
	name := strings.TrimPrefix(v, CustomPrefix)
	return name != "" && len(name) <= 64 && strings.TrimSpace(name) == name
}

type SprintStatus string

const (
	SprintPlanned   SprintStatus = "planned"
	SprintActive    SprintStatus = "active"
	SprintCompleted SprintStatus = "completed"
	SprintCancelled SprintStatus = "cancelled"
)

func (s SprintStatus) IsValid() bool {
	switch s {
	case SprintPlanned, SprintActive, SprintCompleted, SprintCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may leave the status.
func (s SprintStatus) IsTerminal() bool {
	return s == SprintCompleted || s == SprintCancelled
}

type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID               string     `json:"id"`
	Key              string     `json:"key"`
	WorkspaceID      string     `json:"workspace_id"`
	ProjectID        string     `json:"project_id"`
	Type             ItemType   `json:"type"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           ItemStatus `json:"status"`
	Priority         Priority   `json:"priority"`
	SprintID         *string    `json:"sprint_id"`
	EpicID           *string    `json:"epic_id,omitempty"`
	ParentID         *string    `json:"parent_id,omitempty"`
	Position         int64      `json:"position"`
	AssigneeIDs      []string   `json:"assignee_ids"`
	ReporterID       string     `json:"reporter_id,omitempty"`
	StoryPoints      *float64   `json:"story_points,omitempty"`
	StartDate        *string    `json:"start_date,omitempty" format:"date"`
	DueDate          *string    `json:"due_date,omitempty" format:"date"`
	EstimatedMinutes *int       `json:"estimated_minutes,omitempty"`
	RemainingMinutes *int       `json:"remaining_minutes,omitempty"`
	SpentMinutes     *int       `json:"spent_minutes,omitempty"`
	Labels           []string   `json:"labels"`
	Flagged          bool       `json:"flagged"`
	CreatedAt        string     `json:"created_at" format:"date-time"`
	UpdatedAt        string     `json:"updated_at" format:"date-time"`
}

// Bucket returns the ordering bucket the item belongs to.
func (w WorkItem) Bucket() string {
	return BucketFor(w.SprintID)
}

func BucketFor(sprintID *string) string {
	if sprintID == nil || *sprintID == "" {
		return Backlog
	}
	return *sprintID
}

type Sprint struct {
	ID              string       `json:"id"`
	WorkspaceID     string       `json:"workspace_id"`
	ProjectID       string       `json:"project_id"`
	Name            string       `json:"name"`
	Status          SprintStatus `json:"status"`
	Goal            string       `json:"goal,omitempty"`
	StartDate       *string      `json:"start_date,omitempty" format:"date"`
	EndDate         *string      `json:"end_date,omitempty" format:"date"`
	Position        int64        `json:"position"`
	TotalPoints     float64      `json:"total_points"`
	CompletedPoints float64      `json:"completed_points"`
	StartedAt       *string      `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string      `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
}

type AuditEntry struct {
	ID          int64  `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Action      string `json:"action"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	Metadata    string `json:"metadata_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WorkspaceMember struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	IsAdmin     bool   `json:"is_admin"`
}

type ProjectMember struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
