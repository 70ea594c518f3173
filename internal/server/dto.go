package server

import (
	"trackline/internal/domain"
	"trackline/internal/engine"
)

// Request payloads

type CreateItemRequest struct {
	Type             string   `json:"type,omitempty" example:"story"`
	Title            string   `json:"title" minLength:"1"`
	Description      string   `json:"description,omitempty"`
	Status           string   `json:"status,omitempty" example:"todo"`
	Priority         string   `json:"priority,omitempty" example:"medium"`
	SprintID         *string  `json:"sprint_id,omitempty" nullable:"true"`
	EpicID           *string  `json:"epic_id,omitempty" nullable:"true"`
	ParentID         *string  `json:"parent_id,omitempty" nullable:"true"`
	Position         *int64   `json:"position,omitempty"`
	AssigneeIDs      []string `json:"assignee_ids,omitempty"`
	ReporterID       string   `json:"reporter_id,omitempty"`
	StoryPoints      *float64 `json:"story_points,omitempty" minimum:"0"`
	StartDate        string   `json:"start_date,omitempty" format:"date"`
	DueDate          string   `json:"due_date,omitempty" format:"date"`
	EstimatedMinutes *int     `json:"estimated_minutes,omitempty" minimum:"0"`
	RemainingMinutes *int     `json:"remaining_minutes,omitempty" minimum:"0"`
	SpentMinutes     *int     `json:"spent_minutes,omitempty" minimum:"0"`
	Labels           []string `json:"labels,omitempty"`
	Flagged          bool     `json:"flagged,omitempty"`
}

// UpdateItemRequest is a partial update. Sending null for a nullable field
// clears it; leaving the field out keeps the stored value.
type UpdateItemRequest struct {
	Type             *string   `json:"type,omitempty"`
	Title            *string   `json:"title,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Status           *string   `json:"status,omitempty"`
	Priority         *string   `json:"priority,omitempty"`
	SprintID         *string   `json:"sprint_id,omitempty" nullable:"true"`
	EpicID           *string   `json:"epic_id,omitempty" nullable:"true"`
	ParentID         *string   `json:"parent_id,omitempty" nullable:"true"`
	Position         *int64    `json:"position,omitempty"`
	AssigneeIDs      *[]string `json:"assignee_ids,omitempty"`
	StoryPoints      *float64  `json:"story_points,omitempty" nullable:"true"`
	StartDate        *string   `json:"start_date,omitempty" nullable:"true"`
	DueDate          *string   `json:"due_date,omitempty" nullable:"true"`
	EstimatedMinutes *int      `json:"estimated_minutes,omitempty" nullable:"true"`
	RemainingMinutes *int      `json:"remaining_minutes,omitempty" nullable:"true"`
	SpentMinutes     *int      `json:"spent_minutes,omitempty" nullable:"true"`
	Labels           *[]string `json:"labels,omitempty"`
	Flagged          *bool     `json:"flagged,omitempty"`
}

type SplitPartRequest struct {
	Title       string   `json:"title" minLength:"1"`
	Description string   `json:"description,omitempty"`
	StoryPoints *float64 `json:"story_points,omitempty" minimum:"0"`
}

type SplitItemRequest struct {
	Parts []SplitPartRequest `json:"parts" minItems:"2"`
}

type BulkMoveRequest struct {
	IDs []string `json:"ids" minItems:"1"`
	// Null or missing sends the items to the backlog.
	SprintID *string `json:"sprint_id,omitempty" nullable:"true"`
}

type BulkDeleteRequest struct {
	IDs []string `json:"ids" minItems:"1"`
}

type CreateSprintRequest struct {
	Name      string `json:"name" minLength:"1"`
	Goal      string `json:"goal,omitempty"`
	StartDate string `json:"start_date,omitempty" format:"date"`
	EndDate   string `json:"end_date,omitempty" format:"date"`
}

type UpdateSprintRequest struct {
	Name      *string `json:"name,omitempty"`
	Goal      *string `json:"goal,omitempty"`
	StartDate *string `json:"start_date,omitempty" nullable:"true"`
	EndDate   *string `json:"end_date,omitempty" nullable:"true"`
	Status    *string `json:"status,omitempty" enum:"planned,active,completed,cancelled"`
}

type CompleteSprintRequest struct {
	// Disposition is "backlog", another sprint id, or empty to leave
	// unfinished items in the completed sprint.
	Disposition string `json:"disposition,omitempty"`
}

// Response payloads

// dataBody wraps every successful payload.
type dataBody[T any] struct {
	Data T `json:"data"`
}

type dataOutput[T any] struct {
	Body dataBody[T]
}

func respond[T any](v T) *dataOutput[T] {
	return &dataOutput[T]{Body: dataBody[T]{Data: v}}
}

type ItemPage struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type DeleteItemResponse struct {
	ID          string   `json:"id"`
	CascadedIDs []string `json:"cascaded_ids"`
}

type DeleteSprintResponse struct {
	ID           string   `json:"id"`
	MovedItemIDs []string `json:"moved_item_ids"`
}

type SprintList struct {
	Items []domain.Sprint `json:"items"`
}

type AuditPage struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type BulkResponse = engine.BulkResult

type CompleteSprintResponse = engine.CompleteSprintResult

func nonNilItems(items []domain.WorkItem) []domain.WorkItem {
	if items == nil {
		return []domain.WorkItem{}
	}
	for i := range items {
		if items[i].AssigneeIDs == nil {
			items[i].AssigneeIDs = []string{}
		}
		if items[i].Labels == nil {
			items[i].Labels = []string{}
		}
	}
	return items
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
