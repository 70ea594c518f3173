package audit

// Metadata is the typed payload of an audit event. Each variant names the
// action it records.
type Metadata interface {
	Action() string
}

const (
	ActionItemCreated        = "item.created"
	ActionItemUpdated        = "item.updated"
	ActionItemDeleted        = "item.deleted"
	ActionItemMoved          = "item.moved"
	ActionItemSplit          = "item.split"
	ActionSprintCreated      = "sprint.created"
	ActionSprintUpdated      = "sprint.updated"
	ActionSprintTransitioned = "sprint.transitioned"
	ActionSprintCompleted    = "sprint.completed"
	ActionSprintDeleted      = "sprint.deleted"
	ActionProjectCreated     = "project.created"
)

type ItemCreated struct {
	Key      string  `json:"key"`
	Type     string  `json:"type"`
	Title    string  `json:"title"`
	SprintID *string `json:"sprint_id"`
	Position int64   `json:"position"`
}

func (ItemCreated) Action() string { return ActionItemCreated }

// FieldChange records one attribute change; values are rendered as JSON.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

type ItemUpdated struct {
	Key     string        `json:"key"`
	Changes []FieldChange `json:"changes"`
}

func (ItemUpdated) Action() string { return ActionItemUpdated }

type ItemDeleted struct {
	Key      string   `json:"key"`
	Cascaded []string `json:"cascaded,omitempty"`
	Bulk     bool     `json:"bulk,omitempty"`
}

func (ItemDeleted) Action() string { return ActionItemDeleted }

type ItemMoved struct {
	Key          string  `json:"key"`
	FromSprintID *string `json:"from_sprint_id"`
	ToSprintID   *string `json:"to_sprint_id"`
	Position     int64   `json:"position"`
	Bulk         bool    `json:"bulk,omitempty"`
}

func (ItemMoved) Action() string { return ActionItemMoved }

type ItemSplit struct {
	Key     string   `json:"key"`
	PartIDs []string `json:"part_ids"`
	Keys    []string `json:"keys"`
}

func (ItemSplit) Action() string { return ActionItemSplit }

type SprintCreated struct {
	Name     string `json:"name"`
	Position int64  `json:"position"`
}

func (SprintCreated) Action() string { return ActionSprintCreated }

type SprintUpdated struct {
	Changes []FieldChange `json:"changes"`
}

func (SprintUpdated) Action() string { return ActionSprintUpdated }

// SprintTransitioned also carries the field edits made in the same update.
type SprintTransitioned struct {
	From    string        `json:"from"`
	To      string        `json:"to"`
	Changes []FieldChange `json:"changes,omitempty"`
}

func (SprintTransitioned) Action() string { return ActionSprintTransitioned }

// SprintCompleted records where unfinished items went. Disposition is
// "backlog" or the destination sprint id.
type SprintCompleted struct {
	Disposition     string   `json:"disposition"`
	MovedItemIDs    []string `json:"moved_item_ids"`
	TotalPoints     float64  `json:"total_points"`
	CompletedPoints float64  `json:"completed_points"`
}

func (SprintCompleted) Action() string { return ActionSprintCompleted }

type SprintDeleted struct {
	Name         string   `json:"name"`
	MovedItemIDs []string `json:"moved_item_ids"`
}

func (SprintDeleted) Action() string { return ActionSprintDeleted }

type ProjectCreated struct {
	Name string `json:"name"`
}

func (ProjectCreated) Action() string { return ActionProjectCreated }
