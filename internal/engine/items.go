package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"trackline/internal/audit"
	"trackline/internal/domain"
	"trackline/internal/notify"
	"trackline/internal/repo"
)

// Nullable distinguishes "leave alone" (Set false) from "clear" (Set true,
// Value nil) in partial updates.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

func SetTo[T any](v T) Nullable[T] { return Nullable[T]{Set: true, Value: &v} }

func Null[T any]() Nullable[T] { return Nullable[T]{Set: true} }

type ItemCreateOptions struct {
	ProjectID        string
	ActorID          string
	Type             string
	Title            string
	Description      string
	Status           string
	Priority         string
	SprintID         string
	EpicID           string
	ParentID         string
	Position         *int64
	AssigneeIDs      []string
	ReporterID       string
	StoryPoints      *float64
	StartDate        string
	DueDate          string
	EstimatedMinutes *int
	RemainingMinutes *int
	SpentMinutes     *int
	Labels           []string
	Flagged          bool
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	ctx = context.WithoutCancel(ctx)
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.WorkItem{}, invalid("title", "is required")
	}
	if opts.Type == "" {
		opts.Type = string(domain.TypeTask)
	}
	if opts.Status == "" {
		opts.Status = string(domain.StatusTodo)
	}
	if opts.Priority == "" {
		opts.Priority = string(domain.PriorityMedium)
	}
	if opts.ReporterID == "" {
		opts.ReporterID = opts.ActorID
	}
	item := domain.WorkItem{
		Type:             domain.ItemType(opts.Type),
		Title:            opts.Title,
		Description:      opts.Description,
		Status:           domain.ItemStatus(opts.Status),
		Priority:         domain.Priority(opts.Priority),
		SprintID:         optionalString(opts.SprintID),
		EpicID:           optionalString(opts.EpicID),
		ParentID:         optionalString(opts.ParentID),
		AssigneeIDs:      dedupe(opts.AssigneeIDs),
		ReporterID:       opts.ReporterID,
		StoryPoints:      opts.StoryPoints,
		StartDate:        optionalString(opts.StartDate),
		DueDate:          optionalString(opts.DueDate),
		EstimatedMinutes: opts.EstimatedMinutes,
		RemainingMinutes: opts.RemainingMinutes,
		SpentMinutes:     opts.SpentMinutes,
		Labels:           dedupe(opts.Labels),
		Flagged:          opts.Flagged,
	}
	slices.Sort(item.AssigneeIDs)
	if err := validateItem(item); err != nil {
		return domain.WorkItem{}, err
	}
	project, err := e.Repo.GetProject(ctx, e.DB, opts.ProjectID)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	item.ProjectID = project.ID
	item.WorkspaceID = project.WorkspaceID

	err = e.retryOnConflict(ctx, "create item", func(int) error {
		return e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.checkItemRefs(ctx, tx, item); err != nil {
				return err
			}
			keys, err := e.allocateKeys(ctx, tx, project, 1)
			if err != nil {
				return err
			}
			item.Key = keys[0]
			item.ID = uuid.NewString()
			now := e.timestamp()
			item.CreatedAt, item.UpdatedAt = now, now
			if opts.Position != nil {
				item.Position, err = e.placeAt(ctx, tx, project.ID, item.Bucket(), item.ID, *opts.Position)
			} else {
				item.Position, err = e.appendPosition(ctx, tx, project.ID, item.Bucket())
			}
			if err != nil {
				return err
			}
			return e.Repo.InsertItem(ctx, tx, item)
		})
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	e.record(audit.Event{
		WorkspaceID: item.WorkspaceID, ProjectID: item.ProjectID, ActorID: opts.ActorID,
		EntityKind: "work_item", EntityID: item.ID,
		Metadata: audit.ItemCreated{Key: item.Key, Type: string(item.Type), Title: item.Title, SprintID: item.SprintID, Position: item.Position},
	})
	if len(item.AssigneeIDs) > 0 {
		e.notifyItem(opts.ActorID, item, itemNotice{kind: notify.ItemAssigned, recipients: item.AssigneeIDs})
	}
	return item, nil
}

func validateItem(w domain.WorkItem) error {
	if !w.Type.IsValid() {
		return invalid("type", "invalid item type %q", w.Type)
	}
	if !w.Status.IsValid() {
		return invalid("status", "invalid status %q", w.Status)
	}
	if !w.Priority.IsValid() {
		return invalid("priority", "invalid priority %q", w.Priority)
	}
	if w.Type == domain.TypeEpic && w.SprintID != nil {
		return invalid("sprint_id", "epics cannot be planned into a sprint")
	}
	if w.StoryPoints != nil && *w.StoryPoints < 0 {
		return invalid("story_points", "must not be negative")
	}
	for field, v := range map[string]*int{"estimated_minutes": w.EstimatedMinutes, "remaining_minutes": w.RemainingMinutes, "spent_minutes": w.SpentMinutes} {
		if v != nil && *v < 0 {
			return invalid(field, "must not be negative")
		}
	}
	if err := validateDate("start_date", w.StartDate); err != nil {
		return err
	}
	if err := validateDate("due_date", w.DueDate); err != nil {
		return err
	}
	if w.StartDate != nil && w.DueDate != nil && *w.DueDate < *w.StartDate {
		return invalid("due_date", "must not be before start_date")
	}
	if w.ParentID != nil && *w.ParentID == w.ID && w.ID != "" {
		return invalid("parent_id", "item cannot be its own parent")
	}
	if w.EpicID != nil && *w.EpicID == w.ID && w.ID != "" {
		return invalid("epic_id", "item cannot be its own epic")
	}
	return nil
}

func validateDate(field string, v *string) error {
	if v == nil {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, *v); err != nil {
		return invalid(field, "must be YYYY-MM-DD")
	}
	return nil
}

// checkItemRefs verifies sprint, epic, parent and assignees against the
// current state inside the write transaction.
func (e Engine) checkItemRefs(ctx context.Context, q repo.Querier, w domain.WorkItem) error {
	if w.SprintID != nil {
		if _, err := e.openSprint(ctx, q, w.ProjectID, *w.SprintID); err != nil {
			return err
		}
	}
	if w.EpicID != nil {
		epic, err := e.Repo.GetItemInProject(ctx, q, w.ProjectID, *w.EpicID)
		if err != nil {
			return fmt.Errorf("epic %s: %w", *w.EpicID, err)
		}
		if epic.Type != domain.TypeEpic {
			return invalid("epic_id", "%s is not an epic", epic.Key)
		}
	}
	if w.ParentID != nil {
		if _, err := e.Repo.GetItemInProject(ctx, q, w.ProjectID, *w.ParentID); err != nil {
			return fmt.Errorf("parent %s: %w", *w.ParentID, err)
		}
		if w.ID != "" {
			cycle, err := e.Repo.IsAncestor(ctx, q, w.ID, *w.ParentID)
			if err != nil {
				return err
			}
			if cycle {
				return invalid("parent_id", "parent would create a cycle")
			}
		}
	}
	if len(w.AssigneeIDs) > 0 {
		missing, err := e.Repo.MissingUsers(ctx, q, w.AssigneeIDs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return invalid("assignee_ids", "unknown users: %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

// openSprint loads a sprint of the project that can still receive items.
func (e Engine) openSprint(ctx context.Context, q repo.Querier, projectID, sprintID string) (domain.Sprint, error) {
	s, err := e.Repo.GetSprintInProject(ctx, q, projectID, sprintID)
	if err != nil {
		return s, fmt.Errorf("sprint %s: %w", sprintID, err)
	}
	if s.Status.IsTerminal() {
		return s, invalid("sprint_id", "sprint %s is %s", s.Name, s.Status)
	}
	return s, nil
}

func (e Engine) GetItem(ctx context.Context, projectID, id string) (domain.WorkItem, error) {
	return e.Repo.GetItemInProject(ctx, e.DB, projectID, id)
}

func (e Engine) ListItems(ctx context.Context, f repo.ItemFilters) ([]domain.WorkItem, error) {
	return e.Repo.ListItems(ctx, e.DB, f)
}

type ItemUpdateOptions struct {
	ProjectID        string
	ID               string
	ActorID          string
	Type             *string
	Title            *string
	Description      *string
	Status           *string
	Priority         *string
	SprintID         Nullable[string]
	EpicID           Nullable[string]
	ParentID         Nullable[string]
	Position         *int64
	AssigneeIDs      *[]string
	StoryPoints      Nullable[float64]
	StartDate        Nullable[string]
	DueDate          Nullable[string]
	EstimatedMinutes Nullable[int]
	RemainingMinutes Nullable[int]
	SpentMinutes     Nullable[int]
	Labels           *[]string
	Flagged          *bool
}

// UpdateItem applies a partial update. Moving to another sprint and
// reordering are part of the same write as every other field.
func (e Engine) UpdateItem(ctx context.Context, opts ItemUpdateOptions) (domain.WorkItem, error) {
	ctx = context.WithoutCancel(ctx)
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.WorkItem{}, invalid("title", "must not be empty")
	}
	var (
		before, after domain.WorkItem
		changes       []audit.FieldChange
	)
	err := e.retryOnConflict(ctx, "update item", func(int) error {
		changes = nil
		return e.withTx(ctx, func(tx *sql.Tx) error {
			cur, err := e.Repo.GetItemInProject(ctx, tx, opts.ProjectID, opts.ID)
			if err != nil {
				return err
			}
			next := cur
			next.AssigneeIDs = slices.Clone(cur.AssigneeIDs)
			next.Labels = slices.Clone(cur.Labels)
			applyItemUpdate(&next, opts)
			if err := validateItem(next); err != nil {
				return err
			}
			refs := domain.WorkItem{ID: next.ID, ProjectID: next.ProjectID}
			if !equalPtr(cur.SprintID, next.SprintID) {
				refs.SprintID = next.SprintID
			}
			if !equalPtr(cur.EpicID, next.EpicID) {
				refs.EpicID = next.EpicID
			}
			if !equalPtr(cur.ParentID, next.ParentID) {
				refs.ParentID = next.ParentID
			}
			if !slices.Equal(cur.AssigneeIDs, next.AssigneeIDs) {
				refs.AssigneeIDs = next.AssigneeIDs
			}
			if err := e.checkItemRefs(ctx, tx, refs); err != nil {
				return err
			}
			switch {
			case cur.Bucket() != next.Bucket() && opts.Position != nil:
				next.Position, err = e.placeAt(ctx, tx, next.ProjectID, next.Bucket(), next.ID, *opts.Position)
			case cur.Bucket() != next.Bucket():
				next.Position, err = e.appendPosition(ctx, tx, next.ProjectID, next.Bucket())
			case opts.Position != nil && *opts.Position != cur.Position:
				next.Position, err = e.placeAt(ctx, tx, next.ProjectID, next.Bucket(), next.ID, *opts.Position)
			}
			if err != nil {
				return err
			}
			changes = diffItems(cur, next)
			if len(changes) == 0 {
				before, after = cur, cur
				return nil
			}
			next.UpdatedAt = e.timestamp()
			if err := e.Repo.UpdateItem(ctx, tx, next); err != nil {
				return err
			}
			if !slices.Equal(cur.AssigneeIDs, next.AssigneeIDs) {
				if err := e.Repo.ReplaceAssignees(ctx, tx, next.ID, next.AssigneeIDs); err != nil {
					return err
				}
			}
			// Items may only point at epics.
			if cur.Type == domain.TypeEpic && next.Type != domain.TypeEpic {
				if err := e.Repo.ClearEpic(ctx, tx, []string{next.ID}, next.UpdatedAt); err != nil {
					return err
				}
			}
			before, after = cur, next
			return nil
		})
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if len(changes) == 0 {
		return after, nil
	}
	e.record(audit.Event{
		WorkspaceID: after.WorkspaceID, ProjectID: after.ProjectID, ActorID: opts.ActorID,
		EntityKind: "work_item", EntityID: after.ID,
		Metadata: itemChangeMetadata(after, before, changes),
	})
	e.notifyItem(opts.ActorID, after, itemNotices(before, after)...)
	return after, nil
}

func applyItemUpdate(w *domain.WorkItem, opts ItemUpdateOptions) {
	if opts.Type != nil {
		w.Type = domain.ItemType(*opts.Type)
	}
	if opts.Title != nil {
		w.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		w.Description = *opts.Description
	}
	if opts.Status != nil {
		w.Status = domain.ItemStatus(*opts.Status)
	}
	if opts.Priority != nil {
		w.Priority = domain.Priority(*opts.Priority)
	}
	if opts.SprintID.Set {
		w.SprintID = nonEmpty(opts.SprintID.Value)
	}
	if opts.EpicID.Set {
		w.EpicID = nonEmpty(opts.EpicID.Value)
	}
	if opts.ParentID.Set {
		w.ParentID = nonEmpty(opts.ParentID.Value)
	}
	if opts.AssigneeIDs != nil {
		w.AssigneeIDs = dedupe(*opts.AssigneeIDs)
		slices.Sort(w.AssigneeIDs)
	}
	if opts.StoryPoints.Set {
		w.StoryPoints = opts.StoryPoints.Value
	}
	if opts.StartDate.Set {
		w.StartDate = nonEmpty(opts.StartDate.Value)
	}
	if opts.DueDate.Set {
		w.DueDate = nonEmpty(opts.DueDate.Value)
	}
	if opts.EstimatedMinutes.Set {
		w.EstimatedMinutes = opts.EstimatedMinutes.Value
	}
	if opts.RemainingMinutes.Set {
		w.RemainingMinutes = opts.RemainingMinutes.Value
	}
	if opts.SpentMinutes.Set {
		w.SpentMinutes = opts.SpentMinutes.Value
	}
	if opts.Labels != nil {
		w.Labels = dedupe(*opts.Labels)
	}
	if opts.Flagged != nil {
		w.Flagged = *opts.Flagged
	}
}

func diffItems(a, b domain.WorkItem) []audit.FieldChange {
	var out []audit.FieldChange
	add := func(field string, from, to any) {
		out = append(out, audit.FieldChange{Field: field, From: from, To: to})
	}
	if a.Type != b.Type {
		add("type", a.Type, b.Type)
	}
	if a.Title != b.Title {
		add("title", a.Title, b.Title)
	}
	if a.Description != b.Description {
		add("description", a.Description, b.Description)
	}
	if a.Status != b.Status {
		add("status", a.Status, b.Status)
	}
	if a.Priority != b.Priority {
		add("priority", a.Priority, b.Priority)
	}
	if !equalPtr(a.SprintID, b.SprintID) {
		add("sprint_id", a.SprintID, b.SprintID)
	}
	if a.Position != b.Position {
		add("position", a.Position, b.Position)
	}
	if !equalPtr(a.EpicID, b.EpicID) {
		add("epic_id", a.EpicID, b.EpicID)
	}
	if !equalPtr(a.ParentID, b.ParentID) {
		add("parent_id", a.ParentID, b.ParentID)
	}
	if !slices.Equal(a.AssigneeIDs, b.AssigneeIDs) {
		add("assignee_ids", a.AssigneeIDs, b.AssigneeIDs)
	}
	if !equalPtr(a.StoryPoints, b.StoryPoints) {
		add("story_points", a.StoryPoints, b.StoryPoints)
	}
	if !equalPtr(a.StartDate, b.StartDate) {
		add("start_date", a.StartDate, b.StartDate)
	}
	if !equalPtr(a.DueDate, b.DueDate) {
		add("due_date", a.DueDate, b.DueDate)
	}
	if !equalPtr(a.EstimatedMinutes, b.EstimatedMinutes) {
		add("estimated_minutes", a.EstimatedMinutes, b.EstimatedMinutes)
	}
	if !equalPtr(a.RemainingMinutes, b.RemainingMinutes) {
		add("remaining_minutes", a.RemainingMinutes, b.RemainingMinutes)
	}
	if !equalPtr(a.SpentMinutes, b.SpentMinutes) {
		add("spent_minutes", a.SpentMinutes, b.SpentMinutes)
	}
	if !slices.Equal(a.Labels, b.Labels) {
		add("labels", a.Labels, b.Labels)
	}
	if a.Flagged != b.Flagged {
		add("flagged", a.Flagged, b.Flagged)
	}
	return out
}

// itemChangeMetadata reports pure placement changes as a move.
func itemChangeMetadata(after, before domain.WorkItem, changes []audit.FieldChange) audit.Metadata {
	placementOnly := true
	for _, c := range changes {
		if c.Field != "sprint_id" && c.Field != "position" {
			placementOnly = false
			break
		}
	}
	if placementOnly {
		return audit.ItemMoved{Key: after.Key, FromSprintID: before.SprintID, ToSprintID: after.SprintID, Position: after.Position}
	}
	return audit.ItemUpdated{Key: after.Key, Changes: changes}
}

// DeleteItem removes an item together with every descendant in the parent
// hierarchy and returns the ids removed besides the item itself.
func (e Engine) DeleteItem(ctx context.Context, projectID, id, actorID string) ([]string, error) {
	ctx = context.WithoutCancel(ctx)
	item, cascaded, err := e.deleteItem(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	e.record(audit.Event{
		WorkspaceID: item.WorkspaceID, ProjectID: item.ProjectID, ActorID: actorID,
		EntityKind: "work_item", EntityID: item.ID,
		Metadata: audit.ItemDeleted{Key: item.Key, Cascaded: cascaded},
	})
	return cascaded, nil
}

func (e Engine) deleteItem(ctx context.Context, projectID, id string) (domain.WorkItem, []string, error) {
	var (
		item     domain.WorkItem
		cascaded []string
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = e.Repo.GetItemInProject(ctx, tx, projectID, id)
		if err != nil {
			return err
		}
		cascaded, err = e.Repo.Descendants(ctx, tx, id)
		if err != nil {
			return err
		}
		all := append([]string{id}, cascaded...)
		epics, err := e.Repo.EpicIDsAmong(ctx, tx, all)
		if err != nil {
			return err
		}
		if err := e.Repo.ClearEpic(ctx, tx, epics, e.timestamp()); err != nil {
			return err
		}
		n, err := e.Repo.DeleteItems(ctx, tx, all)
		if err != nil {
			return err
		}
		if n == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
	return item, cascaded, err
}

type SplitPart struct {
	Title       string
	Description string
	StoryPoints *float64
}

type SplitOptions struct {
	ProjectID string
	ID        string
	ActorID   string
	Parts     []SplitPart
}

// SplitItem creates the parts as new items that inherit classification and
// placement from the original. The original item is left untouched.
func (e Engine) SplitItem(ctx context.Context, opts SplitOptions) ([]domain.WorkItem, error) {
	ctx = context.WithoutCancel(ctx)
	if len(opts.Parts) < 2 {
		return nil, invalid("parts", "at least 2 parts are required")
	}
	for i, p := range opts.Parts {
		if strings.TrimSpace(p.Title) == "" {
			return nil, invalid(fmt.Sprintf("parts[%d].title", i), "is required")
		}
		if p.StoryPoints != nil && *p.StoryPoints < 0 {
			return nil, invalid(fmt.Sprintf("parts[%d].story_points", i), "must not be negative")
		}
	}
	project, err := e.Repo.GetProject(ctx, e.DB, opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	var (
		original domain.WorkItem
		parts    []domain.WorkItem
	)
	err = e.retryOnConflict(ctx, "split item", func(int) error {
		parts = nil
		return e.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			original, err = e.Repo.GetItemInProject(ctx, tx, opts.ProjectID, opts.ID)
			if err != nil {
				return err
			}
			keys, err := e.allocateKeys(ctx, tx, project, len(opts.Parts))
			if err != nil {
				return err
			}
			sprintID, err := e.splitSprint(ctx, tx, original)
			if err != nil {
				return err
			}
			pos, err := e.appendPosition(ctx, tx, project.ID, domain.BucketFor(sprintID))
			if err != nil {
				return err
			}
			now := e.timestamp()
			for i, p := range opts.Parts {
				part := domain.WorkItem{
					ID:          uuid.NewString(),
					Key:         keys[i],
					WorkspaceID: original.WorkspaceID,
					ProjectID:   original.ProjectID,
					Type:        original.Type,
					Title:       strings.TrimSpace(p.Title),
					Description: p.Description,
					Status:      original.Status,
					Priority:    original.Priority,
					SprintID:    sprintID,
					EpicID:      original.EpicID,
					ParentID:    original.ParentID,
					Position:    pos + int64(i)*Gap,
					AssigneeIDs: slices.Clone(original.AssigneeIDs),
					ReporterID:  original.ReporterID,
					StoryPoints: p.StoryPoints,
					Labels:      slices.Clone(original.Labels),
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := e.Repo.InsertItem(ctx, tx, part); err != nil {
					return err
				}
				parts = append(parts, part)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	meta := audit.ItemSplit{Key: original.Key}
	for _, p := range parts {
		meta.PartIDs = append(meta.PartIDs, p.ID)
		meta.Keys = append(meta.Keys, p.Key)
	}
	e.record(audit.Event{
		WorkspaceID: original.WorkspaceID, ProjectID: original.ProjectID, ActorID: opts.ActorID,
		EntityKind: "work_item", EntityID: original.ID, Metadata: meta,
	})
	return parts, nil
}

// splitSprint is where split parts land: the original's sprint while it can
// still take work, the backlog once it is completed or cancelled.
func (e Engine) splitSprint(ctx context.Context, q repo.Querier, original domain.WorkItem) (*string, error) {
	if original.SprintID == nil {
		return nil, nil
	}
	if _, err := e.openSprint(ctx, q, original.ProjectID, *original.SprintID); err != nil {
		var verr ValidationError
		if errors.As(err, &verr) {
			return nil, nil
		}
		return nil, err
	}
	id := *original.SprintID
	return &id, nil
}

type itemNotice struct {
	kind       notify.Kind
	recipients []string
	from, to   string
}

func itemNotices(before, after domain.WorkItem) []itemNotice {
	var out []itemNotice
	if added := difference(after.AssigneeIDs, before.AssigneeIDs); len(added) > 0 {
		out = append(out, itemNotice{kind: notify.ItemAssigned, recipients: added})
	}
	if before.Status != after.Status {
		out = append(out, itemNotice{kind: notify.ItemStatusChanged, recipients: after.AssigneeIDs, from: string(before.Status), to: string(after.Status)})
	}
	if before.Priority != after.Priority {
		out = append(out, itemNotice{kind: notify.ItemPriorityChanged, recipients: after.AssigneeIDs, from: string(before.Priority), to: string(after.Priority)})
	}
	return out
}

// notifyItem resolves recipients through the user directory and dispatches in
// the background. The actor is never notified about their own change.
func (e Engine) notifyItem(actorID string, item domain.WorkItem, notices ...itemNotice) {
	if e.Notify == nil || len(notices) == 0 {
		return
	}
	at := e.timestamp()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		for _, n := range notices {
			ids := slices.DeleteFunc(slices.Clone(n.recipients), func(id string) bool { return id == actorID })
			if len(ids) == 0 {
				continue
			}
			users, err := e.Repo.GetUsers(ctx, e.DB, ids)
			if err != nil {
				e.logf("notify: resolve recipients of %s: %v", item.Key, err)
				continue
			}
			if len(users) == 0 {
				continue
			}
			recipients := make([]notify.Recipient, 0, len(users))
			for _, u := range users {
				recipients = append(recipients, notify.Recipient{ID: u.ID, Name: u.Name, Email: u.Email})
			}
			err = e.Notify.Dispatch(ctx, notify.Notification{
				Kind: n.kind, WorkspaceID: item.WorkspaceID, ProjectID: item.ProjectID,
				ItemID: item.ID, ItemKey: item.Key, Title: item.Title, ActorID: actorID,
				Recipients: recipients, Old: n.from, New: n.to, At: at,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logf("notify: %s %s: %v", n.kind, item.Key, err)
			}
		}
	}()
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func nonEmpty(p *string) *string {
	if p == nil {
		return nil
	}
	return optionalString(*p)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func difference(a, b []string) []string {
	var out []string
	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
