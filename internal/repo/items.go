package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"trackline/internal/domain"
)

const itemColumns = `id,workspace_id,project_id,item_key,type,title,COALESCE(description,''),status,priority,sprint_id,position,epic_id,parent_id,COALESCE(reporter_id,''),story_points,start_date,due_date,estimated_minutes,remaining_minutes,spent_minutes,labels_json,flagged,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                           domain.WorkItem
		sprintID, epicID, parentID  sql.NullString
		startDate, dueDate, labels  sql.NullString
		points                      sql.NullFloat64
		estimated, remaining, spent sql.NullInt64
		itemType, status, priority  string
	)
	err := row.Scan(&w.ID, &w.WorkspaceID, &w.ProjectID, &w.Key, &itemType, &w.Title, &w.Description, &status, &priority,
		&sprintID, &w.Position, &epicID, &parentID, &w.ReporterID, &points, &startDate, &dueDate,
		&estimated, &remaining, &spent, &labels, &w.Flagged, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Type = domain.ItemType(itemType)
	w.Status = domain.ItemStatus(status)
	w.Priority = domain.Priority(priority)
	w.SprintID = stringPtr(sprintID)
	w.EpicID = stringPtr(epicID)
	w.ParentID = stringPtr(parentID)
	w.StartDate = stringPtr(startDate)
	w.DueDate = stringPtr(dueDate)
	w.StoryPoints = floatPtr(points)
	w.EstimatedMinutes = intPtr(estimated)
	w.RemainingMinutes = intPtr(remaining)
	w.SpentMinutes = intPtr(spent)
	w.Labels = []string{}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &w.Labels); err != nil {
			return w, fmt.Errorf("decode labels of %s: %w", w.ID, err)
		}
	}
	w.AssigneeIDs = []string{}
	return w, nil
}

func labelsJSON(labels []string) (any, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertItem(ctx context.Context, q Querier, w domain.WorkItem) error {
	labels, err := labelsJSON(w.Labels)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, q, `INSERT INTO work_items(id,workspace_id,project_id,item_key,type,title,description,status,priority,sprint_id,bucket,position,epic_id,parent_id,reporter_id,story_points,start_date,due_date,estimated_minutes,remaining_minutes,spent_minutes,labels_json,flagged,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.WorkspaceID, w.ProjectID, w.Key, string(w.Type), w.Title, nullable(w.Description), string(w.Status), string(w.Priority),
		nullableStringPtr(w.SprintID), w.Bucket(), w.Position, nullableStringPtr(w.EpicID), nullableStringPtr(w.ParentID), nullable(w.ReporterID),
		nullableFloatPtr(w.StoryPoints), nullableStringPtr(w.StartDate), nullableStringPtr(w.DueDate),
		nullableIntPtr(w.EstimatedMinutes), nullableIntPtr(w.RemainingMinutes), nullableIntPtr(w.SpentMinutes),
		labels, w.Flagged, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	return r.ReplaceAssignees(ctx, q, w.ID, w.AssigneeIDs)
}

// UpdateItem writes every mutable column, placement included, in one statement.
func (r Repo) UpdateItem(ctx context.Context, q Querier, w domain.WorkItem) error {
	labels, err := labelsJSON(w.Labels)
	if err != nil {
		return err
	}
	res, err := r.exec(ctx, q, `UPDATE work_items SET type=?,title=?,description=?,status=?,priority=?,sprint_id=?,bucket=?,position=?,epic_id=?,parent_id=?,story_points=?,start_date=?,due_date=?,estimated_minutes=?,remaining_minutes=?,spent_minutes=?,labels_json=?,flagged=?,updated_at=? WHERE id=?`,
		string(w.Type), w.Title, nullable(w.Description), string(w.Status), string(w.Priority),
		nullableStringPtr(w.SprintID), w.Bucket(), w.Position, nullableStringPtr(w.EpicID), nullableStringPtr(w.ParentID),
		nullableFloatPtr(w.StoryPoints), nullableStringPtr(w.StartDate), nullableStringPtr(w.DueDate),
		nullableIntPtr(w.EstimatedMinutes), nullableIntPtr(w.RemainingMinutes), nullableIntPtr(w.SpentMinutes),
		labels, w.Flagged, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveItem changes sprint, bucket and position together.
func (r Repo) MoveItem(ctx context.Context, q Querier, id string, sprintID *string, position int64, updatedAt string) error {
	res, err := r.exec(ctx, q, `UPDATE work_items SET sprint_id=?, bucket=?, position=?, updated_at=? WHERE id=?`,
		nullableStringPtr(sprintID), domain.BucketFor(sprintID), position, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, q Querier, id string) (domain.WorkItem, error) {
	w, err := scanItem(r.queryRow(ctx, q, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.AssigneeIDs, err = r.ListAssignees(ctx, q, w.ID)
	return w, err
}

// GetItemInProject hides items of other projects behind ErrNotFound.
func (r Repo) GetItemInProject(ctx context.Context, q Querier, projectID, id string) (domain.WorkItem, error) {
	w, err := r.GetItem(ctx, q, id)
	if err != nil {
		return w, err
	}
	if w.ProjectID != projectID {
		return domain.WorkItem{}, ErrNotFound
	}
	return w, nil
}

type ItemFilters struct {
	ProjectID    string
	SprintID     string
	Backlog      bool
	IncludeEpics bool
	Type         string
	Status       string
	Priority     string
	AssigneeID   string
	EpicID       string
	ParentID     string
	Flagged      *bool
	Search       string
	Limit        int
	CursorKey    string
	CursorID     string
}

// BucketView reports whether the listing is a sprint or backlog view. Bucket
// views are ordered by position and leave epics out unless IncludeEpics is set.
func (f ItemFilters) BucketView() bool {
	return f.SprintID != "" || f.Backlog
}

func (r Repo) ListItems(ctx context.Context, q Querier, f ItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.SprintID != "" {
		clauses = append(clauses, "sprint_id=?")
		args = append(args, f.SprintID)
	} else if f.Backlog {
		clauses = append(clauses, "sprint_id IS NULL")
	}
	if f.BucketView() && !f.IncludeEpics {
		clauses = append(clauses, "type<>?")
		args = append(args, string(domain.TypeEpic))
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "id IN (SELECT item_id FROM work_item_assignees WHERE user_id=?)")
		args = append(args, f.AssigneeID)
	}
	if f.EpicID != "" {
		clauses = append(clauses, "epic_id=?")
		args = append(args, f.EpicID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Flagged != nil {
		clauses = append(clauses, "flagged=?")
		args = append(args, *f.Flagged)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(item_key) LIKE ? OR LOWER(COALESCE(description,'')) LIKE ?)")
		args = append(args, like, like, like)
	}
	order := ` ORDER BY created_at DESC, id DESC`
	if f.BucketView() {
		order = ` ORDER BY position, created_at, id`
		if f.CursorKey != "" && f.CursorID != "" {
			pos, err := strconv.ParseInt(f.CursorKey, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid cursor position: %w", err)
			}
			clauses = append(clauses, "(position > ? OR (position = ? AND id >= ?))")
			args = append(args, pos, pos, f.CursorID)
		}
	} else if f.CursorKey != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id <= ?))")
		args = append(args, f.CursorKey, f.CursorKey, f.CursorID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := r.attachAssignees(ctx, q, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListSprintItems returns every item attached to the sprint in position order.
func (r Repo) ListSprintItems(ctx context.Context, q Querier, sprintID string) ([]domain.WorkItem, error) {
	rows, err := r.query(ctx, q, `SELECT `+itemColumns+` FROM work_items WHERE sprint_id=? ORDER BY position, created_at, id`, sprintID)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	return res, r.attachAssignees(ctx, q, res)
}

func (r Repo) attachAssignees(ctx context.Context, q Querier, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	index := make(map[string]int, len(items))
	for i, w := range items {
		ids = append(ids, w.ID)
		index[w.ID] = i
	}
	rows, err := r.query(ctx, q, `SELECT item_id,user_id FROM work_item_assignees WHERE item_id IN (`+placeholders(len(ids))+`) ORDER BY user_id`, stringArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var itemID, userID string
		if err := rows.Scan(&itemID, &userID); err != nil {
			return err
		}
		i := index[itemID]
		items[i].AssigneeIDs = append(items[i].AssigneeIDs, userID)
	}
	return rows.Err()
}

func (r Repo) ListAssignees(ctx context.Context, q Querier, itemID string) ([]string, error) {
	rows, err := r.query(ctx, q, `SELECT user_id FROM work_item_assignees WHERE item_id=? ORDER BY user_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) ReplaceAssignees(ctx context.Context, q Querier, itemID string, userIDs []string) error {
	if _, err := r.exec(ctx, q, `DELETE FROM work_item_assignees WHERE item_id=?`, itemID); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, u := range userIDs {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		if _, err := r.exec(ctx, q, `INSERT INTO work_item_assignees(item_id,user_id) VALUES (?,?)`, itemID, u); err != nil {
			return err
		}
	}
	return nil
}

// RecentKeys returns keys of the newest items of a project.
func (r Repo) RecentKeys(ctx context.Context, q Querier, projectID string, limit int) ([]string, error) {
	rows, err := r.query(ctx, q, `SELECT item_key FROM work_items WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r Repo) CountItems(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COUNT(*) FROM work_items WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// MaxPosition returns the highest position in a bucket; ok is false when the bucket is empty.
func (r Repo) MaxPosition(ctx context.Context, q Querier, projectID, bucket string) (int64, bool, error) {
	var pos sql.NullInt64
	if err := r.queryRow(ctx, q, `SELECT MAX(position) FROM work_items WHERE project_id=? AND bucket=?`, projectID, bucket).Scan(&pos); err != nil {
		return 0, false, err
	}
	return pos.Int64, pos.Valid, nil
}

// PositionTaken reports whether another item holds position in the bucket.
func (r Repo) PositionTaken(ctx context.Context, q Querier, projectID, bucket string, position int64, exceptID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT 1 FROM work_items WHERE project_id=? AND bucket=? AND position=? AND id<>? LIMIT 1`,
		projectID, bucket, position, exceptID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// NextPosition returns the smallest position above after, ignoring exceptID.
func (r Repo) NextPosition(ctx context.Context, q Querier, projectID, bucket string, after int64, exceptID string) (int64, bool, error) {
	var pos sql.NullInt64
	err := r.queryRow(ctx, q, `SELECT MIN(position) FROM work_items WHERE project_id=? AND bucket=? AND position>? AND id<>?`,
		projectID, bucket, after, exceptID).Scan(&pos)
	if err != nil {
		return 0, false, err
	}
	return pos.Int64, pos.Valid, nil
}

type Slot struct {
	ID       string
	Position int64
}

// BucketSlots lists the bucket in display order; ties fall back to insertion order.
func (r Repo) BucketSlots(ctx context.Context, q Querier, projectID, bucket string) ([]Slot, error) {
	rows, err := r.query(ctx, q, `SELECT id,position FROM work_items WHERE project_id=? AND bucket=? ORDER BY position, created_at, id`, projectID, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Slot
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.ID, &s.Position); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) SetPosition(ctx context.Context, q Querier, id string, position int64) error {
	_, err := r.exec(ctx, q, `UPDATE work_items SET position=? WHERE id=?`, position, id)
	return err
}

// Descendants returns every item below id in the parent hierarchy.
func (r Repo) Descendants(ctx context.Context, q Querier, id string) ([]string, error) {
	rows, err := r.query(ctx, q, `
WITH RECURSIVE tree(id) AS (
  SELECT id FROM work_items WHERE parent_id=?
  UNION
  SELECT w.id FROM work_items w JOIN tree t ON w.parent_id=t.id
)
SELECT id FROM tree`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		ids = append(ids, child)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// IsAncestor reports whether ancestorID appears above id in the parent chain.
func (r Repo) IsAncestor(ctx context.Context, q Querier, ancestorID, id string) (bool, error) {
	cur := id
	for depth := 0; cur != "" && depth < 1000; depth++ {
		var parent sql.NullString
		err := r.queryRow(ctx, q, `SELECT parent_id FROM work_items WHERE id=?`, cur).Scan(&parent)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !parent.Valid {
			return false, nil
		}
		if parent.String == ancestorID {
			return true, nil
		}
		cur = parent.String
	}
	return false, nil
}

// ClearEpic detaches items from the given epics.
func (r Repo) ClearEpic(ctx context.Context, q Querier, epicIDs []string, updatedAt string) error {
	if len(epicIDs) == 0 {
		return nil
	}
	args := append([]any{updatedAt}, stringArgs(epicIDs)...)
	_, err := r.exec(ctx, q, `UPDATE work_items SET epic_id=NULL, updated_at=? WHERE epic_id IN (`+placeholders(len(epicIDs))+`)`, args...)
	return err
}

// DeleteItems removes the rows and returns how many existed.
func (r Repo) DeleteItems(ctx context.Context, q Querier, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.exec(ctx, q, `DELETE FROM work_items WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EpicIDsAmong returns which of ids are epics.
func (r Repo) EpicIDsAmong(ctx context.Context, q Querier, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{string(domain.TypeEpic)}, stringArgs(ids)...)
	rows, err := r.query(ctx, q, `SELECT id FROM work_items WHERE type=? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
