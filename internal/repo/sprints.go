package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"trackline/internal/domain"
)

const sprintColumns = `id,workspace_id,project_id,name,status,COALESCE(goal,''),start_date,end_date,position,started_at,completed_at,created_at,updated_at`

func scanSprint(row rowScanner) (domain.Sprint, error) {
	var (
		s                                          domain.Sprint
		status                                     string
		startDate, endDate, startedAt, completedAt sql.NullString
	)
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.ProjectID, &s.Name, &status, &s.Goal, &startDate, &endDate,
		&s.Position, &startedAt, &completedAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Status = domain.SprintStatus(status)
	s.StartDate = stringPtr(startDate)
	s.EndDate = stringPtr(endDate)
	s.StartedAt = stringPtr(startedAt)
	s.CompletedAt = stringPtr(completedAt)
	return s, nil
}

func (r Repo) InsertSprint(ctx context.Context, q Querier, s domain.Sprint) error {
	_, err := r.exec(ctx, q, `INSERT INTO sprints(id,workspace_id,project_id,name,status,goal,start_date,end_date,position,started_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.WorkspaceID, s.ProjectID, s.Name, string(s.Status), nullable(s.Goal), nullableStringPtr(s.StartDate), nullableStringPtr(s.EndDate),
		s.Position, nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSprint(ctx context.Context, q Querier, id string) (domain.Sprint, error) {
	return scanSprint(r.queryRow(ctx, q, `SELECT `+sprintColumns+` FROM sprints WHERE id=?`, id))
}

// GetSprintInProject hides sprints of other projects behind ErrNotFound.
func (r Repo) GetSprintInProject(ctx context.Context, q Querier, projectID, id string) (domain.Sprint, error) {
	s, err := r.GetSprint(ctx, q, id)
	if err != nil {
		return s, err
	}
	if s.ProjectID != projectID {
		return domain.Sprint{}, ErrNotFound
	}
	return s, nil
}

type SprintFilters struct {
	ProjectID string
	Status    string
}

func (r Repo) ListSprints(ctx context.Context, q Querier, f SprintFilters) ([]domain.Sprint, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	rows, err := r.query(ctx, q, `SELECT `+sprintColumns+` FROM sprints WHERE `+strings.Join(clauses, " AND ")+` ORDER BY position, created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprint
	for rows.Next() {
		s, err := scanSprint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSprintFields writes name, goal and dates.
func (r Repo) UpdateSprintFields(ctx context.Context, q Querier, s domain.Sprint) error {
	res, err := r.exec(ctx, q, `UPDATE sprints SET name=?, goal=?, start_date=?, end_date=?, updated_at=? WHERE id=?`,
		s.Name, nullable(s.Goal), nullableStringPtr(s.StartDate), nullableStringPtr(s.EndDate), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateSprint flips a sprint to active only while no other sprint of the
// project is active. It returns false when the guard rejected the write.
func (r Repo) ActivateSprint(ctx context.Context, q Querier, s domain.Sprint, from domain.SprintStatus, now string) (bool, error) {
	res, err := r.exec(ctx, q, `
UPDATE sprints SET status=?, started_at=?, updated_at=?
WHERE id=? AND status=? AND NOT EXISTS (
  SELECT 1 FROM sprints other WHERE other.project_id=? AND other.status=? AND other.id<>?
)`, string(domain.SprintActive), now, now, s.ID, string(from), s.ProjectID, string(domain.SprintActive), s.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionSprint moves a sprint from one status to another and fails with
// ErrConflict when the stored status no longer matches from.
func (r Repo) TransitionSprint(ctx context.Context, q Querier, id string, from, to domain.SprintStatus, now string) error {
	completedAt := any(nil)
	if to == domain.SprintCompleted {
		completedAt = now
	}
	res, err := r.exec(ctx, q, `UPDATE sprints SET status=?, completed_at=COALESCE(?, completed_at), updated_at=? WHERE id=? AND status=?`,
		string(to), completedAt, now, id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sprint %s changed concurrently: %w", id, ErrConflict)
	}
	return nil
}

func (r Repo) DeleteSprint(ctx context.Context, q Querier, id string) error {
	res, err := r.exec(ctx, q, `DELETE FROM sprints WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MaxSprintPosition(ctx context.Context, q Querier, projectID string) (int64, bool, error) {
	var pos sql.NullInt64
	if err := r.queryRow(ctx, q, `SELECT MAX(position) FROM sprints WHERE project_id=?`, projectID).Scan(&pos); err != nil {
		return 0, false, err
	}
	return pos.Int64, pos.Valid, nil
}

// SprintPoints sums story points of attached items and of those whose status
// is one of doneStatuses.
func (r Repo) SprintPoints(ctx context.Context, q Querier, sprintID string, doneStatuses []string) (total, completed float64, err error) {
	if len(doneStatuses) == 0 {
		doneStatuses = []string{string(domain.StatusDone)}
	}
	args := append(stringArgs(doneStatuses), sprintID)
	var t, c sql.NullFloat64
	err = r.queryRow(ctx, q, `SELECT SUM(story_points), SUM(CASE WHEN status IN (`+placeholders(len(doneStatuses))+`) THEN story_points ELSE 0 END)
FROM work_items WHERE sprint_id=?`, args...).Scan(&t, &c)
	return t.Float64, c.Float64, err
}
