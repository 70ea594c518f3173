package repo

import (
	"context"
	"strings"

	"trackline/internal/domain"
)

func (r Repo) InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	_, err := r.exec(ctx, r.DB, `INSERT INTO audit_log(workspace_id,project_id,actor_id,action,entity_kind,entity_id,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?)`, e.WorkspaceID, nullable(e.ProjectID), e.ActorID, e.Action, e.EntityKind, e.EntityID, e.Metadata, e.CreatedAt)
	return err
}

type AuditFilters struct {
	ProjectID string
	EntityID  string
	Action    string
	Limit     int
	BeforeID  int64
}

// ListAudit returns entries newest first. BeforeID is inclusive so callers can
// pass the id of the first entry of the next page.
func (r Repo) ListAudit(ctx context.Context, q Querier, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<=?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,workspace_id,COALESCE(project_id,''),actor_id,action,entity_kind,entity_id,metadata_json,created_at
FROM audit_log WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ProjectID, &e.ActorID, &e.Action, &e.EntityKind, &e.EntityID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
