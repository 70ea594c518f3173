package repo

import (
	"context"
	"sort"

	"trackline/internal/config"
	"trackline/internal/domain"
)

func (r Repo) UpsertWorkspaceMember(ctx context.Context, q Querier, workspaceID, userID string, isAdmin bool, now string) error {
	_, err := r.exec(ctx, q, `INSERT INTO workspace_members(workspace_id,user_id,is_admin,created_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id,user_id) DO UPDATE SET is_admin=excluded.is_admin`, workspaceID, userID, isAdmin, now)
	return err
}

func (r Repo) GrantWorkspacePermission(ctx context.Context, q Querier, workspaceID, userID, permission, now string) error {
	_, err := r.exec(ctx, q, `INSERT INTO workspace_grants(workspace_id,user_id,permission,created_at) VALUES (?,?,?,?)
ON CONFLICT DO NOTHING`, workspaceID, userID, permission, now)
	return err
}

func (r Repo) RevokeWorkspacePermission(ctx context.Context, q Querier, workspaceID, userID, permission string) error {
	_, err := r.exec(ctx, q, `DELETE FROM workspace_grants WHERE workspace_id=? AND user_id=? AND permission=?`, workspaceID, userID, permission)
	return err
}

func (r Repo) AddProjectMember(ctx context.Context, q Querier, projectID, userID, role, now string) error {
	_, err := r.exec(ctx, q, `INSERT INTO project_members(project_id,user_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT DO NOTHING`, projectID, userID, role, now)
	return err
}

func (r Repo) RemoveProjectMember(ctx context.Context, q Querier, projectID, userID, role string) error {
	_, err := r.exec(ctx, q, `DELETE FROM project_members WHERE project_id=? AND user_id=? AND role=?`, projectID, userID, role)
	return err
}

// AllowProjectAction records an explicit permission for a user or a role.
func (r Repo) AllowProjectAction(ctx context.Context, q Querier, projectID, subjectType, subjectID, action string) error {
	_, err := r.exec(ctx, q, `INSERT INTO project_permissions(project_id,subject_type,subject_id,action) VALUES (?,?,?,?)
ON CONFLICT DO NOTHING`, projectID, subjectType, subjectID, action)
	return err
}

func (r Repo) DenyProjectAction(ctx context.Context, q Querier, projectID, subjectType, subjectID, action string) error {
	_, err := r.exec(ctx, q, `DELETE FROM project_permissions WHERE project_id=? AND subject_type=? AND subject_id=? AND action=?`,
		projectID, subjectType, subjectID, action)
	return err
}

// SeedRolePermissions writes the policy's role actions as project permission rows.
func (r Repo) SeedRolePermissions(ctx context.Context, q Querier, projectID string, p config.Policy) error {
	roles := make([]string, 0, len(p.Roles))
	for id := range p.Roles {
		roles = append(roles, id)
	}
	sort.Strings(roles)
	for _, roleID := range roles {
		for _, action := range p.Roles[roleID].Actions {
			if err := r.AllowProjectAction(ctx, q, projectID, "role", roleID, action); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) ListProjectMembers(ctx context.Context, q Querier, projectID string) ([]domain.ProjectMember, error) {
	rows, err := r.query(ctx, q, `SELECT project_id,user_id,role FROM project_members WHERE project_id=? ORDER BY user_id, role`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectMember
	for rows.Next() {
		var m domain.ProjectMember
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
