package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"trackline/internal/audit"
	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/repo"
)

type WorkspaceCreateOptions struct {
	ID   string
	Name string
	// AdminUserID, when set, is created if needed and flagged as workspace admin.
	AdminUserID   string
	AdminUserName string
}

func (e Engine) CreateWorkspace(ctx context.Context, opts WorkspaceCreateOptions) (domain.Workspace, error) {
	w := domain.Workspace{ID: strings.TrimSpace(opts.ID), Name: strings.TrimSpace(opts.Name), CreatedAt: e.timestamp()}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Name == "" {
		return domain.Workspace{}, invalid("name", "is required")
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertWorkspace(ctx, tx, w); err != nil {
			if repo.IsUniqueViolation(err) {
				return fmt.Errorf("workspace %s already exists: %w", w.ID, repo.ErrConflict)
			}
			return err
		}
		if opts.AdminUserID == "" {
			return nil
		}
		if err := e.ensureUser(ctx, tx, opts.AdminUserID, opts.AdminUserName); err != nil {
			return err
		}
		return e.Repo.UpsertWorkspaceMember(ctx, tx, w.ID, opts.AdminUserID, true, w.CreatedAt)
	})
	if err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

func (e Engine) ensureUser(ctx context.Context, q repo.Querier, id, name string) error {
	if _, err := e.Repo.GetUser(ctx, q, id); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if name == "" {
		name = id
	}
	return e.Repo.UpsertUser(ctx, q, domain.User{ID: id, Name: name, CreatedAt: e.timestamp()})
}

// UpsertUser adds or renames a user of the directory.
func (e Engine) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.Name = strings.TrimSpace(u.Name)
	if u.ID == "" {
		return domain.User{}, invalid("id", "is required")
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	if u.CreatedAt == "" {
		u.CreatedAt = e.timestamp()
	}
	if err := e.Repo.UpsertUser(ctx, e.DB, u); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, e.DB, u.ID)
}

type ProjectCreateOptions struct {
	ID          string
	WorkspaceID string
	Name        string
	ActorID     string
	// Policy overrides the configured default roles and workflow.
	Policy *config.Policy
}

// CreateProject stores the project with a copy of the policy and seeds the
// role permissions it defines.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	p := domain.Project{
		ID:          strings.TrimSpace(opts.ID),
		WorkspaceID: strings.TrimSpace(opts.WorkspaceID),
		Name:        strings.TrimSpace(opts.Name),
		CreatedAt:   e.timestamp(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		return domain.Project{}, invalid("name", "is required")
	}
	policy := config.Default().Policy
	if e.Config != nil {
		policy = e.Config.Policy
	}
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := policy.Validate(); err != nil {
		return domain.Project{}, invalid("policy", "%v", err)
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetWorkspace(ctx, tx, p.WorkspaceID); err != nil {
			return fmt.Errorf("workspace %s: %w", p.WorkspaceID, err)
		}
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			if repo.IsUniqueViolation(err) {
				return fmt.Errorf("project %s already exists: %w", p.ID, repo.ErrConflict)
			}
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.UpsertProjectPolicy(ctx, tx, p.ID, policy); err != nil {
			return fmt.Errorf("insert project policy: %w", err)
		}
		return e.Repo.SeedRolePermissions(ctx, tx, p.ID, policy)
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.record(audit.Event{
		WorkspaceID: p.WorkspaceID, ProjectID: p.ID, ActorID: opts.ActorID,
		EntityKind: "project", EntityID: p.ID, Metadata: audit.ProjectCreated{Name: p.Name},
	})
	return p, nil
}

func (e Engine) AddWorkspaceMember(ctx context.Context, workspaceID, userID string, admin bool) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetWorkspace(ctx, tx, workspaceID); err != nil {
			return fmt.Errorf("workspace %s: %w", workspaceID, err)
		}
		if err := e.ensureUser(ctx, tx, userID, ""); err != nil {
			return err
		}
		return e.Repo.UpsertWorkspaceMember(ctx, tx, workspaceID, userID, admin, e.timestamp())
	})
}

// GrantWorkspacePermission gives a user an action, or "*", on every project
// of the workspace.
func (e Engine) GrantWorkspacePermission(ctx context.Context, workspaceID, userID, permission string) error {
	a := auth.Action(permission)
	if a != auth.AnyAction && !a.IsKnown() {
		return invalid("permission", "unknown permission %q", permission)
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetWorkspace(ctx, tx, workspaceID); err != nil {
			return fmt.Errorf("workspace %s: %w", workspaceID, err)
		}
		return e.Repo.GrantWorkspacePermission(ctx, tx, workspaceID, userID, permission, e.timestamp())
	})
}

func (e Engine) RevokeWorkspacePermission(ctx context.Context, workspaceID, userID, permission string) error {
	return e.Repo.RevokeWorkspacePermission(ctx, e.DB, workspaceID, userID, permission)
}

// AddProjectMember attaches a user to the project under a role defined by the
// project policy.
func (e Engine) AddProjectMember(ctx context.Context, projectID, userID, role string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		policy, err := e.Repo.GetProjectPolicy(ctx, tx, projectID)
		if errors.Is(err, repo.ErrNotFound) && e.Config != nil {
			policy, err = e.Config.Policy, nil
		}
		if err != nil {
			return err
		}
		if _, ok := policy.Roles[role]; !ok {
			return invalid("role", "unknown role %q", role)
		}
		if err := e.ensureUser(ctx, tx, userID, ""); err != nil {
			return err
		}
		return e.Repo.AddProjectMember(ctx, tx, projectID, userID, role, e.timestamp())
	})
}

// AllowProjectAction records an explicit permission for a user or a role.
func (e Engine) AllowProjectAction(ctx context.Context, projectID, subjectType, subjectID, action string) error {
	if subjectType != "user" && subjectType != "role" {
		return invalid("subject_type", "must be user or role")
	}
	if !auth.Action(action).IsKnown() {
		return invalid("action", "unknown action %q", action)
	}
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	return e.Repo.AllowProjectAction(ctx, e.DB, projectID, subjectType, subjectID, action)
}

// ProjectPolicy returns the stored policy, falling back to the configured one.
func (e Engine) ProjectPolicy(ctx context.Context, projectID string) (config.Policy, error) {
	p, err := e.Repo.GetProjectPolicy(ctx, e.DB, projectID)
	if errors.Is(err, repo.ErrNotFound) && e.Config != nil {
		return e.Config.Policy, nil
	}
	return p, err
}

// CreateAPIKey stores the hash of a fresh key and returns the plain key once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	if _, err := e.Repo.GetUser(ctx, e.DB, userID); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("user %s: %w", userID, err)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "tl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, e.DB, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ListAudit returns audit entries of a project, newest first.
func (e Engine) ListAudit(ctx context.Context, f repo.AuditFilters) ([]domain.AuditEntry, error) {
	if _, err := e.Repo.GetProject(ctx, e.DB, f.ProjectID); err != nil {
		return nil, err
	}
	return e.Repo.ListAudit(ctx, e.DB, f)
}
