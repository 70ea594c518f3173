package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trackline/internal/db"
	"trackline/internal/domain"
)

// Action names a permission checked before an operation runs.
type Action string

const (
	ItemView       Action = "item.view"
	ItemCreate     Action = "item.create"
	ItemEdit       Action = "item.edit"
	ItemDelete     Action = "item.delete"
	SprintView     Action = "sprint.view"
	SprintCreate   Action = "sprint.create"
	SprintEdit     Action = "sprint.edit"
	SprintStart    Action = "sprint.start"
	SprintComplete Action = "sprint.complete"
	SprintCancel   Action = "sprint.cancel"
	SprintDelete   Action = "sprint.delete"
	ProjectAdmin   Action = "project.admin"

	// AnyAction may only appear in workspace grants.
	AnyAction Action = "*"
)

var knownActions = map[Action]struct{}{
	ItemView: {}, ItemCreate: {}, ItemEdit: {}, ItemDelete: {},
	SprintView: {}, SprintCreate: {}, SprintEdit: {}, SprintStart: {},
	SprintComplete: {}, SprintCancel: {}, SprintDelete: {}, ProjectAdmin: {},
}

func (a Action) IsKnown() bool {
	_, ok := knownActions[a]
	return ok
}

// KnownActions lists every action a role or grant may carry.
func KnownActions() []Action {
	return []Action{
		ItemView, ItemCreate, ItemEdit, ItemDelete,
		SprintView, SprintCreate, SprintEdit, SprintStart,
		SprintComplete, SprintCancel, SprintDelete, ProjectAdmin,
	}
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

type Request struct {
	UserID      string
	WorkspaceID string
	ProjectID   string
	Action      Action
}

// Resolver decides whether a user may perform an action. Decisions are not
// cached; every call reads the current grants.
type Resolver interface {
	Authorize(ctx context.Context, req Request) (bool, error)
}

// SQLResolver ORs the workspace admin flag, project level permission rows
// and workspace grants.
type SQLResolver struct {
	DB      *sql.DB
	Dialect db.Dialect
}

func (s SQLResolver) Authorize(ctx context.Context, req Request) (bool, error) {
	if req.UserID == "" {
		return false, nil
	}
	checks := []func(context.Context, Request) (bool, error){
		s.isWorkspaceAdmin,
		s.hasProjectPermission,
		s.hasWorkspaceGrant,
	}
	for _, check := range checks {
		ok, err := check(ctx, req)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s SQLResolver) isWorkspaceAdmin(ctx context.Context, req Request) (bool, error) {
	if req.WorkspaceID == "" {
		return false, nil
	}
	var admin bool
	err := s.DB.QueryRowContext(ctx, s.Dialect.Rebind(`SELECT is_admin FROM workspace_members WHERE workspace_id=? AND user_id=?`),
		req.WorkspaceID, req.UserID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return admin, err
}

func (s SQLResolver) hasProjectPermission(ctx context.Context, req Request) (bool, error) {
	if req.ProjectID == "" {
		return false, nil
	}
	return s.exists(ctx, `
SELECT 1 FROM project_permissions pp
WHERE pp.project_id=? AND pp.action=? AND (
  (pp.subject_type='user' AND pp.subject_id=?)
  OR (pp.subject_type='role' AND pp.subject_id IN (SELECT role FROM project_members WHERE project_id=? AND user_id=?))
) LIMIT 1`, req.ProjectID, string(req.Action), req.UserID, req.ProjectID, req.UserID)
}

func (s SQLResolver) hasWorkspaceGrant(ctx context.Context, req Request) (bool, error) {
	if req.WorkspaceID == "" {
		return false, nil
	}
	return s.exists(ctx, `SELECT 1 FROM workspace_grants WHERE workspace_id=? AND user_id=? AND (permission=? OR permission=?) LIMIT 1`,
		req.WorkspaceID, req.UserID, string(req.Action), string(AnyAction))
}

func (s SQLResolver) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.Dialect.Rebind(query), args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError when the resolver denies the request.
func Require(ctx context.Context, r Resolver, req Request) error {
	return RequireAny(ctx, r, req, req.Action)
}

// RequireAny authorizes the request when any of the actions is granted.
func RequireAny(ctx context.Context, r Resolver, req Request, actions ...Action) error {
	if len(actions) == 0 {
		return errors.New("no action to authorize")
	}
	for _, a := range actions {
		req.Action = a
		ok, err := r.Authorize(ctx, req)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ForbiddenError{Permission: string(actions[0])}
}

// SprintChange describes what a sprint update touches.
type SprintChange struct {
	From        domain.SprintStatus
	To          domain.SprintStatus
	OtherFields bool
}

// TransitionAction is the narrow permission that covers moving a sprint into status.
func TransitionAction(to domain.SprintStatus) (Action, bool) {
	switch to {
	case domain.SprintActive:
		return SprintStart, true
	case domain.SprintCompleted:
		return SprintComplete, true
	case domain.SprintCancelled:
		return SprintCancel, true
	}
	return "", false
}

// SprintUpdateActions returns the actions any one of which authorizes the
// change. A status only change accepts the transition permission as well as
// sprint.edit; touching anything else always needs sprint.edit.
func SprintUpdateActions(c SprintChange) []Action {
	statusChange := c.To != "" && c.To != c.From
	if c.OtherFields || !statusChange {
		return []Action{SprintEdit}
	}
	if a, ok := TransitionAction(c.To); ok {
		return []Action{a, SprintEdit}
	}
	return []Action{SprintEdit}
}

// AuthorizeSprintUpdate applies SprintUpdateActions.
func AuthorizeSprintUpdate(ctx context.Context, r Resolver, req Request, c SprintChange) error {
	return RequireAny(ctx, r, req, SprintUpdateActions(c)...)
}
