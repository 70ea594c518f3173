package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"trackline/internal/audit"
	"trackline/internal/domain"
	"trackline/internal/repo"
)

// DispositionBacklog sends unfinished items of a completed sprint to the backlog.
const DispositionBacklog = "backlog"

type SprintCreateOptions struct {
	ProjectID string
	ActorID   string
	Name      string
	Goal      string
	StartDate string
	EndDate   string
}

func (e Engine) CreateSprint(ctx context.Context, opts SprintCreateOptions) (domain.Sprint, error) {
	ctx = context.WithoutCancel(ctx)
	s := domain.Sprint{
		Name:      strings.TrimSpace(opts.Name),
		Goal:      opts.Goal,
		Status:    domain.SprintPlanned,
		StartDate: optionalString(opts.StartDate),
		EndDate:   optionalString(opts.EndDate),
	}
	if err := validateSprint(s); err != nil {
		return domain.Sprint{}, err
	}
	project, err := e.Repo.GetProject(ctx, e.DB, opts.ProjectID)
	if err != nil {
		return domain.Sprint{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	s.ProjectID = project.ID
	s.WorkspaceID = project.WorkspaceID
	err = e.retryOnConflict(ctx, "create sprint", func(int) error {
		return e.withTx(ctx, func(tx *sql.Tx) error {
			highest, ok, err := e.Repo.MaxSprintPosition(ctx, tx, project.ID)
			if err != nil {
				return err
			}
			s.Position = Gap
			if ok {
				s.Position = highest + Gap
			}
			s.ID = uuid.NewString()
			now := e.timestamp()
			s.CreatedAt, s.UpdatedAt = now, now
			return e.Repo.InsertSprint(ctx, tx, s)
		})
	})
	if err != nil {
		return domain.Sprint{}, err
	}
	e.record(audit.Event{
		WorkspaceID: s.WorkspaceID, ProjectID: s.ProjectID, ActorID: opts.ActorID,
		EntityKind: "sprint", EntityID: s.ID,
		Metadata: audit.SprintCreated{Name: s.Name, Position: s.Position},
	})
	return s, nil
}

func validateSprint(s domain.Sprint) error {
	if s.Name == "" {
		return invalid("name", "is required")
	}
	if err := validateDate("start_date", s.StartDate); err != nil {
		return err
	}
	if err := validateDate("end_date", s.EndDate); err != nil {
		return err
	}
	if s.StartDate != nil && s.EndDate != nil && *s.EndDate < *s.StartDate {
		return invalid("end_date", "must not be before start_date")
	}
	return nil
}

func ensureSprintTransition(from, to domain.SprintStatus) error {
	ok := false
	switch from {
	case domain.SprintPlanned:
		ok = to == domain.SprintActive || to == domain.SprintCancelled
	case domain.SprintActive:
		ok = to == domain.SprintCompleted || to == domain.SprintCancelled
	}
	if !ok {
		return TransitionError{Entity: "sprint", From: string(from), To: string(to)}
	}
	return nil
}

// GetSprint returns the sprint with its point totals.
func (e Engine) GetSprint(ctx context.Context, projectID, id string) (domain.Sprint, error) {
	s, err := e.Repo.GetSprintInProject(ctx, e.DB, projectID, id)
	if err != nil {
		return s, err
	}
	done := e.doneStatuses(ctx, e.DB, projectID)
	s.TotalPoints, s.CompletedPoints, err = e.Repo.SprintPoints(ctx, e.DB, s.ID, done)
	return s, err
}

func (e Engine) ListSprints(ctx context.Context, projectID, status string) ([]domain.Sprint, error) {
	if status != "" && !domain.SprintStatus(status).IsValid() {
		return nil, invalid("status", "invalid sprint status %q", status)
	}
	if _, err := e.Repo.GetProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	sprints, err := e.Repo.ListSprints(ctx, e.DB, repo.SprintFilters{ProjectID: projectID, Status: status})
	if err != nil {
		return nil, err
	}
	done := e.doneStatuses(ctx, e.DB, projectID)
	for i := range sprints {
		sprints[i].TotalPoints, sprints[i].CompletedPoints, err = e.Repo.SprintPoints(ctx, e.DB, sprints[i].ID, done)
		if err != nil {
			return nil, err
		}
	}
	return sprints, nil
}

// doneStatuses lists the item statuses that count as finished for the project.
func (e Engine) doneStatuses(ctx context.Context, q repo.Querier, projectID string) []string {
	out := []string{string(domain.StatusDone)}
	policy, err := e.Repo.GetProjectPolicy(ctx, q, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.logf("engine: load policy of %s: %v", projectID, err)
		}
		if e.Config == nil {
			return out
		}
		policy = e.Config.Policy
	}
	for _, st := range policy.Workflow.DoneStatuses {
		if st != string(domain.StatusDone) {
			out = append(out, st)
		}
	}
	return out
}

type SprintUpdateOptions struct {
	ProjectID string
	ID        string
	ActorID   string
	Name      *string
	Goal      *string
	StartDate Nullable[string]
	EndDate   Nullable[string]
	Status    *string
}

// OtherFields reports whether the update touches anything besides status.
func (o SprintUpdateOptions) OtherFields() bool {
	return o.Name != nil || o.Goal != nil || o.StartDate.Set || o.EndDate.Set
}

// UpdateSprint edits fields and optionally applies a status transition in one
// transaction. Completing through this path leaves unfinished items attached.
func (e Engine) UpdateSprint(ctx context.Context, opts SprintUpdateOptions) (domain.Sprint, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		before, after domain.Sprint
		changes       []audit.FieldChange
	)
	if opts.Status != nil && !domain.SprintStatus(*opts.Status).IsValid() {
		return domain.Sprint{}, invalid("status", "invalid sprint status %q", *opts.Status)
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetSprintInProject(ctx, tx, opts.ProjectID, opts.ID)
		if err != nil {
			return err
		}
		next := cur
		if opts.Name != nil {
			next.Name = strings.TrimSpace(*opts.Name)
		}
		if opts.Goal != nil {
			next.Goal = *opts.Goal
		}
		if opts.StartDate.Set {
			next.StartDate = nonEmpty(opts.StartDate.Value)
		}
		if opts.EndDate.Set {
			next.EndDate = nonEmpty(opts.EndDate.Value)
		}
		if err := validateSprint(next); err != nil {
			return err
		}
		now := e.timestamp()
		changes = diffSprints(cur, next)
		if len(changes) > 0 {
			if cur.Status.IsTerminal() {
				return InvariantError{Message: fmt.Sprintf("sprint %s is %s and can no longer be edited", cur.Name, cur.Status)}
			}
			next.UpdatedAt = now
			if err := e.Repo.UpdateSprintFields(ctx, tx, next); err != nil {
				return err
			}
		}
		if opts.Status != nil && domain.SprintStatus(*opts.Status) != cur.Status {
			to := domain.SprintStatus(*opts.Status)
			if err := e.transitionSprint(ctx, tx, cur, to, now); err != nil {
				return err
			}
			next.Status = to
			next.UpdatedAt = now
			switch to {
			case domain.SprintActive:
				next.StartedAt = &now
			case domain.SprintCompleted:
				next.CompletedAt = &now
			}
		}
		before, after = cur, next
		return nil
	})
	if err != nil {
		return domain.Sprint{}, err
	}
	var meta audit.Metadata
	switch {
	case before.Status != after.Status:
		meta = audit.SprintTransitioned{From: string(before.Status), To: string(after.Status), Changes: changes}
	case len(changes) > 0:
		meta = audit.SprintUpdated{Changes: changes}
	}
	if meta != nil {
		e.record(audit.Event{
			WorkspaceID: after.WorkspaceID, ProjectID: after.ProjectID, ActorID: opts.ActorID,
			EntityKind: "sprint", EntityID: after.ID, Metadata: meta,
		})
	}
	done := e.doneStatuses(ctx, e.DB, after.ProjectID)
	after.TotalPoints, after.CompletedPoints, err = e.Repo.SprintPoints(ctx, e.DB, after.ID, done)
	if err != nil {
		e.logf("engine: sprint points of %s: %v", after.ID, err)
	}
	return after, nil
}

func diffSprints(a, b domain.Sprint) []audit.FieldChange {
	var out []audit.FieldChange
	if a.Name != b.Name {
		out = append(out, audit.FieldChange{Field: "name", From: a.Name, To: b.Name})
	}
	if a.Goal != b.Goal {
		out = append(out, audit.FieldChange{Field: "goal", From: a.Goal, To: b.Goal})
	}
	if !equalPtr(a.StartDate, b.StartDate) {
		out = append(out, audit.FieldChange{Field: "start_date", From: a.StartDate, To: b.StartDate})
	}
	if !equalPtr(a.EndDate, b.EndDate) {
		out = append(out, audit.FieldChange{Field: "end_date", From: a.EndDate, To: b.EndDate})
	}
	return out
}

// transitionSprint writes a status change after checking the state machine.
// Activation is a conditional write so that a concurrent activation of a
// sibling sprint cannot slip between the check and the update.
func (e Engine) transitionSprint(ctx context.Context, q repo.Querier, s domain.Sprint, to domain.SprintStatus, now string) error {
	if err := ensureSprintTransition(s.Status, to); err != nil {
		return err
	}
	if to != domain.SprintActive {
		return e.Repo.TransitionSprint(ctx, q, s.ID, s.Status, to, now)
	}
	ok, err := e.Repo.ActivateSprint(ctx, q, s, s.Status, now)
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return InvariantError{Message: "project already has an active sprint"}
		}
		return err
	}
	if !ok {
		return InvariantError{Message: "project already has an active sprint"}
	}
	return nil
}

func (e Engine) StartSprint(ctx context.Context, projectID, id, actorID string) (domain.Sprint, error) {
	status := string(domain.SprintActive)
	return e.UpdateSprint(ctx, SprintUpdateOptions{ProjectID: projectID, ID: id, ActorID: actorID, Status: &status})
}

func (e Engine) CancelSprint(ctx context.Context, projectID, id, actorID string) (domain.Sprint, error) {
	status := string(domain.SprintCancelled)
	return e.UpdateSprint(ctx, SprintUpdateOptions{ProjectID: projectID, ID: id, ActorID: actorID, Status: &status})
}

type CompleteSprintOptions struct {
	ProjectID string
	ID        string
	ActorID   string
	// Disposition is empty, DispositionBacklog or the id of another sprint.
	Disposition string
}

type CompleteSprintResult struct {
	Sprint       domain.Sprint `json:"sprint"`
	MovedItemIDs []string      `json:"moved_item_ids"`
}

// CompleteSprint flips an active sprint to completed. With a disposition,
// every unfinished item moves to the backlog or the target sprint in the
// same transaction; finished items stay attached.
func (e Engine) CompleteSprint(ctx context.Context, opts CompleteSprintOptions) (CompleteSprintResult, error) {
	ctx = context.WithoutCancel(ctx)
	disposition := strings.TrimSpace(opts.Disposition)
	var (
		res             CompleteSprintResult
		total, finished float64
	)
	err := e.retryOnConflict(ctx, "complete sprint", func(int) error {
		var err error
		res, total, finished, err = e.completeSprintTx(ctx, opts, disposition)
		return err
	})
	if err != nil {
		return CompleteSprintResult{}, err
	}
	s := res.Sprint
	e.record(audit.Event{
		WorkspaceID: s.WorkspaceID, ProjectID: s.ProjectID, ActorID: opts.ActorID,
		EntityKind: "sprint", EntityID: s.ID,
		Metadata: audit.SprintCompleted{Disposition: disposition, MovedItemIDs: res.MovedItemIDs, TotalPoints: total, CompletedPoints: finished},
	})
	res.Sprint.TotalPoints, res.Sprint.CompletedPoints, err = e.Repo.SprintPoints(ctx, e.DB, s.ID, e.doneStatuses(ctx, e.DB, s.ProjectID))
	if err != nil {
		e.logf("engine: sprint points of %s: %v", s.ID, err)
	}
	return res, nil
}

// completeSprintTx is one attempt of CompleteSprint. Appending into the
// destination bucket can collide with a concurrent append.
func (e Engine) completeSprintTx(ctx context.Context, opts CompleteSprintOptions, disposition string) (res CompleteSprintResult, total, finished float64, err error) {
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		s, err := e.Repo.GetSprintInProject(ctx, tx, opts.ProjectID, opts.ID)
		if err != nil {
			return err
		}
		if err := ensureSprintTransition(s.Status, domain.SprintCompleted); err != nil {
			return err
		}
		move := disposition != ""
		var dest *string
		if move && disposition != DispositionBacklog {
			if disposition == s.ID {
				return invalid("disposition", "cannot move items into the sprint being completed")
			}
			target, err := e.openSprint(ctx, tx, opts.ProjectID, disposition)
			if err != nil {
				return err
			}
			dest = &target.ID
		}
		done := map[string]bool{}
		for _, st := range e.doneStatuses(ctx, tx, opts.ProjectID) {
			done[st] = true
		}
		items, err := e.Repo.ListSprintItems(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		if err := e.transitionSprint(ctx, tx, s, domain.SprintCompleted, now); err != nil {
			return err
		}
		res.MovedItemIDs = []string{}
		for _, it := range items {
			if it.StoryPoints != nil {
				total += *it.StoryPoints
				if done[string(it.Status)] {
					finished += *it.StoryPoints
				}
			}
			if !move || done[string(it.Status)] {
				continue
			}
			pos, err := e.appendPosition(ctx, tx, opts.ProjectID, domain.BucketFor(dest))
			if err != nil {
				return err
			}
			if err := e.Repo.MoveItem(ctx, tx, it.ID, dest, pos, now); err != nil {
				return fmt.Errorf("move %s: %w", it.Key, err)
			}
			res.MovedItemIDs = append(res.MovedItemIDs, it.ID)
		}
		s.Status = domain.SprintCompleted
		s.CompletedAt = &now
		s.UpdatedAt = now
		res.Sprint = s
		return nil
	})
	return res, total, finished, err
}

// DeleteSprint moves every item of the sprint to the end of the backlog and
// removes the sprint, whatever its status.
func (e Engine) DeleteSprint(ctx context.Context, projectID, id, actorID string) ([]string, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		s     domain.Sprint
		moved []string
	)
	err := e.retryOnConflict(ctx, "delete sprint", func(int) error {
		return e.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			s, err = e.Repo.GetSprintInProject(ctx, tx, projectID, id)
			if err != nil {
				return err
			}
			items, err := e.Repo.ListSprintItems(ctx, tx, s.ID)
			if err != nil {
				return err
			}
			now := e.timestamp()
			moved = []string{}
			for _, it := range items {
				pos, err := e.appendPosition(ctx, tx, projectID, domain.Backlog)
				if err != nil {
					return err
				}
				if err := e.Repo.MoveItem(ctx, tx, it.ID, nil, pos, now); err != nil {
					return fmt.Errorf("move %s: %w", it.Key, err)
				}
				moved = append(moved, it.ID)
			}
			return e.Repo.DeleteSprint(ctx, tx, s.ID)
		})
	})
	if err != nil {
		return nil, err
	}
	e.record(audit.Event{
		WorkspaceID: s.WorkspaceID, ProjectID: s.ProjectID, ActorID: actorID,
		EntityKind: "sprint", EntityID: s.ID,
		Metadata: audit.SprintDeleted{Name: s.Name, MovedItemIDs: moved},
	})
	return moved, nil
}
