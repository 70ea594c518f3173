package engine_test

import (
	"errors"
	"testing"

	"trackline/internal/audit"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/repo"
)

func outcomeOf(t *testing.T, res engine.BulkResult, id string) engine.BulkOutcome {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.ID == id {
			return o
		}
	}
	t.Fatalf("no outcome for %s", id)
	return engine.BulkOutcome{}
}

func TestBulkMoveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s := env.sprint(t, "Sprint 1")
	a := env.item(t, "a")
	b := env.item(t, "b")
	opts := engine.BulkMoveOptions{ProjectID: env.Project.ID, ActorID: "alice", IDs: []string{a.ID, b.ID, a.ID}, SprintID: s.ID}
	res, err := env.Engine.BulkMove(env.Ctx, opts)
	if err != nil {
		t.Fatalf("bulk move: %v", err)
	}
	if res.Affected != 2 || len(res.Outcomes) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	assertUniquePositions(t, env, repo.ItemFilters{SprintID: s.ID})
	again, err := env.Engine.BulkMove(env.Ctx, opts)
	if err != nil {
		t.Fatalf("repeat bulk move: %v", err)
	}
	if again.Affected != 2 || outcomeOf(t, again, a.ID).Status != engine.BulkUnchanged {
		t.Fatalf("repeat should be a no-op: %+v", again)
	}
}

func TestBulkMoveSkipsEpicsAndForeignItems(t *testing.T) {
	env := newTestEnv(t)
	s := env.sprint(t, "Sprint 1")
	epic := env.item(t, "epic", func(o *engine.ItemCreateOptions) { o.Type = string(domain.TypeEpic) })
	task := env.item(t, "task")
	other, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-2", WorkspaceID: "ws-1", Name: "Other"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	foreign, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{ProjectID: other.ID, Title: "foreign"})
	if err != nil {
		t.Fatalf("create foreign item: %v", err)
	}
	res, err := env.Engine.BulkMove(env.Ctx, engine.BulkMoveOptions{
		ProjectID: env.Project.ID, IDs: []string{epic.ID, task.ID, foreign.ID}, SprintID: s.ID,
	})
	if err != nil {
		t.Fatalf("bulk move: %v", err)
	}
	if res.Affected != 1 {
		t.Fatalf("expected one affected item, got %+v", res)
	}
	if o := outcomeOf(t, res, epic.ID); o.Status != engine.BulkSkipped || o.Error == "" {
		t.Fatalf("epic should be skipped: %+v", o)
	}
	if o := outcomeOf(t, res, foreign.ID); o.Status != engine.BulkNotFound {
		t.Fatalf("foreign item should be not found: %+v", o)
	}
	if got := env.get(t, epic.ID); got.SprintID != nil {
		t.Fatalf("epic must stay in the backlog")
	}
}

func TestBulkMoveRejectsClosedDestination(t *testing.T) {
	env := newTestEnv(t)
	s := env.sprint(t, "Sprint 1")
	if _, err := env.Engine.CancelSprint(env.Ctx, env.Project.ID, s.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	it := env.item(t, "a")
	_, err := env.Engine.BulkMove(env.Ctx, engine.BulkMoveOptions{ProjectID: env.Project.ID, IDs: []string{it.ID}, SprintID: s.ID})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.BulkMove(env.Ctx, engine.BulkMoveOptions{ProjectID: env.Project.ID})
	if !errors.As(err, &ve) {
		t.Fatalf("empty id list should be rejected, got %v", err)
	}
}

func TestBulkDeleteReportsPartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "parent")
	child := env.item(t, "child", func(o *engine.ItemCreateOptions) { o.ParentID = parent.ID })
	lone := env.item(t, "lone")
	res, err := env.Engine.BulkDelete(env.Ctx, engine.BulkDeleteOptions{
		ProjectID: env.Project.ID, ActorID: "alice", IDs: []string{parent.ID, lone.ID, "missing"},
	})
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if res.Affected != 2 {
		t.Fatalf("expected 2 affected, got %+v", res)
	}
	if o := outcomeOf(t, res, "missing"); o.Status != engine.BulkNotFound {
		t.Fatalf("missing id: %+v", o)
	}
	if _, err := env.Engine.GetItem(env.Ctx, env.Project.ID, child.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("child should be cascaded: %v", err)
	}
	for _, ev := range env.Audit.events[len(env.Audit.events)-2:] {
		if ev.Metadata.Action() != audit.ActionItemDeleted {
			t.Fatalf("unexpected audit action %s", ev.Metadata.Action())
		}
	}
}
