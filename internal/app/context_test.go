package app

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/notify"
	"trackline/internal/repo"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	cfg.Engine.RetryBaseDelayMS = 1
	return cfg
}

func TestOpenWiresRedisNotifications(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Notify.Log = true
	cfg.Notify.RedisURL = "redis://" + s.Addr()
	cfg.Notify.RedisPrefix = "tl:"
	ctx := context.Background()

	a, err := Open(ctx, cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(ctx)
	if _, ok := a.Engine.Notify.(notify.Multi); !ok {
		t.Fatalf("expected fan out dispatcher, got %T", a.Engine.Notify)
	}

	e := a.Engine
	if _, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: "ws-1", Name: "Acme", AdminUserID: "admin"}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if _, err := e.UpsertUser(ctx, domain.User{ID: "bob", Name: "Bob"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := e.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", WorkspaceID: "ws-1", Name: "Payments", ActorID: "admin"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := e.CreateItem(ctx, engine.ItemCreateOptions{ProjectID: "proj-1", Title: "Refunds", ActorID: "admin", AssigneeIDs: []string{"bob"}}); err != nil {
		t.Fatalf("create item: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		items, _ := s.List("tl:notifications")
		if len(items) == 1 {
			if !strings.Contains(items[0], `"kind":"item.assigned"`) || !strings.Contains(items[0], `"item_key":"PAYM-1"`) {
				t.Fatalf("unexpected notification %s", items[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification never reached redis")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenWithoutDispatchersUsesNoop(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(ctx)
	if _, ok := a.Engine.Notify.(notify.Noop); !ok {
		t.Fatalf("expected noop dispatcher, got %T", a.Engine.Notify)
	}
}

func TestOpenFailsOnUnreachableRedis(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	cfg := testConfig(t)
	cfg.Notify.RedisURL = "redis://" + addr
	if _, err := Open(context.Background(), cfg, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("expected redis connection error")
	}
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(ctx)
	e := a.Engine
	if _, err := ResolveProject(ctx, e.Repo, ""); err == nil {
		t.Fatalf("expected error without projects")
	}
	if _, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: "ws-1", Name: "Acme", AdminUserID: "admin"}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	for _, id := range []string{"proj-1", "proj-2"} {
		if _, err := e.CreateProject(ctx, engine.ProjectCreateOptions{ID: id, WorkspaceID: "ws-1", Name: id}); err != nil {
			t.Fatalf("create project: %v", err)
		}
		p, err := ResolveProject(ctx, e.Repo, "")
		if id == "proj-1" && (err != nil || p.ID != "proj-1") {
			t.Fatalf("single project should resolve, got %+v %v", p, err)
		}
		if id == "proj-2" && err == nil {
			t.Fatalf("two projects need an explicit id")
		}
	}
	if p, err := ResolveProject(ctx, e.Repo, "proj-2"); err != nil || p.ID != "proj-2" {
		t.Fatalf("explicit id should win, got %+v %v", p, err)
	}
	if _, err := ResolveProject(ctx, e.Repo, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
