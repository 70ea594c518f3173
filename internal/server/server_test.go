package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"trackline/internal/audit"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/auth"
	"trackline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Audit  *audit.Sink
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer seeds workspace ws-1 (admin "admin") with project proj-1 and
// the users dev (member), watcher (viewer), starter (sprint.start only) and
// outsider (nothing).
func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	conn, dialect, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Engine.RetryBaseDelayMS = 1
	logger := log.New(io.Discard, "", 0)
	e := engine.New(conn, cfg)
	e.Logger = logger
	sink := audit.NewSink(e.Repo, logger, 64)
	e.Audit = sink

	if _, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: "ws-1", Name: "Acme", AdminUserID: "admin"}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if _, err := e.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", WorkspaceID: "ws-1", Name: "Payments", ActorID: "admin"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	for _, id := range []string{"dev", "watcher", "starter", "outsider"} {
		if _, err := e.UpsertUser(ctx, domain.User{ID: id}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	if err := e.AddProjectMember(ctx, "proj-1", "dev", "member"); err != nil {
		t.Fatalf("add dev: %v", err)
	}
	if err := e.AddProjectMember(ctx, "proj-1", "watcher", "viewer"); err != nil {
		t.Fatalf("add watcher: %v", err)
	}
	if err := e.AllowProjectAction(ctx, "proj-1", "user", "starter", string(auth.SprintStart)); err != nil {
		t.Fatalf("allow starter: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, Logger: logger}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Audit:  sink,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			sink.Close(context.Background())
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := MintToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeData[T any](t *testing.T, data []byte) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal data: %v: %s", err, string(data))
	}
	return env.Data
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	if body.Code != code || body.Error == "" {
		t.Fatalf("expected code %q with message, got %+v", code, body)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if got := decodeData[HealthResponse](t, data); got.Status != "ok" {
		t.Fatalf("unexpected health payload %+v", got)
	}
}

func TestRequestsNeedCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	url := srv.URL + "/v1/projects/proj-1/items"

	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	wrong, err := MintToken("other-secret", "dev", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer " + wrong})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"X-Api-Key": "tl_unknown"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), "dev", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/proj-1/items", nil, map[string]string{"X-Api-Key": plain})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with api key status %d: %s", res.StatusCode, string(data))
	}
	page := decodeData[ItemPage](t, data)
	if page.Items == nil || len(page.Items) != 0 {
		t.Fatalf("expected empty item list, got %+v", page)
	}
}

func TestItemLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := bearer(t, "dev")
	base := srv.URL + "/v1/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{
		"title":        "Refund flow",
		"type":         "story",
		"story_points": 3,
		"labels":       []string{"checkout"},
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	first := decodeData[domain.WorkItem](t, data)
	if first.Key != "PAYM-1" || first.Status != "todo" || first.SprintID != nil {
		t.Fatalf("unexpected created item %+v", first)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": ""}, dev)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": "Chargebacks"}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create second item status %d: %s", res.StatusCode, string(data))
	}
	second := decodeData[domain.WorkItem](t, data)
	if second.Key != "PAYM-2" || second.Position <= first.Position {
		t.Fatalf("second item should append: %+v after %+v", second, first)
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/items/"+first.ID, map[string]any{
		"status":       "in_progress",
		"story_points": nil,
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch item status %d: %s", res.StatusCode, string(data))
	}
	patched := decodeData[domain.WorkItem](t, data)
	if patched.Status != "in_progress" || patched.StoryPoints != nil || len(patched.Labels) != 1 {
		t.Fatalf("patch should set status, clear points and keep labels: %+v", patched)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/items?backlog=true&limit=1", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	page := decodeData[ItemPage](t, data)
	if len(page.Items) != 1 || page.Items[0].ID != first.ID || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/items?backlog=true&limit=1&cursor="+page.NextCursor, nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list page 2 status %d: %s", res.StatusCode, string(data))
	}
	page = decodeData[ItemPage](t, data)
	if len(page.Items) != 1 || page.Items[0].ID != second.ID || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/items?flagged=maybe", nil, dev)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodDelete, base+"/items/"+second.ID, nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/items/"+second.ID, nil, dev)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestPermissionsAreResolvedPerRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": "Nope"}, bearer(t, "watcher"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodGet, base+"/items", nil, bearer(t, "watcher"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer list status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/items", nil, bearer(t, "outsider"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	if err := srv.Engine.GrantWorkspacePermission(context.Background(), "ws-1", "outsider", string(auth.ItemView)); err != nil {
		t.Fatalf("grant: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/items", nil, bearer(t, "outsider"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("workspace grant should allow listing, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/missing/items", nil, bearer(t, "admin"))
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestSprintLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := bearer(t, "admin")
	base := srv.URL + "/v1/projects/proj-1"

	createSprint := func(name string) domain.Sprint {
		res, data := doJSON(t, client, http.MethodPost, base+"/sprints", map[string]any{"name": name}, admin)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create sprint status %d: %s", res.StatusCode, string(data))
		}
		return decodeData[domain.Sprint](t, data)
	}
	one := createSprint("Sprint 1")
	two := createSprint("Sprint 2")
	if one.Status != domain.SprintPlanned || two.Position <= one.Position {
		t.Fatalf("unexpected sprints %+v %+v", one, two)
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"title": "Open", "sprint_id": one.ID, "story_points": 5}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	open := decodeData[domain.WorkItem](t, data)

	res, data = doJSON(t, client, http.MethodPatch, base+"/sprints/"+one.ID, map[string]any{"status": "active"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start sprint status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/sprints/"+two.ID, map[string]any{"status": "active"}, admin)
	expectError(t, res, data, http.StatusConflict, "invariant_violation")

	res, data = doJSON(t, client, http.MethodPatch, base+"/sprints/"+two.ID, map[string]any{"status": "completed"}, admin)
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodGet, base+"/sprints?status=active", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list sprints status %d: %s", res.StatusCode, string(data))
	}
	active := decodeData[SprintList](t, data)
	if len(active.Items) != 1 || active.Items[0].ID != one.ID || active.Items[0].TotalPoints != 5 {
		t.Fatalf("unexpected active sprints %+v", active)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/sprints/"+one.ID+"/complete", map[string]any{"disposition": "backlog"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	done := decodeData[CompleteSprintResponse](t, data)
	if done.Sprint.Status != domain.SprintCompleted || len(done.MovedItemIDs) != 1 || done.MovedItemIDs[0] != open.ID {
		t.Fatalf("unexpected completion %+v", done)
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/sprints/"+two.ID, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete sprint status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/sprints/"+two.ID, nil, admin)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestStatusOnlySprintUpdate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/projects/proj-1"
	s, err := srv.Engine.CreateSprint(context.Background(), engine.SprintCreateOptions{ProjectID: "proj-1", Name: "Sprint 1", ActorID: "admin"})
	if err != nil {
		t.Fatalf("create sprint: %v", err)
	}
	starter := bearer(t, "starter")

	res, data := doJSON(t, client, http.MethodPatch, base+"/sprints/"+s.ID, map[string]any{"name": "Renamed", "status": "active"}, starter)
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPatch, base+"/sprints/"+s.ID, map[string]any{"status": "active"}, starter)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status only start status %d: %s", res.StatusCode, string(data))
	}
	if got := decodeData[domain.Sprint](t, data); got.Status != domain.SprintActive || got.Name != "Sprint 1" {
		t.Fatalf("unexpected sprint %+v", got)
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/sprints/"+s.ID, map[string]any{"status": "cancelled"}, starter)
	expectError(t, res, data, http.StatusForbidden, "forbidden")
}

func TestBulkMoveReportsPerItemOutcomes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	dev := bearer(t, "dev")
	base := srv.URL + "/v1/projects/proj-1"
	ctx := context.Background()

	s, err := srv.Engine.CreateSprint(ctx, engine.SprintCreateOptions{ProjectID: "proj-1", Name: "Sprint 1", ActorID: "dev"})
	if err != nil {
		t.Fatalf("create sprint: %v", err)
	}
	var ids []string
	for _, title := range []string{"A", "B"} {
		it, err := srv.Engine.CreateItem(ctx, engine.ItemCreateOptions{ProjectID: "proj-1", Title: title, ActorID: "dev"})
		if err != nil {
			t.Fatalf("create item: %v", err)
		}
		ids = append(ids, it.ID)
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/items/bulk/move", map[string]any{
		"ids":       append(ids, "missing"),
		"sprint_id": s.ID,
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk move status %d: %s", res.StatusCode, string(data))
	}
	result := decodeData[BulkResponse](t, data)
	if result.Affected != 2 || len(result.Outcomes) != 3 {
		t.Fatalf("unexpected bulk result %+v", result)
	}
	statuses := map[string]engine.BulkStatus{}
	for _, o := range result.Outcomes {
		statuses[o.ID] = o.Status
	}
	if statuses["missing"] != engine.BulkNotFound || statuses[ids[0]] != engine.BulkMoved {
		t.Fatalf("unexpected outcomes %+v", result.Outcomes)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/items/bulk/move", map[string]any{"ids": ids, "sprint_id": s.ID}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat bulk move status %d: %s", res.StatusCode, string(data))
	}
	if again := decodeData[BulkResponse](t, data); again.Affected != 2 {
		t.Fatalf("repeating the move should still report every item as affected: %+v", again)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/items/bulk/move", map[string]any{"ids": ids, "sprint_id": nil}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk move to backlog status %d: %s", res.StatusCode, string(data))
	}
	back, err := srv.Engine.GetItem(ctx, "proj-1", ids[1])
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if back.SprintID != nil {
		t.Fatalf("item should be back in the backlog: %+v", back)
	}
}

func TestAuditNeedsProjectAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/projects/proj-1"
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C"} {
		if _, err := srv.Engine.CreateItem(ctx, engine.ItemCreateOptions{ProjectID: "proj-1", Title: title, ActorID: "dev"}); err != nil {
			t.Fatalf("create item: %v", err)
		}
	}
	if err := srv.Audit.Flush(ctx); err != nil {
		t.Fatalf("flush audit: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/audit", nil, bearer(t, "dev"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	admin := bearer(t, "admin")
	res, data = doJSON(t, client, http.MethodGet, base+"/audit?action=item.created&limit=2", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	page := decodeData[AuditPage](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" || page.Items[0].ID < page.Items[1].ID {
		t.Fatalf("unexpected audit page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/audit?action=item.created&limit=2&cursor="+page.NextCursor, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit page 2 status %d: %s", res.StatusCode, string(data))
	}
	if rest := decodeData[AuditPage](t, data); len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("unexpected audit tail %+v", rest)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/audit?cursor=abc", nil, admin)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}
