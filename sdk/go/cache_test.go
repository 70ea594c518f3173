package tracklinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeAPI serves the subset of routes the cache uses over an in-memory map.
type fakeAPI struct {
	mu    sync.Mutex
	items map[string]Item
	// failing makes every mutation return 500.
	failing bool
	// refuse lists ids the server reports as failed.
	refuse map[string]bool
	moves  int
}

func newFakeAPI(items ...Item) *fakeAPI {
	f := &fakeAPI{items: map[string]Item{}, refuse: map[string]bool{}}
	for _, it := range items {
		f.items[it.ID] = it
	}
	return f
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": code})
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/{project}/items", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		page := ItemPage{Items: []Item{}}
		for _, it := range f.items {
			page.Items = append(page.Items, it)
		}
		writeData(w, http.StatusOK, page)
	})
	mux.HandleFunc("GET /v1/projects/{project}/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		it, ok := f.items[r.PathValue("id")]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "not found")
			return
		}
		writeData(w, http.StatusOK, it)
	})
	mux.HandleFunc("PATCH /v1/projects/{project}/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failing {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		it, ok := f.items[r.PathValue("id")]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "not found")
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if v, ok := body["status"].(string); ok {
			it.Status = v
		}
		if v, ok := body["title"].(string); ok {
			it.Title = v
		}
		it.UpdatedAt = "server"
		f.items[it.ID] = it
		writeData(w, http.StatusOK, it)
	})
	mux.HandleFunc("POST /v1/projects/{project}/items/bulk/move", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.moves++
		if f.failing {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		var body struct {
			IDs      []string `json:"ids"`
			SprintID *string  `json:"sprint_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		res := BulkResult{Outcomes: []BulkOutcome{}}
		for i, id := range body.IDs {
			it, ok := f.items[id]
			switch {
			case !ok:
				res.Outcomes = append(res.Outcomes, BulkOutcome{ID: id, Status: "not_found"})
			case f.refuse[id]:
				res.Outcomes = append(res.Outcomes, BulkOutcome{ID: id, Status: "failed", Error: "boom"})
			default:
				it.SprintID = body.SprintID
				it.Position = int64(5000 + i)
				f.items[id] = it
				res.Affected++
				res.Outcomes = append(res.Outcomes, BulkOutcome{ID: id, Status: "moved"})
			}
		}
		writeData(w, http.StatusOK, res)
	})
	mux.HandleFunc("POST /v1/projects/{project}/items/bulk/delete", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failing {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		var body struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		res := BulkResult{Outcomes: []BulkOutcome{}}
		for _, id := range body.IDs {
			switch {
			case f.refuse[id]:
				res.Outcomes = append(res.Outcomes, BulkOutcome{ID: id, Status: "failed", Error: "boom"})
			case f.items[id].ID == "":
				res.Outcomes = append(res.Outcomes, BulkOutcome{ID: id, Status: "not_found"})
			default:
				delete(f.items, id)
				res.Affected++
				res.Outcomes = append(res.Outcomes, BulkOutcome{ID: id, Status: "deleted"})
			}
		}
		writeData(w, http.StatusOK, res)
	})
	return mux
}

func strPtr(s string) *string { return &s }

func seedItems() []Item {
	return []Item{
		{ID: "a", Key: "PAYM-1", Title: "A", Status: "todo", Position: 1000, Labels: []string{"x"}},
		{ID: "b", Key: "PAYM-2", Title: "B", Status: "todo", Position: 2000},
		{ID: "c", Key: "PAYM-3", Title: "C", Status: "todo", Position: 1000, SprintID: strPtr("s1")},
		{ID: "d", Key: "PAYM-4", Title: "D", Status: "todo", Position: 3000, ParentID: strPtr("b")},
	}
}

func newTestCache(t *testing.T) (*Cache, *fakeAPI) {
	t.Helper()
	api := newFakeAPI(seedItems()...)
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	cache := NewCache(New(srv.URL, "proj-1"))
	if err := cache.Load(context.Background(), ItemQuery{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cache.Len() != 4 {
		t.Fatalf("expected 4 cached items, got %d", cache.Len())
	}
	return cache, api
}

func bucketIDs(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyAndRollbackRestoresSnapshot(t *testing.T) {
	cache, _ := newTestCache(t)
	before, _ := cache.Item("a")
	pc := cache.Apply([]string{"a", "missing"}, func(it *Item) bool {
		it.Title = "changed"
		it.Labels[0] = "mutated"
		return true
	})
	if got, _ := cache.Item("a"); got.Title != "changed" {
		t.Fatalf("optimistic state not applied: %+v", got)
	}
	if touched := pc.Touched(); !equalIDs(touched, []string{"a"}) {
		t.Fatalf("unexpected touched ids %v", touched)
	}
	pc.Rollback()
	after, _ := cache.Item("a")
	if after.Title != before.Title || after.Labels[0] != "x" {
		t.Fatalf("rollback should restore the exact snapshot, got %+v", after)
	}
	pc.Rollback()
	if _, ok := cache.Item("missing"); ok {
		t.Fatalf("uncached ids must not appear")
	}
}

func TestMoveItemsAppliesBeforeServerAnswers(t *testing.T) {
	cache, api := newTestCache(t)
	res, err := cache.MoveItems(context.Background(), []string{"a", "b"}, strPtr("s1"))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Affected != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := bucketIDs(cache.Bucket("s1"))
	if !equalIDs(got, []string{"c", "a", "b"}) {
		t.Fatalf("moved items should be appended in order, got %v", got)
	}
	if a, _ := cache.Item("a"); a.Position != 2000 {
		t.Fatalf("trusting the optimistic state keeps local positions, got %d", a.Position)
	}
	if api.moves != 1 {
		t.Fatalf("expected a single server call, got %d", api.moves)
	}
}

func TestMoveItemsRollsBackOnFailure(t *testing.T) {
	cache, api := newTestCache(t)
	api.failing = true
	_, err := cache.MoveItems(context.Background(), []string{"a", "b"}, strPtr("s1"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError || apiErr.Code != "internal_error" {
		t.Fatalf("expected api error, got %v", err)
	}
	if got := bucketIDs(cache.Bucket(Backlog)); !equalIDs(got, []string{"a", "b", "d"}) {
		t.Fatalf("backlog should be restored, got %v", got)
	}
	if got := bucketIDs(cache.Bucket("s1")); !equalIDs(got, []string{"c"}) {
		t.Fatalf("sprint should be restored, got %v", got)
	}
}

func TestMoveItemsReconcilesPartialFailure(t *testing.T) {
	cache, api := newTestCache(t)
	api.refuse["b"] = true
	delete(api.items, "d")
	res, err := cache.MoveItems(context.Background(), []string{"a", "b", "d"}, strPtr("s1"))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Affected != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if b, _ := cache.Item("b"); b.Bucket() != Backlog || b.Position != 2000 {
		t.Fatalf("refused item should be restored, got %+v", b)
	}
	if _, ok := cache.Item("d"); ok {
		t.Fatalf("items the server lost should be dropped")
	}
	if a, _ := cache.Item("a"); a.Bucket() != "s1" {
		t.Fatalf("moved item should stay moved, got %+v", a)
	}
}

func TestMoveItemsRefetchUsesServerState(t *testing.T) {
	cache, _ := newTestCache(t)
	cache.Refetch = true
	if _, err := cache.MoveItems(context.Background(), []string{"a"}, nil); err != nil {
		t.Fatalf("move: %v", err)
	}
	if a, _ := cache.Item("a"); a.Position != 5000 {
		t.Fatalf("refetch should replace the optimistic position, got %d", a.Position)
	}
}

func TestDeleteItemsCascadesLocally(t *testing.T) {
	cache, api := newTestCache(t)
	api.refuse["a"] = true
	res, err := cache.DeleteItems(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Affected != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := cache.Item("d"); ok {
		t.Fatalf("child of a deleted item should be gone")
	}
	if _, ok := cache.Item("a"); !ok {
		t.Fatalf("refused delete should be restored")
	}

	api.failing = true
	if _, err := cache.DeleteItems(context.Background(), []string{"a", "c"}); err == nil {
		t.Fatalf("expected error")
	}
	if cache.Len() != 2 {
		t.Fatalf("failed delete should restore every item, got %d", cache.Len())
	}
}

func TestUpdateItemTakesServerCopy(t *testing.T) {
	cache, api := newTestCache(t)
	ctx := context.Background()
	it, err := cache.UpdateItem(ctx, "a", map[string]any{"status": "done"}, func(it *Item) { it.Status = "done" })
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cached, _ := cache.Item("a"); cached.Status != "done" || cached.UpdatedAt != "server" || it.UpdatedAt != "server" {
		t.Fatalf("server copy should replace optimistic state, got %+v", cached)
	}

	api.failing = true
	if _, err := cache.UpdateItem(ctx, "b", map[string]any{"title": "x"}, func(it *Item) { it.Title = "x" }); err == nil {
		t.Fatalf("expected error")
	}
	if b, _ := cache.Item("b"); b.Title != "B" {
		t.Fatalf("failed update should roll back, got %+v", b)
	}

	api.failing = false
	delete(api.items, "c")
	_, err = cache.UpdateItem(ctx, "c", map[string]any{"title": "x"}, func(it *Item) { it.Title = "x" })
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := cache.Item("c"); ok {
		t.Fatalf("item gone on the server should leave the cache")
	}
}
