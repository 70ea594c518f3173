package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"trackline/internal/config"
)

func sample() Notification {
	return Notification{
		Kind:        ItemStatusChanged,
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		ItemID:      "item-1",
		ItemKey:     "PROJ-7",
		Title:       "Fix login",
		ActorID:     "alice",
		Recipients:  []Recipient{{ID: "bob", Name: "Bob"}},
		Old:         "todo",
		New:         "in_progress",
		At:          "2024-01-01T00:00:00Z",
	}
}

func TestRedisDispatcherPushesAndPublishes(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	d := NewRedisDispatcherWithClient(client, "test:")
	defer d.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, d.Key())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := d.Dispatch(ctx, sample()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	items, err := s.List("test:notifications")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued notification, got %d", len(items))
	}
	var got Notification
	if err := json.Unmarshal([]byte(items[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ItemKey != "PROJ-7" || got.New != "in_progress" {
		t.Fatalf("unexpected notification: %+v", got)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !strings.Contains(msg.Payload, `"item_key":"PROJ-7"`) {
		t.Fatalf("unexpected payload: %s", msg.Payload)
	}
}

func TestRedisDispatcherReportsConnectionErrors(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	d := NewRedisDispatcherWithClient(client, "")
	s.Close()
	if err := d.Dispatch(context.Background(), sample()); err == nil {
		t.Fatalf("expected error once redis is gone")
	}
}

func TestWebhookDispatcherFiltersAndSetsHeaders(t *testing.T) {
	var (
		mu       sync.Mutex
		received []http.Header
		bodies   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r.Header.Clone())
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := false
	d := NewWebhookDispatcher([]config.WebhookConfig{
		{URL: srv.URL, Events: []string{string(ItemStatusChanged)}, Secret: "s3cret"},
		{URL: srv.URL, Events: []string{string(ItemAssigned)}},
		{URL: srv.URL, Enabled: &disabled},
	})
	if err := d.Dispatch(context.Background(), sample()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	h := received[0]
	if h.Get("X-Trackline-Event") != string(ItemStatusChanged) || h.Get("X-Trackline-Secret") != "s3cret" || h.Get("X-Trackline-Project") != "proj-1" {
		t.Fatalf("unexpected headers: %v", h)
	}
	if h.Get("X-Trackline-Delivery") == "" {
		t.Fatalf("missing delivery id")
	}
	if !strings.Contains(bodies[0], `"kind":"item.status_changed"`) {
		t.Fatalf("unexpected body: %s", bodies[0])
	}
}

func TestWebhookDispatcherReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	d := NewWebhookDispatcher([]config.WebhookConfig{{URL: srv.URL}})
	err := d.Dispatch(context.Background(), sample())
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type failing struct{}

func (failing) Dispatch(context.Context, Notification) error { return errors.New("boom") }

func TestMultiJoinsErrorsAndKeepsGoing(t *testing.T) {
	var buf bytes.Buffer
	m := Multi{failing{}, LogDispatcher{Logger: log.New(&buf, "", 0)}, nil}
	err := m.Dispatch(context.Background(), sample())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !strings.Contains(buf.String(), "item.status_changed PROJ-7 todo -> in_progress to [bob] by alice") {
		t.Fatalf("unexpected log line: %q", buf.String())
	}
}
