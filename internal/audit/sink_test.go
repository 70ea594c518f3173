package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"trackline/internal/domain"
)

type memWriter struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (m *memWriter) InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	if m.entered != nil {
		m.once.Do(func() { close(m.entered) })
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memWriter) snapshot() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...)
}

func TestSinkWritesTypedMetadata(t *testing.T) {
	w := &memWriter{}
	s := NewSink(w, log.New(&bytes.Buffer{}, "", 0), 8)
	s.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	s.Record(Event{
		WorkspaceID: "ws-1", ProjectID: "proj-1", ActorID: "alice",
		EntityKind: "sprint", EntityID: "sp-1",
		Metadata: SprintCompleted{Disposition: "backlog", MovedItemIDs: []string{"a", "b"}, TotalPoints: 8, CompletedPoints: 3},
	})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := w.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.Action != ActionSprintCompleted || e.EntityID != "sp-1" || e.CreatedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	var meta SprintCompleted
	if err := json.Unmarshal([]byte(e.Metadata), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Disposition != "backlog" || len(meta.MovedItemIDs) != 2 || meta.CompletedPoints != 3 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSinkFailureIsLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	w := &memWriter{err: errors.New("disk full")}
	s := NewSink(w, log.New(&buf, "", 0), 8)
	for i := 0; i < 3; i++ {
		s.Record(Event{WorkspaceID: "ws", ActorID: "a", EntityKind: "work_item", EntityID: "x", Metadata: ItemDeleted{Key: "PROJ-1"}})
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := strings.Count(buf.String(), "disk full"); n != 1 {
		t.Fatalf("expected one failure line, got %d: %q", n, buf.String())
	}
	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	s.Record(Event{WorkspaceID: "ws", ActorID: "a", EntityKind: "work_item", EntityID: "y", Metadata: ItemDeleted{Key: "PROJ-2"}})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !strings.Contains(buf.String(), "recovered") {
		t.Fatalf("expected recovery line, got %q", buf.String())
	}
	s.Close(context.Background())
}

func TestSinkDropsWhenFull(t *testing.T) {
	var buf bytes.Buffer
	w := &memWriter{block: make(chan struct{}), entered: make(chan struct{})}
	s := NewSink(w, log.New(&buf, "", 0), 1)
	s.Record(Event{WorkspaceID: "ws", ActorID: "a", EntityKind: "work_item", EntityID: "x", Metadata: ItemCreated{Key: "PROJ-0"}})
	<-w.entered
	for i := 0; i < 10; i++ {
		s.Record(Event{WorkspaceID: "ws", ActorID: "a", EntityKind: "work_item", EntityID: "x", Metadata: ItemCreated{Key: "PROJ-1"}})
	}
	close(w.block)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(w.snapshot()); got != 2 {
		t.Fatalf("expected 2 writes, got %d", got)
	}
	if strings.Count(buf.String(), "queue full") != 1 {
		t.Fatalf("expected a single drop line, got %q", buf.String())
	}
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	w := &memWriter{}
	s := NewSink(w, log.New(&bytes.Buffer{}, "", 0), 4)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	s.Record(Event{WorkspaceID: "ws", ActorID: "a", EntityKind: "work_item", EntityID: "x", Metadata: ItemCreated{}})
	if len(w.snapshot()) != 0 {
		t.Fatalf("expected no writes after close")
	}
	var nilSink *Sink
	nilSink.Record(Event{Metadata: ItemCreated{}})
}
