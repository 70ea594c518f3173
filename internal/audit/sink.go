package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"trackline/internal/domain"
)

// Event is one audit record before it is persisted.
type Event struct {
	WorkspaceID string
	ProjectID   string
	ActorID     string
	EntityKind  string
	EntityID    string
	Metadata    Metadata
}

// Recorder accepts events without blocking the caller and without reporting
// persistence failures back to it.
type Recorder interface {
	Record(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(Event) {}

// Writer persists a single entry.
type Writer interface {
	InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error
}

type job struct {
	entry   domain.AuditEntry
	barrier chan struct{}
}

// Sink queues events on a bounded channel and writes them from a single
// worker goroutine. A full queue drops the event.
type Sink struct {
	w      Writer
	logger *log.Logger
	Now    func() time.Time

	queue chan job
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	failing  atomic.Bool
	dropping atomic.Bool
}

const writeTimeout = 5 * time.Second

func NewSink(w Writer, logger *log.Logger, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Sink{
		w:      w,
		logger: logger,
		Now:    time.Now,
		queue:  make(chan job, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) Record(ev Event) {
	if s == nil || ev.Metadata == nil {
		return
	}
	entry, err := s.entry(ev)
	if err != nil {
		s.logger.Printf("audit: encode %s %s: %v", ev.Metadata.Action(), ev.EntityID, err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- job{entry: entry}:
		if s.dropping.Swap(false) {
			s.logger.Printf("audit: queue accepting events again")
		}
	default:
		if !s.dropping.Swap(true) {
			s.logger.Printf("audit: queue full, dropping %s %s", entry.Action, entry.EntityID)
		}
	}
}

func (s *Sink) entry(ev Event) (domain.AuditEntry, error) {
	payload, err := json.Marshal(ev.Metadata)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return domain.AuditEntry{
		WorkspaceID: ev.WorkspaceID,
		ProjectID:   ev.ProjectID,
		ActorID:     ev.ActorID,
		Action:      ev.Metadata.Action(),
		EntityKind:  ev.EntityKind,
		EntityID:    ev.EntityID,
		Metadata:    string(payload),
		CreatedAt:   now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Flush waits until every event recorded before the call has been handled.
func (s *Sink) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	barrier := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("audit sink closed")
	}
	select {
	case s.queue <- job{barrier: barrier}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (s *Sink) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for j := range s.queue {
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		s.write(j.entry)
	}
}

func (s *Sink) write(e domain.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.w.InsertAuditEntry(ctx, e); err != nil {
		if !s.failing.Swap(true) {
			s.logger.Printf("audit: write %s %s: %v", e.Action, e.EntityID, err)
		}
		return
	}
	if s.failing.Swap(false) {
		s.logger.Printf("audit: writes recovered")
	}
}
