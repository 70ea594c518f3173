// Package notify delivers user facing notifications about work item changes.
// Delivery is best effort: dispatchers log failures and never fail the
// mutation that produced the notification.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
)

type Kind string

const (
	ItemAssigned        Kind = "item.assigned"
	ItemStatusChanged   Kind = "item.status_changed"
	ItemPriorityChanged Kind = "item.priority_changed"
)

type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Notification struct {
	Kind        Kind        `json:"kind"`
	WorkspaceID string      `json:"workspace_id"`
	ProjectID   string      `json:"project_id"`
	ItemID      string      `json:"item_id"`
	ItemKey     string      `json:"item_key"`
	Title       string      `json:"title"`
	ActorID     string      `json:"actor_id"`
	Recipients  []Recipient `json:"recipients"`
	Old         string      `json:"old,omitempty"`
	New         string      `json:"new,omitempty"`
	At          string      `json:"at"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

type Noop struct{}

func (Noop) Dispatch(context.Context, Notification) error { return nil }

// LogDispatcher writes one line per notification.
type LogDispatcher struct {
	Logger *log.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	ids := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		ids = append(ids, r.ID)
	}
	change := ""
	if n.Old != "" || n.New != "" {
		change = " " + n.Old + " -> " + n.New
	}
	logger.Printf("notify: %s %s%s to [%s] by %s", n.Kind, n.ItemKey, change, strings.Join(ids, ","), n.ActorID)
	return nil
}

// Multi fans a notification out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
