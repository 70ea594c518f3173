package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"trackline/internal/audit"
	"trackline/internal/domain"
	"trackline/internal/repo"
)

type BulkStatus string

const (
	BulkMoved     BulkStatus = "moved"
	BulkUnchanged BulkStatus = "unchanged"
	BulkDeleted   BulkStatus = "deleted"
	BulkNotFound  BulkStatus = "not_found"
	BulkSkipped   BulkStatus = "skipped"
	BulkFailed    BulkStatus = "failed"
)

type BulkOutcome struct {
	ID     string     `json:"id"`
	Status BulkStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// BulkResult reports how many items ended in the requested state and what
// happened to each id.
type BulkResult struct {
	Affected int           `json:"affected"`
	Outcomes []BulkOutcome `json:"outcomes"`
}

type BulkMoveOptions struct {
	ProjectID string
	ActorID   string
	IDs       []string
	// SprintID is the destination; empty means the backlog.
	SprintID string
}

// BulkMove moves each item to the destination independently. Items already
// there count as affected without a write, so repeating a call is harmless.
func (e Engine) BulkMove(ctx context.Context, opts BulkMoveOptions) (BulkResult, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.Repo.GetProject(ctx, e.DB, opts.ProjectID); err != nil {
		return BulkResult{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	dest := optionalString(opts.SprintID)
	if dest != nil {
		if _, err := e.openSprint(ctx, e.DB, opts.ProjectID, *dest); err != nil {
			return BulkResult{}, err
		}
	}
	return e.fanOut(opts.IDs, func(id string) BulkOutcome {
		return e.moveOne(ctx, opts.ProjectID, id, dest, opts.ActorID)
	}, BulkMoved, BulkUnchanged)
}

func (e Engine) moveOne(ctx context.Context, projectID, id string, dest *string, actorID string) BulkOutcome {
	var (
		item   domain.WorkItem
		status BulkStatus
		pos    int64
	)
	err := e.retryOnConflict(ctx, "bulk move", func(int) error {
		return e.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			item, err = e.Repo.GetItemInProject(ctx, tx, projectID, id)
			if err != nil {
				return err
			}
			if dest != nil && item.Type == domain.TypeEpic {
				status = BulkSkipped
				return nil
			}
			if item.Bucket() == domain.BucketFor(dest) {
				status = BulkUnchanged
				return nil
			}
			if dest != nil {
				if _, err := e.openSprint(ctx, tx, projectID, *dest); err != nil {
					return err
				}
			}
			pos, err = e.appendPosition(ctx, tx, projectID, domain.BucketFor(dest))
			if err != nil {
				return err
			}
			status = BulkMoved
			return e.Repo.MoveItem(ctx, tx, item.ID, dest, pos, e.timestamp())
		})
	})
	if err != nil {
		return e.failedOutcome(id, err)
	}
	out := BulkOutcome{ID: id, Status: status}
	if status == BulkSkipped {
		out.Error = "epics cannot be planned into a sprint"
	}
	if status == BulkMoved {
		e.record(audit.Event{
			WorkspaceID: item.WorkspaceID, ProjectID: item.ProjectID, ActorID: actorID,
			EntityKind: "work_item", EntityID: item.ID,
			Metadata: audit.ItemMoved{Key: item.Key, FromSprintID: item.SprintID, ToSprintID: dest, Position: pos, Bulk: true},
		})
	}
	return out
}

type BulkDeleteOptions struct {
	ProjectID string
	ActorID   string
	IDs       []string
}

// BulkDelete deletes each item and its descendants independently. Missing
// ids, including descendants already removed through their parent, are
// reported as not_found and do not count as affected.
func (e Engine) BulkDelete(ctx context.Context, opts BulkDeleteOptions) (BulkResult, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.Repo.GetProject(ctx, e.DB, opts.ProjectID); err != nil {
		return BulkResult{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	return e.fanOut(opts.IDs, func(id string) BulkOutcome {
		item, cascaded, err := e.deleteItem(ctx, opts.ProjectID, id)
		if err != nil {
			return e.failedOutcome(id, err)
		}
		e.record(audit.Event{
			WorkspaceID: item.WorkspaceID, ProjectID: item.ProjectID, ActorID: opts.ActorID,
			EntityKind: "work_item", EntityID: item.ID,
			Metadata: audit.ItemDeleted{Key: item.Key, Cascaded: cascaded, Bulk: true},
		})
		return BulkOutcome{ID: id, Status: BulkDeleted}
	}, BulkDeleted)
}

// fanOut runs op for every distinct id with bounded concurrency. A failing id
// never stops the others.
func (e Engine) fanOut(ids []string, op func(id string) BulkOutcome, counted ...BulkStatus) (BulkResult, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return BulkResult{}, invalid("ids", "at least one id is required")
	}
	outcomes := make([]BulkOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(e.bulkConcurrency())
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = op(id)
			return nil
		})
	}
	_ = g.Wait()
	res := BulkResult{Outcomes: outcomes}
	for _, o := range outcomes {
		for _, c := range counted {
			if o.Status == c {
				res.Affected++
				break
			}
		}
	}
	return res, nil
}

func (e Engine) failedOutcome(id string, err error) BulkOutcome {
	var ve ValidationError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return BulkOutcome{ID: id, Status: BulkNotFound}
	case errors.As(err, &ve):
		return BulkOutcome{ID: id, Status: BulkSkipped, Error: ve.Error()}
	case errors.Is(err, repo.ErrConflict):
		return BulkOutcome{ID: id, Status: BulkFailed, Error: "conflict"}
	}
	e.logf("engine: bulk operation on %s: %v", id, err)
	return BulkOutcome{ID: id, Status: BulkFailed, Error: "internal error"}
}
