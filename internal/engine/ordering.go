package engine

import (
	"context"
	"fmt"

	"trackline/internal/repo"
)

// Gap is the distance between positions handed out by appends and renumbering.
const Gap int64 = 1000

func (e Engine) appendPosition(ctx context.Context, q repo.Querier, projectID, bucket string) (int64, error) {
	highest, ok, err := e.Repo.MaxPosition(ctx, q, projectID, bucket)
	if err != nil {
		return 0, err
	}
	if !ok || highest < 0 {
		return Gap, nil
	}
	return highest + Gap, nil
}

// placeAt returns a free position for itemID in bucket, as close to target as
// possible. A free target is used as is. A taken target yields the midpoint
// between it and the next position; when no integer fits, the bucket is
// renumbered once and the placement recomputed. Renumbering parks itemID at a
// negative position, so the caller must write the returned position.
func (e Engine) placeAt(ctx context.Context, q repo.Querier, projectID, bucket, itemID string, target int64) (int64, error) {
	if target <= 0 {
		return 0, invalid("position", "must be positive")
	}
	for round := 0; round < 2; round++ {
		taken, err := e.Repo.PositionTaken(ctx, q, projectID, bucket, target, itemID)
		if err != nil {
			return 0, err
		}
		if !taken {
			return target, nil
		}
		upper := target + 2*Gap
		next, ok, err := e.Repo.NextPosition(ctx, q, projectID, bucket, target, itemID)
		if err != nil {
			return 0, err
		}
		if ok {
			upper = next
		}
		if upper-target > 1 {
			return target + (upper-target)/2, nil
		}
		if round == 0 {
			if target, err = e.renumber(ctx, q, projectID, bucket, itemID, target); err != nil {
				return 0, err
			}
		}
	}
	return 0, fmt.Errorf("no free position near %d in bucket %s", target, bucket)
}

// renumber rewrites the bucket to Gap, 2*Gap, ... in display order and returns
// the new position of the item that held target. Two passes keep the unique
// (project, bucket, position) index satisfied throughout.
func (e Engine) renumber(ctx context.Context, q repo.Querier, projectID, bucket, movingID string, target int64) (int64, error) {
	slots, err := e.Repo.BucketSlots(ctx, q, projectID, bucket)
	if err != nil {
		return 0, err
	}
	for i, s := range slots {
		if err := e.Repo.SetPosition(ctx, q, s.ID, -int64(i+1)); err != nil {
			return 0, fmt.Errorf("renumber %s: %w", bucket, err)
		}
	}
	mapped := int64(-1)
	var k int64
	for _, s := range slots {
		if s.ID == movingID {
			continue
		}
		k++
		pos := k * Gap
		if err := e.Repo.SetPosition(ctx, q, s.ID, pos); err != nil {
			return 0, fmt.Errorf("renumber %s: %w", bucket, err)
		}
		if mapped < 0 && s.Position == target {
			mapped = pos
		}
	}
	if mapped < 0 {
		return 0, fmt.Errorf("renumber %s: position %d vanished", bucket, target)
	}
	e.logf("engine: renumbered bucket %s of project %s (%d items)", bucket, projectID, len(slots))
	return mapped, nil
}
