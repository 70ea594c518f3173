package tracklinesdk

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// positionGap matches the spacing the server uses when appending to a bucket.
const positionGap = 1000

// Cache keeps a local copy of work items and applies mutations before the
// server confirms them. A failed call restores the items exactly as they were.
type Cache struct {
	Client *Client
	// Refetch re-reads the affected items after a successful call instead of
	// trusting the optimistic state.
	Refetch bool

	mu    sync.RWMutex
	items map[string]Item
}

func NewCache(client *Client) *Cache {
	return &Cache{Client: client, items: map[string]Item{}}
}

// Load fetches every item matching q into the cache.
func (c *Cache) Load(ctx context.Context, q ItemQuery) error {
	items, err := c.Client.ListAllItems(ctx, q)
	if err != nil {
		return err
	}
	c.Put(items...)
	return nil
}

func (c *Cache) Put(items ...Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = map[string]Item{}
	}
	for _, it := range items {
		c.items[it.ID] = cloneItem(it)
	}
}

func (c *Cache) Item(id string) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	if !ok {
		return Item{}, false
	}
	return cloneItem(it), true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Bucket returns the items of a sprint or the backlog in board order. Epics
// are left out like in the server views.
func (c *Cache) Bucket(bucket string) []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Item
	for _, it := range c.items {
		if it.Bucket() == bucket && it.Type != "epic" {
			out = append(out, cloneItem(it))
		}
	}
	slices.SortFunc(out, func(a, b Item) int {
		return cmp.Or(
			cmp.Compare(a.Position, b.Position),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

// PendingChange is an optimistic mutation awaiting confirmation. It holds the
// state of every touched item from before the mutation.
type PendingChange struct {
	cache  *Cache
	before map[string]*Item
	done   bool
}

// Apply runs mutate on each cached item in ids and records a snapshot first.
// mutate returns false to drop the item from the cache. Ids that are not
// cached are ignored.
func (c *Cache) Apply(ids []string, mutate func(*Item) bool) *PendingChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := &PendingChange{cache: c, before: map[string]*Item{}}
	for _, id := range ids {
		it, ok := c.items[id]
		if !ok {
			continue
		}
		if _, seen := pc.before[id]; !seen {
			snap := cloneItem(it)
			pc.before[id] = &snap
		}
		if mutate(&it) {
			c.items[id] = it
		} else {
			delete(c.items, id)
		}
	}
	return pc
}

// Touched returns the ids whose state the change captured.
func (p *PendingChange) Touched() []string {
	ids := make([]string, 0, len(p.before))
	for id := range p.before {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Rollback restores every touched item. It is a no-op after Commit.
func (p *PendingChange) Rollback() {
	p.restore(nil)
	p.done = true
}

// Restore puts back the snapshot of the given ids only.
func (p *PendingChange) Restore(ids ...string) {
	p.restore(ids)
}

func (p *PendingChange) restore(ids []string) {
	if p.done {
		return
	}
	c := p.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, snap := range p.before {
		if ids != nil && !slices.Contains(ids, id) {
			continue
		}
		if snap == nil {
			delete(c.items, id)
			continue
		}
		c.items[id] = cloneItem(*snap)
	}
}

// Commit accepts the optimistic state.
func (p *PendingChange) Commit() {
	p.done = true
}

// MoveItems moves ids into sprintID, or the backlog when nil. Moved items are
// appended to the destination locally, then the server call confirms or
// rolls the move back.
func (c *Cache) MoveItems(ctx context.Context, ids []string, sprintID *string) (BulkResult, error) {
	dest := Backlog
	if sprintID != nil && *sprintID != "" {
		dest = *sprintID
	}
	next := c.maxPosition(dest)
	pc := c.Apply(ids, func(it *Item) bool {
		if it.Bucket() == dest {
			return true
		}
		next += positionGap
		if dest == Backlog {
			it.SprintID = nil
		} else {
			s := dest
			it.SprintID = &s
		}
		it.Position = next
		return true
	})
	res, err := c.Client.BulkMove(ctx, ids, sprintID)
	if err != nil {
		pc.Rollback()
		return res, err
	}
	c.reconcile(ctx, pc, res)
	return res, nil
}

// DeleteItems removes ids and their cached descendants, then confirms with
// the server.
func (c *Cache) DeleteItems(ctx context.Context, ids []string) (BulkResult, error) {
	tree := c.descendants(ids)
	all := slices.Clone(ids)
	for _, root := range ids {
		all = append(all, tree[root]...)
	}
	pc := c.Apply(all, func(*Item) bool { return false })
	res, err := c.Client.BulkDelete(ctx, ids)
	if err != nil {
		pc.Rollback()
		return res, err
	}
	for _, o := range res.Outcomes {
		switch o.Status {
		case "deleted", "not_found":
		default:
			pc.Restore(append([]string{o.ID}, tree[o.ID]...)...)
		}
	}
	pc.Commit()
	return res, nil
}

// UpdateItem applies mutate locally and sends fields to the server. The
// server copy replaces the optimistic one on success.
func (c *Cache) UpdateItem(ctx context.Context, id string, fields map[string]any, mutate func(*Item)) (Item, error) {
	pc := c.Apply([]string{id}, func(it *Item) bool {
		mutate(it)
		return true
	})
	it, err := c.Client.UpdateItem(ctx, id, fields)
	if err != nil {
		if IsNotFound(err) {
			pc.Commit()
			c.drop(id)
			return Item{}, err
		}
		pc.Rollback()
		return Item{}, err
	}
	c.Put(it)
	pc.Commit()
	return it, nil
}

// reconcile keeps the optimistic state of affected items and restores the
// rest. Items the server no longer has are dropped.
func (c *Cache) reconcile(ctx context.Context, pc *PendingChange, res BulkResult) {
	var affected []string
	for _, o := range res.Outcomes {
		switch o.Status {
		case "moved", "unchanged":
			affected = append(affected, o.ID)
		case "not_found":
			c.drop(o.ID)
		default:
			pc.Restore(o.ID)
		}
	}
	pc.Commit()
	if !c.Refetch {
		return
	}
	for _, id := range affected {
		it, err := c.Client.GetItem(ctx, id)
		switch {
		case err == nil:
			c.Put(it)
		case IsNotFound(err):
			c.drop(id)
		}
	}
}

func (c *Cache) drop(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

func (c *Cache) maxPosition(bucket string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var top int64
	for _, it := range c.items {
		if it.Bucket() == bucket && it.Position > top {
			top = it.Position
		}
	}
	return top
}

func (c *Cache) descendants(roots []string) map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	children := map[string][]string{}
	for _, it := range c.items {
		if it.ParentID != nil {
			children[*it.ParentID] = append(children[*it.ParentID], it.ID)
		}
	}
	out := map[string][]string{}
	for _, root := range roots {
		queue := slices.Clone(children[root])
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if slices.Contains(out[root], id) {
				continue
			}
			out[root] = append(out[root], id)
			queue = append(queue, children[id]...)
		}
	}
	return out
}

func cloneItem(it Item) Item {
	it.AssigneeIDs = slices.Clone(it.AssigneeIDs)
	it.Labels = slices.Clone(it.Labels)
	if it.SprintID != nil {
		s := *it.SprintID
		it.SprintID = &s
	}
	if it.EpicID != nil {
		s := *it.EpicID
		it.EpicID = &s
	}
	if it.ParentID != nil {
		s := *it.ParentID
		it.ParentID = &s
	}
	if it.StoryPoints != nil {
		v := *it.StoryPoints
		it.StoryPoints = &v
	}
	return it
}
