package liststate

import (
	"context"
	"fmt"
	"sync"

	"madr/pkg/apiclient"
	"madr/pkg/domain"
)

// Fetcher loads one page of rows.
type Fetcher[T any] func(ctx context.Context, q domain.ListQuery) apiclient.Envelope[domain.Page[T]]

// Deleter removes rows by id in one call.
type Deleter func(ctx context.Context, ids []int64) apiclient.Envelope[apiclient.Message]

// NotificationKind is the tone of a toast.
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
)

// Notification is a user-facing message raised by the controller.
type Notification struct {
	Kind     NotificationKind
	Messages []string
}

// Controller owns a table State and performs fetches and deletes.
// Safe for concurrent use.
type Controller[T any] struct {
	mu     sync.Mutex
	state  State[T]
	fetch  Fetcher[T]
	remove Deleter
	id     func(T) int64
	notify func(Notification)
}

// ControllerConfig wires a Controller.
type ControllerConfig[T any] struct {
	PageSize int
	Fetch    Fetcher[T]
	Delete   Deleter
	// ID extracts a row's id for selection.
	ID     func(T) int64
	Notify func(Notification)
}

func NewController[T any](cfg ControllerConfig[T]) (*Controller[T], error) {
	if cfg.Fetch == nil || cfg.ID == nil {
		return nil, fmt.Errorf("fetch and id funcs required")
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Controller[T]{
		state:  New[T](cfg.PageSize),
		fetch:  cfg.Fetch,
		remove: cfg.Delete,
		id:     cfg.ID,
		notify: notify,
	}, nil
}

// State returns a snapshot.
func (c *Controller[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mount loads the first page.
func (c *Controller[T]) Mount(ctx context.Context) bool {
	return c.load(ctx, 1, c.State().Search)
}

// GoTo loads page, clamped to the known bounds. It reports whether a fetch
// was issued.
func (c *Controller[T]) GoTo(ctx context.Context, page int) bool {
	s := c.State()
	return c.load(ctx, page, s.Search)
}

func (c *Controller[T]) Next(ctx context.Context) bool {
	s := c.State()
	if s.Pagination.CurrentPage >= s.Pagination.MaxPage() {
		return false
	}
	return c.load(ctx, s.Pagination.CurrentPage+1, s.Search)
}

func (c *Controller[T]) Prev(ctx context.Context) bool {
	s := c.State()
	if s.Pagination.CurrentPage <= 1 {
		return false
	}
	return c.load(ctx, s.Pagination.CurrentPage-1, s.Search)
}

// Search filters by text starting from page 1.
func (c *Controller[T]) Search(ctx context.Context, text string) bool {
	return c.load(ctx, 1, text)
}

// Refresh reloads the current page.
func (c *Controller[T]) Refresh(ctx context.Context) bool {
	s := c.State()
	return c.load(ctx, s.Pagination.CurrentPage, s.Search)
}

func (c *Controller[T]) load(ctx context.Context, page int, search string) bool {
	c.mu.Lock()
	next, req, ok := Begin(c.state, page, search)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.state = next
	c.mu.Unlock()
	c.run(ctx, req)
	return true
}

// run performs req and applies the result unless a newer request replaced it.
func (c *Controller[T]) run(ctx context.Context, req Request) {
	env := c.fetch(ctx, req.Query)

	c.mu.Lock()
	if req.Seq != c.state.seq {
		c.mu.Unlock()
		return
	}
	if env.Success {
		c.state = Succeed(c.state, req.Seq, env.Data)
		c.mu.Unlock()
		return
	}
	err := env.Err
	if err == nil {
		err = &apiclient.Error{Kind: apiclient.KindUnknown, Detail: "An unexpected error occurred. Please try again."}
	}
	c.state = Fail(c.state, req.Seq, err)
	c.mu.Unlock()
	c.notify(Notification{Kind: NotifyError, Messages: err.Messages()})
}

func (c *Controller[T]) rowIDs(items []T) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = c.id(item)
	}
	return ids
}

// SelectAll checks every visible row or clears the selection.
func (c *Controller[T]) SelectAll(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = SelectAll(c.state, c.rowIDs(c.state.Items), on)
}

// Toggle flips one visible row.
func (c *Controller[T]) Toggle(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Toggle(c.state, c.rowIDs(c.state.Items), id)
}

// Selected returns the checked ids in row order.
func (c *Controller[T]) Selected() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Selection.IDs(c.rowIDs(c.state.Items))
}

// DeleteSelected removes the checked rows. On success the selection is
// cleared and the table is refetched once; on failure the selection stays.
func (c *Controller[T]) DeleteSelected(ctx context.Context) bool {
	ids := c.Selected()
	if len(ids) == 0 || c.remove == nil {
		return false
	}
	env := c.remove(ctx, ids)
	if !env.Success {
		err := env.Err
		if err == nil {
			err = &apiclient.Error{Kind: apiclient.KindUnknown, Detail: "An unexpected error occurred. Please try again."}
		}
		c.notify(Notification{Kind: NotifyError, Messages: err.Messages()})
		return false
	}
	// Deleted supersedes any fetch in flight; the refetch always runs.
	c.mu.Lock()
	var page int
	c.state, page = Deleted(c.state, len(ids))
	next, req, _ := Begin(c.state, page, c.state.Search)
	c.state = next
	c.mu.Unlock()
	if env.Data.Message != "" {
		c.notify(Notification{Kind: NotifySuccess, Messages: []string{env.Data.Message}})
	}
	c.run(ctx, req)
	return true
}
