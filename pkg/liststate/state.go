// Package liststate drives a paginated, searchable, selectable resource table.
// State transitions are pure functions; Controller runs their effects.
package liststate

import (
	"madr/pkg/apiclient"
	"madr/pkg/domain"
)

// Status is the table's fetch phase.
type Status int

const (
	Idle Status = iota
	Loading
	Loaded
	Failed
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Pagination tracks the visible page. TotalResults is -1 until the first
// successful load.
type Pagination struct {
	TotalResults int
	PageSize     int
	CurrentPage  int
}

// MaxPage is the last page holding results, at least 1.
func (p Pagination) MaxPage() int {
	if p.TotalResults < 0 {
		return 1
	}
	return domain.PageCount(p.TotalResults, p.PageSize)
}

// Clamp bounds page to [1, MaxPage].
func (p Pagination) Clamp(page int) int {
	return min(max(page, 1), p.MaxPage())
}

// Selection is the set of checked row ids on the visible page.
type Selection map[int64]struct{}

func (s Selection) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the selected ids in the order of rows.
func (s Selection) IDs(rows []int64) []int64 {
	out := make([]int64, 0, len(s))
	for _, id := range rows {
		if s.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// State is one table's view model.
type State[T any] struct {
	Status     Status
	Items      []T
	Pagination Pagination
	Search     string
	Selection  Selection
	Err        *apiclient.Error
	// seq identifies the in-flight request; older responses are ignored.
	seq uint64
}

// New returns the idle state for a table of pageSize rows.
func New[T any](pageSize int) State[T] {
	if pageSize <= 0 {
		pageSize = domain.DefaultListLimit
	}
	return State[T]{
		Pagination: Pagination{TotalResults: -1, PageSize: pageSize, CurrentPage: 1},
		Selection:  Selection{},
	}
}

// Request is a fetch the caller must perform.
type Request struct {
	Seq   uint64
	Query domain.ListQuery
}

// Begin moves to Loading for page and search. It reports false, leaving s
// unchanged, while another fetch is in flight. page is clamped.
func Begin[T any](s State[T], page int, search string) (State[T], Request, bool) {
	if s.Status == Loading {
		return s, Request{}, false
	}
	page = s.Pagination.Clamp(page)
	if page != s.Pagination.CurrentPage || search != s.Search {
		s.Selection = Selection{}
	}
	s.Status = Loading
	s.Search = search
	s.Pagination.CurrentPage = page
	s.seq++
	return s, Request{Seq: s.seq, Query: domain.ListQuery{
		Limit:  s.Pagination.PageSize,
		Offset: domain.PageOffset(page, s.Pagination.PageSize),
		Search: search,
	}}, true
}

// Succeed stores a fetched page. Responses for superseded requests are
// dropped.
func Succeed[T any](s State[T], seq uint64, page domain.Page[T]) State[T] {
	if seq != s.seq || s.Status != Loading {
		return s
	}
	s.Status = Loaded
	s.Err = nil
	s.Items = page.Items
	s.Pagination.TotalResults = page.TotalResults
	return s
}

// Fail records err and empties the rows.
func Fail[T any](s State[T], seq uint64, err *apiclient.Error) State[T] {
	if seq != s.seq || s.Status != Loading {
		return s
	}
	s.Status = Failed
	s.Err = err
	s.Items = nil
	return s
}

// SelectAll checks every visible row, or clears the selection when on is
// false.
func SelectAll[T any](s State[T], ids []int64, on bool) State[T] {
	sel := Selection{}
	if on {
		for _, id := range ids {
			sel[id] = struct{}{}
		}
	}
	s.Selection = sel
	return s
}

// Toggle flips id when it is a visible row.
func Toggle[T any](s State[T], ids []int64, id int64) State[T] {
	visible := false
	for _, v := range ids {
		if v == id {
			visible = true
			break
		}
	}
	if !visible {
		return s
	}
	sel := make(Selection, len(s.Selection)+1)
	for k := range s.Selection {
		sel[k] = struct{}{}
	}
	if sel.Has(id) {
		delete(sel, id)
	} else {
		sel[id] = struct{}{}
	}
	s.Selection = sel
	return s
}

// Deleted applies a successful delete of n rows: the selection is cleared and
// the page steps back when the current one no longer exists. A fetch still in
// flight is superseded. It returns the page to refetch.
func Deleted[T any](s State[T], n int) (State[T], int) {
	if s.Status == Loading {
		s.Status = Idle
	}
	s.seq++
	s.Selection = Selection{}
	if s.Pagination.TotalResults >= 0 {
		s.Pagination.TotalResults = max(0, s.Pagination.TotalResults-n)
	}
	return s, s.Pagination.Clamp(s.Pagination.CurrentPage)
}
