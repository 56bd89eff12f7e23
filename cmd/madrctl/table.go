package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"madr/pkg/domain"
	"madr/pkg/liststate"
)

// tableView is a list view over one resource.
type tableView interface {
	next(ctx context.Context)
	prev(ctx context.Context)
	goTo(ctx context.Context, page int)
	search(ctx context.Context, text string)
	selectAll(on bool)
	toggleRow(n int) bool
	deleteSelected(ctx context.Context) bool
	render(w io.Writer)
}

type table[T any] struct {
	ctl     *liststate.Controller[T]
	id      func(T) int64
	columns []string
	row     func(T) []string
}

func (t table[T]) next(ctx context.Context)             { t.ctl.Next(ctx) }
func (t table[T]) prev(ctx context.Context)             { t.ctl.Prev(ctx) }
func (t table[T]) goTo(ctx context.Context, page int)   { t.ctl.GoTo(ctx, page) }
func (t table[T]) search(ctx context.Context, s string) { t.ctl.Search(ctx, s) }
func (t table[T]) selectAll(on bool)                    { t.ctl.SelectAll(on) }

func (t table[T]) deleteSelected(ctx context.Context) bool {
	return t.ctl.DeleteSelected(ctx)
}

// toggleRow flips the n-th visible row, counting from 1.
func (t table[T]) toggleRow(n int) bool {
	items := t.ctl.State().Items
	if n < 1 || n > len(items) {
		return false
	}
	t.ctl.Toggle(t.id(items[n-1]))
	return true
}

func (t table[T]) render(w io.Writer) {
	s := t.ctl.State()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\t[ ]\t"+strings.Join(t.columns, "\t"))
	for i, item := range s.Items {
		mark := "[ ]"
		if s.Selection.Has(t.id(item)) {
			mark = "[x]"
		}
		fmt.Fprintln(tw, strconv.Itoa(i+1)+"\t"+mark+"\t"+strings.Join(t.row(item), "\t"))
	}
	_ = tw.Flush()
	if len(s.Items) == 0 {
		fmt.Fprintln(w, "(no rows)")
	}
	total := max(s.Pagination.TotalResults, 0)
	footer := fmt.Sprintf("page %d/%d, %d result(s)", s.Pagination.CurrentPage, s.Pagination.MaxPage(), total)
	if n := len(s.Selection); n > 0 {
		footer += fmt.Sprintf(", %d selected", n)
	}
	if s.Search != "" {
		footer += fmt.Sprintf(", search %q", s.Search)
	}
	fmt.Fprintln(w, footer)
}

func (sh *shell) table() tableView {
	if sh.view == viewBooks {
		return table[domain.Book]{
			ctl:     sh.booksTable,
			id:      func(b domain.Book) int64 { return b.ID },
			columns: []string{"ID", "TITLE", "YEAR", "AUTHOR"},
			row: func(b domain.Book) []string {
				return []string{strconv.FormatInt(b.ID, 10), b.Title, strconv.Itoa(b.Year), b.Author}
			},
		}
	}
	return table[domain.Author]{
		ctl:     sh.authorsTable,
		id:      func(a domain.Author) int64 { return a.ID },
		columns: []string{"ID", "NAME"},
		row: func(a domain.Author) []string {
			return []string{strconv.FormatInt(a.ID, 10), a.Name}
		},
	}
}

func (sh *shell) render() {
	if sh.view == viewNone {
		return
	}
	sh.table().render(sh.out)
}
