package app

import (
	"context"
	"errors"
	"fmt"

	"madr/pkg/domain"
	"madr/pkg/store"
)

// NewBook is the book creation payload.
type NewBook struct {
	Title    string `json:"title" validate:"required,max=255"`
	Year     int    `json:"year" validate:"pubyear"`
	AuthorID int64  `json:"author_id" validate:"gt=0"`
}

// CreateBook stores a book under its normalised title.
func (a *App) CreateBook(ctx context.Context, in NewBook) (domain.Book, error) {
	title := domain.NormalizeName(in.Title)
	if err := a.rules.check(NewBook{Title: title, Year: in.Year, AuthorID: in.AuthorID}); err != nil {
		return domain.Book{}, err
	}
	if _, found, err := a.store.GetBookByTitle(ctx, title); err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	} else if found {
		return domain.Book{}, alreadyInMADR(title)
	}
	if _, found, err := a.store.GetAuthor(ctx, in.AuthorID); err != nil {
		return domain.Book{}, fmt.Errorf("fetch author: %w", err)
	} else if !found {
		return domain.Book{}, authorMissing(in.AuthorID)
	}
	book, err := a.store.CreateBook(ctx, domain.Book{Title: title, Year: in.Year, AuthorID: in.AuthorID})
	if errors.Is(err, store.ErrDuplicate) {
		return domain.Book{}, alreadyInMADR(title)
	}
	if err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	return book, nil
}

// GetBook returns a book by id.
func (a *App) GetBook(ctx context.Context, id int64) (domain.Book, error) {
	book, found, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !found {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// UpdateBookYear changes a book's publication year, the only mutable field.
func (a *App) UpdateBookYear(ctx context.Context, id int64, year int) (domain.Book, error) {
	if err := a.rules.check(bookYear{Year: year}); err != nil {
		return domain.Book{}, err
	}
	book, err := a.store.SetBookYear(ctx, id, year)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Book{}, ErrBookNotFound
	}
	if err != nil {
		return domain.Book{}, fmt.Errorf("update book: %w", err)
	}
	return book, nil
}

// ListBooks returns one page of books whose title contains q.Search,
// optionally restricted to year.
func (a *App) ListBooks(ctx context.Context, q domain.ListQuery, year int) (domain.Page[domain.Book], error) {
	if err := ValidateListQuery(q); err != nil {
		return domain.Page[domain.Book]{}, err
	}
	if year < 0 {
		return domain.Page[domain.Book]{}, &ValidationError{Fields: []FieldError{{
			Field: "year", Msg: "Input should be greater than or equal to 0", Type: "greater_than_equal",
		}}}
	}
	return a.store.ListBooks(ctx, store.BookFilter{ListQuery: q, Year: year})
}

// DeleteBook removes one book.
func (a *App) DeleteBook(ctx context.Context, id int64) error {
	missing, err := a.store.DeleteBooks(ctx, []int64{id})
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if len(missing) > 0 {
		return ErrBookNotFound
	}
	return nil
}

// DeleteBooks removes every id or, when any is unknown, none of them.
func (a *App) DeleteBooks(ctx context.Context, ids []int64) (int, error) {
	if err := checkIDs(ids); err != nil {
		return 0, err
	}
	missing, err := a.store.DeleteBooks(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete books: %w", err)
	}
	if len(missing) > 0 {
		return 0, idsNotFound("Book", missing)
	}
	return countUnique(ids), nil
}
