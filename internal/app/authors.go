package app

import (
	"context"
	"errors"
	"fmt"

	"madr/pkg/domain"
	"madr/pkg/store"
)

// CreateAuthor stores a new author under its normalised name.
func (a *App) CreateAuthor(ctx context.Context, name string) (domain.Author, error) {
	name = domain.NormalizeName(name)
	if err := a.rules.check(catalogName{Name: name}); err != nil {
		return domain.Author{}, err
	}
	if _, found, err := a.store.GetAuthorByName(ctx, name); err != nil {
		return domain.Author{}, fmt.Errorf("fetch author: %w", err)
	} else if found {
		return domain.Author{}, alreadyInMADR(name)
	}
	author, err := a.store.CreateAuthor(ctx, name)
	if errors.Is(err, store.ErrDuplicate) {
		return domain.Author{}, alreadyInMADR(name)
	}
	if err != nil {
		return domain.Author{}, fmt.Errorf("create author: %w", err)
	}
	return author, nil
}

// GetAuthor returns an author by id.
func (a *App) GetAuthor(ctx context.Context, id int64) (domain.Author, error) {
	author, found, err := a.store.GetAuthor(ctx, id)
	if err != nil {
		return domain.Author{}, fmt.Errorf("fetch author: %w", err)
	}
	if !found {
		return domain.Author{}, ErrAuthorNotFound
	}
	return author, nil
}

// RenameAuthor changes an author's name.
func (a *App) RenameAuthor(ctx context.Context, id int64, name string) (domain.Author, error) {
	name = domain.NormalizeName(name)
	if err := a.rules.check(catalogName{Name: name}); err != nil {
		return domain.Author{}, err
	}
	current, err := a.GetAuthor(ctx, id)
	if err != nil {
		return domain.Author{}, err
	}
	if current.Name == name {
		return current, nil
	}
	author, err := a.store.RenameAuthor(ctx, id, name)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return domain.Author{}, alreadyInMADR(name)
	case errors.Is(err, store.ErrNotFound):
		return domain.Author{}, ErrAuthorNotFound
	case err != nil:
		return domain.Author{}, fmt.Errorf("rename author: %w", err)
	}
	return author, nil
}

// ListAuthors returns one page of authors whose name contains q.Search.
func (a *App) ListAuthors(ctx context.Context, q domain.ListQuery) (domain.Page[domain.Author], error) {
	if err := ValidateListQuery(q); err != nil {
		return domain.Page[domain.Author]{}, err
	}
	return a.store.ListAuthors(ctx, q)
}

// DeleteAuthor removes one author and their books.
func (a *App) DeleteAuthor(ctx context.Context, id int64) error {
	missing, err := a.store.DeleteAuthors(ctx, []int64{id})
	if err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	if len(missing) > 0 {
		return ErrAuthorNotFound
	}
	return nil
}

// DeleteAuthors removes every id or, when any is unknown, none of them.
func (a *App) DeleteAuthors(ctx context.Context, ids []int64) (int, error) {
	if err := checkIDs(ids); err != nil {
		return 0, err
	}
	missing, err := a.store.DeleteAuthors(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete authors: %w", err)
	}
	if len(missing) > 0 {
		return 0, idsNotFound("Author", missing)
	}
	return countUnique(ids), nil
}

func countUnique(ids []int64) int {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}
